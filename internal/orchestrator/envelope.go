package orchestrator

import (
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/router"
	"github.com/opentalon/conductor/internal/workflow"
)

// Envelope is the single response to a submitted event. TrackingID is the
// event's correlation id.
type Envelope struct {
	Status          dispatch.Status                 `json:"status"`
	TrackingID      string                          `json:"tracking_id"`
	Strategy        router.Strategy                 `json:"strategy_used,omitempty"`
	AgentResults    map[string]dispatch.AgentResult `json:"agent_results"`
	Workflow        *WorkflowInfo                   `json:"workflow_info"`
	BusinessContext string                          `json:"business_context,omitempty"`
	// DurationMS is the processing time in milliseconds.
	DurationMS int64  `json:"processing_duration"`
	Error      string `json:"error,omitempty"`
}

// WorkflowInfo is present only when the event triggered a workflow.
type WorkflowInfo struct {
	InstanceID     string                         `json:"instance_id"`
	Pattern        string                         `json:"pattern"`
	PatternVersion int                            `json:"pattern_version"`
	Status         workflow.Status                `json:"status"`
	CurrentSteps   []string                       `json:"current_steps,omitempty"`
	Steps          map[string]workflow.StepResult `json:"steps"`
	StepsDone      int                            `json:"steps_done"`
	History        []workflow.StepRecord          `json:"history"`
	Error          string                         `json:"error,omitempty"`
}
