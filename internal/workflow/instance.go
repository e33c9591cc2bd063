package workflow

import (
	"time"

	"github.com/opentalon/conductor/internal/agent"
)

type Status string

const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusWaitingOnStep Status = "waiting_on_step"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCompensating  Status = "compensating"
)

// Terminal states are never left once reached.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type StepResult string

const (
	ResultSuccess            StepResult = "success"
	ResultFailed             StepResult = "failed"
	ResultSkipped            StepResult = "skipped"
	ResultCompensated        StepResult = "compensated"
	ResultCompensationFailed StepResult = "compensation_failed"
)

// Satisfies reports whether the outcome lets dependent steps run.
func (r StepResult) Satisfies() bool {
	return r == ResultSuccess || r == ResultSkipped
}

func (r StepResult) compensation() bool {
	return r == ResultCompensated || r == ResultCompensationFailed
}

// StepRecord is one entry of an instance's append-only history.
type StepRecord struct {
	StepID    string         `json:"step_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Result    StepResult     `json:"result_status"`
	Attempt   int            `json:"attempt,omitempty"`
	Error     string         `json:"error,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Instance is one execution of a pattern. Current is derived from History
// and the pattern, so History alone is enough to resume after a restart.
type Instance struct {
	ID              string       `json:"instance_id"`
	Pattern         string       `json:"pattern_name"`
	PatternVersion  int          `json:"pattern_version"`
	BusinessContext string       `json:"business_context,omitempty"`
	CorrelationID   string       `json:"correlation_id"`
	Status          Status       `json:"status"`
	Current         []string     `json:"current_steps,omitempty"`
	History         []StepRecord `json:"history"`
	Event           agent.Event  `json:"event"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Current = append([]string(nil), i.Current...)
	c.History = make([]StepRecord, len(i.History))
	for n, rec := range i.History {
		if rec.Output != nil {
			rec.Output = agent.CopyPayload(rec.Output)
		}
		c.History[n] = rec
	}
	c.Event.Payload = agent.CopyPayload(i.Event.Payload)
	return &c
}

// latestSuccess returns the most recent successful record of a step.
func (i *Instance) latestSuccess(stepID string) (StepRecord, bool) {
	for n := len(i.History) - 1; n >= 0; n-- {
		rec := i.History[n]
		if rec.StepID == stepID && rec.Result == ResultSuccess {
			return rec, true
		}
	}
	return StepRecord{}, false
}
