// Package orchestrator is the entry point of the core: it routes each
// submitted event, dispatches it to agents or starts a workflow, and
// answers with a response envelope.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/router"
	"github.com/opentalon/conductor/internal/workflow"
)

type Router interface {
	Route(ctx context.Context, ev agent.Event) router.Decision
}

type Dispatcher interface {
	DispatchAll(ctx context.Context, targets []string, action string, payload map[string]any, timeout time.Duration) []dispatch.Result
}

type Workflows interface {
	Start(ctx context.Context, patternName string, ev agent.Event) (*workflow.Instance, bool, error)
	Status(ctx context.Context, id string) (*workflow.Instance, error)
	Wait(ctx context.Context, id string) (*workflow.Instance, error)
}

// HealthSource reports the current status of every registered agent.
// *health.Monitor satisfies it.
type HealthSource interface {
	Snapshot() map[string]agent.Status
}

type Config struct {
	// DispatchTimeout bounds each direct agent call; zero uses the
	// dispatcher default.
	DispatchTimeout time.Duration
	// WorkflowWait is how long Submit waits for a triggered workflow to
	// finish before answering with its current progress.
	WorkflowWait time.Duration
}

type Orchestrator struct {
	router     Router
	dispatcher Dispatcher
	workflows  Workflows
	health     HealthSource
	guard      *Guard
	cfg        Config
	metrics    *metrics.Metrics
}

func New(r Router, d Dispatcher, wf Workflows, h HealthSource, cfg Config, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		router:     r,
		dispatcher: d,
		workflows:  wf,
		health:     h,
		guard:      NewGuard(),
		cfg:        cfg,
		metrics:    m,
	}
}

// Submit processes one event and never returns without an envelope:
// failures are reported through the envelope's status and error.
func (o *Orchestrator) Submit(ctx context.Context, ev agent.Event) Envelope {
	start := time.Now()
	env := o.submit(ctx, ev)
	env.TrackingID = ev.CorrelationID
	env.BusinessContext = ev.BusinessContext
	env.DurationMS = time.Since(start).Milliseconds()
	if env.AgentResults == nil {
		env.AgentResults = map[string]dispatch.AgentResult{}
	}
	for id, r := range env.AgentResults {
		env.AgentResults[id] = o.guard.Sanitize(r)
	}
	env.Error = o.guard.SanitizeError(env.Error)

	o.metrics.ObserveSubmit(string(env.Status))
	if env.Status == dispatch.StatusError {
		log.Printf("orchestrator: event %s (%s) failed: %s", ev.CorrelationID, ev.Type, env.Error)
	}
	return env
}

func (o *Orchestrator) submit(ctx context.Context, ev agent.Event) Envelope {
	if err := o.guard.ValidateEvent(ev); err != nil {
		return errorEnvelope(err)
	}

	d := o.router.Route(ctx, ev)
	if d.Unroutable() {
		return errorEnvelope(&router.UnroutableError{EventType: ev.Type, CorrelationID: ev.CorrelationID})
	}
	if d.Pattern != "" {
		return o.startWorkflow(ctx, d, ev)
	}

	targets := d.Targets
	if !fansOut(d.Strategy) {
		targets = targets[:1]
	}
	results := o.dispatcher.DispatchAll(ctx, targets, ev.Type, agentPayload(ev), o.cfg.DispatchTimeout)
	status, merged := dispatch.Aggregate(results)
	env := Envelope{Status: status, Strategy: d.Strategy, AgentResults: merged}
	if status == dispatch.StatusError {
		env.Error = firstError(results)
	}
	return env
}

func (o *Orchestrator) startWorkflow(ctx context.Context, d router.Decision, ev agent.Event) Envelope {
	inst, created, err := o.workflows.Start(ctx, d.Pattern, ev)
	if err != nil {
		return Envelope{
			Status:   dispatch.StatusError,
			Strategy: d.Strategy,
			Error:    fmt.Sprintf("starting workflow %q: %v", d.Pattern, err),
		}
	}
	if !created {
		log.Printf("orchestrator: event %s already drives workflow %s", ev.CorrelationID, inst.ID)
	}

	if o.cfg.WorkflowWait > 0 && !inst.Status.Terminal() {
		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowWait)
		latest, err := o.workflows.Wait(waitCtx, inst.ID)
		cancel()
		switch {
		case latest != nil:
			inst = latest
		case err != nil && !errors.Is(err, context.DeadlineExceeded):
			log.Printf("orchestrator: waiting on workflow %s: %v", inst.ID, err)
		}
	}

	env := Envelope{
		Status:       workflowStatus(inst),
		Strategy:     d.Strategy,
		AgentResults: stepResults(inst),
		Workflow:     newWorkflowInfo(inst),
	}
	if env.Status != dispatch.StatusProcessed {
		env.Error = inst.Error
	}
	return env
}

// GetWorkflowStatus returns a snapshot of a running or finished instance.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, id string) (*workflow.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", workflow.ErrNotFound)
	}
	return o.workflows.Status(ctx, id)
}

// CheckHealth returns agent id -> status.
func (o *Orchestrator) CheckHealth() map[string]agent.Status {
	if o.health == nil {
		return map[string]agent.Status{}
	}
	return o.health.Snapshot()
}

// fansOut reports whether every target of a decision receives the event.
// Only explicit table rules fan out; the other strategies list candidates
// in priority order and the first one wins.
func fansOut(s router.Strategy) bool {
	return s == router.StrategyDirect || s == router.StrategyEntityAware
}

func errorEnvelope(err error) Envelope {
	return Envelope{Status: dispatch.StatusError, Error: err.Error()}
}

// agentPayload is the event payload plus the event's routing fields.
func agentPayload(ev agent.Event) map[string]any {
	payload := agent.CopyPayload(ev.Payload)
	if _, taken := payload["event"]; !taken {
		payload["event"] = map[string]any{
			"type":             ev.Type,
			"business_context": ev.BusinessContext,
			"correlation_id":   ev.CorrelationID,
		}
	}
	return payload
}

func firstError(results []dispatch.Result) string {
	for _, r := range results {
		if r.Err != nil {
			return r.Err.Error()
		}
	}
	return "no agent produced a result"
}

// workflowStatus maps an instance onto the envelope status. A workflow
// that failed but was fully compensated is partial.
func workflowStatus(inst *workflow.Instance) dispatch.Status {
	switch {
	case inst.Status == workflow.StatusFailed:
		return dispatch.StatusError
	case inst.Status == workflow.StatusCompleted && inst.Error != "":
		return dispatch.StatusPartial
	case inst.Status == workflow.StatusCompensating:
		return dispatch.StatusPartial
	}
	return dispatch.StatusProcessed
}

// stepResults reports the latest outcome of every agent the workflow
// called so far.
func stepResults(inst *workflow.Instance) map[string]dispatch.AgentResult {
	out := make(map[string]dispatch.AgentResult)
	for _, rec := range inst.History {
		if rec.AgentID == "" {
			continue
		}
		status := dispatch.OutcomeSuccess
		if rec.Result == workflow.ResultFailed || rec.Result == workflow.ResultCompensationFailed {
			status = dispatch.OutcomeError
		}
		out[rec.AgentID] = dispatch.AgentResult{
			Status: status,
			Output: rec.Output,
			Error:  rec.Error,
		}
	}
	return out
}

func newWorkflowInfo(inst *workflow.Instance) *WorkflowInfo {
	latest := make(map[string]workflow.StepResult)
	for _, rec := range inst.History {
		latest[rec.StepID] = rec.Result
	}
	info := &WorkflowInfo{
		InstanceID:     inst.ID,
		Pattern:        inst.Pattern,
		PatternVersion: inst.PatternVersion,
		Status:         inst.Status,
		CurrentSteps:   append([]string(nil), inst.Current...),
		Steps:          make(map[string]workflow.StepResult, len(latest)),
		History:        inst.History,
		Error:          inst.Error,
	}
	for id, res := range latest {
		info.Steps[id] = res
		if res.Satisfies() {
			info.StepsDone++
		}
	}
	sort.Strings(info.CurrentSteps)
	return info
}
