package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/lua"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/notify"
)

// AgentSelector picks agents for a capability. *registry.Registry
// satisfies it.
type AgentSelector interface {
	FindAvailable(capability string) []string
}

// Dispatcher invokes a single agent. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID, action string, payload map[string]any, timeout time.Duration) dispatch.Result
}

type Config struct {
	// StepTimeout applies to steps that do not declare their own.
	StepTimeout time.Duration
	Backoff     Backoff
}

// run is the in-memory owner of one live instance. Its mutex serializes all
// transitions of that instance; no lock spans instances.
type run struct {
	mu       sync.Mutex
	inst     *Instance
	pattern  *Pattern
	inFlight map[string]bool
	timer    *time.Timer
	done     chan struct{}
}

func (r *run) snapshot() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.Clone()
}

// Engine drives workflow instances through their patterns.
type Engine struct {
	catalog    *Catalog
	store      Store
	agents     AgentSelector
	dispatcher Dispatcher
	sink       notify.Sink
	cfg        Config
	metrics    *metrics.Metrics
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the lookup maps, closed and wg.Add; it is never held
	// while a run's mutex is taken.
	mu            sync.Mutex
	runs          map[string]*run
	byCorrelation map[string]string
	closed        bool
}

func NewEngine(catalog *Catalog, store Store, agents AgentSelector, d Dispatcher, sink notify.Sink, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		catalog:       catalog,
		store:         store,
		agents:        agents,
		dispatcher:    d,
		sink:          sink,
		cfg:           cfg,
		metrics:       m,
		now:           func() time.Time { return time.Now().UTC() },
		ctx:           ctx,
		cancel:        cancel,
		runs:          make(map[string]*run),
		byCorrelation: make(map[string]string),
	}
}

// Start creates an instance of the named pattern for ev and begins
// dispatching its first steps. If an instance for ev's correlation id is
// still active, that instance is returned with created=false.
func (e *Engine) Start(ctx context.Context, patternName string, ev agent.Event) (*Instance, bool, error) {
	p, ok := e.catalog.Get(patternName)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownPattern, patternName)
	}

	if existing := e.liveByCorrelation(ev.CorrelationID); existing != nil {
		return existing.snapshot(), false, nil
	}
	stored, err := e.store.LoadActiveForContext(ctx, ev.BusinessContext)
	if err != nil {
		return nil, false, fmt.Errorf("checking active instances: %w", err)
	}
	for _, inst := range stored {
		if inst.CorrelationID == ev.CorrelationID {
			return inst, false, nil
		}
	}

	now := e.now()
	inst := &Instance{
		ID:              "wf_" + uuid.NewString(),
		Pattern:         p.Name,
		PatternVersion:  p.Version,
		BusinessContext: ev.BusinessContext,
		CorrelationID:   ev.CorrelationID,
		Status:          StatusPending,
		History:         []StepRecord{},
		Event:           ev,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r := &run{
		inst:     inst,
		pattern:  p,
		inFlight: make(map[string]bool),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false, ErrClosed
	}
	if id, ok := e.byCorrelation[ev.CorrelationID]; ok {
		existing := e.runs[id]
		e.mu.Unlock()
		return existing.snapshot(), false, nil
	}
	e.runs[inst.ID] = r
	e.byCorrelation[ev.CorrelationID] = inst.ID
	e.mu.Unlock()

	r.mu.Lock()
	if err := e.store.Save(ctx, inst); err != nil {
		r.mu.Unlock()
		e.forget(r)
		return nil, false, fmt.Errorf("saving new instance: %w", err)
	}
	e.metrics.ObserveWorkflow(p.Name, string(StatusPending))
	log.Printf("workflow: started %s (%s v%d) for %s", inst.ID, p.Name, p.Version, ev.CorrelationID)
	e.advance(r)
	snap := r.inst.Clone()
	r.mu.Unlock()

	return snap, true, nil
}

// Resume reloads every non-terminal instance from the store and continues
// it from its history. Steps that were in flight when the process stopped
// are dispatched again.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active instances: %w", err)
	}

	resumed := 0
	for _, inst := range active {
		p, ok := e.catalog.GetVersion(inst.Pattern, inst.PatternVersion)
		if !ok {
			log.Printf("workflow: cannot resume %s: pattern %q not loaded", inst.ID, inst.Pattern)
			continue
		}
		if p.Version != inst.PatternVersion {
			log.Printf("workflow: resuming %s on %s v%d (started on v%d)", inst.ID, p.Name, p.Version, inst.PatternVersion)
		}
		r := &run{
			inst:     inst,
			pattern:  p,
			inFlight: make(map[string]bool),
			done:     make(chan struct{}),
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return resumed, ErrClosed
		}
		if _, ok := e.runs[inst.ID]; ok {
			e.mu.Unlock()
			continue
		}
		e.runs[inst.ID] = r
		e.byCorrelation[inst.CorrelationID] = inst.ID
		e.mu.Unlock()

		r.mu.Lock()
		e.advance(r)
		r.mu.Unlock()
		resumed++
	}
	if resumed > 0 {
		log.Printf("workflow: resumed %d instance(s)", resumed)
	}
	return resumed, nil
}

// Status returns a consistent snapshot of an instance.
func (e *Engine) Status(ctx context.Context, id string) (*Instance, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	return e.store.Load(ctx, id)
}

// Wait blocks until the instance reaches a terminal state or ctx ends, and
// returns the latest snapshot either way.
func (e *Engine) Wait(ctx context.Context, id string) (*Instance, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return e.store.Load(ctx, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Close stops timers, cancels in-flight dispatches and waits for them.
// Instances stay in the store and continue on the next Resume.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	e.cancel()
	for _, r := range runs {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
	}
	e.wg.Wait()
}

func (e *Engine) liveByCorrelation(correlationID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byCorrelation[correlationID]; ok {
		return e.runs[id]
	}
	return nil
}

func (e *Engine) forget(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, r.inst.ID)
	if e.byCorrelation[r.inst.CorrelationID] == r.inst.ID {
		delete(e.byCorrelation, r.inst.CorrelationID)
	}
}

// wake is the timer entry point for delayed steps and retry backoff.
func (e *Engine) wake(r *run) {
	if e.ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = nil
	e.advance(r)
}

// advance moves an instance as far as its history allows. r.mu must be held.
func (e *Engine) advance(r *run) {
	inst := r.inst
	if inst.Status.Terminal() || e.ctx.Err() != nil {
		return
	}
	if inst.Status == StatusCompensating {
		e.compensate(r)
		return
	}

	for {
		plan := Derive(r.pattern, inst.History, inst.CreatedAt, e.cfg.Backoff)

		if plan.Failed != nil {
			if len(r.inFlight) > 0 {
				// Let running siblings settle before failing or compensating.
				e.setStatus(r, StatusWaitingOnStep)
				return
			}
			reason := fmt.Sprintf("step %q failed", plan.Failed.ID)
			if plan.Failed.OnFailure.Kind == FailCompensate && len(CompensationPlan(r.pattern, inst.History)) > 0 {
				inst.Error = reason
				e.setStatus(r, StatusCompensating)
				e.compensate(r)
				return
			}
			e.finish(r, StatusFailed, reason)
			return
		}

		if plan.Complete {
			if len(r.inFlight) == 0 {
				e.finish(r, StatusCompleted, "")
			}
			return
		}

		if inst.Status == StatusPending {
			e.setStatus(r, StatusActive)
		}

		now := e.now()
		var wakeAt time.Time
		changed := false
		for _, rs := range plan.Ready {
			id := rs.Step.ID
			if r.inFlight[id] {
				continue
			}
			if rs.NotBefore.After(now) {
				if wakeAt.IsZero() || rs.NotBefore.Before(wakeAt) {
					wakeAt = rs.NotBefore
				}
				continue
			}
			if rs.Step.Condition != "" {
				ok, err := lua.EvalCondition(e.ctx, rs.Step.Condition, conditionEnv(inst))
				if err != nil {
					result := ResultFailed
					if rs.Step.OnFailure.Kind == FailSkip {
						result = ResultSkipped
					}
					e.record(r, StepRecord{StepID: id, Result: result, Attempt: rs.Attempt, Error: err.Error(), Timestamp: now})
					changed = true
					continue
				}
				if !ok {
					e.record(r, StepRecord{StepID: id, Result: ResultSkipped, Attempt: rs.Attempt, Error: "condition not met", Timestamp: now})
					changed = true
					continue
				}
			}
			r.inFlight[id] = true
			e.launch(r, rs)
		}
		if changed {
			continue
		}

		e.schedule(r, wakeAt, now)
		inst.Current = r.current(wakeAt, plan)
		if len(r.inFlight) > 0 || !wakeAt.IsZero() {
			e.setStatus(r, StatusWaitingOnStep)
		} else {
			e.setStatus(r, StatusActive)
		}
		return
	}
}

// current lists the in-flight steps plus those waiting on a timer.
func (r *run) current(wakeAt time.Time, plan Plan) []string {
	ids := make([]string, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
	}
	if !wakeAt.IsZero() {
		for _, rs := range plan.Ready {
			if !r.inFlight[rs.Step.ID] {
				ids = append(ids, rs.Step.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) schedule(r *run, at, now time.Time) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if at.IsZero() {
		return
	}
	r.timer = time.AfterFunc(at.Sub(now), func() { e.wake(r) })
}

// launch dispatches a step without holding the instance lock for the call.
func (e *Engine) launch(r *run, rs ReadyStep) {
	step := rs.Step
	payload := stepPayload(r.inst, step, rs.Attempt)
	e.spawn(func() {
		rec := e.execute(step, payload)
		rec.Attempt = rs.Attempt
		e.complete(r, step, rec)
	})
}

// spawn runs fn on a goroutine that Close waits for. It reports false and
// does nothing once Close has started.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) stepTimeout(step *StepDef) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return e.cfg.StepTimeout
}

func (e *Engine) execute(step *StepDef, payload map[string]any) StepRecord {
	if step.Notify != nil {
		return e.sendNotification(step, payload)
	}

	rec := StepRecord{StepID: step.ID}
	ids := e.agents.FindAvailable(step.Capability)
	if len(ids) == 0 {
		rec.Result = ResultFailed
		rec.Error = fmt.Sprintf("no available agent for capability %q", step.Capability)
		rec.Timestamp = e.now()
		return rec
	}

	res := e.dispatcher.Dispatch(e.ctx, ids[0], step.Action, payload, e.stepTimeout(step))
	rec.AgentID = ids[0]
	rec.Timestamp = e.now()
	if res.OK() {
		rec.Result = ResultSuccess
		rec.Output = res.Output
	} else {
		rec.Result = ResultFailed
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
	}
	return rec
}

func (e *Engine) sendNotification(step *StepDef, payload map[string]any) StepRecord {
	body := agent.CopyPayload(payload)
	for k, v := range step.Notify.Payload {
		body[k] = v
	}
	rec := StepRecord{StepID: step.ID, AgentID: "notify:" + step.Notify.Kind, Result: ResultSuccess}
	if err := e.sink.Notify(e.ctx, step.Notify.Kind, body); err != nil {
		rec.Error = err.Error()
		if step.Notify.Critical {
			rec.Result = ResultFailed
		} else {
			log.Printf("workflow: non-critical notification %s failed: %v", step.Notify.Kind, err)
		}
	}
	rec.Timestamp = e.now()
	return rec
}

// complete records a finished dispatch and advances the instance.
func (e *Engine) complete(r *run, step *StepDef, rec StepRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, step.ID)

	if e.ctx.Err() != nil {
		// Shutting down: the step is dispatched again on resume.
		return
	}
	if r.inst.Status.Terminal() {
		log.Printf("workflow: dropping late result of %s/%s", r.inst.ID, step.ID)
		return
	}
	if rec.Result == ResultFailed && step.OnFailure.Kind == FailSkip {
		rec.Result = ResultSkipped
	}
	e.record(r, rec)
	if rec.Result == ResultFailed {
		log.Printf("workflow: %s step %s attempt %d failed: %s", r.inst.ID, step.ID, rec.Attempt, rec.Error)
	}
	e.advance(r)
}

// compensate runs declared compensations one at a time, most recently
// completed step first. r.mu must be held.
func (e *Engine) compensate(r *run) {
	if len(r.inFlight) > 0 {
		return
	}
	todo := CompensationPlan(r.pattern, r.inst.History)
	if len(todo) == 0 {
		for _, rec := range r.inst.History {
			if rec.Result == ResultCompensationFailed {
				e.finish(r, StatusFailed, r.inst.Error+"; compensation incomplete")
				return
			}
		}
		e.finish(r, StatusCompleted, r.inst.Error+"; compensated")
		return
	}

	step := todo[0]
	r.inFlight[step.ID] = true
	r.inst.Current = []string{step.ID}
	e.save(r)

	comp := step.Compensation
	capability := comp.Capability
	if capability == "" {
		capability = step.Capability
	}
	payload := agent.CopyPayload(r.inst.Event.Payload)
	for k, v := range comp.Args {
		payload[k] = v
	}
	if prev, ok := r.inst.latestSuccess(step.ID); ok {
		payload["result"] = agent.CopyPayload(prev.Output)
	}
	payload["workflow"] = workflowInfo(r.inst, step.ID, 1)

	timeout := e.stepTimeout(step)
	e.spawn(func() {
		rec := StepRecord{StepID: step.ID}
		ids := e.agents.FindAvailable(capability)
		if len(ids) == 0 {
			rec.Result = ResultCompensationFailed
			rec.Error = fmt.Sprintf("no available agent for capability %q", capability)
		} else {
			res := e.dispatcher.Dispatch(e.ctx, ids[0], comp.Action, payload, timeout)
			rec.AgentID = ids[0]
			if res.OK() {
				rec.Result = ResultCompensated
				rec.Output = res.Output
			} else {
				rec.Result = ResultCompensationFailed
				if res.Err != nil {
					rec.Error = res.Err.Error()
				}
			}
		}
		rec.Timestamp = e.now()

		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.inFlight, step.ID)
		if e.ctx.Err() != nil {
			return
		}
		e.record(r, rec)
		e.compensate(r)
	})
}

func (e *Engine) record(r *run, rec StepRecord) {
	r.inst.History = append(r.inst.History, rec)
	r.inst.UpdatedAt = e.now()
	e.save(r)
}

func (e *Engine) setStatus(r *run, s Status) {
	if r.inst.Status != s {
		r.inst.Status = s
		e.metrics.ObserveWorkflow(r.inst.Pattern, string(s))
	}
	r.inst.UpdatedAt = e.now()
	e.save(r)
}

func (e *Engine) finish(r *run, s Status, reason string) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.inst.Current = nil
	r.inst.Error = reason
	e.setStatus(r, s)
	close(r.done)
	e.forget(r)
	if reason != "" {
		log.Printf("workflow: %s %s: %s", r.inst.ID, s, reason)
	} else {
		log.Printf("workflow: %s %s", r.inst.ID, s)
	}
}

func (e *Engine) save(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Save(ctx, r.inst); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("workflow: saving %s: %v", r.inst.ID, err)
	}
}

func workflowInfo(inst *Instance, stepID string, attempt int) map[string]any {
	return map[string]any{
		"instance_id":      inst.ID,
		"pattern":          inst.Pattern,
		"step":             stepID,
		"attempt":          attempt,
		"business_context": inst.BusinessContext,
		"correlation_id":   inst.CorrelationID,
	}
}

// stepPayload is the event payload plus step args, the outputs of the
// step's dependencies under "steps" and workflow metadata under "workflow".
func stepPayload(inst *Instance, step *StepDef, attempt int) map[string]any {
	payload := agent.CopyPayload(inst.Event.Payload)
	for k, v := range step.Args {
		payload[k] = v
	}
	deps := make(map[string]any)
	for _, dep := range step.DependsOn {
		if rec, ok := inst.latestSuccess(dep); ok {
			deps[dep] = agent.CopyPayload(rec.Output)
		}
	}
	if len(deps) > 0 {
		payload["steps"] = deps
	}
	payload["workflow"] = workflowInfo(inst, step.ID, attempt)
	return payload
}

func conditionEnv(inst *Instance) map[string]any {
	steps := make(map[string]any)
	for _, rec := range inst.History {
		entry := map[string]any{"status": string(rec.Result)}
		if rec.Output != nil {
			entry["output"] = rec.Output
		}
		steps[rec.StepID] = entry
	}
	return map[string]any{
		"event": map[string]any{
			"type":             inst.Event.Type,
			"business_context": inst.Event.BusinessContext,
			"payload":          inst.Event.Payload,
		},
		"steps": steps,
	}
}
