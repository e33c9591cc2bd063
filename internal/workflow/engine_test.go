package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/notify"
)

// capabilityAgents resolves every capability to a single agent named
// "<capability>-agent" unless the capability is listed as down.
type capabilityAgents struct {
	down map[string]bool
}

func (c capabilityAgents) FindAvailable(capability string) []string {
	if c.down[capability] {
		return nil
	}
	return []string{capability + "-agent"}
}

type call struct {
	agentID string
	action  string
	payload map[string]any
	timeout time.Duration
	at      time.Time
}

type actionFunc func(ctx context.Context, n int, payload map[string]any) (map[string]any, error)

// scriptedDispatcher answers by action name. n counts calls per action
// starting at 1; actions without a script succeed with an empty output.
type scriptedDispatcher struct {
	mu      sync.Mutex
	scripts map[string]actionFunc
	counts  map[string]int
	calls   []call
}

func newScripted(scripts map[string]actionFunc) *scriptedDispatcher {
	if scripts == nil {
		scripts = map[string]actionFunc{}
	}
	return &scriptedDispatcher{scripts: scripts, counts: map[string]int{}}
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, agentID, action string, payload map[string]any, timeout time.Duration) dispatch.Result {
	d.mu.Lock()
	d.counts[action]++
	n := d.counts[action]
	d.calls = append(d.calls, call{agentID: agentID, action: action, payload: payload, timeout: timeout, at: time.Now()})
	fn := d.scripts[action]
	d.mu.Unlock()

	res := dispatch.Result{AgentID: agentID, Action: action}
	if fn == nil {
		res.Outcome = dispatch.OutcomeSuccess
		res.Output = map[string]any{"done": action}
		return res
	}
	out, err := fn(ctx, n, payload)
	if err != nil {
		res.Outcome = dispatch.OutcomeError
		res.Err = &dispatch.AgentError{AgentID: agentID, Err: err}
		return res
	}
	res.Outcome = dispatch.OutcomeSuccess
	res.Output = out
	return res
}

func (d *scriptedDispatcher) actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.action
	}
	return out
}

func (d *scriptedDispatcher) callsFor(action string) []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []call
	for _, c := range d.calls {
		if c.action == action {
			out = append(out, c)
		}
	}
	return out
}

func failTimes(times int, msg string) actionFunc {
	return func(_ context.Context, n int, _ map[string]any) (map[string]any, error) {
		if n <= times {
			return nil, errors.New(msg)
		}
		return map[string]any{"attempt": n}, nil
	}
}

type harness struct {
	engine     *Engine
	store      *MemoryStore
	dispatcher *scriptedDispatcher
	catalog    *Catalog
}

func newHarness(t *testing.T, d *scriptedDispatcher, sink notify.Sink, patterns ...*Pattern) *harness {
	t.Helper()
	c := NewCatalog()
	for _, p := range patterns {
		if err := c.Add(p, nil); err != nil {
			t.Fatalf("Add(%s): %v", p.Name, err)
		}
	}
	store := NewMemoryStore()
	e := NewEngine(c, store, capabilityAgents{}, d, sink, Config{
		StepTimeout: time.Second,
		Backoff:     Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}, nil)
	t.Cleanup(e.Close)
	return &harness{engine: e, store: store, dispatcher: d, catalog: c}
}

func (h *harness) run(t *testing.T, pattern string, ev agent.Event) *Instance {
	t.Helper()
	inst, created, err := h.engine.Start(context.Background(), pattern, ev)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !created {
		t.Fatal("Start returned an existing instance")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.engine.Wait(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Wait: %v (status %s)", err, final.Status)
	}
	return final
}

func results(inst *Instance) []string {
	out := make([]string, len(inst.History))
	for i, r := range inst.History {
		out[i] = r.StepID + ":" + string(r.Result)
	}
	return out
}

func testEvent(correlationID string, payload map[string]any) agent.Event {
	return agent.NewEventWithID(correlationID, "booking.created", "acme", payload)
}

func TestEngineLinearOrder(t *testing.T) {
	d := newScripted(map[string]actionFunc{
		"do_a": func(_ context.Context, _ int, _ map[string]any) (map[string]any, error) {
			return map[string]any{"lead_id": "L1"}, nil
		},
	})
	h := newHarness(t, d, nil, linear())

	inst := h.run(t, "linear", testEvent("c1", map[string]any{"email": "a@b.com"}))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Error)
	}
	if got := d.actions(); !equal(got, []string{"do_a", "do_b", "do_c"}) {
		t.Errorf("dispatch order = %v", got)
	}
	if got := results(inst); !equal(got, []string{"a:success", "b:success", "c:success"}) {
		t.Errorf("history = %v", got)
	}
	for i := 1; i < len(inst.History); i++ {
		if inst.History[i].Timestamp.Before(inst.History[i-1].Timestamp) {
			t.Errorf("history timestamps out of order at %d", i)
		}
	}

	b := d.callsFor("do_b")[0].payload
	if b["email"] != "a@b.com" {
		t.Errorf("event payload not passed to step: %v", b)
	}
	steps, _ := b["steps"].(map[string]any)
	if a, _ := steps["a"].(map[string]any); a["lead_id"] != "L1" {
		t.Errorf("dependency output not passed to b: %v", b["steps"])
	}
	wf, _ := b["workflow"].(map[string]any)
	if wf["instance_id"] != inst.ID || wf["step"] != "b" {
		t.Errorf("workflow metadata = %v", wf)
	}
}

func TestEngineFanOutFanIn(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	slow := func(_ context.Context, _ int, _ map[string]any) (map[string]any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return map[string]any{}, nil
	}
	d := newScripted(map[string]actionFunc{"do_b": slow, "do_c": slow})
	p := &Pattern{Name: "fan", Steps: []StepDef{
		step("a", "crm"),
		step("b", "crm", "a"),
		step("c", "email", "a"),
		step("d", "crm", "b", "c"),
	}}
	h := newHarness(t, d, nil, p)

	inst := h.run(t, "fan", testEvent("c1", nil))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Error)
	}
	if peak != 2 {
		t.Errorf("b and c ran with peak concurrency %d, want 2", peak)
	}
	acts := d.actions()
	if acts[0] != "do_a" || acts[len(acts)-1] != "do_d" || len(acts) != 4 {
		t.Errorf("dispatch order = %v", acts)
	}
}

func TestEngineRetryThenSucceed(t *testing.T) {
	d := newScripted(map[string]actionFunc{"do_a": failTimes(2, "calendar busy")})
	p := linear()
	p.Steps[0].OnFailure = FailurePolicy{Kind: FailRetry, Retries: 2}
	h := newHarness(t, d, nil, p)

	inst := h.run(t, "linear", testEvent("c1", nil))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Error)
	}
	want := []string{"a:failed", "a:failed", "a:success", "b:success", "c:success"}
	if got := results(inst); !equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	for i, attempt := range []int{1, 2, 3} {
		if inst.History[i].Attempt != attempt {
			t.Errorf("record %d attempt = %d, want %d", i, inst.History[i].Attempt, attempt)
		}
	}
	if inst.History[0].Error == "" {
		t.Error("failed record has no error")
	}
}

func TestEngineRetryExhausted(t *testing.T) {
	d := newScripted(map[string]actionFunc{"do_a": failTimes(10, "down")})
	p := linear()
	p.Steps[0].OnFailure = FailurePolicy{Kind: FailRetry, Retries: 2}
	h := newHarness(t, d, nil, p)

	inst := h.run(t, "linear", testEvent("c1", nil))
	if inst.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", inst.Status)
	}
	if n := len(d.callsFor("do_a")); n != 3 {
		t.Errorf("do_a dispatched %d times, want 3", n)
	}
	if len(d.callsFor("do_b")) != 0 {
		t.Error("dependent step ran after abort")
	}
}

func TestEngineAbort(t *testing.T) {
	d := newScripted(map[string]actionFunc{"do_b": failTimes(1, "crm down")})
	h := newHarness(t, d, nil, linear())

	inst := h.run(t, "linear", testEvent("c1", nil))
	if inst.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(inst.Error, `"b"`) {
		t.Errorf("error = %q, want it to name step b", inst.Error)
	}
	if len(d.callsFor("do_c")) != 0 {
		t.Error("c ran after b aborted")
	}
	if len(inst.Current) != 0 {
		t.Errorf("terminal instance still lists current steps %v", inst.Current)
	}
}

func TestEngineSkip(t *testing.T) {
	d := newScripted(map[string]actionFunc{"do_b": failTimes(1, "optional enrichment failed")})
	p := linear()
	p.Steps[1].OnFailure = FailurePolicy{Kind: FailSkip}
	h := newHarness(t, d, nil, p)

	inst := h.run(t, "linear", testEvent("c1", nil))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Error)
	}
	if got := results(inst); !equal(got, []string{"a:success", "b:skipped", "c:success"}) {
		t.Errorf("history = %v", got)
	}
}

func compensable() *Pattern {
	p := linear()
	p.Name = "saga"
	p.Steps[0].Compensation = &Compensation{Action: "undo_a"}
	p.Steps[1].Compensation = &Compensation{Action: "undo_b", Args: map[string]any{"reason": "rollback"}}
	p.Steps[2].OnFailure = FailurePolicy{Kind: FailCompensate}
	return p
}

func TestEngineCompensation(t *testing.T) {
	d := newScripted(map[string]actionFunc{
		"do_b": func(_ context.Context, _ int, _ map[string]any) (map[string]any, error) {
			return map[string]any{"charge_id": "ch_1"}, nil
		},
		"do_c": failTimes(1, "confirmation failed"),
	})
	h := newHarness(t, d, nil, compensable())

	inst := h.run(t, "saga", testEvent("c1", nil))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after full compensation", inst.Status)
	}
	if !strings.Contains(inst.Error, "compensated") {
		t.Errorf("error = %q, want compensation note", inst.Error)
	}
	want := []string{"a:success", "b:success", "c:failed", "b:compensated", "a:compensated"}
	if got := results(inst); !equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}

	undo := d.callsFor("undo_b")[0].payload
	if undo["reason"] != "rollback" {
		t.Errorf("compensation args missing: %v", undo)
	}
	if prev, _ := undo["result"].(map[string]any); prev["charge_id"] != "ch_1" {
		t.Errorf("compensation did not receive the step output: %v", undo["result"])
	}
}

func TestEngineCompensationUsesStepTimeout(t *testing.T) {
	d := newScripted(map[string]actionFunc{"do_c": failTimes(1, "confirmation failed")})
	p := compensable()
	p.Steps[1].Timeout = 250 * time.Millisecond
	h := newHarness(t, d, nil, p)

	inst := h.run(t, "saga", testEvent("c1", nil))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Error)
	}
	if got := d.callsFor("undo_b")[0].timeout; got != 250*time.Millisecond {
		t.Errorf("undo_b timeout = %s, want the step's 250ms", got)
	}
	if got := d.callsFor("undo_a")[0].timeout; got != time.Second {
		t.Errorf("undo_a timeout = %s, want the engine default 1s", got)
	}
}

func TestEngineCompensationFailure(t *testing.T) {
	d := newScripted(map[string]actionFunc{
		"do_c":   failTimes(1, "confirmation failed"),
		"undo_b": failTimes(1, "refund rejected"),
	})
	h := newHarness(t, d, nil, compensable())

	inst := h.run(t, "saga", testEvent("c1", nil))
	if inst.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", inst.Status)
	}
	want := []string{"a:success", "b:success", "c:failed", "b:compensation_failed", "a:compensated"}
	if got := results(inst); !equal(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
}

func TestEngineCompensateWithNothingToUndoFails(t *testing.T) {
	d := newScripted(map[string]actionFunc{"do_a": failTimes(1, "nope")})
	p := linear()
	p.Steps[0].OnFailure = FailurePolicy{Kind: FailCompensate}
	h := newHarness(t, d, nil, p)

	inst := h.run(t, "linear", testEvent("c1", nil))
	if inst.Status != StatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
}

func TestEngineCondition(t *testing.T) {
	p := linear()
	p.Steps[1].Condition = `event.payload.amount > 100 and steps.a.status == "success"`

	for _, tt := range []struct {
		amount float64
		want   StepResult
	}{{50, ResultSkipped}, {250, ResultSuccess}} {
		d := newScripted(nil)
		h := newHarness(t, d, nil, p)
		inst := h.run(t, "linear", testEvent("c1", map[string]any{"amount": tt.amount}))
		if inst.Status != StatusCompleted {
			t.Fatalf("amount %v: status = %s (%s)", tt.amount, inst.Status, inst.Error)
		}
		if inst.History[1].StepID != "b" || inst.History[1].Result != tt.want {
			t.Errorf("amount %v: b = %s, want %s", tt.amount, inst.History[1].Result, tt.want)
		}
		ran := len(d.callsFor("do_b")) == 1
		if ran != (tt.want == ResultSuccess) {
			t.Errorf("amount %v: b dispatched = %v", tt.amount, ran)
		}
	}
}

func TestEngineDelay(t *testing.T) {
	d := newScripted(nil)
	p := linear()
	p.Steps[1].Delay = 50 * time.Millisecond
	h := newHarness(t, d, nil, p)

	inst, _, err := h.engine.Start(context.Background(), "linear", testEvent("c1", nil))
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(15 * time.Millisecond)
	mid, err := h.engine.Status(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mid.Status != StatusWaitingOnStep || !equal(mid.Current, []string{"b"}) {
		t.Errorf("during delay: status %s current %v", mid.Status, mid.Current)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := h.engine.Wait(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	a, b := final.History[0], final.History[1]
	if gap := b.Timestamp.Sub(a.Timestamp); gap < 50*time.Millisecond {
		t.Errorf("b ran %s after a, want at least 50ms", gap)
	}
}

func TestEngineNotifyStep(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := notify.SinkFunc(func(_ context.Context, kind string, payload map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, kind+":"+payload["template"].(string))
		return nil
	})
	p := &Pattern{Name: "notify", Steps: []StepDef{
		step("a", "crm"),
		{ID: "tell", DependsOn: []string{"a"}, Notify: &NotifySpec{Kind: "email", Payload: map[string]any{"template": "welcome"}}},
	}}
	h := newHarness(t, newScripted(nil), sink, p)

	inst := h.run(t, "notify", testEvent("c1", nil))
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", inst.Status, inst.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "email:welcome" {
		t.Errorf("notifications = %v", got)
	}
}

func TestEngineCriticalNotifyFailure(t *testing.T) {
	sink := notify.SinkFunc(func(context.Context, string, map[string]any) error {
		return errors.New("smtp down")
	})
	p := &Pattern{Name: "notify", Steps: []StepDef{
		{ID: "soft", Notify: &NotifySpec{Kind: "sms"}},
		{ID: "hard", DependsOn: []string{"soft"}, Notify: &NotifySpec{Kind: "email", Critical: true}},
	}}
	h := newHarness(t, newScripted(nil), sink, p)

	inst := h.run(t, "notify", testEvent("c1", nil))
	if inst.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", inst.Status)
	}
	if got := results(inst); !equal(got, []string{"soft:success", "hard:failed"}) {
		t.Errorf("history = %v", got)
	}
}

func TestEngineNoAgentFailsStep(t *testing.T) {
	c := NewCatalog()
	if err := c.Add(linear(), nil); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(c, NewMemoryStore(), capabilityAgents{down: map[string]bool{"crm": true}}, newScripted(nil), nil, Config{}, nil)
	defer e.Close()

	inst, _, err := e.Start(context.Background(), "linear", testEvent("c1", nil))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	final, err := e.Wait(ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusFailed || !strings.Contains(final.History[0].Error, "no available agent") {
		t.Errorf("got %s / %+v", final.Status, final.History)
	}
}

func TestEngineIdempotentStart(t *testing.T) {
	release := make(chan struct{})
	d := newScripted(map[string]actionFunc{
		"do_a": func(ctx context.Context, _ int, _ map[string]any) (map[string]any, error) {
			select {
			case <-release:
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	h := newHarness(t, d, nil, linear())

	first, created, err := h.engine.Start(context.Background(), "linear", testEvent("same", nil))
	if err != nil || !created {
		t.Fatalf("first Start: created=%v err=%v", created, err)
	}
	second, created, err := h.engine.Start(context.Background(), "linear", testEvent("same", nil))
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("second Start created=%v id=%s, want existing %s", created, second.ID, first.ID)
	}
	other, created, _ := h.engine.Start(context.Background(), "linear", testEvent("different", nil))
	if !created || other.ID == first.ID {
		t.Error("distinct correlation id did not create a new instance")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range []string{first.ID, other.ID} {
		if _, err := h.engine.Wait(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(d.callsFor("do_a")); n != 2 {
		t.Errorf("do_a dispatched %d times, want 2 (one per instance)", n)
	}
}

func TestEngineHistoryIsAppendOnly(t *testing.T) {
	d := newScripted(map[string]actionFunc{
		"do_a": failTimes(1, "first try fails"),
		"do_b": func(_ context.Context, _ int, _ map[string]any) (map[string]any, error) {
			time.Sleep(20 * time.Millisecond)
			return map[string]any{}, nil
		},
	})
	p := linear()
	p.Steps[0].OnFailure = FailurePolicy{Kind: FailRetry, Retries: 1}
	h := newHarness(t, d, nil, p)

	inst, _, err := h.engine.Start(context.Background(), "linear", testEvent("c1", nil))
	if err != nil {
		t.Fatal(err)
	}
	var snapshots []*Instance
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := h.engine.Status(context.Background(), inst.ID)
		if err != nil {
			t.Fatal(err)
		}
		snapshots = append(snapshots, snap)
		if snap.Status.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	final := snapshots[len(snapshots)-1]
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	for _, s := range snapshots {
		if len(s.History) > len(final.History) {
			t.Fatal("history shrank")
		}
		for i, r := range s.History {
			f := final.History[i]
			if r.StepID != f.StepID || r.Result != f.Result || !r.Timestamp.Equal(f.Timestamp) {
				t.Fatalf("history entry %d rewritten: %+v -> %+v", i, r, f)
			}
		}
	}
}

func TestEngineResume(t *testing.T) {
	d := newScripted(nil)
	h := newHarness(t, d, nil, linear())

	now := time.Now().UTC()
	stored := &Instance{
		ID:             "wf_resumed",
		Pattern:        "linear",
		PatternVersion: 1,
		CorrelationID:  "c-old",
		Status:         StatusWaitingOnStep,
		History:        []StepRecord{{StepID: "a", Result: ResultSuccess, Timestamp: now}},
		Event:          testEvent("c-old", nil),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.Save(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	n, err := h.engine.Resume(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := h.engine.Wait(ctx, "wf_resumed")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if got := d.actions(); !equal(got, []string{"do_b", "do_c"}) {
		t.Errorf("resumed dispatches = %v, want [do_b do_c]", got)
	}

	loaded, err := h.store.Load(context.Background(), "wf_resumed")
	if err != nil || loaded.Status != StatusCompleted {
		t.Errorf("stored status = %v, %v", loaded, err)
	}

	// Finished instances are evicted from memory and served from the store.
	got, err := h.engine.Status(context.Background(), "wf_resumed")
	if err != nil || got.Status != StatusCompleted {
		t.Errorf("Status after eviction = %v, %v", got, err)
	}
}

func TestEngineErrors(t *testing.T) {
	h := newHarness(t, newScripted(nil), nil, linear())

	if _, _, err := h.engine.Start(context.Background(), "nope", testEvent("c1", nil)); !errors.Is(err, ErrUnknownPattern) {
		t.Errorf("unknown pattern err = %v", err)
	}
	if _, err := h.engine.Status(context.Background(), "wf_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing instance err = %v", err)
	}

	h.engine.Close()
	if _, _, err := h.engine.Start(context.Background(), "linear", testEvent("c2", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v", err)
	}
}

// agentTable resolves agent ids for a real dispatcher.
type agentTable map[string]agent.Agent

func (a agentTable) Agent(id string) (agent.Agent, bool) {
	h, ok := a[id]
	return h, ok
}

func newDispatchEngine(t *testing.T, agents agentTable, patterns ...*Pattern) *Engine {
	t.Helper()
	c := NewCatalog()
	for _, p := range patterns {
		if err := c.Add(p, nil); err != nil {
			t.Fatalf("Add(%s): %v", p.Name, err)
		}
	}
	d := dispatch.New(agents, dispatch.Config{Timeout: time.Second}, nil)
	e := NewEngine(c, NewMemoryStore(), capabilityAgents{}, d, nil, Config{
		StepTimeout: time.Second,
		Backoff:     Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}, nil)
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, e *Engine, id string) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	inst, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return inst
}

func TestEngineStepTimeoutCountsAsFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	crm := agent.HandlerFunc(func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"attempt": n}, nil
	})
	p := &Pattern{Name: "timed", Steps: []StepDef{step("a", "crm")}}
	p.Steps[0].Timeout = 30 * time.Millisecond
	p.Steps[0].OnFailure = FailurePolicy{Kind: FailRetry, Retries: 1}
	e := newDispatchEngine(t, agentTable{"crm-agent": crm}, p)

	inst, _, err := e.Start(context.Background(), "timed", testEvent("c1", nil))
	if err != nil {
		t.Fatal(err)
	}
	final := waitFor(t, e, inst.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Error)
	}
	if got := results(final); !equal(got, []string{"a:failed", "a:success"}) {
		t.Fatalf("history = %v", got)
	}
	if !strings.Contains(final.History[0].Error, "timed out") {
		t.Errorf("first attempt error = %q, want a timeout", final.History[0].Error)
	}
}

func TestEngineSlowAgentStallsOnlyItsInstance(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	crm := agent.HandlerFunc(func(ctx context.Context, _ string, payload map[string]any) (map[string]any, error) {
		if payload["hold"] == true {
			select {
			case entered <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return map[string]any{}, nil
	})
	p := linear()
	for i := range p.Steps {
		p.Steps[i].Timeout = 2 * time.Second
	}
	e := newDispatchEngine(t, agentTable{"crm-agent": crm}, p)

	slow, _, err := e.Start(context.Background(), "linear", testEvent("slow", map[string]any{"hold": true}))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("slow instance never reached the agent")
	}

	fast, _, err := e.Start(context.Background(), "linear", testEvent("fast", nil))
	if err != nil {
		t.Fatal(err)
	}
	if got := waitFor(t, e, fast.ID); got.Status != StatusCompleted {
		t.Fatalf("fast instance status = %s (%s)", got.Status, got.Error)
	}

	stalled, err := e.Status(context.Background(), slow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stalled.Status.Terminal() || len(stalled.History) != 0 {
		t.Errorf("slow instance moved while its agent was held: %s %v", stalled.Status, results(stalled))
	}

	close(release)
	if got := waitFor(t, e, slow.ID); got.Status != StatusCompleted {
		t.Errorf("slow instance status = %s (%s)", got.Status, got.Error)
	}
}

func TestEngineSpawnAfterClose(t *testing.T) {
	e := newDispatchEngine(t, agentTable{})
	e.Close()
	if e.spawn(func() { t.Error("goroutine ran after Close") }) {
		t.Error("spawn accepted work after Close")
	}
}
