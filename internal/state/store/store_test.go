package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/dispatch"
	"github.com/opentalon/conductor/internal/workflow"
)

func TestOpenAndMigrations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var v int
	err = db.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if v != 1 {
		t.Errorf("schema_version = %d, want 1", v)
	}

	// Re-open: idempotent, no error
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	defer db2.Close()
	err = db2.SQLDB().QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil {
		t.Fatalf("read schema_version (second open): %v", err)
	}
	if v != 1 {
		t.Errorf("schema_version after re-open = %d, want 1", v)
	}
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("expected error for empty data dir")
	}
	if _, err := OpenPostgres(""); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	if got := pg.Rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres Rebind = %q", got)
	}
	lite := &DB{dialect: SQLite}
	if got := lite.Rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite Rebind = %q", got)
	}
}

func newStore(t *testing.T) *InstanceStore {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewInstanceStore(db)
}

func instance(id, businessContext string, status workflow.Status, created time.Time) *workflow.Instance {
	return &workflow.Instance{
		ID:              id,
		Pattern:         "booking_fulfillment",
		PatternVersion:  1,
		BusinessContext: businessContext,
		CorrelationID:   "corr-" + id,
		Status:          status,
		History: []workflow.StepRecord{
			{StepID: "reserve", AgentID: "calendar", Result: workflow.ResultSuccess, Attempt: 1, Output: map[string]any{"slot": "09:00"}, Timestamp: created},
		},
		Event:     agent.NewEventWithID("corr-"+id, "booking.created", businessContext, map[string]any{"amount": 120.0}),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestInstanceStoreRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	in := instance("wf_1", "acme", workflow.StatusWaitingOnStep, now)
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "wf_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != workflow.StatusWaitingOnStep || got.CorrelationID != "corr-wf_1" {
		t.Errorf("loaded %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Output["slot"] != "09:00" {
		t.Errorf("history = %+v", got.History)
	}
	if got.Event.Payload["amount"] != 120.0 || !got.CreatedAt.Equal(now) {
		t.Errorf("event/created = %v / %s", got.Event.Payload, got.CreatedAt)
	}

	if _, err := s.Load(ctx, "wf_missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing load err = %v", err)
	}
}

func TestInstanceStoreTerminalIsImmutable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inst := instance("wf_1", "acme", workflow.StatusActive, now)
	if err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	inst.Status = workflow.StatusCompleted
	if err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}
	inst.Status = workflow.StatusFailed
	inst.Error = "late write"
	if err := s.Save(ctx, inst); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "wf_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != workflow.StatusCompleted || got.Error != "" {
		t.Errorf("terminal row was overwritten: %s %q", got.Status, got.Error)
	}
}

func TestInstanceStoreActiveQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, inst := range []*workflow.Instance{
		instance("wf_b", "acme", workflow.StatusActive, base.Add(2*time.Second)),
		instance("wf_a", "acme", workflow.StatusWaitingOnStep, base.Add(time.Second)),
		instance("wf_c", "globex", workflow.StatusCompensating, base.Add(3*time.Second)),
		instance("wf_d", "acme", workflow.StatusCompleted, base),
	} {
		if err := s.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	acme, err := s.LoadActiveForContext(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(acme) != 2 || acme[0].ID != "wf_a" || acme[1].ID != "wf_b" {
		t.Errorf("acme active = %v", ids(acme))
	}

	all, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(all); len(got) != 3 || got[2] != "wf_c" {
		t.Errorf("ListActive = %v", got)
	}

	n, err := s.PruneFinished(ctx, base.Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PruneFinished = %d, %v; want 1", n, err)
	}
	if _, err := s.Load(ctx, "wf_d"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("pruned instance still loadable: %v", err)
	}
}

// The engine runs against the SQL store exactly as against memory, and a
// fresh engine on the same database resumes unfinished work.
func TestEngineResumesFromSQLStore(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewInstanceStore(db)

	now := time.Now().UTC()
	inst := instance("wf_resume", "acme", workflow.StatusWaitingOnStep, now)
	if err := s.Save(context.Background(), inst); err != nil {
		t.Fatal(err)
	}

	catalog := workflow.NewCatalog()
	p := &workflow.Pattern{Name: "booking_fulfillment", Steps: []workflow.StepDef{
		{ID: "reserve", Capability: "booking", Action: "reserve"},
		{ID: "confirm", Capability: "booking", Action: "confirm", DependsOn: []string{"reserve"}},
	}}
	if err := catalog.Add(p, nil); err != nil {
		t.Fatal(err)
	}

	var confirmed []string
	d := dispatchFunc(func(agentID, action string) {
		confirmed = append(confirmed, agentID+"/"+action)
	})
	e := workflow.NewEngine(catalog, s, oneAgent("calendar"), d, nil, workflow.Config{}, nil)
	defer e.Close()

	if n, err := e.Resume(context.Background()); err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := e.Wait(ctx, "wf_resume")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	if len(confirmed) != 1 || confirmed[0] != "calendar/confirm" {
		t.Errorf("dispatched = %v", confirmed)
	}

	stored, err := s.Load(context.Background(), "wf_resume")
	if err != nil || stored.Status != workflow.StatusCompleted || len(stored.History) != 2 {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

func ids(insts []*workflow.Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID
	}
	return out
}

type oneAgent string

func (a oneAgent) FindAvailable(string) []string { return []string{string(a)} }

type dispatchFunc func(agentID, action string)

func (f dispatchFunc) Dispatch(_ context.Context, agentID, action string, _ map[string]any, _ time.Duration) dispatch.Result {
	f(agentID, action)
	return dispatch.Result{AgentID: agentID, Action: action, Outcome: dispatch.OutcomeSuccess, Output: map[string]any{}}
}
