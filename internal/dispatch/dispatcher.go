package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/metrics"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultMaxConcurrent = 4
)

// Resolver looks up the handler for an agent id. *registry.Registry
// satisfies it.
type Resolver interface {
	Agent(id string) (agent.Agent, bool)
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

type Result struct {
	AgentID  string
	Action   string
	Outcome  Outcome
	Output   map[string]any
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

type Config struct {
	Timeout       time.Duration
	MaxConcurrent int
	// Limits overrides MaxConcurrent for individual agents.
	Limits map[string]int
}

// Dispatcher invokes agents under a per-agent concurrency ceiling. Calls
// beyond the ceiling wait for a slot instead of spawning more work.
type Dispatcher struct {
	agents  Resolver
	cfg     Config
	metrics *metrics.Metrics

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func New(agents Resolver, cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Dispatcher{
		agents:  agents,
		cfg:     cfg,
		metrics: m,
		slots:   make(map[string]chan struct{}),
	}
}

func (d *Dispatcher) semaphore(agentID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.slots[agentID]
	if !ok {
		limit := d.cfg.MaxConcurrent
		if n, ok := d.cfg.Limits[agentID]; ok && n > 0 {
			limit = n
		}
		sem = make(chan struct{}, limit)
		d.slots[agentID] = sem
	}
	return sem
}

// Dispatch invokes one agent. A zero timeout uses the configured default;
// the timeout covers both waiting for a slot and the call itself. When it
// expires the call's context is cancelled so the transport can abort.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, action string, payload map[string]any, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	start := time.Now()
	res := d.dispatch(ctx, agentID, action, payload, timeout)
	res.AgentID = agentID
	res.Action = action
	res.Duration = time.Since(start)
	d.metrics.ObserveDispatch(agentID, string(res.Outcome), res.Duration)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, agentID, action string, payload map[string]any, timeout time.Duration) Result {
	handler, ok := d.agents.Agent(agentID)
	if !ok {
		return Result{Outcome: OutcomeError, Err: &AgentError{AgentID: agentID, Err: ErrUnknownAgent}}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sem := d.semaphore(agentID)
	select {
	case sem <- struct{}{}:
	case <-callCtx.Done():
		return d.expired(ctx, agentID, timeout)
	}
	defer func() { <-sem }()

	d.metrics.InFlight(agentID, 1)
	defer d.metrics.InFlight(agentID, -1)

	type reply struct {
		out map[string]any
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := handler.Handle(callCtx, action, agent.CopyPayload(payload))
		done <- reply{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return Result{Outcome: OutcomeTimeout, Err: &TimeoutError{AgentID: agentID, Timeout: timeout}}
			}
			return Result{Outcome: OutcomeError, Err: &AgentError{AgentID: agentID, Err: r.err}}
		}
		if r.out == nil {
			r.out = map[string]any{}
		}
		return Result{Outcome: OutcomeSuccess, Output: r.out}
	case <-callCtx.Done():
		return d.expired(ctx, agentID, timeout)
	}
}

func (d *Dispatcher) expired(parent context.Context, agentID string, timeout time.Duration) Result {
	if err := parent.Err(); err != nil {
		return Result{Outcome: OutcomeError, Err: &AgentError{AgentID: agentID, Err: err}}
	}
	log.Printf("dispatch: agent %s timed out after %s", agentID, timeout)
	return Result{Outcome: OutcomeTimeout, Err: &TimeoutError{AgentID: agentID, Timeout: timeout}}
}

// DispatchAll invokes every target concurrently and returns results in
// target order once all have finished or timed out.
func (d *Dispatcher) DispatchAll(ctx context.Context, targets []string, action string, payload map[string]any, timeout time.Duration) []Result {
	results := make([]Result, len(targets))
	var wg conc.WaitGroup
	for i, id := range targets {
		wg.Go(func() {
			results[i] = d.Dispatch(ctx, id, action, payload, timeout)
		})
	}
	wg.Wait()
	return results
}
