package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/registry"
)

const (
	DefaultInterval          = 10 * time.Second
	DefaultCheckTimeout      = 2 * time.Second
	DefaultFailureThreshold  = 3
	DefaultRecoveryThreshold = 2
)

var allStatuses = []string{
	string(agent.StatusHealthy),
	string(agent.StatusDegraded),
	string(agent.StatusUnreachable),
}

type Config struct {
	Interval     time.Duration
	CheckTimeout time.Duration
	// FailureThreshold consecutive failed checks mark an agent unreachable.
	FailureThreshold int
	// RecoveryThreshold consecutive successes take a degraded agent back to healthy.
	RecoveryThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = DefaultRecoveryThreshold
	}
	return c
}

type streak struct {
	failures  int
	successes int
}

// Monitor periodically checks every registered agent and is the only writer
// of agent status in the registry.
type Monitor struct {
	registry *registry.Registry
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	streaks map[string]*streak

	cron *cron.Cron
}

func NewMonitor(reg *registry.Registry, cfg Config, m *metrics.Metrics) *Monitor {
	return &Monitor{
		registry: reg,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		now:      time.Now,
		streaks:  make(map[string]*streak),
	}
}

// Start schedules a check round every Interval. Rounds never overlap.
func (m *Monitor) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", m.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		m.CheckNow(context.Background())
	}); err != nil {
		return fmt.Errorf("health: schedule %q: %w", spec, err)
	}
	m.cron = c
	c.Start()
	log.Printf("health: probing agents %s", spec)
	return nil
}

// Stop halts the schedule and waits for a running round to finish.
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// CheckNow runs one check round over all registered agents concurrently.
func (m *Monitor) CheckNow(ctx context.Context) {
	descs := m.registry.List()
	var wg conc.WaitGroup
	for _, d := range descs {
		id := d.ID
		wg.Go(func() {
			err := m.check(ctx, id)
			m.record(id, err)
		})
	}
	wg.Wait()
}

func (m *Monitor) check(ctx context.Context, id string) error {
	handler, ok := m.registry.Agent(id)
	if !ok {
		return fmt.Errorf("agent %q deregistered", id)
	}
	pinger, ok := handler.(agent.Pinger)
	if !ok {
		return nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	return pinger.Ping(checkCtx)
}

// record applies one check outcome to the agent's streak and status.
func (m *Monitor) record(id string, checkErr error) {
	desc, ok := m.registry.Describe(id)
	if !ok {
		return
	}

	m.mu.Lock()
	s, ok := m.streaks[id]
	if !ok {
		s = &streak{}
		m.streaks[id] = s
	}
	next := desc.Status
	if checkErr != nil {
		s.successes = 0
		s.failures++
		if s.failures >= m.cfg.FailureThreshold {
			next = agent.StatusUnreachable
		}
	} else {
		s.failures = 0
		s.successes++
		switch desc.Status {
		case agent.StatusUnreachable:
			next = agent.StatusDegraded
		case agent.StatusDegraded:
			if s.successes >= m.cfg.RecoveryThreshold {
				next = agent.StatusHealthy
			}
		}
	}
	m.mu.Unlock()

	m.registry.SetStatus(id, next, m.now())
	m.metrics.SetAgentStatus(id, string(next), allStatuses)

	if next != desc.Status {
		if checkErr != nil {
			log.Printf("health: agent %s %s -> %s: %v", id, desc.Status, next, checkErr)
		} else {
			log.Printf("health: agent %s %s -> %s", id, desc.Status, next)
		}
	}
}

// Snapshot returns the current status of every registered agent.
func (m *Monitor) Snapshot() map[string]agent.Status {
	descs := m.registry.List()
	out := make(map[string]agent.Status, len(descs))
	for _, d := range descs {
		out[d.ID] = d.Status
	}
	return out
}
