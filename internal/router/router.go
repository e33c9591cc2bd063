package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gobwas/glob"
	"github.com/sourcegraph/conc"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/registry"
)

const (
	DefaultThreshold        = 0.6
	DefaultDiscoveryTimeout = 500 * time.Millisecond
)

// Classifier is the external collaborator used as the last routing resort.
type Classifier interface {
	Classify(ctx context.Context, ev agent.Event) (agentID string, confidence float64, err error)
}

// PatternRule maps an event type glob such as "booking_*" or "*invoice*" to
// a capability.
type PatternRule struct {
	Match      string `yaml:"match"`
	Capability string `yaml:"capability"`
}

type Rules struct {
	// Direct maps an event type to agent ids or a "pattern:<name>" trigger.
	Direct map[string][]string
	// Triggers maps an event type to the workflow pattern it starts. It is
	// consulted after Direct, as part of the direct strategy.
	Triggers map[string]string
	// Entity maps business context -> event type -> targets.
	Entity map[string]map[string][]string
	// Capabilities maps an event type to the capability that handles it.
	Capabilities map[string]string
	Patterns     []PatternRule
}

// PatternTriggers resolves an event type to the workflow pattern it starts.
// *workflow.Catalog satisfies it, so patterns loaded at runtime route
// without rebuilding the router.
type PatternTriggers interface {
	Trigger(eventType string) (string, bool)
}

type Config struct {
	Rules            Rules
	Catalog          PatternTriggers
	Threshold        float64
	DiscoveryTimeout time.Duration
}

type compiledPattern struct {
	rule PatternRule
	g    glob.Glob
}

// Router picks the agent(s) for an event by trying its strategies from the
// cheapest and most certain to the most expensive.
type Router struct {
	registry         *registry.Registry
	classifier       Classifier
	rules            Rules
	catalog          PatternTriggers
	patterns         []compiledPattern
	threshold        float64
	discoveryTimeout time.Duration
	metrics          *metrics.Metrics
}

func New(reg *registry.Registry, cfg Config, classifier Classifier, m *metrics.Metrics) (*Router, error) {
	compiled := make([]compiledPattern, 0, len(cfg.Rules.Patterns))
	for _, p := range cfg.Rules.Patterns {
		g, err := glob.Compile(p.Match)
		if err != nil {
			return nil, fmt.Errorf("routing pattern %q: %w", p.Match, err)
		}
		compiled = append(compiled, compiledPattern{rule: p, g: g})
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	timeout := cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	return &Router{
		registry:         reg,
		classifier:       classifier,
		rules:            cfg.Rules,
		catalog:          cfg.Catalog,
		patterns:         compiled,
		threshold:        threshold,
		discoveryTimeout: timeout,
		metrics:          m,
	}, nil
}

// Route never fails. When nothing matches it returns a decision with no
// targets, strategy inferred and zero confidence.
func (r *Router) Route(ctx context.Context, ev agent.Event) Decision {
	d := r.route(ctx, ev)
	r.metrics.ObserveRoute(string(d.Strategy))
	return d
}

func (r *Router) route(ctx context.Context, ev agent.Event) Decision {
	if d, ok := decisionFor(StrategyDirect, r.rules.Direct[ev.Type]); ok {
		return d
	}
	if name, ok := r.rules.Triggers[ev.Type]; ok {
		return Decision{Strategy: StrategyDirect, Pattern: name, Confidence: 1}
	}
	if r.catalog != nil {
		if name, ok := r.catalog.Trigger(ev.Type); ok {
			return Decision{Strategy: StrategyDirect, Pattern: name, Confidence: 1}
		}
	}

	if byType, ok := r.rules.Entity[ev.BusinessContext]; ok {
		if d, ok := decisionFor(StrategyEntityAware, byType[ev.Type]); ok {
			return d
		}
	}

	if capability, ok := r.rules.Capabilities[ev.Type]; ok {
		if ids := r.registry.FindAvailable(capability); len(ids) > 0 {
			return Decision{Strategy: StrategyCapability, Targets: ids, Confidence: 1}
		}
	}

	for _, p := range r.patterns {
		if !p.g.Match(ev.Type) {
			continue
		}
		if ids := r.registry.FindAvailable(p.rule.Capability); len(ids) > 0 {
			return Decision{Strategy: StrategyPattern, Targets: ids, Confidence: 1}
		}
	}

	if id, ok := r.discover(ctx, ev.Type); ok {
		return Decision{Strategy: StrategyDiscovery, Targets: []string{id}, Confidence: 1}
	}

	return r.infer(ctx, ev)
}

// discover asks every routable agent that supports discovery whether it
// handles eventType. All agents are asked concurrently; the affirmative
// answer from the highest-priority agent wins.
func (r *Router) discover(ctx context.Context, eventType string) (string, bool) {
	type candidate struct {
		id string
		d  agent.Discoverer
	}
	var candidates []candidate
	for _, desc := range r.registry.List() {
		if !desc.Status.Routable() {
			continue
		}
		h, ok := r.registry.Agent(desc.ID)
		if !ok {
			continue
		}
		if d, ok := h.(agent.Discoverer); ok {
			candidates = append(candidates, candidate{id: desc.ID, d: d})
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.discoveryTimeout)
	defer cancel()

	answers := make([]bool, len(candidates))
	var wg conc.WaitGroup
	for i, c := range candidates {
		wg.Go(func() {
			ok, err := c.d.CanHandle(checkCtx, eventType)
			if err != nil {
				return
			}
			answers[i] = ok
		})
	}
	wg.Wait()

	for i, ok := range answers {
		if ok {
			return candidates[i].id, true
		}
	}
	return "", false
}

func (r *Router) infer(ctx context.Context, ev agent.Event) Decision {
	if r.classifier == nil {
		return unroutable()
	}
	id, confidence, err := r.classifier.Classify(ctx, ev)
	if err != nil {
		log.Printf("router: classifier failed for %s (%s): %v", ev.Type, ev.CorrelationID, err)
		return unroutable()
	}
	if id == "" || confidence <= r.threshold {
		return unroutable()
	}
	if _, ok := r.registry.Describe(id); !ok {
		log.Printf("router: classifier proposed unknown agent %q for %s", id, ev.Type)
		return unroutable()
	}
	return Decision{Strategy: StrategyInferred, Targets: []string{id}, Confidence: confidence}
}
