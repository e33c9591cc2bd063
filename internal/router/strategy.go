package router

import "strings"

type Strategy string

const (
	StrategyDirect      Strategy = "direct"
	StrategyEntityAware Strategy = "entity-aware"
	StrategyCapability  Strategy = "capability"
	StrategyPattern     Strategy = "pattern"
	StrategyDiscovery   Strategy = "dynamic-discovery"
	StrategyInferred    Strategy = "inferred"
)

// PatternTargetPrefix marks a routing table target that triggers a workflow
// pattern instead of naming an agent, e.g. "pattern:booking_fulfillment".
const PatternTargetPrefix = "pattern:"

// Decision is the outcome of routing one event. Targets is ordered, the
// first entry being the primary agent. Pattern is set when the event
// triggers a workflow.
type Decision struct {
	Strategy   Strategy `json:"strategy_used"`
	Targets    []string `json:"target_agent_ids"`
	Confidence float64  `json:"confidence,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
}

// Unroutable reports whether no strategy produced a target.
func (d Decision) Unroutable() bool {
	return len(d.Targets) == 0 && d.Pattern == ""
}

func unroutable() Decision {
	return Decision{Strategy: StrategyInferred}
}

// decisionFor turns a table entry into a decision. A pattern target takes
// precedence over agent ids listed next to it.
func decisionFor(strategy Strategy, targets []string) (Decision, bool) {
	if len(targets) == 0 {
		return Decision{}, false
	}
	agents := make([]string, 0, len(targets))
	for _, t := range targets {
		if name, ok := strings.CutPrefix(t, PatternTargetPrefix); ok && name != "" {
			return Decision{Strategy: strategy, Pattern: name, Confidence: 1}, true
		}
		agents = append(agents, t)
	}
	return Decision{Strategy: strategy, Targets: agents, Confidence: 1}, true
}
