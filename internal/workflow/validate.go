package workflow

import (
	"fmt"
	"sort"

	"github.com/opentalon/conductor/internal/lua"
)

// Validate checks a pattern against the set of capabilities that agents
// declare. A nil known set skips the capability check.
func Validate(p *Pattern, known map[string]bool) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.Name == "" {
		add("name is required")
	}
	if len(p.Steps) == 0 {
		add("at least one step is required")
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			add("step without id")
			continue
		}
		if ids[s.ID] {
			add("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		if s.Notify != nil {
			if s.Notify.Kind == "" {
				add("step %q: notify.kind is required", s.ID)
			}
			if s.Capability != "" || s.Action != "" {
				add("step %q: notify steps cannot also name a capability or action", s.ID)
			}
		} else {
			if s.Capability == "" || s.Action == "" {
				add("step %q: capability and action are required", s.ID)
			}
			if s.Capability != "" && known != nil && !known[s.Capability] {
				add("step %q: unknown capability %q", s.ID, s.Capability)
			}
		}

		for _, dep := range s.DependsOn {
			switch {
			case dep == s.ID:
				add("step %q depends on itself", s.ID)
			case !ids[dep]:
				add("step %q depends on unknown step %q", s.ID, dep)
			}
		}

		switch s.OnFailure.Kind {
		case FailAbort, FailSkip, FailCompensate, "":
		case FailRetry:
			if s.OnFailure.Retries < 1 {
				add("step %q: retry needs at least one attempt", s.ID)
			}
		default:
			add("step %q: unknown on_failure %q", s.ID, s.OnFailure.Kind)
		}

		if c := s.Compensation; c != nil {
			if c.Action == "" {
				add("step %q: compensation action is required", s.ID)
			}
			capability := c.Capability
			if capability == "" {
				capability = s.Capability
			}
			if capability == "" {
				add("step %q: compensation needs a capability", s.ID)
			} else if known != nil && !known[capability] {
				add("step %q: unknown compensation capability %q", s.ID, capability)
			}
		}

		if s.Condition != "" {
			if err := lua.CheckCondition(s.Condition); err != nil {
				add("step %q: %v", s.ID, err)
			}
		}
		if s.Delay < 0 || s.Timeout < 0 {
			add("step %q: delay and timeout must not be negative", s.ID)
		}
	}

	if cycle := findCycle(p); len(cycle) > 0 {
		add("dependency cycle through %v", cycle)
	}

	if len(problems) > 0 {
		return &DefinitionError{Pattern: p.Name, Problems: problems}
	}
	return nil
}

// findCycle returns the sorted ids of steps that cannot be ordered, or nil
// when the dependency graph is acyclic.
func findCycle(p *Pattern) []string {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string)
	for _, s := range p.Steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.DependsOn {
			if _, ok := p.Step(dep); !ok || dep == s.ID {
				continue
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
		delete(indegree, id)
	}

	if len(indegree) == 0 {
		return nil
	}
	cycle := make([]string, 0, len(indegree))
	for id := range indegree {
		cycle = append(cycle, id)
	}
	sort.Strings(cycle)
	return cycle
}
