package workflow

import "time"

// ReadyStep is a step whose dependencies are all satisfied. It may be
// dispatched once NotBefore has passed.
type ReadyStep struct {
	Step      *StepDef
	Attempt   int
	NotBefore time.Time
}

type Plan struct {
	Ready []ReadyStep
	// Failed is the first step whose failure its policy cannot absorb.
	// When set, Ready is empty.
	Failed   *StepDef
	Complete bool
}

type stepState struct {
	latest    *StepRecord
	failures  int
	satisfied bool
}

func summarize(history []StepRecord) map[string]*stepState {
	states := make(map[string]*stepState)
	for n := range history {
		rec := &history[n]
		if rec.Result.compensation() {
			continue
		}
		st, ok := states[rec.StepID]
		if !ok {
			st = &stepState{}
			states[rec.StepID] = st
		}
		st.latest = rec
		if rec.Result == ResultFailed {
			st.failures++
		}
		st.satisfied = rec.Result.Satisfies()
	}
	return states
}

// Derive computes what an instance should do next purely from its pattern
// and history. Steps appear in pattern order.
func Derive(p *Pattern, history []StepRecord, createdAt time.Time, backoff Backoff) Plan {
	states := summarize(history)
	var plan Plan
	complete := true

	for n := range p.Steps {
		step := &p.Steps[n]
		st := states[step.ID]
		if st != nil && st.satisfied {
			continue
		}
		complete = false

		depsAt, ready := dependenciesSatisfied(step, states, createdAt)
		if !ready {
			continue
		}

		if st != nil && st.latest.Result == ResultFailed {
			if step.OnFailure.Kind == FailRetry && st.failures <= step.OnFailure.Retries {
				plan.Ready = append(plan.Ready, ReadyStep{
					Step:      step,
					Attempt:   st.failures + 1,
					NotBefore: st.latest.Timestamp.Add(backoff.Delay(st.failures)),
				})
				continue
			}
			if plan.Failed == nil {
				plan.Failed = step
			}
			continue
		}

		rs := ReadyStep{Step: step, Attempt: 1}
		if step.Delay > 0 {
			rs.NotBefore = depsAt.Add(step.Delay)
		}
		plan.Ready = append(plan.Ready, rs)
	}

	if plan.Failed != nil {
		plan.Ready = nil
	}
	plan.Complete = complete
	return plan
}

// dependenciesSatisfied reports whether every dependency has a success or
// skip outcome, and when the last of them was recorded.
func dependenciesSatisfied(step *StepDef, states map[string]*stepState, createdAt time.Time) (time.Time, bool) {
	at := createdAt
	for _, dep := range step.DependsOn {
		st := states[dep]
		if st == nil || !st.satisfied {
			return time.Time{}, false
		}
		if st.latest.Timestamp.After(at) {
			at = st.latest.Timestamp
		}
	}
	return at, true
}

// CompensationPlan returns the successful steps that declare a compensation
// and have not been compensated yet, most recently completed first.
func CompensationPlan(p *Pattern, history []StepRecord) []*StepDef {
	compensated := make(map[string]bool)
	for _, rec := range history {
		if rec.Result.compensation() {
			compensated[rec.StepID] = true
		}
	}

	seen := make(map[string]bool)
	var out []*StepDef
	for n := len(history) - 1; n >= 0; n-- {
		rec := history[n]
		if rec.Result != ResultSuccess || seen[rec.StepID] || compensated[rec.StepID] {
			continue
		}
		seen[rec.StepID] = true
		step, ok := p.Step(rec.StepID)
		if !ok || step.Compensation == nil {
			continue
		}
		out = append(out, step)
	}
	return out
}
