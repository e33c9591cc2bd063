package dispatch

type Status string

const (
	StatusProcessed Status = "processed"
	StatusPartial   Status = "partial"
	StatusError     Status = "error"
)

// AgentResult is one agent's entry in a response envelope.
type AgentResult struct {
	Status     Outcome        `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Aggregate merges per-agent results: processed when all succeeded,
// partial when some failed, error when all failed or there were none.
func Aggregate(results []Result) (Status, map[string]AgentResult) {
	merged := make(map[string]AgentResult, len(results))
	ok := 0
	for _, r := range results {
		ar := AgentResult{
			Status:     r.Outcome,
			Output:     r.Output,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			ar.Error = r.Err.Error()
		}
		if r.OK() {
			ok++
		}
		merged[r.AgentID] = ar
	}

	switch {
	case len(results) > 0 && ok == len(results):
		return StatusProcessed, merged
	case ok > 0:
		return StatusPartial, merged
	default:
		return StatusError, merged
	}
}
