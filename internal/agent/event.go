package agent

import (
	"time"

	"github.com/google/uuid"
)

// Event is a single inbound occurrence. Build it with NewEvent; the payload
// is copied so later mutation by the caller is not observed.
type Event struct {
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload,omitempty"`
	BusinessContext string         `json:"business_context,omitempty"`
	CorrelationID   string         `json:"correlation_id"`
	ReceivedAt      time.Time      `json:"received_at"`
}

// NewEvent creates an event with a fresh correlation id.
func NewEvent(eventType, businessContext string, payload map[string]any) Event {
	return NewEventWithID(uuid.NewString(), eventType, businessContext, payload)
}

// NewEventWithID creates an event keeping a correlation id assigned upstream,
// as happens on redelivery from an at-least-once source.
func NewEventWithID(correlationID, eventType, businessContext string, payload map[string]any) Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Event{
		Type:            eventType,
		Payload:         CopyPayload(payload),
		BusinessContext: businessContext,
		CorrelationID:   correlationID,
		ReceivedAt:      time.Now().UTC(),
	}
}

// CopyPayload deep-copies nested maps and slices of a payload.
func CopyPayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyPayload(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = copyValue(t[i])
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}
