package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/dispatch"
)

const (
	DefaultMaxPayloadBytes = 256 * 1024
	DefaultMaxErrorBytes   = 2 * 1024
)

var eventTypePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Credentials that agents sometimes echo back in their error messages.
var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)\s*[=:]\s*[^\s,;]+`),
}

// InvalidEventError reports an event rejected before routing.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return "invalid event: " + e.Reason
}

// Guard checks inbound events and cleans agent results before they are
// returned to the caller.
type Guard struct {
	MaxPayloadBytes int
	MaxErrorBytes   int
	SecretPatterns  []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		MaxErrorBytes:   DefaultMaxErrorBytes,
		SecretPatterns:  defaultSecretPatterns,
	}
}

func (g *Guard) ValidateEvent(ev agent.Event) error {
	if ev.Type == "" {
		return &InvalidEventError{Reason: "type is required"}
	}
	if !eventTypePattern.MatchString(ev.Type) {
		return &InvalidEventError{Reason: fmt.Sprintf("type %q has unsupported characters", ev.Type)}
	}
	if ev.CorrelationID == "" {
		return &InvalidEventError{Reason: "correlation id is required"}
	}
	if g.MaxPayloadBytes > 0 && len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return &InvalidEventError{Reason: fmt.Sprintf("payload is not JSON encodable: %v", err)}
		}
		if len(data) > g.MaxPayloadBytes {
			return &InvalidEventError{Reason: fmt.Sprintf("payload is %d bytes, limit %d", len(data), g.MaxPayloadBytes)}
		}
	}
	return nil
}

func (g *Guard) Sanitize(r dispatch.AgentResult) dispatch.AgentResult {
	r.Error = g.SanitizeError(r.Error)
	return r
}

func (g *Guard) SanitizeError(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range g.SecretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			return strings.Repeat("*", len(match))
		})
	}
	if g.MaxErrorBytes > 0 && len(s) > g.MaxErrorBytes {
		cut := g.MaxErrorBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + " [truncated]"
	}
	return s
}
