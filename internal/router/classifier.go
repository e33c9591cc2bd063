package router

import (
	"context"
	"strings"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/registry"
)

// stopTokens carry no routing signal on their own.
var stopTokens = map[string]bool{
	"event": true, "new": true, "created": true, "updated": true,
	"deleted": true, "request": true, "received": true,
}

// KeywordClassifier is the built-in fallback classifier. It scores each
// routable agent by how many event type tokens appear in its capability
// tags and returns the best one with the matched fraction as confidence.
type KeywordClassifier struct {
	registry *registry.Registry
}

func NewKeywordClassifier(reg *registry.Registry) *KeywordClassifier {
	return &KeywordClassifier{registry: reg}
}

func (c *KeywordClassifier) Classify(_ context.Context, ev agent.Event) (string, float64, error) {
	tokens := tokenize(ev.Type)
	if len(tokens) == 0 {
		return "", 0, nil
	}

	var bestID string
	var best float64
	for _, desc := range c.registry.List() {
		if !desc.Status.Routable() {
			continue
		}
		vocab := make(map[string]bool)
		for _, capability := range desc.Capabilities {
			for _, t := range tokenize(capability) {
				vocab[t] = true
			}
		}
		hits := 0
		for _, t := range tokens {
			if vocab[t] {
				hits++
			}
		}
		score := float64(hits) / float64(len(tokens))
		// List is priority ordered, so strict > keeps the higher-priority agent on ties.
		if score > best {
			best = score
			bestID = desc.ID
		}
	}
	return bestID, best, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || r == ':' || r == '/' || r == ' '
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopTokens[f] {
			out = append(out, singular(f))
		}
	}
	return out
}

func singular(s string) string {
	if len(s) > 3 && strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") {
		return s[:len(s)-1]
	}
	return s
}
