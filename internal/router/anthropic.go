package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/opentalon/conductor/internal/agent"
	"github.com/opentalon/conductor/internal/registry"
)

const (
	classifyMaxTokens   = 128
	classifyPayloadSize = 2048
)

const classifySystem = `You route business events to the agent best able to process them.
Reply with a single JSON object and nothing else:
{"agent_id": "<one of the listed ids, or empty>", "confidence": <0.0 to 1.0>}
Use an empty agent_id when no listed agent fits.`

type AnthropicConfig struct {
	// APIKey defaults to ANTHROPIC_API_KEY.
	APIKey  string
	Model   string
	BaseURL string
}

// AnthropicClassifier asks a Claude model to pick an agent for events no
// other strategy placed. Only routable agents are offered.
type AnthropicClassifier struct {
	client   anthropic.Client
	model    anthropic.Model
	registry *registry.Registry
}

func NewAnthropicClassifier(reg *registry.Registry, cfg AnthropicConfig) (*AnthropicClassifier, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("anthropic classifier: no API key (set routing.anthropic.api_key or ANTHROPIC_API_KEY)")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &AnthropicClassifier{
		client:   anthropic.NewClient(opts...),
		model:    model,
		registry: reg,
	}, nil
}

type classification struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
}

func (c *AnthropicClassifier) Classify(ctx context.Context, ev agent.Event) (string, float64, error) {
	candidates := make(map[string]bool)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Event type: %s\n", ev.Type)
	if ev.BusinessContext != "" {
		fmt.Fprintf(&sb, "Business context: %s\n", ev.BusinessContext)
	}
	if len(ev.Payload) > 0 {
		if data, err := json.Marshal(ev.Payload); err == nil {
			if len(data) > classifyPayloadSize {
				data = data[:classifyPayloadSize]
			}
			fmt.Fprintf(&sb, "Payload: %s\n", data)
		}
	}
	sb.WriteString("\nAgents:\n")
	for _, desc := range c.registry.List() {
		if !desc.Status.Routable() {
			continue
		}
		candidates[desc.ID] = true
		fmt.Fprintf(&sb, "- %s: %s\n", desc.ID, strings.Join(desc.Capabilities, ", "))
	}
	if len(candidates) == 0 {
		return "", 0, nil
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: classifyMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: classifySystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("anthropic classifier: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	result, err := parseClassification(text.String())
	if err != nil {
		return "", 0, fmt.Errorf("anthropic classifier: %w", err)
	}
	if result.AgentID == "" {
		return "", 0, nil
	}
	if !candidates[result.AgentID] {
		return "", 0, fmt.Errorf("anthropic classifier: model chose unknown agent %q", result.AgentID)
	}
	return result.AgentID, min(max(result.Confidence, 0), 1), nil
}

// parseClassification extracts the JSON object from the model's reply,
// tolerating surrounding prose or code fences.
func parseClassification(reply string) (classification, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return classification{}, fmt.Errorf("no JSON object in reply %q", reply)
	}
	var c classification
	if err := json.Unmarshal([]byte(reply[start:end+1]), &c); err != nil {
		return classification{}, fmt.Errorf("decoding reply: %w", err)
	}
	return c, nil
}
