package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type FailureKind string

const (
	FailAbort      FailureKind = "abort"
	FailSkip       FailureKind = "skip"
	FailRetry      FailureKind = "retry"
	FailCompensate FailureKind = "compensate"
)

// FailurePolicy is written in pattern files as "abort", "skip",
// "compensate" or "retry(n)".
type FailurePolicy struct {
	Kind    FailureKind
	Retries int
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", string(FailAbort):
		return FailurePolicy{Kind: FailAbort}, nil
	case string(FailSkip):
		return FailurePolicy{Kind: FailSkip}, nil
	case string(FailCompensate):
		return FailurePolicy{Kind: FailCompensate}, nil
	}
	if inner, ok := strings.CutPrefix(s, "retry("); ok && strings.HasSuffix(inner, ")") {
		n, err := strconv.Atoi(strings.TrimSuffix(inner, ")"))
		if err != nil || n < 1 {
			return FailurePolicy{}, fmt.Errorf("invalid retry count in %q", s)
		}
		return FailurePolicy{Kind: FailRetry, Retries: n}, nil
	}
	return FailurePolicy{}, fmt.Errorf("unknown on_failure policy %q (want abort, skip, compensate or retry(n))", s)
}

func (p FailurePolicy) String() string {
	if p.Kind == FailRetry {
		return fmt.Sprintf("retry(%d)", p.Retries)
	}
	if p.Kind == "" {
		return string(FailAbort)
	}
	return string(p.Kind)
}

func (p *FailurePolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseFailurePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p FailurePolicy) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// Compensation undoes a completed step. Capability defaults to the step's.
type Compensation struct {
	Capability string         `yaml:"capability,omitempty"`
	Action     string         `yaml:"action"`
	Args       map[string]any `yaml:"args,omitempty"`
}

// NotifySpec turns a step into a fire-and-forget notification. Sink errors
// only fail the step when Critical is set.
type NotifySpec struct {
	Kind     string         `yaml:"kind"`
	Critical bool           `yaml:"critical,omitempty"`
	Payload  map[string]any `yaml:"payload,omitempty"`
}

type StepDef struct {
	ID           string         `yaml:"id"`
	Capability   string         `yaml:"capability,omitempty"`
	Action       string         `yaml:"action,omitempty"`
	Args         map[string]any `yaml:"args,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty"`
	OnFailure    FailurePolicy  `yaml:"on_failure,omitempty"`
	Compensation *Compensation  `yaml:"compensation,omitempty"`
	Notify       *NotifySpec    `yaml:"notify,omitempty"`
	// Condition is a Lua expression; when false the step is skipped.
	Condition string        `yaml:"when,omitempty"`
	Delay     time.Duration `yaml:"delay,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// Pattern is a declarative step graph. Patterns are never mutated once
// added to a Catalog; instances refer to them by name and version.
type Pattern struct {
	Name        string    `yaml:"name"`
	Version     int       `yaml:"version"`
	Description string    `yaml:"description,omitempty"`
	Triggers    []string  `yaml:"triggers,omitempty"`
	Steps       []StepDef `yaml:"steps"`
}

func (p *Pattern) Step(id string) (*StepDef, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Capabilities lists every capability the pattern needs, compensations included.
func (p *Pattern) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, s := range p.Steps {
		add(s.Capability)
		if s.Compensation != nil {
			add(s.Compensation.Capability)
		}
	}
	return out
}

func (p *Pattern) key() string {
	return versionKey(p.Name, p.Version)
}

func versionKey(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// ParsePattern decodes one YAML pattern document.
func ParsePattern(data []byte) (*Pattern, error) {
	var p Pattern
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pattern: %w", err)
	}
	p.normalize()
	return &p, nil
}

func (p *Pattern) normalize() {
	if p.Version == 0 {
		p.Version = 1
	}
	for i := range p.Steps {
		if p.Steps[i].OnFailure.Kind == "" {
			p.Steps[i].OnFailure.Kind = FailAbort
		}
	}
}
