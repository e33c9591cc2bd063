package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Catalog holds the validated patterns. Only patterns that passed Validate
// are ever stored, so a broken definition can never be triggered.
type Catalog struct {
	mu       sync.RWMutex
	latest   map[string]*Pattern
	versions map[string]*Pattern
	triggers map[string]string
}

func NewCatalog() *Catalog {
	return &Catalog{
		latest:   make(map[string]*Pattern),
		versions: make(map[string]*Pattern),
		triggers: make(map[string]string),
	}
}

// Add validates p and stores it. A newer version becomes the default for
// new instances; older versions stay available for running ones.
func (c *Catalog) Add(p *Pattern, known map[string]bool) error {
	p.normalize()
	if err := Validate(p, known); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.versions[p.key()]; exists {
		return &DefinitionError{Pattern: p.Name, Problems: []string{fmt.Sprintf("version %d already loaded", p.Version)}}
	}
	for _, t := range p.Triggers {
		if owner, ok := c.triggers[t]; ok && owner != p.Name {
			return &DefinitionError{Pattern: p.Name, Problems: []string{fmt.Sprintf("trigger %q already used by pattern %q", t, owner)}}
		}
	}

	c.versions[p.key()] = p
	if cur, ok := c.latest[p.Name]; !ok || p.Version > cur.Version {
		if ok {
			for _, t := range cur.Triggers {
				delete(c.triggers, t)
			}
		}
		c.latest[p.Name] = p
		for _, t := range p.Triggers {
			c.triggers[t] = p.Name
		}
	}
	return nil
}

func (c *Catalog) Get(name string) (*Pattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.latest[name]
	return p, ok
}

// GetVersion returns a specific version, falling back to the latest.
func (c *Catalog) GetVersion(name string, version int) (*Pattern, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.versions[versionKey(name, version)]; ok {
		return p, true
	}
	p, ok := c.latest[name]
	return p, ok
}

// Triggers maps event types to the pattern they start.
func (c *Catalog) Triggers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.triggers))
	for k, v := range c.triggers {
		out[k] = v
	}
	return out
}

// Trigger returns the pattern whose latest version lists eventType.
func (c *Catalog) Trigger(eventType string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.triggers[eventType]
	return name, ok
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.latest))
	for n := range c.latest {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir parses every .yaml/.yml file in dir. Parse failures are returned
// together; valid files are still returned.
func LoadDir(dir string) ([]*Pattern, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pattern dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var patterns []*Pattern
	var errs []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		p, err := ParsePattern(data)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		patterns = append(patterns, p)
	}
	if len(errs) > 0 {
		return patterns, fmt.Errorf("loading patterns: %s", strings.Join(errs, "; "))
	}
	return patterns, nil
}
