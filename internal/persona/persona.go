// Package persona loads AI persona definitions and turns a session's history
// into completion requests.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/debategym/internal/completion"
	"github.com/ashureev/debategym/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultCatalog []byte

// Persona is an AI opponent definition.
type Persona struct {
	ID           string             `yaml:"id"`
	Kind         domain.SessionKind `yaml:"kind"`
	Name         string             `yaml:"name"`
	SeedRole     domain.SenderRole  `yaml:"seed_role"`
	Opener       string             `yaml:"opener"`
	DefaultTopic string             `yaml:"default_topic"`
	SystemPrompt string             `yaml:"system_prompt"`
	Fallbacks    []string           `yaml:"fallbacks"`
}

// Catalog indexes personas by id and kind.
type Catalog struct {
	byID   map[string]*Persona
	byKind map[domain.SessionKind]*Persona
}

type catalogFile struct {
	Personas []*Persona `yaml:"personas"`
}

// Load reads the catalog at path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona catalog: %w", err)
		}
		data = raw
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog. The first persona of each kind is its default.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode persona catalog: %w", err)
	}
	c := &Catalog{byID: map[string]*Persona{}, byKind: map[domain.SessionKind]*Persona{}}
	for _, p := range f.Personas {
		if p.ID == "" {
			return nil, errors.New("persona without id")
		}
		if !p.Kind.Valid() {
			return nil, fmt.Errorf("persona %s: unknown kind %q", p.ID, p.Kind)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %s", p.ID)
		}
		if p.SeedRole == "" {
			p.SeedRole = domain.RoleAI
		}
		if p.SeedRole != domain.RoleAI && p.SeedRole != domain.RoleSystem {
			return nil, fmt.Errorf("persona %s: seed_role must be ai or system", p.ID)
		}
		if strings.TrimSpace(p.Opener) == "" {
			return nil, fmt.Errorf("persona %s: opener is required", p.ID)
		}
		c.byID[p.ID] = p
		if _, ok := c.byKind[p.Kind]; !ok {
			c.byKind[p.Kind] = p
		}
	}
	for _, k := range []domain.SessionKind{domain.KindDebate, domain.KindTroll} {
		if c.byKind[k] == nil {
			return nil, fmt.Errorf("catalog has no %s persona", k)
		}
	}
	return c, nil
}

// Resolve returns the persona with id, or the default for kind when id is empty.
// A persona of a different kind is rejected.
func (c *Catalog) Resolve(kind domain.SessionKind, id string) (*Persona, error) {
	if id == "" {
		p, ok := c.byKind[kind]
		if !ok {
			return nil, fmt.Errorf("no persona for kind %q", kind)
		}
		return p, nil
	}
	p, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown persona %q", id)
	}
	if p.Kind != kind {
		return nil, fmt.Errorf("persona %q is not a %s persona", id, kind)
	}
	return p, nil
}

// Get returns a persona by id.
func (c *Catalog) Get(id string) (*Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// FallbackLines is a completion.LinesFunc backed by each persona's fallbacks.
func (c *Catalog) FallbackLines(req completion.Request) []string {
	if p, ok := c.byID[req.PersonaID]; ok {
		return p.Fallbacks
	}
	return nil
}

// Topic returns topic, or the persona's default when topic is blank.
func (p *Persona) Topic(topic string) string {
	if t := strings.TrimSpace(topic); t != "" {
		return t
	}
	return p.DefaultTopic
}

// Seed renders the first message of a new session.
func (p *Persona) Seed(topic string) (domain.SenderRole, string) {
	return p.SeedRole, fill(p.Opener, p.Topic(topic))
}

// ReplyRequest builds the completion request for the next AI turn from
// history in ascending order.
func (p *Persona) ReplyRequest(sess *domain.Session, history []*domain.Message) completion.Request {
	turns := make([]completion.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, completion.Turn{Role: m.SenderRole, Content: m.Content})
	}
	maxTokens := 400
	if p.Kind == domain.KindTroll {
		maxTokens = 120
	}
	return completion.Request{
		System:      fill(p.SystemPrompt, p.Topic(sess.Topic)),
		History:     turns,
		MaxTokens:   maxTokens,
		Temperature: 0.8,
		PersonaID:   p.ID,
	}
}

func fill(tmpl, topic string) string {
	return strings.TrimSpace(strings.ReplaceAll(tmpl, "{topic}", topic))
}
