// Package templates resolves a campaign's template id to renderable content.
// Each registered template is a variant behind the Template interface; callers
// only ever render.
package templates

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type Category string

const (
	CategoryCampaign      Category = "campaign"
	CategoryTransactional Category = "transactional"
)

// ErrNotFound is returned by Resolve for unknown template ids.
var ErrNotFound = errors.New("template not found")

type Content struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

type Template interface {
	ID() string
	Category() Category
	// Render produces localized content. Unknown locales render the template's default.
	Render(data map[string]any, locale string) (Content, error)
}

type Registry interface {
	Resolve(ctx context.Context, id string) (Template, error)
}

// MemoryRegistry is a concurrency-safe in-process registry.
type MemoryRegistry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewMemoryRegistry(ts ...Template) *MemoryRegistry {
	r := &MemoryRegistry{templates: make(map[string]Template, len(ts))}
	for _, t := range ts {
		r.templates[t.ID()] = t
	}
	return r
}

// Register adds or replaces a template.
func (r *MemoryRegistry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID()] = t
}

func (r *MemoryRegistry) Resolve(_ context.Context, id string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Registry = (*MemoryRegistry)(nil)
