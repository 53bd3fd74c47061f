package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"grove/internal/domain"
)

// Tier is the routing priority class. Lower values outrank higher ones;
// Crisis outranks everything.
type Tier int

const (
	TierCrisis Tier = iota
	TierSafety
	TierContentType
	TierReasoning
	TierDomain
	TierCreative
	TierDetail
	TierGeneral
)

var tierNames = map[Tier]string{
	TierCrisis:      "crisis",
	TierSafety:      "safety",
	TierContentType: "content-type",
	TierReasoning:   "reasoning",
	TierDomain:      "domain",
	TierCreative:    "creative",
	TierDetail:      "detail",
	TierGeneral:     "general",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps a tier name to its value. Used by the YAML pack loader.
func ParseTier(name string) (Tier, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range tierNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", name)
}

// Capability tags.
const (
	CapVision = "vision"
	CapCode   = "code"
	CapCrisis = "crisis"
	CapSearch = "search"
)

// Descriptor is the static record for one response handler.
type Descriptor struct {
	ID              string
	DisplayName     string
	Tier            Tier
	Confidence      float64 // in-tier tie-break floor, higher = more specialized
	TriggerKeywords []string
	Capabilities    []string
	Default         bool // exactly one descriptor is the default fallback
	PromptTemplate  string
	ClonedFrom      string
	Provider        string // generation backend name
	Model           string
}

// HasCapability reports whether the descriptor carries the given tag.
func (d Descriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Registry owns all handler descriptors, including runtime clones.
// Reads are concurrent; clone and prompt mutations go through one write path.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]*Descriptor
	baselines map[string]string // reset target per handler, captured at construction/clone
}

// New builds a registry from the given descriptors. Fails fast unless exactly
// one descriptor is the default fallback and all IDs are unique.
func New(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{
		handlers:  make(map[string]*Descriptor, len(descriptors)),
		baselines: make(map[string]string, len(descriptors)),
	}

	defaults := 0
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("handler with empty id")
		}
		if _, exists := r.handlers[d.ID]; exists {
			return nil, fmt.Errorf("duplicate handler id %q", d.ID)
		}
		if d.Default {
			defaults++
		}
		dc := d
		r.handlers[d.ID] = &dc
		r.baselines[d.ID] = d.PromptTemplate
	}

	if defaults != 1 {
		return nil, fmt.Errorf("exactly one default fallback handler required, found %d", defaults)
	}
	return r, nil
}

// Resolve returns the descriptor for id.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.handlers[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("handler %q: %w", id, domain.ErrNotFound)
	}
	return *d, nil
}

// Fallback returns the default-fallback descriptor.
func (r *Registry) Fallback() Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.handlers {
		if d.Default {
			return *d
		}
	}
	// Unreachable: New enforces exactly one default.
	return Descriptor{}
}

// List returns all descriptors ordered by tier, then display name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.handlers))
	for _, d := range r.handlers {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Clone creates a new handler from source, replacing the id and prompt and
// recording the lineage. The clone's reset target is the source's template as
// it stands now, not any later edit.
func (r *Registry) Clone(sourceID, newID, prompt string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.handlers[sourceID]
	if !ok {
		return Descriptor{}, fmt.Errorf("clone %q: %w", sourceID, domain.ErrSourceNotFound)
	}
	if _, exists := r.handlers[newID]; exists {
		return Descriptor{}, fmt.Errorf("clone to %q: %w", newID, domain.ErrDuplicateHandler)
	}
	if newID == "" {
		return Descriptor{}, fmt.Errorf("clone: new handler id must not be empty")
	}

	clone := *src
	clone.ID = newID
	clone.PromptTemplate = prompt
	clone.ClonedFrom = sourceID
	clone.Default = false
	clone.TriggerKeywords = append([]string(nil), src.TriggerKeywords...)
	clone.Capabilities = append([]string(nil), src.Capabilities...)

	r.handlers[newID] = &clone
	r.baselines[newID] = src.PromptTemplate
	return clone, nil
}

// SetPrompt replaces the system prompt template for a handler.
func (r *Registry) SetPrompt(id, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.handlers[id]
	if !ok {
		return fmt.Errorf("handler %q: %w", id, domain.ErrNotFound)
	}
	d.PromptTemplate = prompt
	return nil
}

// ResetPrompt restores the handler's baseline template: the built-in one for
// built-ins, the parent's template at clone time for clones.
func (r *Registry) ResetPrompt(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.handlers[id]
	if !ok {
		return fmt.Errorf("handler %q: %w", id, domain.ErrNotFound)
	}
	if baseline, ok := r.baselines[id]; ok && baseline != "" {
		d.PromptTemplate = baseline
	}
	return nil
}
