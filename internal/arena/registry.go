package arena

import (
	"sort"
	"sync"
)

// Registry holds every registered collector keyed by platform name. It is
// populated once during startup wiring and frozen before dispatch begins;
// registration after Freeze is a programming error surfaced as
// ErrConfiguration rather than a silent mutation.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
	frozen     bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

// Register adds a collector. A duplicate platform name or a structurally
// invalid descriptor is a fatal configuration error at startup.
func (r *Registry) Register(c Collector) error {
	if c == nil {
		return Configf("register: nil collector")
	}
	desc := c.Descriptor()
	if desc.Platform == "" {
		return Configf("register: collector has empty platform name")
	}
	if len(desc.Tiers) == 0 {
		return Configf("register %s: no supported tiers declared", desc.Platform)
	}
	switch desc.Temporal {
	case TemporalHistorical, TemporalRecent, TemporalForwardOnly, TemporalMixed:
	default:
		return Configf("register %s: unknown temporal mode %q", desc.Platform, desc.Temporal)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return Configf("register %s: registry is frozen", desc.Platform)
	}
	if _, exists := r.collectors[desc.Platform]; exists {
		return Configf("register %s: duplicate platform name", desc.Platform)
	}
	r.collectors[desc.Platform] = c
	return nil
}

// Freeze makes the registry immutable. Called once after wiring.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the collector for a platform.
func (r *Registry) Get(platform string) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[platform]
	if !ok {
		return nil, Configf("no collector registered for platform %q", platform)
	}
	return c, nil
}

// List returns every registered descriptor sorted by platform name, for
// discovery by external callers.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.collectors))
	for _, c := range r.collectors {
		out = append(out, c.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
