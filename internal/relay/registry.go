package relay

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps task kinds to their relays.
type Registry struct {
	relays      map[string]*Relay
	defaultKind string
}

// NewRegistry indexes relays by kind. defaultKind must be one of them.
func NewRegistry(defaultKind string, relays ...*Relay) (*Registry, error) {
	reg := &Registry{
		relays:      make(map[string]*Relay, len(relays)),
		defaultKind: strings.ToLower(defaultKind),
	}
	for _, r := range relays {
		if r == nil {
			continue
		}
		key := strings.ToLower(r.Kind())
		if _, dup := reg.relays[key]; dup {
			return nil, fmt.Errorf("duplicate relay for kind %q", key)
		}
		reg.relays[key] = r
	}
	if _, ok := reg.relays[reg.defaultKind]; !ok {
		return nil, fmt.Errorf("default kind %q has no relay", defaultKind)
	}
	return reg, nil
}

// Get returns the relay for kind.
func (g *Registry) Get(kind string) (*Relay, bool) {
	r, ok := g.relays[strings.ToLower(kind)]
	return r, ok
}

// Default returns the relay behind the bare /stream route.
func (g *Registry) Default() *Relay {
	return g.relays[g.defaultKind]
}

// Kinds lists registered kinds in sorted order.
func (g *Registry) Kinds() []string {
	kinds := make([]string, 0, len(g.relays))
	for k := range g.relays {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
