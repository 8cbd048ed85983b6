package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps provider ids to gateways. It is built once at startup and
// passed by reference; there is no ambient global lookup.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a gateway under a normalized provider id.
func (r *Registry) Register(id string, gw Gateway) {
	r.gateways[normalizeID(id)] = gw
}

// Get resolves a gateway by provider id.
func (r *Registry) Get(id string) (Gateway, error) {
	gw, ok := r.gateways[normalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("no gateway registered for provider %q", id)
	}
	return gw, nil
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
