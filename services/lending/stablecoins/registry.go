// Package stablecoins decides which settlement stablecoins loans may be
// denominated in.
package stablecoins

import (
	"context"
	"sort"
	"strings"

	"gemfi/native/lending"
)

// OverrideStore holds operator overrides persisted through the admin API.
type OverrideStore interface {
	Stablecoin(ctx context.Context, symbol string) (enabled, found bool, err error)
	Stablecoins(ctx context.Context) (map[string]bool, error)
}

// Registry accepts the configured stablecoins unless an override disables
// them. Overrides may also enable symbols missing from the configuration.
type Registry struct {
	defaults  map[string]struct{}
	overrides OverrideStore
}

var _ lending.StablecoinRegistry = (*Registry)(nil)

// New builds a registry. overrides may be nil.
func New(configured []string, overrides OverrideStore) *Registry {
	r := &Registry{defaults: make(map[string]struct{}, len(configured)), overrides: overrides}
	for _, symbol := range configured {
		if key := normalize(symbol); key != "" {
			r.defaults[key] = struct{}{}
		}
	}
	return r
}

func (r *Registry) Accepts(ctx context.Context, symbol string) (bool, error) {
	key := normalize(symbol)
	if key == "" {
		return false, nil
	}
	if r.overrides != nil {
		enabled, found, err := r.overrides.Stablecoin(ctx, key)
		if err != nil {
			return false, err
		}
		if found {
			return enabled, nil
		}
	}
	_, ok := r.defaults[key]
	return ok, nil
}

// Accepted lists every currently accepted symbol in order.
func (r *Registry) Accepted(ctx context.Context) ([]string, error) {
	set := make(map[string]bool, len(r.defaults))
	for symbol := range r.defaults {
		set[symbol] = true
	}
	if r.overrides != nil {
		overrides, err := r.overrides.Stablecoins(ctx)
		if err != nil {
			return nil, err
		}
		for symbol, enabled := range overrides {
			set[normalize(symbol)] = enabled
		}
	}
	out := make([]string, 0, len(set))
	for symbol, enabled := range set {
		if enabled {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
