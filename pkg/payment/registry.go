package payment

import (
	"strings"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// Registry picks a gateway for a purchase. Region hints in the configured
// set route to gateway B; everything else prefers gateway A.
type Registry struct {
	a, b     Gateway
	bRegions map[string]bool
}

// NewRegistry builds a registry. bRegions is the ISO country-code set that
// routes to gateway B.
func NewRegistry(a, b Gateway, bRegions []string) *Registry {
	set := make(map[string]bool, len(bRegions))
	for _, r := range bRegions {
		set[strings.ToUpper(strings.TrimSpace(r))] = true
	}
	return &Registry{a: a, b: b, bRegions: set}
}

// Select resolves the gateway for a region hint, falling back to whichever
// gateway is configured.
func (r *Registry) Select(regionHint string) (Gateway, error) {
	if r.bRegions[strings.ToUpper(regionHint)] && r.b.IsConfigured() {
		return r.b, nil
	}
	if r.a.IsConfigured() {
		return r.a, nil
	}
	if r.b.IsConfigured() {
		return r.b, nil
	}
	return nil, apperr.UpstreamUnavailable("no payment gateway is configured")
}

// ByType resolves a gateway for webhook dispatch.
func (r *Registry) ByType(t GatewayType) (Gateway, error) {
	switch t {
	case GatewayA:
		return r.a, nil
	case GatewayB:
		return r.b, nil
	}
	return nil, apperr.NotFound("unknown gateway %q", t)
}
