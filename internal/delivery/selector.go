package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/busybox42/mailflow/internal/store"
)

// ErrNoEndpoints means every configured endpoint is currently blacklisted.
var ErrNoEndpoints = errors.New("no delivery endpoints available")

// selector draws endpoints with probability proportional to weight, skipping
// endpoints whose host sits in the blacklist set. The candidate list is
// recomputed on every draw because blacklist membership changes underneath
// us; a blacklisted endpoint's share drops to exactly zero, it is never
// merely down-weighted.
type selector struct {
	endpoints    []Endpoint
	membership   store.Membership
	blacklistSet string
	rng          *rand.Rand
}

func newSelector(endpoints []Endpoint, membership store.Membership, blacklistSet string, rng *rand.Rand) *selector {
	return &selector{
		endpoints:    endpoints,
		membership:   membership,
		blacklistSet: blacklistSet,
		rng:          rng,
	}
}

// pick draws one endpoint by cumulative weight over the non-blacklisted
// candidates.
func (s *selector) pick(ctx context.Context) (*Endpoint, error) {
	var candidates []*Endpoint
	var total float64

	for i := range s.endpoints {
		ep := &s.endpoints[i]
		blacklisted, err := s.membership.SetIsMember(ctx, s.blacklistSet, ep.Host)
		if err != nil {
			return nil, fmt.Errorf("blacklist check for %s: %w", ep.Host, err)
		}
		if blacklisted {
			continue
		}
		candidates = append(candidates, ep)
		total += ep.Weight
	}

	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}

	target := s.rng.Float64() * total
	var cumulative float64
	for _, ep := range candidates {
		cumulative += ep.Weight
		if target < cumulative {
			return ep, nil
		}
	}

	// Floating-point edge: target landed on the total.
	return candidates[len(candidates)-1], nil
}
