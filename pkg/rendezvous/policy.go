package rendezvous

import (
	"context"
	"sync"

	"github.com/baderanaas/GoLobby/pkg/advert"
)

// Policy is the local side of a search: what content the user wants to see
// or avoid and which hosts they accept.
type Policy struct {
	Prefer            advert.Flags
	Avoid             advert.Flags
	AllowCustomNotice bool
	// Version is the local protocol version, compared against each
	// candidate's advertised minimum.
	Version string
}

// MatchRatio rewards agreement between a host's content rating and the
// local preferences: one point per preferred attribute the host allows and
// one per avoided attribute it does not.
func MatchRatio(rating advert.Flags, p Policy) int {
	return (rating & p.Prefer).Count() + (^rating & p.Avoid & advert.ContentAll).Count()
}

// WorldPolicy is the content a world declares it contains.
type WorldPolicy struct {
	Rating advert.Flags
}

// Violates reports whether a host rated hostRating cannot serve the world:
// the world carries content the host does not allow.
func (w *WorldPolicy) Violates(hostRating advert.Flags) bool {
	if w == nil {
		return false
	}
	return w.Rating&^hostRating != 0
}

// PolicyResolver looks up the declared content policy of a world. A nil
// policy with a nil error means the world declares none.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, worldID string) (*WorldPolicy, error)
}

// StaticPolicies is a PolicyResolver backed by a map.
type StaticPolicies struct {
	mu       sync.RWMutex
	policies map[string]WorldPolicy
}

func NewStaticPolicies() *StaticPolicies {
	return &StaticPolicies{policies: make(map[string]WorldPolicy)}
}

// Set declares the policy of worldID.
func (s *StaticPolicies) Set(worldID string, p WorldPolicy) {
	s.mu.Lock()
	s.policies[worldID] = p
	s.mu.Unlock()
}

func (s *StaticPolicies) ResolvePolicy(_ context.Context, worldID string) (*WorldPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[worldID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
