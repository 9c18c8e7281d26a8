package principals

import (
	"context"
	"sync"

	"github.com/coralhq/coral/pkg/types"
)

// Profile is the slice of a user record the pipeline needs: where to send
// digest emails and how often.
type Profile struct {
	ID              string
	TenantAlias     string
	DisplayName     string
	Email           string
	EmailPreference types.EmailPreference
}

// Directory resolves user profiles. The platform's principals module
// implements it; Static below serves tests and small deployments.
type Directory interface {
	Get(ctx context.Context, userID string) (*Profile, error)
}

// Static is an in-memory Directory.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewStatic creates a Static directory holding the given profiles.
func NewStatic(profiles ...*Profile) *Static {
	s := &Static{profiles: make(map[string]*Profile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

// Add registers or replaces a profile.
func (s *Static) Add(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Static) Get(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "unknown user "+userID)
	}
	copied := *p
	return &copied, nil
}
