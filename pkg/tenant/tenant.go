package tenant

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coralhq/coral/pkg/types"
)

// Tenant is the slice of the platform's tenant record the pipeline needs.
type Tenant struct {
	Alias       string
	Host        string
	EmailDomain string
	SigningKey  string
	// Timezone is the IANA zone digest emails are scheduled in.
	Timezone string
	// EmailHour is the local hour (0-23) daily and weekly digests target.
	EmailHour int
	// EmailDay is the local weekday weekly digests target.
	EmailDay time.Weekday
}

// Directory is the tenant service the pipeline consumes. The platform's
// tenant module implements it; Static below serves tests and single-tenant
// deployments.
type Directory interface {
	GetTenant(ctx context.Context, alias string) (*Tenant, error)
	GetTenantByEmail(ctx context.Context, email string) (*Tenant, error)
	BaseURL(alias string) string
	// CanInteract reports whether principals of tenant a may receive
	// activity about resources of tenant b.
	CanInteract(ctx context.Context, a, b string) (bool, error)
}

// Static is an in-memory Directory.
type Static struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewStatic creates a Static directory holding the given tenants.
func NewStatic(tenants ...*Tenant) *Static {
	s := &Static{tenants: make(map[string]*Tenant)}
	for _, t := range tenants {
		s.tenants[t.Alias] = t
	}
	return s
}

// Add registers or replaces a tenant.
func (s *Static) Add(t *Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.Alias] = t
}

func (s *Static) GetTenant(_ context.Context, alias string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[alias]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "unknown tenant "+alias)
	}
	copied := *t
	return &copied, nil
}

func (s *Static) GetTenantByEmail(_ context.Context, email string) (*Tenant, error) {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return nil, types.NewError(types.CodeInvalidInput, "malformed email address")
	}
	domain := strings.ToLower(email[at+1:])

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if strings.EqualFold(t.EmailDomain, domain) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, types.NewError(types.CodeNotFound, "no tenant configured for domain "+domain)
}

func (s *Static) BaseURL(alias string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[alias]; ok {
		return "https://" + t.Host
	}
	return ""
}

// CanInteract in the static directory allows interaction between any two
// known tenants. Real deployments enforce the platform's interaction rules.
func (s *Static) CanInteract(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, okA := s.tenants[a]
	_, okB := s.tenants[b]
	return okA && okB, nil
}
