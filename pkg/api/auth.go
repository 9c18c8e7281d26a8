package api

import (
	"net/http"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/security"
	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

// Headers of the signature authentication scheme.
const (
	headerUser      = "X-Coral-User"
	headerTenant    = "X-Coral-Tenant"
	headerSignature = "X-Coral-Signature"
	headerAdmin     = "X-Coral-Admin"
)

// Authenticator resolves the principal of a request. Requests without
// credentials resolve to the anonymous principal; invalid credentials are
// an error.
type Authenticator interface {
	Authenticate(r *http.Request) (types.Principal, error)
}

// SignatureAuthenticator authenticates requests with the same expiring HMAC
// scheme WebSocket sessions use: the caller presents its user id, tenant
// alias and a signature token minted with the tenant signing key. A full
// deployment swaps in the platform's session layer instead.
type SignatureAuthenticator struct {
	Tenants tenant.Directory
	Clock   clock.Clock
}

// AdminScope returns the string an admin-grade signature must cover for a
// user. Plain signatures cover the bare user id.
func AdminScope(userID string) string {
	return "admin:" + userID
}

func (a *SignatureAuthenticator) Authenticate(r *http.Request) (types.Principal, error) {
	userID := r.Header.Get(headerUser)
	if userID == "" {
		return types.Principal{}, nil
	}

	alias := r.Header.Get(headerTenant)
	t, err := a.Tenants.GetTenant(r.Context(), alias)
	if err != nil {
		return types.Principal{}, types.NewError(types.CodeUnauthorized, "unknown tenant")
	}
	sig, err := security.ParseToken(r.Header.Get(headerSignature))
	if err != nil {
		return types.Principal{}, types.NewError(types.CodeUnauthorized, "malformed signature token")
	}

	// Admin rights must be signed in, not merely claimed.
	scope := userID
	admin := r.Header.Get(headerAdmin) == "true"
	if admin {
		scope = AdminScope(userID)
	}
	if !security.VerifyExpiringSignature(t.SigningKey, scope, sig, a.Clock.Now()) {
		return types.Principal{}, types.NewError(types.CodeUnauthorized, "invalid signature")
	}
	return types.Principal{ID: userID, TenantAlias: alias, Admin: admin}, nil
}
