package pipeline

import (
	"context"

	"github.com/coralhq/coral/pkg/registry"
	"github.com/coralhq/coral/pkg/security"
	"github.com/coralhq/coral/pkg/types"
)

// registerStreamTypes installs the stream types every deployment carries.
// Domain modules may register further stream types before Start.
func (p *Pipeline) registerStreamTypes() error {
	reg := p.cfg.Registry
	if err := reg.RegisterStreamType(types.StreamActivity, registry.StreamTypeOptions{
		VisibilityBucketing: true,
		PushPhase:           registry.PushAggregation,
		Authorizer:          p.authorizeActivityStream,
	}); err != nil {
		return err
	}
	if err := reg.RegisterStreamType(types.StreamNotification, registry.StreamTypeOptions{
		PushPhase:  registry.PushAggregation,
		Authorizer: authorizeOwner,
	}); err != nil {
		return err
	}
	// The email stream is a holding feed for the digest scheduler; it is
	// never pushed.
	if err := reg.RegisterStreamType(types.StreamEmail, registry.StreamTypeOptions{
		Authorizer: authorizeOwner,
	}); err != nil {
		return err
	}
	return reg.RegisterStreamType(types.StreamMessage, registry.StreamTypeOptions{
		Transient:  true,
		PushPhase:  registry.PushRouting,
		Authorizer: p.authorizeMessageStream,
	})
}

// authorizeOwner admits only the stream's owner and administrators.
func authorizeOwner(_ context.Context, principal types.Principal, resourceID, _ string) error {
	if principal.Admin || principal.ID == resourceID {
		return nil
	}
	return types.NewError(types.CodeUnauthorized, "stream belongs to another principal")
}

// authorizeActivityStream admits the owner and admins to a user's base
// feed, and same-tenant members to group feeds. Everyone else reads the
// visibility variants.
func (p *Pipeline) authorizeActivityStream(_ context.Context, principal types.Principal, resourceID, _ string) error {
	if principal.Admin || principal.ID == resourceID {
		return nil
	}
	if types.IsGroupID(resourceID) && !principal.Anonymous() &&
		principal.TenantAlias == types.TenantAliasOf(resourceID) {
		return nil
	}
	return types.NewError(types.CodeUnauthorized, "activity stream belongs to another principal")
}

// authorizeMessageStream admits same-tenant principals, and holders of a
// valid expiring signature over the resource (invitation links and similar
// flows hand those out).
func (p *Pipeline) authorizeMessageStream(ctx context.Context, principal types.Principal, resourceID, token string) error {
	if principal.Admin {
		return nil
	}
	if !principal.Anonymous() && principal.TenantAlias == types.TenantAliasOf(resourceID) {
		return nil
	}
	if token != "" {
		sig, err := security.ParseToken(token)
		if err == nil {
			t, err := p.cfg.Tenants.GetTenant(ctx, types.TenantAliasOf(resourceID))
			if err == nil && security.VerifyExpiringSignature(t.SigningKey, resourceID, sig, p.cfg.Clock.Now()) {
				return nil
			}
		}
	}
	return types.NewError(types.CodeUnauthorized, "not authorized for message stream")
}
