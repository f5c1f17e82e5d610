package session

import (
	"context"
	"strings"

	"github.com/platinummonkey/warden/pkg/tenant"
)

// SplitResolver routes bearer tokens by format: warden opaque tokens go to
// the store, anything else is treated as an OIDC ID token. With no OIDC
// resolver configured every token goes to the store.
type SplitResolver struct {
	Opaque tenant.SessionResolver
	OIDC   tenant.SessionResolver
}

// Resolve implements tenant.SessionResolver
func (r *SplitResolver) Resolve(ctx context.Context, token string) (*tenant.Identity, error) {
	if r.OIDC == nil || strings.HasPrefix(token, TokenPrefix) {
		return r.Opaque.Resolve(ctx, token)
	}
	return r.OIDC.Resolve(ctx, token)
}
