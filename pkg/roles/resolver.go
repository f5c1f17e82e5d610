package roles

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// PermissionReader resolves the effective permission slugs for a member
type PermissionReader interface {
	ResolvePermissions(ctx context.Context, userID, tenantID int64) ([]string, error)
}

// Resolver caches permission resolution in front of the grant store. It is
// the permission source the establisher consults on every request, so a
// short TTL keeps revocations timely while the push channel handles the
// immediate case.
type Resolver struct {
	reader PermissionReader
	cache  *lru.LRU[string, []string]
}

// NewResolver creates a caching resolver. maxEntries bounds the cache;
// entries also expire after ttl.
func NewResolver(reader PermissionReader, maxEntries int, ttl time.Duration) *Resolver {
	if maxEntries < 10 {
		maxEntries = 10
	}
	return &Resolver{
		reader: reader,
		cache:  lru.NewLRU[string, []string](maxEntries, nil, ttl),
	}
}

func cacheKey(userID, tenantID int64) string {
	return fmt.Sprintf("%d:%d", userID, tenantID)
}

// ResolvePermissions returns the member's effective permissions, from
// cache when fresh.
func (r *Resolver) ResolvePermissions(ctx context.Context, userID, tenantID int64) ([]string, error) {
	key := cacheKey(userID, tenantID)
	if perms, ok := r.cache.Get(key); ok {
		return perms, nil
	}

	perms, err := r.reader.ResolvePermissions(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, perms)
	return perms, nil
}

// Invalidate drops the cached permissions for one member. Called when a
// grant changes or a membership leaves the active state.
func (r *Resolver) Invalidate(userID, tenantID int64) {
	r.cache.Remove(cacheKey(userID, tenantID))
}

// Purge drops every cached entry
func (r *Resolver) Purge() {
	r.cache.Purge()
}
