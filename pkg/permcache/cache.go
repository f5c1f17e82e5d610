// Package permcache is the client-side permission cache. A Cache holds one
// member's permission snapshot and accepts push updates from the
// invalidation channel. The Has* lookups are pure and synchronous;
// ShouldRefetch signals staleness and Refresh (or the Check convenience)
// fetches, with concurrent refetches collapsed into a single server call.
package permcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Snapshot is one member's resolved permission state as the server sees it
type Snapshot struct {
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles,omitempty"`
}

// Fetcher retrieves a fresh snapshot from the server
type Fetcher interface {
	FetchPermissions(ctx context.Context, userID, tenantID int64) (*Snapshot, error)
}

// Cache caches one member's permissions with a TTL
type Cache struct {
	fetcher  Fetcher
	userID   int64
	tenantID int64
	ttl      time.Duration

	mu        sync.RWMutex
	perms     map[string]struct{}
	roles     []string
	fetchedAt time.Time

	group singleflight.Group
	now   func() time.Time
}

// New creates a permission cache for one member. The cache starts empty;
// the first Check (or explicit Refresh) performs the initial fetch.
func New(fetcher Fetcher, userID, tenantID int64, ttl time.Duration) *Cache {
	return &Cache{
		fetcher:  fetcher,
		userID:   userID,
		tenantID: tenantID,
		ttl:      ttl,
		perms:    make(map[string]struct{}),
		now:      time.Now,
	}
}

// HasPermission reports whether the member holds the permission. A pure
// lookup against the current snapshot; it never touches the network. Pair
// with ShouldRefetch and Refresh, or use Check, when freshness matters.
func (c *Cache) HasPermission(slug string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.perms[slug]
	return ok
}

// HasAny reports whether the member holds at least one of the
// permissions. Pure lookup against the current snapshot.
func (c *Cache) HasAny(slugs ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, slug := range slugs {
		if _, ok := c.perms[slug]; ok {
			return true
		}
	}
	return false
}

// HasAll reports whether the member holds every one of the permissions.
// Pure lookup against the current snapshot.
func (c *Cache) HasAll(slugs ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, slug := range slugs {
		if _, ok := c.perms[slug]; !ok {
			return false
		}
	}
	return true
}

// Check is the blocking convenience over HasPermission: it refreshes the
// snapshot when ShouldRefetch reports it stale, then answers from the
// cache. A snapshot pushed while this caller waited on the shared flight
// is accepted as fresh.
func (c *Cache) Check(ctx context.Context, slug string) (bool, error) {
	if c.ShouldRefetch() {
		if err := c.Refresh(ctx); err != nil {
			return false, err
		}
	}
	return c.HasPermission(slug), nil
}

// Roles returns the cached role names
func (c *Cache) Roles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.roles))
	copy(out, c.roles)
	return out
}

// ShouldRefetch reports whether the snapshot is missing or past its TTL
func (c *Cache) ShouldRefetch() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale()
}

func (c *Cache) stale() bool {
	if c.fetchedAt.IsZero() || len(c.perms) == 0 {
		return true
	}
	return c.now().Sub(c.fetchedAt) >= c.ttl
}

// UpdateFromServer atomically replaces the snapshot. Used by push
// invalidation when the server sends the new permission set inline.
func (c *Cache) UpdateFromServer(snapshot *Snapshot) {
	perms := make(map[string]struct{}, len(snapshot.Permissions))
	for _, p := range snapshot.Permissions {
		perms[p] = struct{}{}
	}
	roles := make([]string, len(snapshot.Roles))
	copy(roles, snapshot.Roles)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.perms = perms
	c.roles = roles
	c.fetchedAt = c.now()
}

// Clear drops the snapshot so the next check refetches
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perms = make(map[string]struct{})
	c.roles = nil
	c.fetchedAt = time.Time{}
}

// Refresh forces a fetch regardless of freshness. Concurrent callers share
// one in-flight fetch.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("fetch", func() (interface{}, error) {
		snapshot, err := c.fetcher.FetchPermissions(ctx, c.userID, c.tenantID)
		if err != nil {
			return nil, err
		}
		c.UpdateFromServer(snapshot)
		return nil, nil
	})
	return err
}
