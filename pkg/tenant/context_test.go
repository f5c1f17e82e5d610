package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/errs"
)

func int64Ptr(v int64) *int64 { return &v }

func TestContextAccessors(t *testing.T) {
	tc := NewContext(7, int64Ptr(3), []string{"record:read", "record:create"})

	assert.Equal(t, int64(7), tc.UserID())

	tid, ok := tc.TenantID()
	require.True(t, ok)
	assert.Equal(t, int64(3), tid)

	assert.True(t, tc.Has("record:read"))
	assert.False(t, tc.Has("record:delete"))
	assert.False(t, tc.Elevated())
	assert.ElementsMatch(t, []string{"record:read", "record:create"}, tc.Permissions())
}

func TestContextWithoutTenant(t *testing.T) {
	tc := NewContext(7, nil, nil)

	_, ok := tc.TenantID()
	assert.False(t, ok)
	assert.Empty(t, tc.Permissions())
}

func TestContextImmutability(t *testing.T) {
	perms := []string{"record:read"}
	tid := int64Ptr(3)
	tc := NewContext(7, tid, perms)

	// Mutating the inputs after construction must not affect the context
	perms[0] = "record:delete"
	*tid = 99

	assert.True(t, tc.Has("record:read"))
	assert.False(t, tc.Has("record:delete"))
	got, _ := tc.TenantID()
	assert.Equal(t, int64(3), got)

	// Mutating the returned permission slice must not affect the context
	out := tc.Permissions()
	out[0] = "record:delete"
	assert.True(t, tc.Has("record:read"))
}

func TestElevateReturnsCopy(t *testing.T) {
	tc := NewContext(1, int64Ptr(2), []string{"tenant:admin"})
	priv := tc.Elevate()

	assert.False(t, tc.Elevated())
	assert.True(t, priv.Elevated())
	assert.Equal(t, tc.UserID(), priv.UserID())
	assert.True(t, priv.Has("tenant:admin"))
}

func TestIntoFromContext(t *testing.T) {
	tc := NewContext(7, int64Ptr(3), nil)
	ctx := Into(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, tc, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

// Two operations for two tenants running concurrently must never observe
// each other's context.
func TestNoLeakAcrossConcurrentOperations(t *testing.T) {
	const workers = 32

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(tenantID int64) {
			defer wg.Done()
			ctx := Into(context.Background(), NewContext(tenantID*10, int64Ptr(tenantID), nil))
			for j := 0; j < 100; j++ {
				tc, ok := FromContext(ctx)
				if !ok {
					t.Errorf("tenant %d: context lost", tenantID)
					return
				}
				got, _ := tc.TenantID()
				if got != tenantID {
					t.Errorf("tenant %d: observed foreign tenant %d", tenantID, got)
					return
				}
			}
		}(int64(i + 1))
	}
	wg.Wait()
}

func TestRequire(t *testing.T) {
	t.Run("no context", func(t *testing.T) {
		_, _, err := Require(context.Background())
		assert.Equal(t, errs.KindUnauthenticated, errs.KindOf(err))
	})

	t.Run("no tenant", func(t *testing.T) {
		ctx := Into(context.Background(), NewContext(7, nil, nil))
		_, _, err := Require(ctx)
		assert.Equal(t, errs.KindNoTenant, errs.KindOf(err))
	})

	t.Run("tenant set", func(t *testing.T) {
		ctx := Into(context.Background(), NewContext(7, int64Ptr(3), nil))
		tc, tid, err := Require(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), tid)
		assert.Equal(t, int64(7), tc.UserID())
	})
}
