package cache

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire at its deadline")

	v, ok = c.Get("b")
	require.True(t, ok, "zero ttl never expires")
	assert.Equal(t, 2, v)
}

func TestTTLCacheDeleteFunc(t *testing.T) {
	c := newTTLCache[string, int](time.Now)
	c.Set("t1:a", 1, time.Minute)
	c.Set("t1:b", 2, time.Minute)
	c.Set("t2:a", 3, time.Minute)

	c.DeleteFunc(func(k string) bool { return k[:2] == "t1" })

	_, ok := c.Get("t1:a")
	assert.False(t, ok)
	_, ok = c.Get("t2:a")
	assert.True(t, ok)
}

func TestTenantCacheInvalidation(t *testing.T) {
	c := NewTenantCache()
	tenantID := snowflake.ID(7)

	c.SetTenant(tenantdomain.Tenant{ID: tenantID, Slug: "acme"})
	c.SetStatuses(tenantID, []leaddomain.StatusDef{{Code: "new"}})

	statuses, ok := c.GetStatuses(tenantID)
	require.True(t, ok)
	assert.Len(t, statuses, 1)

	c.InvalidateStatuses(tenantID)
	_, ok = c.GetStatuses(tenantID)
	assert.False(t, ok)

	_, ok = c.GetTenant("acme")
	assert.True(t, ok)
	c.InvalidateTenant(tenantID)
	_, ok = c.GetTenant("acme")
	assert.False(t, ok)
}

func TestTenantCacheIgnoresIncompleteTenant(t *testing.T) {
	c := NewTenantCache()
	c.SetTenant(tenantdomain.Tenant{Slug: "acme"})
	_, ok := c.GetTenant("acme")
	assert.False(t, ok)
}
