package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("cache",
	fx.Provide(NewTenantCache),
)

const (
	defaultTenantTTL = time.Minute
	defaultConfigTTL = 5 * time.Minute
)

// TenantCache holds per-tenant configuration read on hot paths. Writers
// invalidate the tenant's entries after committing.
type TenantCache interface {
	GetTenant(slug string) (tenantdomain.Tenant, bool)
	SetTenant(tenant tenantdomain.Tenant)
	GetStatuses(tenantID snowflake.ID) ([]leaddomain.StatusDef, bool)
	SetStatuses(tenantID snowflake.ID, statuses []leaddomain.StatusDef)
	GetRules(tenantID snowflake.ID) ([]assignmentdomain.AssignmentRule, bool)
	SetRules(tenantID snowflake.ID, rules []assignmentdomain.AssignmentRule)
	InvalidateTenant(tenantID snowflake.ID)
	InvalidateStatuses(tenantID snowflake.ID)
	InvalidateRules(tenantID snowflake.ID)
}

type tenantCache struct {
	tenants  Cache[string, tenantdomain.Tenant]
	statuses Cache[snowflake.ID, []leaddomain.StatusDef]
	rules    Cache[snowflake.ID, []assignmentdomain.AssignmentRule]
}

func NewTenantCache() TenantCache {
	return &tenantCache{
		tenants:  NewTTLCache[string, tenantdomain.Tenant](),
		statuses: NewTTLCache[snowflake.ID, []leaddomain.StatusDef](),
		rules:    NewTTLCache[snowflake.ID, []assignmentdomain.AssignmentRule](),
	}
}

func (c *tenantCache) GetTenant(slug string) (tenantdomain.Tenant, bool) {
	return c.tenants.Get(slug)
}

func (c *tenantCache) SetTenant(tenant tenantdomain.Tenant) {
	if tenant.ID == 0 || tenant.Slug == "" {
		return
	}
	c.tenants.Set(tenant.Slug, tenant, defaultTenantTTL)
}

func (c *tenantCache) GetStatuses(tenantID snowflake.ID) ([]leaddomain.StatusDef, bool) {
	return c.statuses.Get(tenantID)
}

func (c *tenantCache) SetStatuses(tenantID snowflake.ID, statuses []leaddomain.StatusDef) {
	c.statuses.Set(tenantID, statuses, defaultConfigTTL)
}

func (c *tenantCache) GetRules(tenantID snowflake.ID) ([]assignmentdomain.AssignmentRule, bool) {
	return c.rules.Get(tenantID)
}

func (c *tenantCache) SetRules(tenantID snowflake.ID, rules []assignmentdomain.AssignmentRule) {
	c.rules.Set(tenantID, rules, defaultConfigTTL)
}

func (c *tenantCache) InvalidateTenant(tenantID snowflake.ID) {
	c.tenants.DeleteFunc(func(string) bool { return true })
	c.statuses.Delete(tenantID)
	c.rules.Delete(tenantID)
}

func (c *tenantCache) InvalidateStatuses(tenantID snowflake.ID) {
	c.statuses.Delete(tenantID)
}

func (c *tenantCache) InvalidateRules(tenantID snowflake.ID) {
	c.rules.Delete(tenantID)
}
