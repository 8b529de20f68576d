package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"
)

type crossTenantKey struct{}

// WithoutTenantScope marks ctx for statements that legitimately span tenants
// (worker claims, tenant resolution). The guard lets them through.
func WithoutTenantScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, crossTenantKey{}, true)
}

func isCrossTenant(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(crossTenantKey{}).(bool)
	return v
}

// TenantGuard is a gorm plugin rejecting statements that touch a tenant-scoped
// table without referencing the tenant column.
type TenantGuard struct {
	column string
	tables []*regexp.Regexp
	names  []string
}

func NewTenantGuard(column string, tables ...string) *TenantGuard {
	if column == "" {
		column = "tenant_id"
	}
	g := &TenantGuard{column: column}
	for _, table := range tables {
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		pattern := regexp.MustCompile(`(?i)\b(from|join|update|into)\s+["` + "`" + `]?` + regexp.QuoteMeta(table) + `["` + "`" + `]?(\s|$|\()`)
		g.tables = append(g.tables, pattern)
		g.names = append(g.names, table)
	}
	return g
}

func (g *TenantGuard) Name() string {
	return "casc:tenant_guard"
}

func (g *TenantGuard) Initialize(conn *gorm.DB) error {
	cb := conn.Callback()
	if err := cb.Query().After("gorm:query").Register("casc:tenant_guard", g.check); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("casc:tenant_guard", g.check); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("casc:tenant_guard", g.check); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("casc:tenant_guard", g.check); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("casc:tenant_guard", g.check); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("casc:tenant_guard", g.check)
}

func (g *TenantGuard) check(conn *gorm.DB) {
	if conn.Statement == nil || isCrossTenant(conn.Statement.Context) {
		return
	}
	if err := g.Validate(conn.Statement.SQL.String()); err != nil {
		_ = conn.AddError(err)
	}
}

// Validate returns an error when sql touches a guarded table without the tenant column.
func (g *TenantGuard) Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	lower := strings.ToLower(sql)
	if strings.Contains(lower, g.column) {
		return nil
	}
	for i, pattern := range g.tables {
		if pattern.MatchString(sql) {
			return fmt.Errorf("%w: %s without %s", ErrMissingTenantScope, g.names[i], g.column)
		}
	}
	return nil
}
