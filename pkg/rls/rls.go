package rls

import (
	"fmt"

	"gorm.io/gorm"
)

// WithTenant pins the row-level security tenant for the current postgres
// transaction. It must run inside a transaction.
func WithTenant(tx *gorm.DB, tenantID int64) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec(
		"SELECT set_config('app.current_tenant_id', ?, true)",
		fmt.Sprintf("%d", tenantID),
	).Error
}

// Bypass lifts row-level security for the current postgres transaction. Only
// cross-tenant maintenance statements use it.
func Bypass(tx *gorm.DB) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT set_config('app.bypass_rls', 'on', true)").Error
}
