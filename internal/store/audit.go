package store

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"gorm.io/gorm"
)

// AppendAuditLog writes one audit row inside the tenant's scope.
func (s *Store) AppendAuditLog(ctx context.Context, entry auditdomain.AuditLog) error {
	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	return s.inTx(ctx, entry.TenantID, func(tx *gorm.DB) error {
		return tx.Create(&entry).Error
	})
}

// ListAuditLogs returns the tenant's audit rows newest first, reading one row
// past filter.Limit so callers can tell whether another page exists. An
// action ending in "." matches the whole action family ("status." covers
// "status.created" and "status.updated").
func (s *Store) ListAuditLogs(ctx context.Context, tenantID snowflake.ID, filter auditdomain.ListFilter) ([]*auditdomain.AuditLog, error) {
	stmt := s.read(ctx).Where("tenant_id = ?", tenantID)

	switch action := strings.TrimSpace(filter.Action); {
	case strings.HasSuffix(action, "."):
		stmt = stmt.Where("action LIKE ?", action+"%")
	case action != "":
		stmt = stmt.Where("action = ?", action)
	}
	if filter.TargetType != "" {
		stmt = stmt.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != "" {
		stmt = stmt.Where("target_id = ?", filter.TargetID)
	}
	if filter.ActorID != "" {
		stmt = stmt.Where("actor_id = ?", filter.ActorID)
	}
	if filter.Since != nil {
		stmt = stmt.Where("created_at >= ?", filter.Since.UTC())
	}
	if filter.Until != nil {
		stmt = stmt.Where("created_at < ?", filter.Until.UTC())
	}
	if c := filter.Cursor; c != nil {
		stmt = stmt.Where("created_at < ? OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []*auditdomain.AuditLog
	err := stmt.Order("created_at desc, id desc").Find(&logs).Error
	return logs, err
}
