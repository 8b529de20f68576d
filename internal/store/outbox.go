package store

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"github.com/smallbiznis/casc/pkg/rls"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimOutbox leases up to limit undelivered events across tenants. A leased
// event is invisible to other claimers until lease elapses, so a crashed
// dispatcher's events are picked up again.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, lease time.Duration, maxAttempts int) ([]leaddomain.OutboxEvent, error) {
	if limit < 1 {
		limit = 1
	}
	ctx = db.WithoutTenantScope(ctx)
	var events []leaddomain.OutboxEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.Bypass(tx); err != nil {
			return err
		}
		now := s.now()
		stmt := tx.Where("dispatched_at IS NULL AND (locked_until IS NULL OR locked_until < ?)", now)
		if maxAttempts > 0 {
			stmt = stmt.Where("attempts < ?", maxAttempts)
		}
		if s.isPostgres() {
			stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := stmt.Order("id asc").Limit(limit).Find(&events).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(events))
		for i := range events {
			ids = append(ids, events[i].ID)
			until := now.Add(lease)
			events[i].LockedUntil = &until
			events[i].Attempts++
		}
		return tx.Model(&leaddomain.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"locked_until": now.Add(lease),
				"attempts":     gorm.Expr("attempts + 1"),
			}).Error
	})
	return events, err
}

// RenewOutboxLease extends the lease on a claimed event. The attempt counter
// fences the renewal: a claim by another worker bumps it, so the renewal
// then reports false and the caller must not dispatch.
func (s *Store) RenewOutboxLease(ctx context.Context, event leaddomain.OutboxEvent, lease time.Duration) (bool, error) {
	var renewed int64
	err := s.inTx(ctx, event.TenantID, func(tx *gorm.DB) error {
		res := tx.Model(&leaddomain.OutboxEvent{}).
			Where("tenant_id = ? AND id = ? AND attempts = ? AND dispatched_at IS NULL", event.TenantID, event.ID, event.Attempts).
			Update("locked_until", s.now().Add(lease))
		renewed = res.RowsAffected
		return res.Error
	})
	return renewed == 1, err
}

func (s *Store) MarkOutboxDispatched(ctx context.Context, tenantID, id snowflake.ID) error {
	return s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		return tx.Model(&leaddomain.OutboxEvent{}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Updates(map[string]any{
				"dispatched_at": s.now(),
				"locked_until":  nil,
				"last_error":    nil,
			}).Error
	})
}

// MarkOutboxFailed releases the lease after retryAfter so the event is
// claimed again.
func (s *Store) MarkOutboxFailed(ctx context.Context, tenantID, id snowflake.ID, cause error, retryAfter time.Duration) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		return tx.Model(&leaddomain.OutboxEvent{}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Updates(map[string]any{
				"locked_until": s.now().Add(retryAfter),
				"last_error":   msg,
			}).Error
	})
}

// PendingOutbox counts undelivered events of every tenant.
func (s *Store) PendingOutbox(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(db.WithoutTenantScope(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := rls.Bypass(tx); err != nil {
			return err
		}
		return tx.Model(&leaddomain.OutboxEvent{}).
			Where("dispatched_at IS NULL").
			Count(&count).Error
	})
	return count, err
}
