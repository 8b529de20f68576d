package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/smallbiznis/casc/pkg/rls"
	"gorm.io/gorm"
)

func (s *Store) CreateNotifications(ctx context.Context, tenantID snowflake.ID, rows []notificationdomain.Notification) error {
	if len(rows) == 0 {
		return nil
	}
	return s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// ListNotifications returns the recipient's unexpired notifications, newest
// first.
func (s *Store) ListNotifications(ctx context.Context, tenantID snowflake.ID, recipient uuid.UUID, filter notificationdomain.ListNotificationFilter, page pagination.Page) (pagination.Result[notificationdomain.Notification], error) {
	page = page.Normalize()
	stmt := s.read(ctx).Model(&notificationdomain.Notification{}).
		Where("tenant_id = ? AND recipient_user_id = ?", tenantID, recipient).
		Where("(expires_at IS NULL OR expires_at > ?)", s.now())
	if filter.UnreadOnly {
		stmt = stmt.Where("read = ?", false)
	}
	stmt = stmt.Session(&gorm.Session{})

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return pagination.Result[notificationdomain.Notification]{}, err
	}
	var rows []notificationdomain.Notification
	err := stmt.Order("id desc").
		Limit(page.PageSize).
		Offset(page.Offset()).
		Find(&rows).Error
	if err != nil {
		return pagination.Result[notificationdomain.Notification]{}, err
	}
	if rows == nil {
		rows = []notificationdomain.Notification{}
	}
	return pagination.Result[notificationdomain.Notification]{Items: rows, Total: total, Page: page.Page}, nil
}

// MarkNotificationRead only touches notifications addressed to recipient;
// anything else reports ErrNotFound.
func (s *Store) MarkNotificationRead(ctx context.Context, tenantID snowflake.ID, recipient uuid.UUID, id string) (notificationdomain.Notification, error) {
	var row notificationdomain.Notification
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ? AND recipient_user_id = ? AND id = ?", tenantID, recipient, id).First(&row).Error
		if isNotFound(err) {
			return notificationdomain.ErrNotFound
		}
		if err != nil || row.Read {
			return err
		}
		row.Read = true
		return tx.Model(&notificationdomain.Notification{}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Update("read", true).Error
	})
	return row, err
}

func (s *Store) CountUnread(ctx context.Context, tenantID snowflake.ID, recipient uuid.UUID) (int64, error) {
	var count int64
	err := s.read(ctx).Model(&notificationdomain.Notification{}).
		Where("tenant_id = ? AND recipient_user_id = ? AND read = ?", tenantID, recipient, false).
		Where("(expires_at IS NULL OR expires_at > ?)", s.now()).
		Count(&count).Error
	return count, err
}

// DeleteExpiredNotifications sweeps expired rows of every tenant.
func (s *Store) DeleteExpiredNotifications(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.db.WithContext(db.WithoutTenantScope(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := rls.Bypass(tx); err != nil {
			return err
		}
		res := tx.Where("expires_at IS NOT NULL AND expires_at <= ?", s.now()).
			Delete(&notificationdomain.Notification{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
