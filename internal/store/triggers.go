package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"gorm.io/gorm"
)

func (s *Store) ListTriggers(ctx context.Context, tenantID snowflake.ID) ([]triggerdomain.Trigger, error) {
	var triggers []triggerdomain.Trigger
	err := s.read(ctx).
		Where("tenant_id = ?", tenantID).
		Order("on_status_code asc, id asc").
		Find(&triggers).Error
	return triggers, err
}

func (s *Store) GetTrigger(ctx context.Context, tenantID, id snowflake.ID) (triggerdomain.Trigger, error) {
	var trigger triggerdomain.Trigger
	err := s.read(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&trigger).Error
	if isNotFound(err) {
		return triggerdomain.Trigger{}, triggerdomain.ErrTriggerNotFound
	}
	return trigger, err
}

// ActiveTriggersFor returns the active triggers fired by entering code.
func (s *Store) ActiveTriggersFor(ctx context.Context, tenantID snowflake.ID, code string) ([]triggerdomain.Trigger, error) {
	var triggers []triggerdomain.Trigger
	err := s.read(ctx).
		Where("tenant_id = ? AND on_status_code = ? AND active = ?", tenantID, code, true).
		Order("id asc").
		Find(&triggers).Error
	return triggers, err
}

func (s *Store) CreateTrigger(ctx context.Context, trigger triggerdomain.Trigger) error {
	return s.inTx(ctx, trigger.TenantID, func(tx *gorm.DB) error {
		return tx.Create(&trigger).Error
	})
}

// DeleteTrigger removes the trigger. Its logs are kept.
func (s *Store) DeleteTrigger(ctx context.Context, tenantID, id snowflake.ID) error {
	return s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		res := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&triggerdomain.Trigger{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return triggerdomain.ErrTriggerNotFound
		}
		return nil
	})
}

func (s *Store) AppendTriggerLog(ctx context.Context, entry triggerdomain.TriggerLog) error {
	return s.inTx(ctx, entry.TenantID, func(tx *gorm.DB) error {
		return tx.Create(&entry).Error
	})
}

// ListTriggerLogs returns a trigger's attempts, most recent first.
func (s *Store) ListTriggerLogs(ctx context.Context, tenantID, triggerID snowflake.ID, page pagination.Page) (pagination.Result[triggerdomain.TriggerLog], error) {
	page = page.Normalize()
	stmt := s.read(ctx).Model(&triggerdomain.TriggerLog{}).
		Where("tenant_id = ? AND trigger_id = ?", tenantID, triggerID).
		Session(&gorm.Session{})

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return pagination.Result[triggerdomain.TriggerLog]{}, err
	}
	var logs []triggerdomain.TriggerLog
	err := stmt.Order("created_at desc, id desc").
		Limit(page.PageSize).
		Offset(page.Offset()).
		Find(&logs).Error
	if err != nil {
		return pagination.Result[triggerdomain.TriggerLog]{}, err
	}
	if logs == nil {
		logs = []triggerdomain.TriggerLog{}
	}
	return pagination.Result[triggerdomain.TriggerLog]{Items: logs, Total: total, Page: page.Page}, nil
}
