package store

import (
	"context"

	"github.com/bwmarrin/snowflake"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"gorm.io/gorm"
)

func (s *Store) ListStatuses(ctx context.Context, tenantID snowflake.ID) ([]leaddomain.StatusDef, error) {
	var statuses []leaddomain.StatusDef
	err := s.read(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sort_order asc, code asc").
		Find(&statuses).Error
	return statuses, err
}

func (s *Store) GetStatus(ctx context.Context, tenantID snowflake.ID, code string) (leaddomain.StatusDef, error) {
	return s.getStatus(s.read(ctx), tenantID, code)
}

func (s *Store) getStatus(tx *gorm.DB, tenantID snowflake.ID, code string) (leaddomain.StatusDef, error) {
	var status leaddomain.StatusDef
	err := tx.Where("tenant_id = ? AND code = ?", tenantID, code).First(&status).Error
	if isNotFound(err) {
		return leaddomain.StatusDef{}, leaddomain.ErrStatusNotFound
	}
	return status, err
}

// initialStatus picks the active initial status with the lowest sort order.
func (s *Store) initialStatus(tx *gorm.DB, tenantID snowflake.ID) (leaddomain.StatusDef, error) {
	var status leaddomain.StatusDef
	err := tx.Where("tenant_id = ? AND is_initial = ? AND active = ?", tenantID, true, true).
		Order("sort_order asc, code asc").
		First(&status).Error
	if isNotFound(err) {
		return leaddomain.StatusDef{}, leaddomain.ErrNoInitialStatus
	}
	return status, err
}

// CountInitialStatuses counts active initial statuses other than exceptCode.
func (s *Store) CountInitialStatuses(ctx context.Context, tenantID snowflake.ID, exceptCode string) (int64, error) {
	var count int64
	err := s.read(ctx).Model(&leaddomain.StatusDef{}).
		Where("tenant_id = ? AND is_initial = ? AND active = ? AND code <> ?", tenantID, true, true, exceptCode).
		Count(&count).Error
	return count, err
}

func (s *Store) CreateStatus(ctx context.Context, status leaddomain.StatusDef) error {
	return s.inTx(ctx, status.TenantID, func(tx *gorm.DB) error {
		if err := tx.Create(&status).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return leaddomain.ErrStatusExists
			}
			return err
		}
		return nil
	})
}

// UpdateStatus applies fn to the status row under a row lock.
func (s *Store) UpdateStatus(ctx context.Context, tenantID snowflake.ID, code string, fn func(*leaddomain.StatusDef)) (leaddomain.StatusDef, error) {
	var status leaddomain.StatusDef
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		var err error
		status, err = s.getStatus(forUpdate(tx), tenantID, code)
		if err != nil {
			return err
		}
		fn(&status)
		status.UpdatedAt = s.now()
		return tx.Model(&leaddomain.StatusDef{}).
			Where("tenant_id = ? AND id = ?", tenantID, status.ID).
			Updates(map[string]any{
				"name":       status.Name,
				"color":      status.Color,
				"icon":       status.Icon,
				"is_initial": status.IsInitial,
				"is_final":   status.IsFinal,
				"sort_order": status.SortOrder,
				"active":     status.Active,
				"updated_at": status.UpdatedAt,
			}).Error
	})
	return status, err
}

func (s *Store) ListTransitions(ctx context.Context, tenantID snowflake.ID) ([]leaddomain.Transition, error) {
	var transitions []leaddomain.Transition
	err := s.read(ctx).
		Where("tenant_id = ?", tenantID).
		Order("to_code asc, id asc").
		Find(&transitions).Error
	return transitions, err
}

// CreateTransition rejects duplicates of an existing (from, to) edge.
func (s *Store) CreateTransition(ctx context.Context, transition leaddomain.Transition) error {
	return s.inTx(ctx, transition.TenantID, func(tx *gorm.DB) error {
		if _, err := s.getStatus(tx, transition.TenantID, transition.ToCode); err != nil {
			return err
		}
		stmt := tx.Model(&leaddomain.Transition{}).
			Where("tenant_id = ? AND to_code = ?", transition.TenantID, transition.ToCode)
		if transition.FromCode == nil {
			stmt = stmt.Where("from_code IS NULL")
		} else {
			if _, err := s.getStatus(tx, transition.TenantID, *transition.FromCode); err != nil {
				return err
			}
			stmt = stmt.Where("from_code = ?", *transition.FromCode)
		}
		var count int64
		if err := stmt.Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return leaddomain.ErrTransitionExists
		}
		return tx.Create(&transition).Error
	})
}

func (s *Store) DeleteTransition(ctx context.Context, tenantID, id snowflake.ID) error {
	return s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		res := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&leaddomain.Transition{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return leaddomain.ErrTransitionNotFound
		}
		return nil
	})
}

// OutgoingTransitions returns the declared and wildcard edges leaving from.
func (s *Store) OutgoingTransitions(ctx context.Context, tenantID snowflake.ID, from string) ([]leaddomain.Transition, error) {
	var transitions []leaddomain.Transition
	err := s.read(ctx).
		Where("tenant_id = ? AND (from_code = ? OR from_code IS NULL)", tenantID, from).
		Order("to_code asc, id asc").
		Find(&transitions).Error
	return transitions, err
}

func (s *Store) transitionAllowed(tx *gorm.DB, tenantID snowflake.ID, from, to string) (bool, error) {
	var count int64
	err := tx.Model(&leaddomain.Transition{}).
		Where("tenant_id = ? AND to_code = ? AND (from_code = ? OR from_code IS NULL)", tenantID, to, from).
		Count(&count).Error
	return count > 0, err
}
