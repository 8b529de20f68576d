package store

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProvisionInput is everything written when a tenant is created.
type ProvisionInput struct {
	Tenant      tenantdomain.Tenant
	Admin       tenantdomain.User
	Statuses    []leaddomain.StatusDef
	Transitions []leaddomain.Transition
}

// ProvisionTenant creates the tenant, its admin user and its default status
// machine atomically.
func (s *Store) ProvisionTenant(ctx context.Context, in ProvisionInput) error {
	return s.inTx(ctx, in.Tenant.ID, func(tx *gorm.DB) error {
		if err := tx.Create(&in.Tenant).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return tenantdomain.ErrSlugExists
			}
			return err
		}
		if err := tx.Create(&in.Admin).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return tenantdomain.ErrEmailExists
			}
			return err
		}
		if len(in.Statuses) > 0 {
			if err := tx.Create(&in.Statuses).Error; err != nil {
				return err
			}
		}
		if len(in.Transitions) > 0 {
			if err := tx.Create(&in.Transitions).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetTenant(ctx context.Context, id snowflake.ID) (tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := s.read(ctx).Where("id = ?", id).First(&tenant).Error
	if isNotFound(err) {
		return tenantdomain.Tenant{}, tenantdomain.ErrTenantNotFound
	}
	return tenant, err
}

// TenantBySlug resolves a tenant path segment.
func (s *Store) TenantBySlug(ctx context.Context, slug string) (tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := s.read(ctx).Where("slug = ?", strings.ToLower(strings.TrimSpace(slug))).First(&tenant).Error
	if isNotFound(err) {
		return tenantdomain.Tenant{}, tenantdomain.ErrTenantNotFound
	}
	return tenant, err
}

func (s *Store) UpdateTenantConfig(ctx context.Context, id snowflake.ID, cfg tenantdomain.TenantConfig) (tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := s.inTx(ctx, id, func(tx *gorm.DB) error {
		res := tx.Model(&tenantdomain.Tenant{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"config":     datatypes.NewJSONType(cfg),
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tenantdomain.ErrTenantNotFound
		}
		return tx.Where("id = ?", id).First(&tenant).Error
	})
	return tenant, err
}

// CreateUser inserts user and, for seller-eligible roles, its seller row.
func (s *Store) CreateUser(ctx context.Context, user tenantdomain.User, seller *tenantdomain.Seller) error {
	return s.inTx(ctx, user.TenantID, func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return tenantdomain.ErrEmailExists
			}
			return err
		}
		if seller != nil {
			return tx.Create(seller).Error
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, tenantID snowflake.ID, id uuid.UUID) (tenantdomain.User, error) {
	var user tenantdomain.User
	err := s.read(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&user).Error
	if isNotFound(err) {
		return tenantdomain.User{}, tenantdomain.ErrUserNotFound
	}
	return user, err
}

func (s *Store) UserByEmail(ctx context.Context, tenantID snowflake.ID, email string) (tenantdomain.User, error) {
	var user tenantdomain.User
	err := s.read(ctx).
		Where("tenant_id = ? AND email = ?", tenantID, strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	if isNotFound(err) {
		return tenantdomain.User{}, tenantdomain.ErrUserNotFound
	}
	return user, err
}

// ListUserIDsByRoles returns active users holding any of roles.
func (s *Store) ListUserIDsByRoles(ctx context.Context, tenantID snowflake.ID, roles []tenantdomain.Role) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.read(ctx).Model(&tenantdomain.User{}).
		Where("tenant_id = ? AND status = ? AND role IN ?", tenantID, tenantdomain.UserStatusActive, roles).
		Order("id asc").
		Pluck("id", &ids).Error
	return ids, err
}

const sellerCandidateSelect = `SELECT s.user_id, s.tenant_id, s.active, s.specialties,
	s.active_conversations, s.last_assigned_at, s.conversion_rate, s.avg_response_seconds, s.updated_at,
	u.name, u.role
	FROM sellers s
	JOIN users u ON u.id = s.user_id AND u.tenant_id = s.tenant_id`

type sellerCandidateRow struct {
	tenantdomain.Seller
	Name string
	Role tenantdomain.Role
}

func (r sellerCandidateRow) candidate() tenantdomain.SellerCandidate {
	return tenantdomain.SellerCandidate{Seller: r.Seller, Name: r.Name, Role: r.Role}
}

// ListSellers returns every seller of the tenant with its user attributes.
func (s *Store) ListSellers(ctx context.Context, tenantID snowflake.ID) ([]tenantdomain.SellerCandidate, error) {
	var rows []sellerCandidateRow
	err := s.read(ctx).Raw(sellerCandidateSelect+` WHERE s.tenant_id = ? ORDER BY u.name asc, s.user_id asc`, tenantID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return candidates(rows), nil
}

// ListEligibleSellers returns sellers that can take an assignment: active
// seller row, active user, seller-eligible role.
func (s *Store) ListEligibleSellers(ctx context.Context, tenantID snowflake.ID) ([]tenantdomain.SellerCandidate, error) {
	var rows []sellerCandidateRow
	err := s.read(ctx).Raw(sellerCandidateSelect+`
		WHERE s.tenant_id = ? AND s.active = ? AND u.status = ? AND u.role IN ?
		ORDER BY s.user_id asc`,
		tenantID, true, tenantdomain.UserStatusActive, tenantdomain.SellerRoles(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return candidates(rows), nil
}

func (s *Store) eligibleSeller(tx *gorm.DB, tenantID snowflake.ID, userID uuid.UUID) (tenantdomain.SellerCandidate, bool, error) {
	var rows []sellerCandidateRow
	err := tx.Raw(sellerCandidateSelect+`
		WHERE s.tenant_id = ? AND s.user_id = ? AND s.active = ? AND u.status = ? AND u.role IN ?`,
		tenantID, userID, true, tenantdomain.UserStatusActive, tenantdomain.SellerRoles(),
	).Scan(&rows).Error
	if err != nil || len(rows) == 0 {
		return tenantdomain.SellerCandidate{}, false, err
	}
	return rows[0].candidate(), true, nil
}

func candidates(rows []sellerCandidateRow) []tenantdomain.SellerCandidate {
	out := make([]tenantdomain.SellerCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.candidate())
	}
	return out
}

// UpdateSeller applies fn to the seller row under a row lock.
func (s *Store) UpdateSeller(ctx context.Context, tenantID snowflake.ID, userID uuid.UUID, fn func(*tenantdomain.Seller) error) (tenantdomain.Seller, error) {
	var seller tenantdomain.Seller
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		err := forUpdate(tx).Where("tenant_id = ? AND user_id = ?", tenantID, userID).First(&seller).Error
		if isNotFound(err) {
			return tenantdomain.ErrSellerNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&seller); err != nil {
			return err
		}
		seller.UpdatedAt = s.now()
		return tx.Model(&tenantdomain.Seller{}).
			Where("tenant_id = ? AND user_id = ?", tenantID, userID).
			Updates(map[string]any{
				"active":               seller.Active,
				"specialties":          seller.Specialties,
				"conversion_rate":      seller.LoadStats.ConversionRate,
				"avg_response_seconds": seller.LoadStats.AvgResponseSeconds,
				"updated_at":           seller.UpdatedAt,
			}).Error
	})
	return seller, err
}
