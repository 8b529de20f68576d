package store

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PutCredential stores ciphertext under name, replacing any previous value.
func (s *Store) PutCredential(ctx context.Context, tenantID snowflake.ID, name, ciphertext string) error {
	now := s.now()
	row := identitydomain.Credential{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		Name:       name,
		Ciphertext: ciphertext,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
		}).Create(&row).Error
	})
}

func (s *Store) GetCredential(ctx context.Context, tenantID snowflake.ID, name string) (identitydomain.Credential, error) {
	var row identitydomain.Credential
	err := s.read(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).First(&row).Error
	if isNotFound(err) {
		return identitydomain.Credential{}, identitydomain.ErrCredentialNotFound
	}
	return row, err
}

// BindProvider maps a provider-side id to tenantID. Rebinding an id owned by
// another tenant fails with ErrTenantMismatch.
func (s *Store) BindProvider(ctx context.Context, tenantID snowflake.ID, kind ingressdomain.Kind, externalID string) (ingressdomain.ProviderBinding, error) {
	binding := ingressdomain.ProviderBinding{
		ID:           s.genID.Generate(),
		TenantID:     tenantID,
		ProviderKind: kind,
		ExternalID:   externalID,
		CreatedAt:    s.now(),
	}
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&binding)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var existing ingressdomain.ProviderBinding
		err := tx.Where("provider_kind = ? AND external_id = ?", kind, externalID).First(&existing).Error
		if err != nil {
			return err
		}
		if existing.TenantID != tenantID {
			return ingressdomain.ErrTenantMismatch
		}
		binding = existing
		return nil
	})
	return binding, err
}

// ResolveBinding returns the tenant owning a provider-side id.
func (s *Store) ResolveBinding(ctx context.Context, kind ingressdomain.Kind, externalID string) (tenantdomain.Tenant, error) {
	var binding ingressdomain.ProviderBinding
	conn := s.read(db.WithoutTenantScope(ctx))
	err := conn.Where("provider_kind = ? AND external_id = ?", kind, externalID).First(&binding).Error
	if isNotFound(err) {
		return tenantdomain.Tenant{}, ingressdomain.ErrUnknownTenant
	}
	if err != nil {
		return tenantdomain.Tenant{}, err
	}
	tenant, err := s.GetTenant(ctx, binding.TenantID)
	if errors.Is(err, tenantdomain.ErrTenantNotFound) {
		return tenantdomain.Tenant{}, ingressdomain.ErrUnknownTenant
	}
	return tenant, err
}
