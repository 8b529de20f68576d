package tenant

import (
	"context"
	"errors"

	"github.com/smallbiznis/casc/internal/config"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/zap"
)

// Bootstrap provisions the configured first tenant unless its slug is taken.
func Bootstrap(ctx context.Context, cfg config.Config, svc tenantdomain.Service, log *zap.Logger) error {
	b := cfg.Bootstrap
	if b.TenantName == "" {
		return nil
	}
	result, err := svc.Provision(ctx, tenantdomain.ProvisionRequest{
		Name:          b.TenantName,
		Slug:          b.TenantSlug,
		AdminEmail:    b.AdminEmail,
		AdminName:     "Administrator",
		AdminPassword: b.AdminPassword,
	})
	if errors.Is(err, tenantdomain.ErrSlugExists) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("bootstrap tenant created",
		zap.String("tenant_id", result.Tenant.ID.String()),
		zap.String("slug", result.Tenant.Slug),
		zap.String("admin_email", result.Admin.Email),
	)
	return nil
}
