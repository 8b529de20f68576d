package service_test

import (
	"context"
	"testing"

	"github.com/smallbiznis/casc/internal/cache"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/internal/tenant/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) (tenantdomain.Service, *storetest.Fixture) {
	t.Helper()
	f := storetest.New(t)
	return service.NewService(service.Params{
		Store: f.Store,
		Cache: cache.NewTenantCache(),
		GenID: f.Node,
		Clock: f.Clock,
		Log:   zap.NewNop(),
	}), f
}

func provision(t *testing.T, svc tenantdomain.Service, name string) tenantdomain.ProvisionResult {
	t.Helper()
	res, err := svc.Provision(context.Background(), tenantdomain.ProvisionRequest{
		Name:          name,
		AdminEmail:    "Owner@Example.com",
		AdminPassword: "long enough",
	})
	require.NoError(t, err)
	return res
}

func TestProvisionSeedsTenant(t *testing.T) {
	svc, f := newService(t)
	ctx := context.Background()

	res := provision(t, svc, "Acme Dental Clinic")
	assert.Equal(t, "acme-dental-clinic", res.Tenant.Slug)
	assert.Equal(t, "owner@example.com", res.Admin.Email)
	assert.Equal(t, tenantdomain.RoleAdmin, res.Admin.Role)
	assert.NotEqual(t, "long enough", res.Admin.PasswordHash)

	statuses, err := f.Store.ListStatuses(ctx, res.Tenant.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, statuses)

	id, err := svc.ResolveSlug(ctx, " ACME-dental-clinic ")
	require.NoError(t, err)
	assert.Equal(t, res.Tenant.ID, id)

	_, err = svc.Provision(ctx, tenantdomain.ProvisionRequest{
		Name:          "Acme Dental Clinic",
		AdminEmail:    "other@example.com",
		AdminPassword: "long enough",
	})
	assert.ErrorIs(t, err, tenantdomain.ErrSlugExists)

	_, err = svc.ResolveSlug(ctx, "globex")
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)
}

func TestProvisionValidates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  tenantdomain.ProvisionRequest
		want error
	}{
		{"blank name", tenantdomain.ProvisionRequest{Name: " ", AdminEmail: "a@b.co", AdminPassword: "long enough"}, tenantdomain.ErrInvalidName},
		{"bad email", tenantdomain.ProvisionRequest{Name: "Acme", AdminEmail: "nope", AdminPassword: "long enough"}, tenantdomain.ErrInvalidEmail},
		{"short password", tenantdomain.ProvisionRequest{Name: "Acme", AdminEmail: "a@b.co", AdminPassword: "short"}, tenantdomain.ErrInvalidPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Provision(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateConfigNormalizes(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	res := provision(t, svc, "Acme")

	cfg, err := svc.UpdateConfig(ctx, res.Tenant.ID, tenantdomain.TenantConfig{AutoAdvanceOnInbound: true, AutoAssignOnInbound: true})
	require.NoError(t, err)
	assert.True(t, cfg.AutoAdvanceOnInbound)
	assert.Equal(t, "contacted", cfg.FirstContactStatus)
	assert.Equal(t, 720, cfg.NotificationTTLHours)

	stored, err := svc.Config(ctx, res.Tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg, stored)

	_, err = svc.UpdateConfig(ctx, res.Tenant.ID, tenantdomain.TenantConfig{NotificationTTLHours: -1})
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidConfig)
}

func TestCreateUserAndSellers(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	res := provision(t, svc, "Acme")

	closer, err := svc.CreateUser(ctx, res.Tenant.ID, tenantdomain.CreateUserRequest{
		Email:       "cleo@acme.test",
		Name:        "Cleo",
		Role:        tenantdomain.RoleCloser,
		Password:    "long enough",
		Specialties: []string{"Meta", "meta", " vip "},
	})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, res.Tenant.ID, tenantdomain.CreateUserRequest{
		Email:    "sue@acme.test",
		Role:     tenantdomain.RoleSecretary,
		Password: "long enough",
	})
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, res.Tenant.ID, tenantdomain.CreateUserRequest{Email: "cleo@acme.test", Role: tenantdomain.RoleSetter, Password: "long enough"})
	assert.ErrorIs(t, err, tenantdomain.ErrEmailExists)
	_, err = svc.CreateUser(ctx, res.Tenant.ID, tenantdomain.CreateUserRequest{Email: "x@acme.test", Role: tenantdomain.RoleSystem, Password: "long enough"})
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidRole)

	sellers, err := svc.ListSellers(ctx, res.Tenant.ID)
	require.NoError(t, err)
	require.Len(t, sellers, 1, "only seller-eligible roles get a seller row")
	assert.Equal(t, closer.ID, sellers[0].UserID)
	assert.Equal(t, []string{"meta", "vip"}, []string(sellers[0].Specialties))

	rate := "0.35"
	inactive := false
	seller, err := svc.UpdateSeller(ctx, res.Tenant.ID, closer.ID, tenantdomain.UpdateSellerRequest{ConversionRate: &rate, Active: &inactive})
	require.NoError(t, err)
	assert.False(t, seller.Active)
	assert.Equal(t, "0.35", seller.LoadStats.ConversionRate.String())

	bad := "1.5"
	_, err = svc.UpdateSeller(ctx, res.Tenant.ID, closer.ID, tenantdomain.UpdateSellerRequest{ConversionRate: &bad})
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidConfig)
}
