// Package storetest builds stores over in-memory sqlite for package tests,
// with the tenant guard installed.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/casc/internal/clock"
	"github.com/smallbiznis/casc/internal/seed"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type Fixture struct {
	DB    *gorm.DB
	Store *store.Store
	Clock *clock.FakeClock
	Node  *snowflake.Node
}

func New(t testing.TB) *Fixture {
	t.Helper()
	conn := dbtest.New(t, store.Models(), dbtest.WithTenantGuard(store.TenantScopedTables...))
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fake := clock.NewFakeClock(Epoch)
	return &Fixture{
		DB:    conn,
		Store: store.New(store.Params{DB: conn, GenID: node, Clock: fake, Log: zap.NewNop()}),
		Clock: fake,
		Node:  node,
	}
}

// Tenant provisions a tenant with the default status machine and an admin.
func (f *Fixture) Tenant(t testing.TB, slug string, cfg tenantdomain.TenantConfig) (tenantdomain.Tenant, tenantdomain.User) {
	t.Helper()
	now := f.Clock.Now()
	tenant := tenantdomain.Tenant{
		ID:        f.Node.Generate(),
		Name:      slug,
		Slug:      slug,
		Config:    datatypes.NewJSONType(cfg.Normalize()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	admin := tenantdomain.User{
		ID:           uuid.New(),
		TenantID:     tenant.ID,
		Email:        "admin@" + slug + ".test",
		Name:         "Admin " + slug,
		Role:         tenantdomain.RoleAdmin,
		Status:       tenantdomain.UserStatusActive,
		PasswordHash: "x",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := f.Store.ProvisionTenant(context.Background(), store.ProvisionInput{
		Tenant:      tenant,
		Admin:       admin,
		Statuses:    seed.DefaultStatuses(tenant.ID, f.Node, now),
		Transitions: seed.DefaultTransitions(tenant.ID, f.Node, now),
	})
	if err != nil {
		t.Fatalf("provision tenant %s: %v", slug, err)
	}
	return tenant, admin
}

// User adds an active user; seller-eligible roles also get an active seller
// row.
func (f *Fixture) User(t testing.TB, tenantID snowflake.ID, name string, role tenantdomain.Role) tenantdomain.User {
	t.Helper()
	now := f.Clock.Now()
	user := tenantdomain.User{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Email:        fmt.Sprintf("%s.%s@casc.test", name, uuid.NewString()[:8]),
		Name:         name,
		Role:         role,
		Status:       tenantdomain.UserStatusActive,
		PasswordHash: "x",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var seller *tenantdomain.Seller
	if role.IsSellerEligible() {
		seller = &tenantdomain.Seller{
			UserID:      user.ID,
			TenantID:    tenantID,
			Active:      true,
			Specialties: datatypes.JSONSlice[string]{},
			LoadStats:   tenantdomain.LoadStats{ConversionRate: decimal.Zero},
			UpdatedAt:   now,
		}
	}
	if err := f.Store.CreateUser(context.Background(), user, seller); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}
