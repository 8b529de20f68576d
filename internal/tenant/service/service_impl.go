package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/cache"
	"github.com/smallbiznis/casc/internal/clock"
	"github.com/smallbiznis/casc/internal/identity/password"
	"github.com/smallbiznis/casc/internal/seed"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store *store.Store
	Cache cache.TenantCache
	Audit auditdomain.Service `optional:"true"`
	GenID *snowflake.Node
	Clock clock.Clock
	Log   *zap.Logger
}

type Service struct {
	store *store.Store
	cache cache.TenantCache
	audit auditdomain.Service
	genID *snowflake.Node
	clock clock.Clock
	log   *zap.Logger
}

func NewService(p Params) tenantdomain.Service {
	return &Service{
		store: p.Store,
		cache: p.Cache,
		audit: p.Audit,
		genID: p.GenID,
		clock: p.Clock,
		log:   p.Log.Named("tenant.service"),
	}
}

// Provision creates a tenant with its admin user and the default status
// machine.
func (s *Service) Provision(ctx context.Context, req tenantdomain.ProvisionRequest) (tenantdomain.ProvisionResult, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return tenantdomain.ProvisionResult{}, tenantdomain.ErrInvalidName
	}
	tenantSlug := slug.Make(strings.TrimSpace(req.Slug))
	if tenantSlug == "" {
		tenantSlug = slug.Make(name)
	}
	if tenantSlug == "" || !slug.IsSlug(tenantSlug) {
		return tenantdomain.ProvisionResult{}, tenantdomain.ErrInvalidSlug
	}

	cfg := tenantdomain.DefaultTenantConfig()
	if req.Config != nil {
		cfg = req.Config.Normalize()
	}

	now := s.clock.Now().UTC()
	tenant := tenantdomain.Tenant{
		ID:        s.genID.Generate(),
		Name:      name,
		Slug:      tenantSlug,
		Niche:     strings.TrimSpace(req.Niche),
		Config:    datatypes.NewJSONType(cfg),
		CreatedAt: now,
		UpdatedAt: now,
	}
	admin, err := s.newUser(tenant.ID, tenantdomain.CreateUserRequest{
		Email:    req.AdminEmail,
		Name:     req.AdminName,
		Role:     tenantdomain.RoleAdmin,
		Password: req.AdminPassword,
	})
	if err != nil {
		return tenantdomain.ProvisionResult{}, err
	}

	err = s.store.ProvisionTenant(ctx, store.ProvisionInput{
		Tenant:      tenant,
		Admin:       admin,
		Statuses:    seed.DefaultStatuses(tenant.ID, s.genID, now),
		Transitions: seed.DefaultTransitions(tenant.ID, s.genID, now),
	})
	if err != nil {
		return tenantdomain.ProvisionResult{}, err
	}

	s.log.Info("tenant provisioned",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("slug", tenant.Slug),
	)
	s.record(ctx, tenant.ID, auditdomain.Entry{
		Action:     "tenant.provisioned",
		TargetType: "tenant",
		TargetID:   tenant.ID.String(),
		Metadata:   map[string]any{"slug": tenant.Slug, "admin_email": admin.Email},
	})
	return tenantdomain.ProvisionResult{Tenant: tenant, Admin: admin}, nil
}

func (s *Service) ResolveSlug(ctx context.Context, tenantSlug string) (snowflake.ID, error) {
	tenant, err := s.tenantBySlug(ctx, tenantSlug)
	if err != nil {
		return 0, err
	}
	return tenant.ID, nil
}

func (s *Service) tenantBySlug(ctx context.Context, tenantSlug string) (tenantdomain.Tenant, error) {
	tenantSlug = strings.ToLower(strings.TrimSpace(tenantSlug))
	if tenantSlug == "" {
		return tenantdomain.Tenant{}, tenantdomain.ErrTenantNotFound
	}
	if tenant, ok := s.cache.GetTenant(tenantSlug); ok {
		return tenant, nil
	}
	tenant, err := s.store.TenantBySlug(ctx, tenantSlug)
	if err != nil {
		return tenantdomain.Tenant{}, err
	}
	s.cache.SetTenant(tenant)
	return tenant, nil
}

func (s *Service) Config(ctx context.Context, tenantID snowflake.ID) (tenantdomain.TenantConfig, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return tenantdomain.TenantConfig{}, err
	}
	return tenant.Config.Data().Normalize(), nil
}

func (s *Service) UpdateConfig(ctx context.Context, tenantID snowflake.ID, cfg tenantdomain.TenantConfig) (tenantdomain.TenantConfig, error) {
	if cfg.NotificationTTLHours < 0 {
		return tenantdomain.TenantConfig{}, tenantdomain.ErrInvalidConfig
	}
	cfg = cfg.Normalize()
	if _, err := s.store.GetStatus(ctx, tenantID, cfg.FirstContactStatus); err != nil {
		s.log.Warn("first contact status is not defined",
			zap.String("tenant_id", tenantID.String()),
			zap.String("status", cfg.FirstContactStatus),
		)
	}

	tenant, err := s.store.UpdateTenantConfig(ctx, tenantID, cfg)
	if err != nil {
		return tenantdomain.TenantConfig{}, err
	}
	s.cache.InvalidateTenant(tenantID)
	s.record(ctx, tenantID, auditdomain.Entry{
		Action:     "tenant.config_updated",
		TargetType: "tenant",
		TargetID:   tenantID.String(),
		Metadata: map[string]any{
			"auto_advance_on_inbound":  cfg.AutoAdvanceOnInbound,
			"auto_advance_on_outbound": cfg.AutoAdvanceOnOutbound,
			"first_contact_status":     cfg.FirstContactStatus,
			"auto_assign_on_inbound":   cfg.AutoAssignOnInbound,
		},
	})
	return tenant.Config.Data().Normalize(), nil
}

// CreateUser adds a user; seller-eligible roles also get an active Seller.
func (s *Service) CreateUser(ctx context.Context, tenantID snowflake.ID, req tenantdomain.CreateUserRequest) (tenantdomain.User, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return tenantdomain.User{}, err
	}
	user, err := s.newUser(tenantID, req)
	if err != nil {
		return tenantdomain.User{}, err
	}

	var seller *tenantdomain.Seller
	if user.Role.IsSellerEligible() {
		seller = &tenantdomain.Seller{
			UserID:      user.ID,
			TenantID:    tenantID,
			Active:      true,
			Specialties: datatypes.JSONSlice[string](normalizeList(req.Specialties)),
			UpdatedAt:   user.CreatedAt,
		}
	}
	if err := s.store.CreateUser(ctx, user, seller); err != nil {
		return tenantdomain.User{}, err
	}
	s.record(ctx, tenantID, auditdomain.Entry{
		Action:     "user.created",
		TargetType: "user",
		TargetID:   user.ID.String(),
		Metadata:   map[string]any{"email": user.Email, "role": string(user.Role)},
	})
	return user, nil
}

func (s *Service) ListSellers(ctx context.Context, tenantID snowflake.ID) ([]tenantdomain.SellerCandidate, error) {
	return s.store.ListSellers(ctx, tenantID)
}

func (s *Service) UpdateSeller(ctx context.Context, tenantID snowflake.ID, userID uuid.UUID, req tenantdomain.UpdateSellerRequest) (tenantdomain.Seller, error) {
	var rate *decimal.Decimal
	if req.ConversionRate != nil {
		parsed, err := decimal.NewFromString(strings.TrimSpace(*req.ConversionRate))
		if err != nil || parsed.IsNegative() || parsed.GreaterThan(decimal.NewFromInt(1)) {
			return tenantdomain.Seller{}, tenantdomain.ErrInvalidConfig
		}
		rate = &parsed
	}
	if req.AvgResponseSeconds != nil && *req.AvgResponseSeconds < 0 {
		return tenantdomain.Seller{}, tenantdomain.ErrInvalidConfig
	}

	seller, err := s.store.UpdateSeller(ctx, tenantID, userID, func(seller *tenantdomain.Seller) error {
		if req.Active != nil {
			seller.Active = *req.Active
		}
		if req.Specialties != nil {
			seller.Specialties = datatypes.JSONSlice[string](normalizeList(req.Specialties))
		}
		if rate != nil {
			seller.LoadStats.ConversionRate = *rate
		}
		if req.AvgResponseSeconds != nil {
			seller.LoadStats.AvgResponseSeconds = *req.AvgResponseSeconds
		}
		return nil
	})
	if err != nil {
		return tenantdomain.Seller{}, err
	}
	s.record(ctx, tenantID, auditdomain.Entry{
		Action:     "seller.updated",
		TargetType: "seller",
		TargetID:   userID.String(),
		Metadata:   map[string]any{"active": seller.Active},
	})
	return seller, nil
}

func (s *Service) newUser(tenantID snowflake.ID, req tenantdomain.CreateUserRequest) (tenantdomain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return tenantdomain.User{}, tenantdomain.ErrInvalidEmail
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = email
	}
	if !req.Role.Valid() {
		return tenantdomain.User{}, tenantdomain.ErrInvalidRole
	}
	hash, err := password.Hash(req.Password)
	if errors.Is(err, password.ErrTooShort) {
		return tenantdomain.User{}, tenantdomain.ErrInvalidPassword
	}
	if err != nil {
		return tenantdomain.User{}, err
	}
	now := s.clock.Now().UTC()
	return tenantdomain.User{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Email:        email,
		Name:         name,
		Role:         req.Role,
		Status:       tenantdomain.UserStatusActive,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Service) record(ctx context.Context, tenantID snowflake.ID, entry auditdomain.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, tenantID, entry); err != nil {
		s.log.Warn("audit record failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]bool{}
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
