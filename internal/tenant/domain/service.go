package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

type ProvisionRequest struct {
	Name          string
	Slug          string
	Niche         string
	Config        *TenantConfig
	AdminEmail    string
	AdminName     string
	AdminPassword string
}

type ProvisionResult struct {
	Tenant Tenant `json:"tenant"`
	Admin  User   `json:"admin"`
}

type CreateUserRequest struct {
	Email       string
	Name        string
	Role        Role
	Password    string
	Specialties []string
}

type UpdateSellerRequest struct {
	Active             *bool
	Specialties        []string
	ConversionRate     *string
	AvgResponseSeconds *int
}

// Service provisions tenants and their users. Every method except Provision
// and the lookups acts on behalf of an authenticated tenant.
type Service interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	ResolveSlug(ctx context.Context, slug string) (snowflake.ID, error)
	Config(ctx context.Context, tenantID snowflake.ID) (TenantConfig, error)
	UpdateConfig(ctx context.Context, tenantID snowflake.ID, cfg TenantConfig) (TenantConfig, error)
	CreateUser(ctx context.Context, tenantID snowflake.ID, req CreateUserRequest) (User, error)
	ListSellers(ctx context.Context, tenantID snowflake.ID) ([]SellerCandidate, error)
	UpdateSeller(ctx context.Context, tenantID snowflake.ID, userID uuid.UUID, req UpdateSellerRequest) (Seller, error)
}

var (
	ErrTenantNotFound  = errors.New("tenant_not_found")
	ErrUserNotFound    = errors.New("user_not_found")
	ErrSellerNotFound  = errors.New("seller_not_found")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidSlug     = errors.New("invalid_slug")
	ErrSlugExists      = errors.New("slug_exists")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrEmailExists     = errors.New("email_exists")
	ErrInvalidRole     = errors.New("invalid_role")
	ErrInvalidPassword = errors.New("invalid_password")
	ErrInvalidConfig   = errors.New("invalid_config")
)
