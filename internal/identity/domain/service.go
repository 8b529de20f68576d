package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
)

type LoginRequest struct {
	Tenant   string `json:"tenant"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResult struct {
	AccessToken string            `json:"access_token"`
	TokenType   string            `json:"token_type"`
	ExpiresIn   int64             `json:"expires_in"`
	User        tenantdomain.User `json:"user"`
}

type Service interface {
	Login(ctx context.Context, req LoginRequest) (LoginResult, error)
	// Authenticate verifies a bearer token against the current clock.
	Authenticate(ctx context.Context, token string) (Principal, error)
	Issue(user tenantdomain.User) (string, error)
}

// Vault stores opaque encrypted blobs keyed by (tenant, name).
type Vault interface {
	Get(ctx context.Context, tenantID snowflake.ID, name string) ([]byte, error)
	Put(ctx context.Context, tenantID snowflake.ID, name string, value []byte) error
}

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrInvalidCredentials    = errors.New("invalid_credentials")
	ErrTokenExpired          = errors.New("token_expired")
	ErrForbidden             = errors.New("forbidden")
	ErrCredentialNotFound    = errors.New("credential_not_found")
	ErrInvalidCredentialName = errors.New("invalid_credential_name")
	ErrVaultSealed           = errors.New("vault_sealed")
)
