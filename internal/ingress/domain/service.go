package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// TenantResolver maps tenant path slugs and provider bindings to tenants.
type TenantResolver interface {
	ResolveSlug(ctx context.Context, slug string) (snowflake.ID, error)
	ResolveBinding(ctx context.Context, kind Kind, externalID string) (snowflake.ID, error)
}

// SecretSource yields per-tenant provider secrets. A missing secret returns
// ErrSecretNotConfigured.
type SecretSource interface {
	Secret(ctx context.Context, tenantID snowflake.ID, name string) ([]byte, error)
}

// Provider adapts one provider's webhook protocol to canonical events.
type Provider interface {
	Kind() Kind
	TenantFrom(ctx context.Context, req Request, resolver TenantResolver) (snowflake.ID, error)
	// Verify checks the delivery signature before any side effect.
	Verify(ctx context.Context, tenantID snowflake.ID, req Request) error
	Parse(ctx context.Context, req Request) ([]Event, error)
}

// Challenger answers the provider's subscription handshake.
type Challenger interface {
	Challenge(ctx context.Context, tenantID snowflake.ID, req Request) (string, error)
}

// BindingChecker reports provider-side identifiers carried by events, which
// must resolve to the tenant the delivery was addressed to.
type BindingChecker interface {
	Bindings(events []Event) []string
}

type Service interface {
	Handle(ctx context.Context, kind Kind, req Request) (Result, error)
	Challenge(ctx context.Context, kind Kind, req Request) (string, error)
	// Ingest processes already-verified events for tenantID. In-process
	// adapters use it directly.
	Ingest(ctx context.Context, kind Kind, tenantID snowflake.ID, events []Event) (Result, error)
}

var (
	ErrSignatureInvalid    = errors.New("signature_invalid")
	ErrVerifyTokenMismatch = errors.New("verify_token_mismatch")
	ErrUnknownTenant       = errors.New("unknown_tenant")
	ErrTenantMismatch      = errors.New("tenant_mismatch")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrUnknownProvider     = errors.New("unknown_provider")
	ErrSecretNotConfigured = errors.New("secret_not_configured")
	ErrRateLimited         = errors.New("rate_limited")
)
