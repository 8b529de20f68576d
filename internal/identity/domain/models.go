package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/telemetry/correlation"
)

// Principal is the authenticated caller. It is passed by value and never
// derived from request payloads.
type Principal struct {
	UserID    uuid.UUID         `json:"user_id"`
	TenantID  snowflake.ID      `json:"tenant_id"`
	Role      tenantdomain.Role `json:"role"`
	Name      string            `json:"name"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// SystemPrincipal acts for ingress and the background worker within tenantID.
func SystemPrincipal(tenantID snowflake.ID, name string) Principal {
	if name == "" {
		name = "system"
	}
	return Principal{TenantID: tenantID, Role: tenantdomain.RoleSystem, Name: name}
}

func (p Principal) IsSystem() bool { return p.Role == tenantdomain.RoleSystem }

// Expired reports whether the principal can no longer be used at now. System
// principals carry no expiry.
func (p Principal) Expired(now time.Time) bool {
	if p.IsSystem() && p.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(p.ExpiresAt)
}

// ActorID returns the user id, or nil for system principals.
func (p Principal) ActorID() *uuid.UUID {
	if p.UserID == uuid.Nil {
		return nil
	}
	id := p.UserID
	return &id
}

// RequestContext is the per-request tenant scope every engine operation runs
// under.
type RequestContext struct {
	TenantID      snowflake.ID
	CorrelationID string
	Deadline      time.Time
}

func NewRequestContext(ctx context.Context, p Principal) RequestContext {
	rc := RequestContext{
		TenantID:      p.TenantID,
		CorrelationID: correlation.ExtractCorrelationID(ctx),
	}
	if deadline, ok := ctx.Deadline(); ok {
		rc.Deadline = deadline
	}
	return rc
}

// Credential is an encrypted per-tenant secret. Ciphertext is an opaque
// envelope produced by the vault.
type Credential struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID   snowflake.ID `gorm:"not null;uniqueIndex:ux_credentials_tenant_name,priority:1" json:"tenant_id"`
	Name       string       `gorm:"not null;uniqueIndex:ux_credentials_tenant_name,priority:2" json:"name"`
	Ciphertext string       `gorm:"not null" json:"-"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}
