package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleCEO          Role = "ceo"
	RoleManager      Role = "manager"
	RoleSetter       Role = "setter"
	RoleCloser       Role = "closer"
	RoleProfessional Role = "professional"
	RoleSecretary    Role = "secretary"

	// RoleSystem is never stored; it marks principals minted for ingress and
	// the background worker.
	RoleSystem Role = "system"
)

var (
	managerRoles = map[Role]bool{RoleAdmin: true, RoleCEO: true, RoleManager: true}
	sellerRoles  = map[Role]bool{RoleSetter: true, RoleCloser: true, RoleProfessional: true, RoleCEO: true}
	knownRoles   = map[Role]bool{
		RoleAdmin: true, RoleCEO: true, RoleManager: true, RoleSetter: true,
		RoleCloser: true, RoleProfessional: true, RoleSecretary: true,
	}
)

func (r Role) Valid() bool { return knownRoles[r] }

// IsManager reports roles allowed to reassign conversations and receive
// tenant-wide events.
func (r Role) IsManager() bool { return managerRoles[r] }

// IsSellerEligible reports roles that may hold a Seller projection.
func (r Role) IsSellerEligible() bool { return sellerRoles[r] }

// ManagerRoles lists roles receiving tenant-wide notifications.
func ManagerRoles() []Role {
	return []Role{RoleAdmin, RoleCEO, RoleManager}
}

// SellerRoles lists roles eligible for assignment.
func SellerRoles() []Role {
	return []Role{RoleSetter, RoleCloser, RoleProfessional, RoleCEO}
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
)

// TenantConfig is the per-tenant behavior switchboard.
type TenantConfig struct {
	AutoAdvanceOnInbound  bool   `json:"auto_advance_on_inbound"`
	AutoAdvanceOnOutbound bool   `json:"auto_advance_on_outbound"`
	FirstContactStatus    string `json:"first_contact_status"`
	NotificationTTLHours  int    `json:"notification_ttl_hours"`
	AutoAssignOnInbound   bool   `json:"auto_assign_on_inbound"`
}

func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		AutoAdvanceOnOutbound: true,
		FirstContactStatus:    "contacted",
		NotificationTTLHours:  720,
	}
}

// Normalize fills zero values with defaults.
func (c TenantConfig) Normalize() TenantConfig {
	if c.FirstContactStatus == "" {
		c.FirstContactStatus = "contacted"
	}
	if c.NotificationTTLHours <= 0 {
		c.NotificationTTLHours = 720
	}
	return c
}

func (c TenantConfig) NotificationTTL() time.Duration {
	return time.Duration(c.Normalize().NotificationTTLHours) * time.Hour
}

type Tenant struct {
	ID        snowflake.ID                     `gorm:"primaryKey" json:"id"`
	Name      string                           `gorm:"not null" json:"name"`
	Slug      string                           `gorm:"not null;uniqueIndex:ux_tenants_slug" json:"slug"`
	Niche     string                           `json:"niche,omitempty"`
	Config    datatypes.JSONType[TenantConfig] `json:"config"`
	CreatedAt time.Time                        `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time                        `gorm:"not null" json:"updated_at"`
}

type User struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID     snowflake.ID `gorm:"not null;uniqueIndex:ux_users_tenant_email,priority:1" json:"tenant_id"`
	Email        string       `gorm:"not null;uniqueIndex:ux_users_tenant_email,priority:2" json:"email"`
	Name         string       `gorm:"not null" json:"name"`
	Role         Role         `gorm:"not null" json:"role"`
	Status       UserStatus   `gorm:"not null" json:"status"`
	PasswordHash string       `gorm:"not null" json:"-"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"not null" json:"updated_at"`
}

func (u User) Active() bool { return u.Status == UserStatusActive }

// LoadStats feeds the load-balance and performance rules.
type LoadStats struct {
	ActiveConversations int             `gorm:"not null;default:0" json:"active_conversations"`
	LastAssignedAt      *time.Time      `json:"last_assigned_at,omitempty"`
	ConversionRate      decimal.Decimal `gorm:"type:numeric(7,4);not null;default:0" json:"conversion_rate"`
	AvgResponseSeconds  int             `gorm:"not null;default:0" json:"avg_response_seconds"`
}

type Seller struct {
	UserID      uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"user_id"`
	TenantID    snowflake.ID                `gorm:"not null;index" json:"tenant_id"`
	Active      bool                        `gorm:"not null" json:"active"`
	Specialties datatypes.JSONSlice[string] `json:"specialties"`
	LoadStats   LoadStats                   `gorm:"embedded" json:"load_stats"`
	UpdatedAt   time.Time                   `gorm:"not null" json:"updated_at"`
}

// SellerCandidate is a Seller joined with its User, as evaluated by the
// assignment rules.
type SellerCandidate struct {
	Seller
	Name string `json:"name"`
	Role Role   `json:"role"`
}
