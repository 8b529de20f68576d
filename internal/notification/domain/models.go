package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"gorm.io/datatypes"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

const (
	TypeConversationAssigned = "conversation_assigned"
	TypeConversationRemoved  = "conversation_unassigned"
	TypeLeadStatusChanged    = "lead_status_changed"
	TypeNewLead              = "new_lead"
)

type RelatedEntity struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Notification ids are ULIDs, so id order is creation order per recipient.
type Notification struct {
	ID              string                            `gorm:"type:varchar(26);primaryKey" json:"id"`
	TenantID        snowflake.ID                      `gorm:"not null;index" json:"tenant_id"`
	RecipientUserID uuid.UUID                         `gorm:"type:uuid;not null;index:ix_notifications_recipient_read,priority:1" json:"recipient_user_id"`
	Type            string                            `gorm:"not null" json:"type"`
	Title           string                            `gorm:"not null" json:"title"`
	Message         string                            `gorm:"not null" json:"message"`
	Priority        Priority                          `gorm:"not null" json:"priority"`
	RelatedEntity   datatypes.JSONType[RelatedEntity] `json:"related_entity"`
	Metadata        datatypes.JSONMap                 `json:"metadata"`
	Read            bool                              `gorm:"not null;default:false;index:ix_notifications_recipient_read,priority:2" json:"read"`
	CreatedAt       time.Time                         `gorm:"not null" json:"created_at"`
	ExpiresAt       *time.Time                        `gorm:"index" json:"expires_at,omitempty"`
}

type NotifyRequest struct {
	RecipientUserID uuid.UUID
	Type            string
	Title           string
	Message         string
	Priority        Priority
	RelatedEntity   RelatedEntity
	Metadata        map[string]any
	// TTL overrides the tenant retention window when positive.
	TTL time.Duration
}

type ListNotificationFilter struct {
	UnreadOnly bool
}

type Service interface {
	Notify(ctx context.Context, tenantID snowflake.ID, req NotifyRequest) (Notification, error)
	NotifyManagers(ctx context.Context, tenantID snowflake.ID, req NotifyRequest) ([]Notification, error)
	List(ctx context.Context, p identity.Principal, filter ListNotificationFilter, page pagination.Page) (pagination.Result[Notification], error)
	MarkRead(ctx context.Context, p identity.Principal, id string) (Notification, error)
	UnreadCount(ctx context.Context, p identity.Principal) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
}

var (
	ErrNotFound       = errors.New("notification_not_found")
	ErrInvalidRequest = errors.New("invalid_notification")
)
