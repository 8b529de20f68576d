package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Source string

const (
	SourceManual     Source = "manual"
	SourceAutomation Source = "automation"
	SourceSystem     Source = "system"
	SourceAPI        Source = "api"
)

func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceAutomation, SourceSystem, SourceAPI:
		return true
	}
	return false
}

type ExternalRefs struct {
	MetaCampaignID string `json:"meta_campaign_id,omitempty"`
	MetaAdID       string `json:"meta_ad_id,omitempty"`
	MetaFormID     string `json:"meta_form_id,omitempty"`
	MetaLeadgenID  string `json:"meta_leadgen_id,omitempty"`
	MetaPageID     string `json:"meta_page_id,omitempty"`
}

// Merge keeps existing values and fills the empty ones from other.
func (r ExternalRefs) Merge(other ExternalRefs) ExternalRefs {
	if r.MetaCampaignID == "" {
		r.MetaCampaignID = other.MetaCampaignID
	}
	if r.MetaAdID == "" {
		r.MetaAdID = other.MetaAdID
	}
	if r.MetaFormID == "" {
		r.MetaFormID = other.MetaFormID
	}
	if r.MetaLeadgenID == "" {
		r.MetaLeadgenID = other.MetaLeadgenID
	}
	if r.MetaPageID == "" {
		r.MetaPageID = other.MetaPageID
	}
	return r
}

// AssignmentEntry is one supersession in a lead's assignment history.
type AssignmentEntry struct {
	From   *uuid.UUID `json:"from,omitempty"`
	To     *uuid.UUID `json:"to,omitempty"`
	By     string     `json:"by"`
	ByName string     `json:"by_name,omitempty"`
	Source string     `json:"source"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

type Lead struct {
	ID                uuid.UUID                            `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID          snowflake.ID                         `gorm:"not null;uniqueIndex:ux_leads_tenant_phone,priority:1;index:ix_leads_tenant_status,priority:1" json:"tenant_id"`
	Phone             string                               `gorm:"not null;uniqueIndex:ux_leads_tenant_phone,priority:2" json:"phone"`
	Email             *string                              `json:"email,omitempty"`
	Name              *string                              `json:"name,omitempty"`
	StatusCode        string                               `gorm:"not null;index:ix_leads_tenant_status,priority:2" json:"status_code"`
	LeadScore         *int                                 `json:"lead_score,omitempty"`
	Source            string                               `gorm:"not null" json:"source"`
	AssignedSellerID  *uuid.UUID                           `gorm:"type:uuid" json:"assigned_seller_id,omitempty"`
	Tags              datatypes.JSONSlice[string]          `json:"tags"`
	ExternalRefs      datatypes.JSONType[ExternalRefs]     `json:"external_refs"`
	AssignmentHistory datatypes.JSONSlice[AssignmentEntry] `json:"assignment_history"`
	CreatedAt         time.Time                            `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time                            `gorm:"not null" json:"updated_at"`
}

// LeadSeed carries the optional attributes used when a lead is created.
type LeadSeed struct {
	Name         string
	Email        string
	Source       string
	Tags         []string
	ExternalRefs ExternalRefs
}

type StatusDef struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID `gorm:"not null;uniqueIndex:ux_status_defs_tenant_code,priority:1" json:"tenant_id"`
	Code      string       `gorm:"not null;uniqueIndex:ux_status_defs_tenant_code,priority:2" json:"code"`
	Name      string       `gorm:"not null" json:"name"`
	Color     string       `json:"color,omitempty"`
	Icon      string       `json:"icon,omitempty"`
	IsInitial bool         `gorm:"not null;default:false" json:"is_initial"`
	IsFinal   bool         `gorm:"not null;default:false" json:"is_final"`
	SortOrder int          `gorm:"not null;default:0" json:"sort_order"`
	Active    bool         `gorm:"not null" json:"active"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

// Transition is an allowed edge. A nil FromCode means "from any status".
type Transition struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;index:ix_transitions_tenant_to,priority:1" json:"tenant_id"`
	FromCode    *string      `json:"from_code"`
	ToCode      string       `gorm:"not null;index:ix_transitions_tenant_to,priority:2" json:"to_code"`
	Label       string       `json:"label"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
}

func (t Transition) IsWildcard() bool { return t.FromCode == nil }

type StatusHistory struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID      `gorm:"not null;index:ix_status_history_lead,priority:1" json:"tenant_id"`
	LeadID          uuid.UUID         `gorm:"type:uuid;not null;index:ix_status_history_lead,priority:2" json:"lead_id"`
	FromCode        *string           `json:"from_code"`
	ToCode          string            `gorm:"not null" json:"to_code"`
	ChangedByUserID *uuid.UUID        `gorm:"type:uuid" json:"changed_by_user_id,omitempty"`
	ChangedByName   string            `gorm:"not null" json:"changed_by_name"`
	Source          Source            `gorm:"not null" json:"source"`
	Comment         *string           `json:"comment,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata"`
	CreatedAt       time.Time         `gorm:"not null;index:ix_status_history_lead,priority:3,sort:desc" json:"created_at"`
}

func (StatusHistory) TableName() string { return "status_history" }

// Actor identifies who performs a change.
type Actor struct {
	UserID *uuid.UUID
	Name   string
}

// StatusChange is the input of a single-lead status transition.
type StatusChange struct {
	// ExpectedFrom, when set, must equal the lead's current status.
	ExpectedFrom *string
	To           string
	Actor        Actor
	Source       Source
	Comment      *string
	Metadata     map[string]any
}

// StatusChangeResult reports the committed change. Noop is set when the
// destination is the lead's current initial status.
type StatusChangeResult struct {
	Lead    Lead          `json:"lead"`
	History StatusHistory `json:"history"`
	Noop    bool          `json:"noop"`
}

// Event is the STATUS_CHANGED payload describing the change.
func (r StatusChangeResult) Event() StatusChanged {
	event := StatusChanged{
		TenantID: r.Lead.TenantID.String(),
		LeadID:   r.Lead.ID.String(),
		From:     r.History.FromCode,
		To:       r.History.ToCode,
		Actor:    r.History.ChangedByName,
		Source:   r.History.Source,
		At:       r.History.CreatedAt,
		Metadata: r.History.Metadata,
	}
	if r.History.ChangedByUserID != nil {
		event.ActorID = r.History.ChangedByUserID.String()
	}
	return event
}

// StatusChanged is the durable event written with every effective change.
type StatusChanged struct {
	TenantID string         `json:"tenant_id"`
	LeadID   string         `json:"lead_id"`
	From     *string        `json:"from"`
	To       string         `json:"to"`
	Actor    string         `json:"actor"`
	ActorID  string         `json:"actor_id,omitempty"`
	Source   Source         `json:"source"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const EventStatusChanged = "status_changed"

// OutboxEvent is the durable log of StatusChanged events, written in the
// transaction that changed the status and drained by the dispatcher.
type OutboxEvent struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID   `gorm:"not null;index" json:"tenant_id"`
	Kind         string         `gorm:"not null" json:"kind"`
	LeadID       uuid.UUID      `gorm:"type:uuid;not null" json:"lead_id"`
	Payload      datatypes.JSON `gorm:"not null" json:"payload"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	LastError    *string        `json:"last_error,omitempty"`
	LockedUntil  *time.Time     `json:"locked_until,omitempty"`
	DispatchedAt *time.Time     `gorm:"index" json:"dispatched_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
