package domain

import (
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	lead "github.com/smallbiznis/casc/internal/lead/domain"
)

type Kind string

const (
	KindWhatsapp  Kind = "whatsapp"
	KindMetaLeads Kind = "metaleads"
	KindWhatsmeow Kind = "whatsmeow"
)

// Request is the transport-agnostic view of a provider delivery.
type Request struct {
	Method     string
	TenantPath string
	Header     http.Header
	Query      url.Values
	Body       []byte
}

// Event is a canonical provider event. The set of implementations is closed.
type Event interface {
	DedupKey() string
	event()
}

// WhatsappText is an inbound text message from a contact.
type WhatsappText struct {
	MessageID     string
	PhoneNumberID string
	From          string
	ContactName   string
	Body          string
	At            time.Time
}

// WhatsappStatus is a delivery receipt. It is acknowledged and ignored.
type WhatsappStatus struct {
	MessageID string
	Status    string
	Recipient string
}

// OutboundEcho is a message the seller sent from the business phone.
type OutboundEcho struct {
	MessageID string
	To        string
	Body      string
	At        time.Time
}

// MetaLeadgen is a lead form submission.
type MetaLeadgen struct {
	LeadgenID string
	Phone     string
	Name      string
	Email     string
	Refs      lead.ExternalRefs
	At        time.Time
}

func (e WhatsappText) DedupKey() string   { return e.MessageID }
func (e WhatsappStatus) DedupKey() string { return e.MessageID + ":" + e.Status }
func (e OutboundEcho) DedupKey() string   { return e.MessageID }

// DedupKey is empty when the submission carries no leadgen id; such
// submissions are not deduplicated.
func (e MetaLeadgen) DedupKey() string { return e.LeadgenID }

func (WhatsappText) event()   {}
func (WhatsappStatus) event() {}
func (OutboundEcho) event()   {}
func (MetaLeadgen) event()    {}

// ProviderBinding maps a provider-side identifier (WhatsApp phone number id,
// Meta page id) to its tenant.
type ProviderBinding struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	ProviderKind Kind         `gorm:"not null;uniqueIndex:ux_provider_bindings_external,priority:1" json:"provider_kind"`
	ExternalID   string       `gorm:"not null;uniqueIndex:ux_provider_bindings_external,priority:2" json:"external_id"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

// InboundReceipt is the idempotency record of a processed provider event.
type InboundReceipt struct {
	ProviderKind      Kind          `gorm:"primaryKey" json:"provider_kind"`
	ProviderMessageID string        `gorm:"primaryKey" json:"provider_message_id"`
	TenantID          snowflake.ID  `gorm:"not null;index" json:"tenant_id"`
	LeadID            *uuid.UUID    `gorm:"type:uuid" json:"lead_id,omitempty"`
	MessageID         *snowflake.ID `json:"message_id,omitempty"`
	CreatedAt         time.Time     `gorm:"not null" json:"created_at"`
}

// Outcome summarizes the handling of one event.
type Outcome struct {
	DedupKey    string        `json:"dedup_key"`
	Duplicate   bool          `json:"duplicate"`
	Ignored     bool          `json:"ignored,omitempty"`
	LeadID      *uuid.UUID    `json:"lead_id,omitempty"`
	LeadCreated bool          `json:"lead_created,omitempty"`
	MessageID   *snowflake.ID `json:"message_id,omitempty"`
	Advanced    bool          `json:"advanced,omitempty"`
}

type Result struct {
	TenantID snowflake.ID `json:"tenant_id"`
	Outcomes []Outcome    `json:"outcomes"`
}

// Duplicate reports a delivery whose every event was already processed.
func (r Result) Duplicate() bool {
	if len(r.Outcomes) == 0 {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Duplicate {
			return false
		}
	}
	return true
}
