package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

type AssignmentSource string

const (
	AssignmentManual         AssignmentSource = "manual"
	AssignmentAutoRoundRobin AssignmentSource = "auto_round_robin"
	AssignmentAutoRule       AssignmentSource = "auto_rule"
	AssignmentSystem         AssignmentSource = "system"
)

// ChatMessage is one message of a conversation. The assignment columns of the
// most recent row for (tenant, conversation key) are the current assignment.
type ChatMessage struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID      `gorm:"not null;index:ix_chat_messages_conversation,priority:1" json:"tenant_id"`
	ConversationKey   string            `gorm:"not null;index:ix_chat_messages_conversation,priority:2" json:"conversation_key"`
	LeadID            uuid.UUID         `gorm:"type:uuid;not null" json:"lead_id"`
	Direction         Direction         `gorm:"not null" json:"direction"`
	ProviderKind      string            `json:"provider_kind,omitempty"`
	ProviderMessageID *string           `gorm:"uniqueIndex:ux_chat_messages_provider_message" json:"provider_message_id,omitempty"`
	Content           string            `json:"content"`
	AssignedSellerID  *uuid.UUID        `gorm:"type:uuid" json:"assigned_seller_id,omitempty"`
	AssignedAt        *time.Time        `json:"assigned_at,omitempty"`
	AssignedBy        *string           `json:"assigned_by,omitempty"`
	AssignmentSource  *AssignmentSource `json:"assignment_source,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;index:ix_chat_messages_conversation,priority:3,sort:desc" json:"created_at"`
}

// Assignment is the current assignment of a conversation.
type Assignment struct {
	SellerID *uuid.UUID        `json:"seller_id"`
	At       *time.Time        `json:"assigned_at,omitempty"`
	By       *string           `json:"assigned_by,omitempty"`
	Source   *AssignmentSource `json:"assignment_source,omitempty"`
}

func (m ChatMessage) Assignment() Assignment {
	return Assignment{
		SellerID: m.AssignedSellerID,
		At:       m.AssignedAt,
		By:       m.AssignedBy,
		Source:   m.AssignmentSource,
	}
}

// ConversationSummary is a conversation's latest message joined with its lead.
type ConversationSummary struct {
	ConversationKey  string            `json:"conversation_key"`
	LeadID           uuid.UUID         `json:"lead_id"`
	LeadName         *string           `json:"lead_name,omitempty"`
	LeadStatus       string            `json:"lead_status"`
	LastMessage      string            `json:"last_message"`
	LastDirection    Direction         `json:"last_direction"`
	LastMessageAt    time.Time         `json:"last_message_at"`
	AssignedSellerID *uuid.UUID        `json:"assigned_seller_id,omitempty"`
	AssignedAt       *time.Time        `json:"assigned_at,omitempty"`
	AssignmentSource *AssignmentSource `json:"assignment_source,omitempty"`
}

type ListConversationFilter struct {
	AssignedTo *uuid.UUID
	Unassigned bool
	LeadStatus string
}

// InboundMessage is a canonical provider message ready to be persisted.
type InboundMessage struct {
	ProviderKind      string
	ProviderMessageID string
	Phone             string
	Direction         Direction
	Content           string
	ContactName       string
	At                time.Time
}
