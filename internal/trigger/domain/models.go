package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ActionType string

const (
	ActionWebhook  ActionType = "webhook"
	ActionInternal ActionType = "internal"
)

type InternalAction string

const (
	InternalNotifyAssignee InternalAction = "notify_assignee"
	InternalNotifyManagers InternalAction = "notify_managers"
	InternalAutoAssign     InternalAction = "auto_assign"
	InternalAddTag         InternalAction = "add_tag"
)

func (a InternalAction) Valid() bool {
	switch a {
	case InternalNotifyAssignee, InternalNotifyManagers, InternalAutoAssign, InternalAddTag:
		return true
	}
	return false
}

// Config is the action-specific configuration of a Trigger. It is either a
// WebhookConfig or an InternalConfig.
type Config interface {
	Action() ActionType
	validate() error
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Secret  string            `json:"secret,omitempty"`
}

type InternalConfig struct {
	Name   InternalAction `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (WebhookConfig) Action() ActionType  { return ActionWebhook }
func (InternalConfig) Action() ActionType { return ActionInternal }

func (c WebhookConfig) validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidTrigger)
	}
	return nil
}

func (c InternalConfig) validate() error {
	if !c.Name.Valid() {
		return fmt.Errorf("%w: unknown internal action %q", ErrInvalidTrigger, c.Name)
	}
	if c.Name == InternalAddTag {
		if tag, _ := c.Params["tag"].(string); strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: add_tag requires params.tag", ErrInvalidTrigger)
		}
	}
	return nil
}

// DecodeConfig parses raw as the configuration of an action of type t.
func DecodeConfig(t ActionType, raw []byte) (Config, error) {
	var cfg Config
	switch t {
	case ActionWebhook:
		var c WebhookConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		cfg = c
	case ActionInternal:
		var c InternalConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		cfg = c
	default:
		return nil, fmt.Errorf("%w: unknown action_type %q", ErrInvalidTrigger, t)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type Trigger struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID   `gorm:"not null;index:ix_triggers_tenant_status,priority:1" json:"tenant_id"`
	OnStatusCode string         `gorm:"not null;index:ix_triggers_tenant_status,priority:2" json:"on_status_code"`
	ActionType   ActionType     `gorm:"not null" json:"action_type"`
	Config       datatypes.JSON `gorm:"not null" json:"config"`
	Active       bool           `gorm:"not null" json:"active"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (t Trigger) Decode() (Config, error) {
	return DecodeConfig(t.ActionType, t.Config)
}

// Redacted returns a copy safe to render: webhook secrets are masked.
func (t Trigger) Redacted() Trigger {
	if t.ActionType != ActionWebhook {
		return t
	}
	var c WebhookConfig
	if err := json.Unmarshal(t.Config, &c); err != nil || c.Secret == "" {
		return t
	}
	c.Secret = "********"
	if raw, err := json.Marshal(c); err == nil {
		t.Config = raw
	}
	return t
}

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// TriggerLog records one dispatch attempt. Rows are never updated.
type TriggerLog struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	TriggerID  snowflake.ID   `gorm:"not null;index" json:"trigger_id"`
	TenantID   snowflake.ID   `gorm:"not null;index" json:"tenant_id"`
	LeadID     uuid.UUID      `gorm:"type:uuid;not null" json:"lead_id"`
	EventID    snowflake.ID   `gorm:"not null;default:0" json:"event_id"`
	Attempt    int            `gorm:"not null;default:1" json:"attempt"`
	Status     LogStatus      `gorm:"not null" json:"status"`
	HTTPStatus *int           `json:"http_status,omitempty"`
	Payload    datatypes.JSON `json:"payload"`
	Response   string         `json:"response"`
	DurationMS int64          `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
}

// WebhookPayload is the body posted to webhook triggers.
type WebhookPayload struct {
	Event          string    `json:"event"`
	TenantID       string    `json:"tenant_id"`
	LeadID         string    `json:"lead_id"`
	PreviousStatus *string   `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	LeadSnapshot   any       `json:"lead_snapshot"`
	OccurredAt     time.Time `json:"occurred_at"`
}
