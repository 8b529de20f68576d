package authorization

import (
	"context"
	"errors"

	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
)

const (
	ObjectLead         = "lead"
	ObjectConversation = "conversation"
	ObjectStatusConfig = "status_config"
	ObjectRule         = "rule"
	ObjectTrigger      = "trigger"
	ObjectNotification = "notification"
	ObjectCredential   = "credential"
	ObjectSeller       = "seller"
	ObjectTenant       = "tenant"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionRead       = "read"
	ActionWrite      = "write"
	ActionAssign     = "assign"
	ActionAssignSelf = "assign_self"
	ActionConfigure  = "configure"
)

// Service answers capability checks for an authenticated principal.
type Service interface {
	Authorize(ctx context.Context, p identitydomain.Principal, object, action string) error
}

var (
	ErrForbidden     = identitydomain.ErrForbidden
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)
