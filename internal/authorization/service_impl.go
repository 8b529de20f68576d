package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const roleSeller = "role:seller"

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// Authorize checks the principal's role against the seeded role policies.
// Ownership rules (a seller acting on their own conversations) are enforced
// by the calling service.
func (s *ServiceImpl) Authorize(ctx context.Context, p identitydomain.Principal, object string, action string) error {
	if p.TenantID == 0 || (p.Role != tenantdomain.RoleSystem && !p.Role.Valid()) {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(subjectFor(p.Role), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, p, object, action)
		return ErrForbidden
	}
	return nil
}

func subjectFor(role tenantdomain.Role) string {
	return "role:" + strings.ToLower(string(role))
}

func (s *ServiceImpl) auditDenied(ctx context.Context, p identitydomain.Principal, object string, action string) {
	s.log.Debug("capability denied",
		zap.String("tenant_id", p.TenantID.String()),
		zap.String("role", string(p.Role)),
		zap.String("object", object),
		zap.String("action", action),
	)
	if s.auditSvc == nil {
		return
	}
	metadata := map[string]any{
		"object": object,
		"action": action,
		"role":   string(p.Role),
	}
	if p.UserID != uuid.Nil {
		metadata["user_id"] = p.UserID.String()
	}
	if err := s.auditSvc.Record(ctx, p.TenantID, auditdomain.Entry{
		Action:     "authorization.denied",
		TargetType: "authorization",
		TargetID:   object + "." + action,
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("failed to audit denied capability", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Managers see and configure the whole tenant.
		{"role:manager", ObjectLead, ActionRead},
		{"role:manager", ObjectLead, ActionWrite},
		{"role:manager", ObjectConversation, ActionRead},
		{"role:manager", ObjectConversation, ActionAssign},
		{"role:manager", ObjectConversation, ActionAssignSelf},
		{"role:manager", ObjectStatusConfig, ActionRead},
		{"role:manager", ObjectStatusConfig, ActionConfigure},
		{"role:manager", ObjectRule, ActionRead},
		{"role:manager", ObjectRule, ActionConfigure},
		{"role:manager", ObjectTrigger, ActionRead},
		{"role:manager", ObjectTrigger, ActionConfigure},
		{"role:manager", ObjectNotification, ActionRead},
		{"role:manager", ObjectSeller, ActionRead},
		{"role:manager", ObjectSeller, ActionConfigure},
		{"role:manager", ObjectTenant, ActionRead},
		{"role:manager", ObjectAuditLog, ActionRead},

		// Admin only
		{"role:admin", ObjectCredential, ActionConfigure},
		{"role:admin", ObjectTenant, ActionConfigure},

		// Sellers work their own pipeline.
		{roleSeller, ObjectLead, ActionRead},
		{roleSeller, ObjectLead, ActionWrite},
		{roleSeller, ObjectConversation, ActionRead},
		{roleSeller, ObjectConversation, ActionAssignSelf},
		{roleSeller, ObjectStatusConfig, ActionRead},
		{roleSeller, ObjectNotification, ActionRead},

		{"role:secretary", ObjectLead, ActionRead},
		{"role:secretary", ObjectLead, ActionWrite},
		{"role:secretary", ObjectConversation, ActionRead},
		{"role:secretary", ObjectStatusConfig, ActionRead},
		{"role:secretary", ObjectNotification, ActionRead},

		// Ingress and the background worker
		{"role:system", ObjectLead, ActionRead},
		{"role:system", ObjectLead, ActionWrite},
		{"role:system", ObjectConversation, ActionRead},
		{"role:system", ObjectConversation, ActionAssign},
		{"role:system", ObjectStatusConfig, ActionRead},
		{"role:system", ObjectRule, ActionRead},
		{"role:system", ObjectTrigger, ActionRead},
		{"role:system", ObjectNotification, ActionWrite},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	groupings := [][]string{
		{"role:admin", "role:manager"},
		{"role:ceo", "role:manager"},
		{"role:setter", roleSeller},
		{"role:closer", roleSeller},
		{"role:professional", roleSeller},
	}
	for _, grouping := range groupings {
		if _, err := enforcer.AddGroupingPolicy(grouping); err != nil {
			return err
		}
	}
	return nil
}
