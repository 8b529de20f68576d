package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/audit/masking"
	obscontext "github.com/smallbiznis/casc/internal/observability/context"
	"github.com/smallbiznis/casc/internal/store"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store *store.Store
	Log   *zap.Logger
}

type Service struct {
	store *store.Store
	log   *zap.Logger
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		store: p.Store,
		log:   p.Log.Named("audit.service"),
	}
}

// Record stores a configuration change attributed to the actor carried by
// ctx, or to the system when there is none.
func (s *Service) Record(ctx context.Context, tenantID snowflake.ID, entry auditdomain.Entry) error {
	if tenantID == 0 {
		return auditdomain.ErrInvalidTenant
	}
	action := strings.ToLower(strings.TrimSpace(entry.Action))
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	metadata := masking.MaskSensitive(entry.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		metadata["request_id"] = requestID
	}

	actorType, actorID := obscontext.ActorFromContext(ctx)
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}

	err := s.store.AppendAuditLog(ctx, auditdomain.AuditLog{
		TenantID:   tenantID,
		ActorType:  actorType,
		ActorID:    nonEmpty(actorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   nonEmpty(entry.TargetID),
		Metadata:   datatypes.JSONMap(metadata),
	})
	if err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("tenant_id", tenantID.String()),
			zap.String("action", action),
			zap.Error(err),
		)
	}
	return err
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if tenantID == 0 {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTenant
	}
	if req.Since != nil && req.Until != nil && !req.Since.Before(*req.Until) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidRange
	}
	cursor, err := decodeCursor(req.PageToken)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	limit := req.Limit()
	rows, err := s.store.ListAuditLogs(ctx, tenantID, auditdomain.ListFilter{
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		TargetType: strings.TrimSpace(req.TargetType),
		TargetID:   strings.TrimSpace(req.TargetID),
		ActorID:    strings.TrimSpace(req.ActorID),
		Since:      req.Since,
		Until:      req.Until,
		Cursor:     cursor,
		Limit:      limit,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, limit, encodeCursor)
	resp := auditdomain.ListAuditLogResponse{AuditLogs: make([]auditdomain.AuditLog, 0, len(rows))}
	for _, row := range rows {
		resp.AuditLogs = append(resp.AuditLogs, *row)
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func decodeCursor(token string) (*auditdomain.AuditCursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	decoded, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, auditdomain.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
	if err != nil {
		return nil, auditdomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
	if err != nil || id == 0 {
		return nil, auditdomain.ErrInvalidPageToken
	}
	return &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt}, nil
}

func encodeCursor(row *auditdomain.AuditLog) string {
	token, err := pagination.EncodeCursor(pagination.Cursor{
		ID:        row.ID.String(),
		CreatedAt: row.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return ""
	}
	return token
}

func nonEmpty(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
