package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/casc/internal/clock"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/internal/observability/metrics"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/store"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store     *store.Store
	Publisher realtime.Publisher `optional:"true"`
	Metrics   *metrics.Metrics   `optional:"true"`
	Clock     clock.Clock        `optional:"true"`
	Log       *zap.Logger
}

type Service struct {
	store     *store.Store
	publisher realtime.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(p Params) notificationdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		store:     p.Store,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		clock:     c,
		log:       p.Log.Named("notification.service"),
	}
}

// Notify persists the notification, then pushes it to the recipient's
// sessions. A push failure never undoes the write.
func (s *Service) Notify(ctx context.Context, tenantID snowflake.ID, req notificationdomain.NotifyRequest) (notificationdomain.Notification, error) {
	rows, err := s.notify(ctx, tenantID, []uuid.UUID{req.RecipientUserID}, req)
	if err != nil {
		return notificationdomain.Notification{}, err
	}
	return rows[0], nil
}

// NotifyManagers sends one notification to every active manager of the
// tenant.
func (s *Service) NotifyManagers(ctx context.Context, tenantID snowflake.ID, req notificationdomain.NotifyRequest) ([]notificationdomain.Notification, error) {
	managers, err := s.store.ListUserIDsByRoles(ctx, tenantID, tenantdomain.ManagerRoles())
	if err != nil {
		return nil, err
	}
	if len(managers) == 0 {
		return []notificationdomain.Notification{}, nil
	}
	return s.notify(ctx, tenantID, managers, req)
}

func (s *Service) notify(ctx context.Context, tenantID snowflake.ID, recipients []uuid.UUID, req notificationdomain.NotifyRequest) ([]notificationdomain.Notification, error) {
	req.Type = strings.TrimSpace(req.Type)
	req.Title = strings.TrimSpace(req.Title)
	if tenantID == 0 || req.Type == "" || req.Title == "" {
		return nil, notificationdomain.ErrInvalidRequest
	}
	if req.Priority == "" {
		req.Priority = notificationdomain.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, notificationdomain.ErrInvalidRequest
	}

	ttl := req.TTL
	if ttl <= 0 {
		tenant, err := s.store.GetTenant(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		ttl = tenant.Config.Data().NotificationTTL()
	}

	now := s.clock.Now().UTC()
	expires := now.Add(ttl)
	entropy := ulid.DefaultEntropy()
	rows := make([]notificationdomain.Notification, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient == uuid.Nil {
			return nil, notificationdomain.ErrInvalidRequest
		}
		rows = append(rows, notificationdomain.Notification{
			ID:              ulid.MustNew(ulid.Timestamp(now), entropy).String(),
			TenantID:        tenantID,
			RecipientUserID: recipient,
			Type:            req.Type,
			Title:           req.Title,
			Message:         req.Message,
			Priority:        req.Priority,
			RelatedEntity:   datatypes.NewJSONType(req.RelatedEntity),
			Metadata:        datatypes.JSONMap(req.Metadata),
			CreatedAt:       now,
			ExpiresAt:       &expires,
		})
	}
	if err := s.store.CreateNotifications(ctx, tenantID, rows); err != nil {
		return nil, err
	}

	for _, row := range rows {
		s.metrics.RecordNotification(ctx, row.Type, string(row.Priority))
		if s.publisher == nil {
			continue
		}
		s.publisher.Publish(ctx, tenantID, []uuid.UUID{row.RecipientUserID}, realtime.Event{
			Type: realtime.EventNotification,
			At:   row.CreatedAt,
			Data: row,
		})
	}
	return rows, nil
}

func (s *Service) List(ctx context.Context, p identitydomain.Principal, filter notificationdomain.ListNotificationFilter, page pagination.Page) (pagination.Result[notificationdomain.Notification], error) {
	if p.UserID == uuid.Nil {
		return pagination.Result[notificationdomain.Notification]{}, identitydomain.ErrForbidden
	}
	return s.store.ListNotifications(ctx, p.TenantID, p.UserID, filter, page)
}

func (s *Service) MarkRead(ctx context.Context, p identitydomain.Principal, id string) (notificationdomain.Notification, error) {
	id = strings.TrimSpace(id)
	if _, err := ulid.ParseStrict(id); err != nil {
		return notificationdomain.Notification{}, notificationdomain.ErrNotFound
	}
	if p.UserID == uuid.Nil {
		return notificationdomain.Notification{}, notificationdomain.ErrNotFound
	}
	return s.store.MarkNotificationRead(ctx, p.TenantID, p.UserID, id)
}

func (s *Service) UnreadCount(ctx context.Context, p identitydomain.Principal) (int64, error) {
	if p.UserID == uuid.Nil {
		return 0, nil
	}
	return s.store.CountUnread(ctx, p.TenantID, p.UserID)
}

// SweepExpired deletes expired notifications of every tenant.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	deleted, err := s.store.DeleteExpiredNotifications(ctx)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("expired notifications deleted",
			zap.Int64("count", deleted),
			zap.Duration("took", time.Since(start)),
		)
	}
	return deleted, nil
}
