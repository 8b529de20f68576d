package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/internal/notification/service"
	"github.com/smallbiznis/casc/internal/realtime"
	"github.com/smallbiznis/casc/internal/realtime/mock"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	f         *storetest.Fixture
	svc       notificationdomain.Service
	publisher *mock.MockPublisher
	tenant    tenantdomain.Tenant
	admin     tenantdomain.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := storetest.New(t)
	publisher := mock.NewMockPublisher(gomock.NewController(t))
	tenant, admin := f.Tenant(t, "acme", tenantdomain.TenantConfig{NotificationTTLHours: 2})
	return &harness{
		f:         f,
		publisher: publisher,
		tenant:    tenant,
		admin:     admin,
		svc: service.NewService(service.Params{
			Store:     f.Store,
			Publisher: publisher,
			Clock:     f.Clock,
			Log:       zap.NewNop(),
		}),
	}
}

func principal(u tenantdomain.User) identitydomain.Principal {
	return identitydomain.Principal{UserID: u.ID, TenantID: u.TenantID, Role: u.Role, Name: u.Name}
}

func TestNotifyPersistsAndPushes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seller := h.f.User(t, h.tenant.ID, "sam", tenantdomain.RoleSetter)

	h.publisher.EXPECT().
		Publish(gomock.Any(), h.tenant.ID, []uuid.UUID{seller.ID}, gomock.Any()).
		Do(func(_ context.Context, _ snowflake.ID, _ []uuid.UUID, event realtime.Event) {
			assert.Equal(t, realtime.EventNotification, event.Type)
		}).
		Times(1)

	n, err := h.svc.Notify(ctx, h.tenant.ID, notificationdomain.NotifyRequest{
		RecipientUserID: seller.ID,
		Type:            notificationdomain.TypeConversationAssigned,
		Title:           " New conversation ",
		RelatedEntity:   notificationdomain.RelatedEntity{Type: "conversation", ID: "+12015550100"},
	})
	require.NoError(t, err)
	assert.Len(t, n.ID, 26)
	assert.Equal(t, "New conversation", n.Title)
	assert.Equal(t, notificationdomain.PriorityMedium, n.Priority)
	require.NotNil(t, n.ExpiresAt)
	assert.Equal(t, storetest.Epoch.Add(2*time.Hour), n.ExpiresAt.UTC())

	count, err := h.svc.UnreadCount(ctx, principal(seller))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	read, err := h.svc.MarkRead(ctx, principal(seller), n.ID)
	require.NoError(t, err)
	assert.True(t, read.Read)
	count, err = h.svc.UnreadCount(ctx, principal(seller))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNotifyRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Notify(ctx, h.tenant.ID, notificationdomain.NotifyRequest{RecipientUserID: h.admin.ID, Type: "x"})
	assert.ErrorIs(t, err, notificationdomain.ErrInvalidRequest)
	_, err = h.svc.Notify(ctx, h.tenant.ID, notificationdomain.NotifyRequest{RecipientUserID: h.admin.ID, Type: "x", Title: "t", Priority: "urgent"})
	assert.ErrorIs(t, err, notificationdomain.ErrInvalidRequest)
	_, err = h.svc.Notify(ctx, h.tenant.ID, notificationdomain.NotifyRequest{Type: "x", Title: "t"})
	assert.ErrorIs(t, err, notificationdomain.ErrInvalidRequest)
}

func TestNotifyManagersAndRecipientIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	manager := h.f.User(t, h.tenant.ID, "mia", tenantdomain.RoleManager)
	seller := h.f.User(t, h.tenant.ID, "sam", tenantdomain.RoleSetter)
	h.publisher.EXPECT().Publish(gomock.Any(), h.tenant.ID, gomock.Any(), gomock.Any()).Times(2)

	rows, err := h.svc.NotifyManagers(ctx, h.tenant.ID, notificationdomain.NotifyRequest{
		Type:     notificationdomain.TypeNewLead,
		Title:    "New lead",
		Priority: notificationdomain.PriorityHigh,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	page := pagination.Page{Page: 1, PageSize: 10}
	mine, err := h.svc.List(ctx, principal(manager), notificationdomain.ListNotificationFilter{}, page)
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)

	none, err := h.svc.List(ctx, principal(seller), notificationdomain.ListNotificationFilter{}, page)
	require.NoError(t, err)
	assert.Empty(t, none.Items)

	_, err = h.svc.MarkRead(ctx, principal(seller), mine.Items[0].ID)
	assert.ErrorIs(t, err, notificationdomain.ErrNotFound, "another user's notification is not visible")
	_, err = h.svc.MarkRead(ctx, principal(seller), "garbage")
	assert.ErrorIs(t, err, notificationdomain.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()

	_, err := h.svc.Notify(ctx, h.tenant.ID, notificationdomain.NotifyRequest{RecipientUserID: h.admin.ID, Type: "x", Title: "short", TTL: time.Minute})
	require.NoError(t, err)
	_, err = h.svc.Notify(ctx, h.tenant.ID, notificationdomain.NotifyRequest{RecipientUserID: h.admin.ID, Type: "x", Title: "tenant ttl"})
	require.NoError(t, err)

	h.f.Clock.Advance(time.Hour)
	deleted, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	h.f.Clock.Advance(2 * time.Hour)
	deleted, err = h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
