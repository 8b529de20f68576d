package service_test

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/audit/service"
	obscontext "github.com/smallbiznis/casc/internal/observability/context"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordMasksSecretsAndCapturesActor(t *testing.T) {
	f := storetest.New(t)
	svc := service.NewService(service.Params{Store: f.Store, Log: zap.NewNop()})
	tenant, admin := f.Tenant(t, "acme", tenantdomain.DefaultTenantConfig())

	ctx := obscontext.WithActor(context.Background(), string(auditdomain.ActorTypeUser), admin.ID.String())
	ctx = obscontext.WithRequestID(ctx, "req-1")
	require.NoError(t, svc.Record(ctx, tenant.ID, auditdomain.Entry{
		Action:     " Credential.Stored ",
		TargetType: "credential",
		TargetID:   "whatsapp_app_secret",
		Metadata:   map[string]any{"app_secret": "s3cret-abcdef", "kind": "whatsapp"},
	}))

	resp, err := svc.List(context.Background(), tenant.ID, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	got := resp.AuditLogs[0]
	assert.Equal(t, "credential.stored", got.Action)
	assert.Equal(t, "user", got.ActorType)
	require.NotNil(t, got.ActorID)
	assert.Equal(t, admin.ID.String(), *got.ActorID)
	assert.Equal(t, "****cdef", got.Metadata["app_secret"])
	assert.Equal(t, "whatsapp", got.Metadata["kind"])
	assert.Equal(t, "req-1", got.Metadata["request_id"])

	assert.ErrorIs(t, svc.Record(ctx, tenant.ID, auditdomain.Entry{Action: " "}), auditdomain.ErrInvalidAction)
	assert.ErrorIs(t, svc.Record(ctx, 0, auditdomain.Entry{Action: "x"}), auditdomain.ErrInvalidTenant)
}

func TestListFiltersAndPages(t *testing.T) {
	f := storetest.New(t)
	svc := service.NewService(service.Params{Store: f.Store, Log: zap.NewNop()})
	tenant, admin := f.Tenant(t, "acme", tenantdomain.DefaultTenantConfig())
	other, _ := f.Tenant(t, "globex", tenantdomain.DefaultTenantConfig())

	start := f.Clock.Now()
	userCtx := obscontext.WithActor(context.Background(), "user", admin.ID.String())
	for _, action := range []string{"status.created", "status.updated", "tenant.config", "status.updated"} {
		require.NoError(t, svc.Record(userCtx, tenant.ID, auditdomain.Entry{Action: action, TargetType: "status"}))
		f.Clock.Advance(time.Second)
	}
	require.NoError(t, svc.Record(context.Background(), tenant.ID, auditdomain.Entry{Action: "status.created"}))
	require.NoError(t, svc.Record(context.Background(), other.ID, auditdomain.Entry{Action: "status.created"}))

	family, err := svc.List(context.Background(), tenant.ID, auditdomain.ListAuditLogRequest{Action: "status."})
	require.NoError(t, err)
	assert.Len(t, family.AuditLogs, 4)

	byActor, err := svc.List(context.Background(), tenant.ID, auditdomain.ListAuditLogRequest{ActorID: admin.ID.String()})
	require.NoError(t, err)
	assert.Len(t, byActor.AuditLogs, 4)

	since, until := start.Add(time.Second), start.Add(3*time.Second)
	window, err := svc.List(context.Background(), tenant.ID, auditdomain.ListAuditLogRequest{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, window.AuditLogs, 2)
	assert.Equal(t, "tenant.config", window.AuditLogs[0].Action)
	assert.Equal(t, "status.updated", window.AuditLogs[1].Action)

	_, err = svc.List(context.Background(), tenant.ID, auditdomain.ListAuditLogRequest{Since: &until, Until: &since})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidRange)

	var seen []string
	req := auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2}}
	for page := 0; page < 5; page++ {
		resp, err := svc.List(context.Background(), tenant.ID, req)
		require.NoError(t, err)
		for _, row := range resp.AuditLogs {
			seen = append(seen, row.ID.String())
		}
		if !resp.HasMore {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	assert.Len(t, seen, 5)

	_, err = svc.List(context.Background(), tenant.ID, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
