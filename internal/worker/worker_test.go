package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/casc/internal/config"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationservice "github.com/smallbiznis/casc/internal/notification/service"
	"github.com/smallbiznis/casc/internal/realtime/mock"
	"github.com/smallbiznis/casc/internal/store/storetest"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/internal/trigger/dispatcher"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	batches []int
	calls   atomic.Int32
	err     error
}

func (f *fakeDispatcher) DispatchPending(ctx context.Context) (int, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

type fakeSweeper struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSweeper) SweepExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, f.err
}

type chanWaker struct {
	ch     chan struct{}
	closed atomic.Bool
}

func (w *chanWaker) Start(context.Context) (<-chan struct{}, error) { return w.ch, nil }
func (w *chanWaker) Close() error {
	w.closed.Store(true)
	return nil
}

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{DispatchInterval: time.Hour, GCInterval: time.Hour, BatchSize: 2}
}

func TestRunOnceDrainsFullBatches(t *testing.T) {
	d := &fakeDispatcher{batches: []int{2, 2, 1, 2}}
	s := &fakeSweeper{}
	w := newWorker(testConfig(), d, s, nil, nil, nil, zap.NewNop())

	require.NoError(t, w.RunOnce(context.Background()))
	assert.EqualValues(t, 3, d.calls.Load(), "stops after the first short batch")
	assert.EqualValues(t, 1, s.calls.Load())
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("db down")}
	s := &fakeSweeper{err: errors.New("sweep failed")}
	w := newWorker(testConfig(), d, s, nil, nil, nil, zap.NewNop())

	err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobDispatchOutbox+": db down")
	assert.Contains(t, err.Error(), JobNotificationGC+": sweep failed")
}

func TestRunJobSwallowsTimeouts(t *testing.T) {
	w := newWorker(testConfig(), &fakeDispatcher{}, &fakeSweeper{}, nil, nil, nil, zap.NewNop())
	err := w.runJob(context.Background(), "slow", time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}

func TestLifecycleStates(t *testing.T) {
	d := &fakeDispatcher{}
	waker := &chanWaker{ch: make(chan struct{}, 1)}
	w := newWorker(testConfig(), d, &fakeSweeper{}, waker, nil, nil, zap.NewNop())
	assert.Equal(t, StateStopped, w.State())

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, StateRunning, w.State())
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)

	waker.ch <- struct{}{}
	assert.Eventually(t, func() bool { return d.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, StateStopped, w.State())
	assert.True(t, waker.closed.Load())
	require.NoError(t, w.Stop(ctx))
}

func TestRunOnceDeliversOutboxEvents(t *testing.T) {
	f := storetest.New(t)
	ctx := context.Background()
	tenant, _ := f.Tenant(t, "acme", tenantdomain.DefaultTenantConfig())

	raw := datatypes.JSON(`{"action":"add_tag","params":{"tag":"engaged"}}`)
	require.NoError(t, f.Store.CreateTrigger(ctx, triggerdomain.Trigger{
		ID:           f.Node.Generate(),
		TenantID:     tenant.ID,
		OnStatusCode: "contacted",
		ActionType:   triggerdomain.ActionInternal,
		Config:       raw,
		Active:       true,
		CreatedAt:    f.Clock.Now(),
		UpdatedAt:    f.Clock.Now(),
	}))
	lead, _, err := f.Store.UpsertLeadByPhone(ctx, tenant.ID, "+12015550100", leaddomain.LeadSeed{Source: "whatsapp"})
	require.NoError(t, err)
	_, err = f.Store.ApplyStatusChange(ctx, tenant.ID, lead.ID, leaddomain.StatusChange{
		To:     "contacted",
		Actor:  leaddomain.Actor{Name: "tester"},
		Source: leaddomain.SourceManual,
	})
	require.NoError(t, err)

	d := dispatcher.New(dispatcher.Params{Store: f.Store, GenID: f.Node, Clock: f.Clock, Log: zap.NewNop()})
	notifications := notificationservice.NewService(notificationservice.Params{
		Store:     f.Store,
		Publisher: mock.NewMockPublisher(gomock.NewController(t)),
		Clock:     f.Clock,
		Log:       zap.NewNop(),
	})
	w := New(Params{
		Config:        config.Config{Worker: testConfig()},
		Dispatcher:    d,
		Notifications: notifications,
		GenID:         f.Node,
		Clock:         f.Clock,
		Log:           zap.NewNop(),
	})
	require.NoError(t, w.RunOnce(ctx))

	current, err := f.Store.GetLead(ctx, tenant.ID, lead.ID)
	require.NoError(t, err)
	assert.Contains(t, []string(current.Tags), "engaged")
	pending, err := f.Store.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
