package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	"github.com/smallbiznis/casc/internal/clock"
	"github.com/smallbiznis/casc/internal/config"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	"github.com/smallbiznis/casc/internal/observability/metrics"
	"github.com/smallbiznis/casc/internal/store"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 8
	outboxLease        = time.Minute
	outboxMaxAttempts  = 20
	outboxRetryAfter   = 30 * time.Second
)

type Params struct {
	fx.In

	Config     config.Config
	Store      *store.Store
	Assignment assignmentdomain.Service   `optional:"true"`
	Notifier   notificationdomain.Service `optional:"true"`
	Metrics    *metrics.Metrics           `optional:"true"`
	GenID      *snowflake.Node
	Clock      clock.Clock `optional:"true"`
	Log        *zap.Logger
}

// Dispatcher delivers the side effects of status changes recorded in the
// outbox. Every trigger dispatch is independent: a failing webhook is logged
// and never blocks the other triggers of the event.
type Dispatcher struct {
	store      *store.Store
	assignment assignmentdomain.Service
	notifier   notificationdomain.Service
	metrics    *metrics.Metrics
	genID      *snowflake.Node
	clock      clock.Clock
	log        *zap.Logger

	client        *http.Client
	timeout       time.Duration
	batchSize     int
	concurrency   int
	maxAttempts   uint
	retryInterval time.Duration
}

func New(p Params) *Dispatcher {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	batch := p.Config.Worker.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	concurrency := p.Config.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	timeout := p.Config.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:         p.Store,
		assignment:    p.Assignment,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		genID:         p.GenID,
		clock:         c,
		log:           p.Log.Named("trigger.dispatcher"),
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
		batchSize:     batch,
		concurrency:   concurrency,
		maxAttempts:   2,
		retryInterval: 500 * time.Millisecond,
	}
}

// DispatchPending claims a batch of undelivered outbox events and dispatches
// them. It returns the number of events marked delivered. Each event's lease
// is renewed right before its dispatch; an event another worker re-claimed
// in the meantime is skipped.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	lease := d.eventLease()
	events, err := d.store.ClaimOutbox(ctx, d.batchSize, lease, outboxMaxAttempts)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		held, err := d.store.RenewOutboxLease(ctx, event, lease)
		if err != nil {
			return delivered, err
		}
		if !held {
			d.log.Info("outbox event lease lost, skipping",
				zap.String("event_id", event.ID.String()),
				zap.String("tenant_id", event.TenantID.String()),
			)
			continue
		}
		if err := d.DispatchEvent(ctx, event); err != nil {
			d.log.Warn("outbox event dispatch failed",
				zap.String("event_id", event.ID.String()),
				zap.String("tenant_id", event.TenantID.String()),
				zap.Int("attempts", event.Attempts),
				zap.Error(err),
			)
			if markErr := d.store.MarkOutboxFailed(ctx, event.TenantID, event.ID, err, outboxRetryAfter); markErr != nil {
				return delivered, markErr
			}
			continue
		}
		if err := d.store.MarkOutboxDispatched(ctx, event.TenantID, event.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// eventLease covers the slowest dispatch of one event: every trigger wave
// exhausting its attempts at the client timeout, plus the backoff between
// them.
func (d *Dispatcher) eventLease() time.Duration {
	attempts := time.Duration(max(d.maxAttempts, 1))
	worst := attempts*d.timeout + attempts*2*d.retryInterval
	return max(outboxLease, 2*worst)
}

// DispatchEvent fires the active triggers of the status entered by event on
// a bounded pool. Only infrastructure failures are returned; trigger
// failures end up in the trigger log.
func (d *Dispatcher) DispatchEvent(ctx context.Context, event leaddomain.OutboxEvent) error {
	if event.Kind != leaddomain.EventStatusChanged {
		return nil
	}
	var changed leaddomain.StatusChanged
	if err := json.Unmarshal(event.Payload, &changed); err != nil {
		// a malformed payload never becomes deliverable
		d.log.Error("dropping malformed outbox event", zap.String("event_id", event.ID.String()), zap.Error(err))
		return nil
	}
	triggers, err := d.store.ActiveTriggersFor(ctx, event.TenantID, changed.To)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return nil
	}
	lead, err := d.store.GetLead(ctx, event.TenantID, event.LeadID)
	if errors.Is(err, leaddomain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	payload := triggerdomain.WebhookPayload{
		Event:          leaddomain.EventStatusChanged,
		TenantID:       event.TenantID.String(),
		LeadID:         event.LeadID.String(),
		PreviousStatus: changed.From,
		NewStatus:      changed.To,
		LeadSnapshot:   lead,
		OccurredAt:     changed.At,
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, trigger := range triggers {
		g.Go(func() error {
			return d.fire(ctx, event.ID, trigger, lead, payload)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) fire(ctx context.Context, eventID snowflake.ID, trigger triggerdomain.Trigger, lead leaddomain.Lead, payload triggerdomain.WebhookPayload) error {
	cfg, err := trigger.Decode()
	if err != nil {
		return d.appendLog(ctx, trigger, lead, eventID, 1, attemptResult{status: triggerdomain.LogFailed, response: err.Error()}, payload)
	}
	switch c := cfg.(type) {
	case triggerdomain.WebhookConfig:
		return d.deliverWithRetry(ctx, eventID, trigger, lead, c, payload)
	case triggerdomain.InternalConfig:
		res := d.runInternal(ctx, trigger, lead, c)
		return d.appendLog(ctx, trigger, lead, eventID, 1, res, payload)
	default:
		return fmt.Errorf("unsupported trigger config %T", cfg)
	}
}

type attemptResult struct {
	status     triggerdomain.LogStatus
	httpStatus *int
	response   string
	duration   time.Duration
	retryable  bool
	timeout    bool
}

func (d *Dispatcher) appendLog(ctx context.Context, trigger triggerdomain.Trigger, lead leaddomain.Lead, eventID snowflake.ID, attempt int, res attemptResult, payload triggerdomain.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return d.store.AppendTriggerLog(ctx, triggerdomain.TriggerLog{
		ID:         d.genID.Generate(),
		TriggerID:  trigger.ID,
		TenantID:   trigger.TenantID,
		LeadID:     lead.ID,
		EventID:    eventID,
		Attempt:    attempt,
		Status:     res.status,
		HTTPStatus: res.httpStatus,
		Payload:    datatypes.JSON(body),
		Response:   truncate(res.response),
		DurationMS: res.duration.Milliseconds(),
		CreatedAt:  d.clock.Now().UTC(),
	})
}
