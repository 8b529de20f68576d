package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/clock"
	"github.com/smallbiznis/casc/internal/config"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	obscontext "github.com/smallbiznis/casc/internal/observability/context"
	obslogger "github.com/smallbiznis/casc/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/casc/internal/observability/metrics"
	"github.com/smallbiznis/casc/internal/trigger/dispatcher"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

var allStates = []string{string(StateStopped), string(StateStarting), string(StateRunning), string(StateDraining)}

const (
	JobDispatchOutbox  = "dispatch_outbox"
	JobNotificationGC  = "notification_gc"
	dispatchJobTimeout = 30 * time.Second
	gcJobTimeout       = 2 * time.Minute
	// dispatch rounds per tick while full batches keep coming back
	maxDrainRounds = 10
)

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrNotRunning     = errors.New("worker is not running")
)

// Dispatcher drains the outbox. It is satisfied by *dispatcher.Dispatcher.
type Dispatcher interface {
	DispatchPending(ctx context.Context) (int, error)
}

// Sweeper deletes expired notifications.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type Params struct {
	fx.In

	Config        config.Config
	Dispatcher    *dispatcher.Dispatcher
	Notifications notificationdomain.Service
	Waker         Waker `optional:"true"`
	GenID         *snowflake.Node
	Clock         clock.Clock `optional:"true"`
	Log           *zap.Logger
}

// Worker runs the background jobs of the process on fixed intervals.
// The outbox job is also run early when the Waker signals new rows.
type Worker struct {
	dispatcher Dispatcher
	sweeper    Sweeper
	waker      Waker
	genID      *snowflake.Node
	clock      clock.Clock
	log        *zap.Logger
	metrics    *obsmetrics.WorkerMetrics

	dispatchInterval time.Duration
	gcInterval       time.Duration
	batchSize        int

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func New(p Params) *Worker {
	return newWorker(p.Config.Worker, p.Dispatcher, p.Notifications, p.Waker, p.GenID, p.Clock, p.Log)
}

func newWorker(cfg config.WorkerConfig, d Dispatcher, s Sweeper, waker Waker, genID *snowflake.Node, c clock.Clock, log *zap.Logger) *Worker {
	if c == nil {
		c = clock.SystemClock{}
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 2 * time.Second
	}
	if cfg.GCInterval <= 0 || cfg.GCInterval > time.Hour {
		cfg.GCInterval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	w := &Worker{
		dispatcher:       d,
		sweeper:          s,
		waker:            waker,
		genID:            genID,
		clock:            c,
		log:              log.Named("worker").With(zap.String("component", "worker")),
		metrics:          obsmetrics.Worker(),
		dispatchInterval: cfg.DispatchInterval,
		gcInterval:       cfg.GCInterval,
		batchSize:        cfg.BatchSize,
		state:            StateStopped,
	}
	w.metrics.SetState(string(StateStopped), allStates)
	return w
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.state = s
	w.metrics.SetState(string(s), allStates)
	w.log.Info("worker state changed", zap.String("state", string(s)))
}

// Start launches the run loop. The loop outlives ctx; Stop ends it.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateStopped {
		return ErrAlreadyStarted
	}
	w.setState(StateStarting)

	var wake <-chan struct{}
	if w.waker != nil {
		ch, err := w.waker.Start(ctx)
		if err != nil {
			// polling alone keeps the outbox moving
			w.log.Warn("outbox listener unavailable, polling only", zap.Error(err))
		} else {
			wake = ch
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx, wake, w.done)

	w.setState(StateRunning)
	return nil
}

// Stop drains the in-flight job and waits for the loop to exit or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.setState(StateDraining)
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if w.waker != nil {
		if closeErr := w.waker.Close(); closeErr != nil {
			w.log.Warn("failed to close outbox listener", zap.Error(closeErr))
		}
	}

	w.mu.Lock()
	w.setState(StateStopped)
	w.mu.Unlock()
	return err
}

func (w *Worker) run(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	dispatchTicker := time.NewTicker(w.dispatchInterval)
	defer dispatchTicker.Stop()
	gcTicker := time.NewTicker(w.gcInterval)
	defer gcTicker.Stop()

	nextRun := w.clock.Now().Add(w.dispatchInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			if lag := w.clock.Now().Sub(nextRun); lag > 0 {
				w.metrics.ObserveRunLoopLag(lag)
			}
			nextRun = w.clock.Now().Add(w.dispatchInterval)
			w.logFailure(w.runJob(ctx, JobDispatchOutbox, dispatchJobTimeout, w.dispatchOutbox))
		case <-wake:
			w.logFailure(w.runJob(ctx, JobDispatchOutbox, dispatchJobTimeout, w.dispatchOutbox))
		case <-gcTicker.C:
			w.logFailure(w.runJob(ctx, JobNotificationGC, gcJobTimeout, w.sweepNotifications))
		}
	}
}

// RunOnce runs every job a single time.
func (w *Worker) RunOnce(ctx context.Context) error {
	return errors.Join(
		w.runJob(ctx, JobDispatchOutbox, dispatchJobTimeout, w.dispatchOutbox),
		w.runJob(ctx, JobNotificationGC, gcJobTimeout, w.sweepNotifications),
	)
}

func (w *Worker) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := w.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	ctx = obscontext.WithActor(ctx, "system", "worker")

	runID := name
	if w.genID != nil {
		runID = w.genID.Generate().String()
	}
	log := obslogger.WithContext(ctx, w.log).With(zap.String("job", name), zap.String("run_id", runID))
	w.metrics.IncJobRun(name)

	err := fn(ctx)
	w.metrics.ObserveJobDuration(name, w.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	w.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		w.metrics.IncJobTimeout(name)
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (w *Worker) dispatchOutbox(ctx context.Context) error {
	total := 0
	defer func() {
		w.metrics.SetOutboxClaimed(total)
		w.metrics.AddBatchProcessed(JobDispatchOutbox, "outbox_event", total)
	}()
	for round := 0; round < maxDrainRounds; round++ {
		n, err := w.dispatcher.DispatchPending(ctx)
		total += n
		if err != nil {
			return err
		}
		if n < w.batchSize {
			return nil
		}
	}
	return nil
}

func (w *Worker) sweepNotifications(ctx context.Context) error {
	deleted, err := w.sweeper.SweepExpired(ctx)
	if err != nil {
		return err
	}
	w.metrics.AddBatchProcessed(JobNotificationGC, "notification", int(deleted))
	if deleted > 0 {
		w.log.Info("expired notifications swept", zap.Int64("deleted", deleted))
	}
	return nil
}

func (w *Worker) logFailure(err error) {
	if err != nil {
		w.log.Warn("worker job failed", zap.Error(err))
	}
}
