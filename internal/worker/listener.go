package worker

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/smallbiznis/casc/internal/store"
	"github.com/smallbiznis/casc/pkg/db"
	"go.uber.org/zap"
)

// Waker signals that new work may be pending ahead of the next tick.
type Waker interface {
	Start(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

const (
	listenerMinReconnect = time.Second
	listenerMaxReconnect = time.Minute
	listenerPing         = 90 * time.Second
)

// PQWaker listens on the outbox NOTIFY channel.
type PQWaker struct {
	dsn      string
	log      *zap.Logger
	listener *pq.Listener
	done     chan struct{}
}

// NewPQWaker returns nil for non-postgres databases.
func NewPQWaker(cfg db.Config, log *zap.Logger) Waker {
	if !cfg.IsPostgres() {
		return nil
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = db.PostgresDSN(cfg)
	}
	return &PQWaker{dsn: dsn, log: log.Named("worker.listener")}
}

func (w *PQWaker) Start(_ context.Context) (<-chan struct{}, error) {
	w.listener = pq.NewListener(w.dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			w.log.Warn("outbox listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := w.listener.Listen(store.OutboxChannel); err != nil {
		_ = w.listener.Close()
		w.listener = nil
		return nil, err
	}

	out := make(chan struct{}, 1)
	w.done = make(chan struct{})
	go func() {
		ticker := time.NewTicker(listenerPing)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case _, ok := <-w.listener.Notify:
				if !ok {
					return
				}
				// a nil notification follows a reconnect and wakes the loop too
				select {
				case out <- struct{}{}:
				default:
				}
			case <-ticker.C:
				go func() { _ = w.listener.Ping() }()
			}
		}
	}()
	return out, nil
}

func (w *PQWaker) Close() error {
	if w.listener == nil {
		return nil
	}
	close(w.done)
	return w.listener.Close()
}
