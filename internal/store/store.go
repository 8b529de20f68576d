// Package store is the only component that touches the database. Every
// method takes the tenant explicitly and scopes each statement by it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/casc/internal/audit/domain"
	"github.com/smallbiznis/casc/internal/clock"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"github.com/smallbiznis/casc/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Module = fx.Module("store",
	fx.Provide(New),
	fx.Provide(NewTenantGuard),
)

// OutboxChannel is the postgres NOTIFY channel signalled on new outbox rows.
const OutboxChannel = "casc_outbox"

// TenantScopedTables lists every table whose statements must filter by
// tenant_id. tenants, provider_bindings and inbound_receipts are resolved
// across tenants and are not listed.
var TenantScopedTables = []string{
	"users",
	"sellers",
	"leads",
	"status_defs",
	"transitions",
	"status_history",
	"triggers",
	"trigger_logs",
	"chat_messages",
	"assignment_rules",
	"notifications",
	"outbox_events",
	"credentials",
	"audit_logs",
}

// Models returns every persisted model, in dependency order.
func Models() []any {
	return []any{
		&tenantdomain.Tenant{},
		&tenantdomain.User{},
		&tenantdomain.Seller{},
		&leaddomain.Lead{},
		&leaddomain.StatusDef{},
		&leaddomain.Transition{},
		&leaddomain.StatusHistory{},
		&leaddomain.OutboxEvent{},
		&conversationdomain.ChatMessage{},
		&assignmentdomain.AssignmentRule{},
		&triggerdomain.Trigger{},
		&triggerdomain.TriggerLog{},
		&notificationdomain.Notification{},
		&identitydomain.Credential{},
		&ingressdomain.ProviderBinding{},
		&ingressdomain.InboundReceipt{},
		&auditdomain.AuditLog{},
	}
}

// NewTenantGuard builds the guard plugin for TenantScopedTables. It is only
// installed when db.Config.TenantGuard is set.
func NewTenantGuard() *db.TenantGuard {
	return db.NewTenantGuard("tenant_id", TenantScopedTables...)
}

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
	Log   *zap.Logger
}

type Store struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
	log   *zap.Logger
}

func New(p Params) *Store {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Store{
		db:    p.DB,
		genID: p.GenID,
		clock: c,
		log:   log.Named("store"),
	}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return db.Ping(ctx, s.db)
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Store) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

const maxTxAttempts = 3

// inTx runs fn in a transaction pinned to tenantID. Lock timeouts,
// serialization failures and deadlocks are retried.
func (s *Store) inTx(ctx context.Context, tenantID snowflake.ID, fn func(tx *gorm.DB) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := rls.WithTenant(tx, int64(tenantID)); err != nil {
				return err
			}
			return fn(tx)
		})
		if err != nil && !db.IsRetryableTxErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxTxAttempts))
	return err
}

func (s *Store) read(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
