package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("lead_id", "456"),
		attribute.String("phone", "+5491123456701"),
		attribute.String("provider", "whatsapp"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "lead_id" || attr.Key == "phone" {
			t.Fatalf("unexpected label %s retained", attr.Key)
		}
	}
}

func TestClassifyWorkerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, WorkerJobReasonDeadlineExceeded},
		{"db_lock_timeout", &pgconn.PgError{Code: "55P03"}, WorkerJobReasonDBLockTimeout},
		{"serialization_failure", &pgconn.PgError{Code: "40001"}, WorkerJobReasonSerializationFailure},
		{"unique_violation", gorm.ErrDuplicatedKey, WorkerJobReasonUniqueViolation},
		{"unknown", errors.New("boom"), WorkerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyWorkerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestWorkerMetricsBatchAndState(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newWorkerMetrics(registry, Config{ServiceName: "casc", Environment: "test"})

	m.AddBatchProcessed("dispatch_outbox", "outbox_events", 3)
	m.AddBatchProcessed("dispatch_outbox", "outbox_events", 0)
	m.ObserveRunLoopLag(-time.Second)
	m.SetState("running", []string{"stopped", "starting", "running", "draining"})

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("dispatch_outbox", "outbox_events")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("running")); got != 1 {
		t.Fatalf("expected running gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("expected stopped gauge 0, got %v", got)
	}
}

func TestStatusClass(t *testing.T) {
	if got := statusClass(404); got != "4xx" {
		t.Fatalf("expected 4xx, got %s", got)
	}
	if got := statusClass(0); got != "unknown" {
		t.Fatalf("expected unknown, got %s", got)
	}
}
