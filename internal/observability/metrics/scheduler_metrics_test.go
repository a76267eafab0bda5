package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/playmaker/internal/authorization"
	paymentdomain "github.com/smallbiznis/playmaker/internal/payment/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  fmt.Errorf("sweep: %w", authorization.ErrForbidden),
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "gateway",
			err:  &paymentdomain.GatewayError{Op: "get_invoice", Status: 502, Err: errors.New("bad gateway")},
			want: SchedulerJobReasonGateway,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(&paymentdomain.GatewayError{Op: "auth", Err: errors.New("timeout")}) {
		t.Fatal("expected gateway errors to be retryable")
	}
	if IsSchedulerErrorRetryable(authorization.ErrForbidden) {
		t.Fatal("expected forbidden to be terminal")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "playmaker",
		Environment: "test",
	})

	metrics.AddBatchProcessed("reconcile_sweep", SweepResourceChecked, 3)
	metrics.AddBatchProcessed("reconcile_sweep", SweepResourceUpdated, 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("reconcile_sweep", SweepResourceChecked))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if n := testutil.CollectAndCount(metrics.batchProcessed); n != 1 {
		t.Fatalf("expected zero counts to be skipped, got %d series", n)
	}
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("reconcile_sweep")
	m.IncLockOutcome("reconcile_sweep", LockOutcomeHeld)
	m.ObserveRunLoopLag(-1)
}
