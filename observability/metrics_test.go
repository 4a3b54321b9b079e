package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bobvault/core/events"
)

func TestLendingMetricsOutcomes(t *testing.T) {
	m := Lending()
	m.Observe("deposit", time.Millisecond, nil, nil)
	m.Observe("deposit", time.Millisecond, errors.New("boom"), func(error) string { return "rejected" })
	m.Observe("deposit", time.Millisecond, errors.New("boom"), nil)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "success")); got != 1 {
		t.Fatalf("expected one success, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "rejected")); got != 1 {
		t.Fatalf("expected one rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "error")); got != 1 {
		t.Fatalf("expected one error, got %v", got)
	}

	m.RecordTotals(big.NewInt(1_000_000), nil)
	if got := testutil.ToFloat64(m.totalDeposits); got != 1_000_000 {
		t.Fatalf("unexpected deposits gauge %v", got)
	}
	if got := testutil.ToFloat64(m.outstandingDebt); got != 0 {
		t.Fatalf("unexpected debt gauge %v", got)
	}

	var nilMetrics *LendingMetrics
	nilMetrics.Observe("deposit", time.Second, nil, nil)
	nilMetrics.SetPendingDeposits(3)
}

func TestEventMetricsCountTypes(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.emitted.WithLabelValues(events.TypeLoanFulfilled))
	m.Emit(events.LoanFulfilled{ID: 1})
	m.Emit(nil)
	if got := testutil.ToFloat64(m.emitted.WithLabelValues(events.TypeLoanFulfilled)); got != before+1 {
		t.Fatalf("expected counter to advance by one, got %v", got-before)
	}
}
