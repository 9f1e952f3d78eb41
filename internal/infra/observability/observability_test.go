package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveJob_CountsStatus(t *testing.T) {
	okBefore := testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "ok"))
	errBefore := testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "error"))

	ObserveJob("test-job", time.Now(), nil)
	ObserveJob("test-job", time.Now(), errors.New("boom"))
	ObserveJob("test-job", time.Now(), nil)

	if got := testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "ok")) - okBefore; got != 2 {
		t.Errorf("ok runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(JobRuns.WithLabelValues("test-job", "error")) - errBefore; got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
}

func TestLedgerAppends_Labels(t *testing.T) {
	before := testutil.ToFloat64(LedgerAppends.WithLabelValues("earn", "task_completion"))
	LedgerAppends.WithLabelValues("earn", "task_completion").Inc()
	if got := testutil.ToFloat64(LedgerAppends.WithLabelValues("earn", "task_completion")) - before; got != 1 {
		t.Errorf("appends delta = %v, want 1", got)
	}
}

func TestQueueDepth_Set(t *testing.T) {
	QueueDepth.Set(7)
	if got := testutil.ToFloat64(QueueDepth); got != 7 {
		t.Errorf("QueueDepth = %v, want 7", got)
	}
	QueueDepth.Set(0)
}
