package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if poolInUse == nil || throttleWaitSeconds == nil || scrapeAttemptsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestPoolGauges(t *testing.T) {
	SetPoolSize(4)
	SetPoolInUse(3)
	SetPoolInUse(1)

	if val := testutil.ToFloat64(poolSize); val != 4 {
		t.Errorf("expected pool size 4, got %f", val)
	}
	if val := testutil.ToFloat64(poolInUse); val != 1 {
		t.Errorf("expected pool in use 1, got %f", val)
	}
}

func TestScrapeCounters(t *testing.T) {
	before := testutil.ToFloat64(scrapeAttemptsTotal.WithLabelValues("export", "ok"))
	ObserveScrapeAttempt("export", "ok")
	ObserveScrapeAttempt("export", "ok")
	ObserveRetry("import")
	ObserveThrottlePenalty("tradestat")
	ObserveThrottleWait("tradestat", 2*time.Second)

	if val := testutil.ToFloat64(scrapeAttemptsTotal.WithLabelValues("export", "ok")); val != before+2 {
		t.Errorf("expected %f attempts, got %f", before+2, val)
	}
	if val := testutil.ToFloat64(scrapeRetriesTotal.WithLabelValues("import")); val < 1 {
		t.Errorf("expected retry counted, got %f", val)
	}
	if val := testutil.ToFloat64(throttlePenaltiesTotal.WithLabelValues("tradestat")); val < 1 {
		t.Errorf("expected penalty counted, got %f", val)
	}
	if n := testutil.CollectAndCount(throttleWaitSeconds); n == 0 {
		t.Error("expected throttle wait histogram to be observed")
	}
}

func TestActiveWorkers(t *testing.T) {
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 1 {
		t.Errorf("expected 1 active worker, got %f", val)
	}
	DecActiveWorkers()
}
