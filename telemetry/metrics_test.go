package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent

	if Polls == nil || QualityProbes == nil || RecordingsFinished == nil || TokenCreations == nil {
		t.Fatal("counter vectors not initialized")
	}
	if PollDuration == nil {
		t.Error("PollDuration histogram not initialized")
	}
	if LiveChannels == nil || ActiveRecordings == nil {
		t.Error("gauges not initialized")
	}
}

func TestRecordingGaugeTracksLifecycle(t *testing.T) {
	Init()
	before := testutil.ToFloat64(ActiveRecordings)
	startedBefore := testutil.ToFloat64(RecordingsStarted)

	RecordingStarted()
	RecordingStarted()
	RecordingFinished("ok")

	if got := testutil.ToFloat64(ActiveRecordings) - before; got != 1 {
		t.Errorf("active recordings delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RecordingsStarted) - startedBefore; got != 2 {
		t.Errorf("started delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RecordingsFinished.WithLabelValues("ok")); got < 1 {
		t.Errorf("finished{ok} = %v, want >= 1", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	Init()
	tests := []struct {
		name string
		vec  *prometheus.CounterVec
		inc  func()
		lbl  string
	}{
		{"poll", Polls, func() { RecordPoll("ok") }, "ok"},
		{"probe", QualityProbes, func() { RecordProbe("miss") }, "miss"},
		{"token", TokenCreations, func() { RecordTokenCreation("error") }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(tt.vec.WithLabelValues(tt.lbl))
			tt.inc()
			if got := testutil.ToFloat64(tt.vec.WithLabelValues(tt.lbl)) - before; got != 1 {
				t.Errorf("%s delta = %v, want 1", tt.name, got)
			}
		})
	}
}

func TestSimpleCountersAndGauges(t *testing.T) {
	Init()
	waits := testutil.ToFloat64(RateLimitWaits)
	downs := testutil.ToFloat64(QualityDowngrades)

	IncRateLimitWaits()
	IncDowngrades()
	SetLiveChannels(3)

	if testutil.ToFloat64(RateLimitWaits)-waits != 1 {
		t.Error("rate limit waits not incremented")
	}
	if testutil.ToFloat64(QualityDowngrades)-downs != 1 {
		t.Error("downgrades not incremented")
	}
	if got := testutil.ToFloat64(LiveChannels); got != 3 {
		t.Errorf("live channels = %v, want 3", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func pollSamples(t *testing.T) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := PollDuration.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestTimePollObservesPollDuration(t *testing.T) {
	Init()
	before := pollSamples(t)
	ran := false
	TimePoll(func() { ran = true })
	if !ran {
		t.Fatal("TimePoll did not run fn")
	}
	if got := pollSamples(t); got != before+1 {
		t.Errorf("poll duration samples = %d, want %d", got, before+1)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Fatalf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Fatalf("GetCorrelation = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("LoggerWithCorr returned nil")
	}
}
