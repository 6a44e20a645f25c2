// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	Polls              *prometheus.CounterVec
	QualityProbes      *prometheus.CounterVec
	QualityDowngrades  prometheus.Counter
	RecordingsStarted  prometheus.Counter
	RecordingsFinished *prometheus.CounterVec
	TokenCreations     *prometheus.CounterVec
	RateLimitWaits     prometheus.Counter

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	LiveChannels     prometheus.Gauge
	ActiveRecordings prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Polls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livecheck_polls_total", Help: "Liveness queries by outcome"}, []string{"result"})
		QualityProbes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livecheck_quality_probes_total", Help: "Quality probes by outcome (hit, miss, error)"}, []string{"result"})
		QualityDowngrades = promauto.NewCounter(prometheus.CounterOpts{Name: "livecheck_quality_downgrades_total", Help: "Sessions started at best after the desired quality never appeared"})
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "livecheck_recordings_started_total", Help: "Capture processes launched"})
		RecordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livecheck_recordings_finished_total", Help: "Capture processes reaped by outcome"}, []string{"outcome"})
		TokenCreations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "livecheck_token_creations_total", Help: "App access token creation attempts by outcome"}, []string{"result"})
		RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{Name: "livecheck_rate_limit_waits_total", Help: "Times the loop blocked on a Helix rate limit"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecheck_poll_duration_seconds",
			Help:    "Liveness query duration seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		})
		LiveChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "livecheck_live_channels", Help: "Channels reported live by the last liveness query"})
		ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{Name: "livecheck_active_recordings", Help: "Capture processes currently running"})
	})
}

// RecordPoll counts one liveness query by outcome.
func RecordPoll(result string) {
	if Polls != nil {
		Polls.WithLabelValues(result).Inc()
	}
}

// RecordProbe counts one quality probe.
func RecordProbe(result string) {
	if QualityProbes != nil {
		QualityProbes.WithLabelValues(result).Inc()
	}
}

// IncDowngrades counts a forced fallback to best.
func IncDowngrades() {
	if QualityDowngrades != nil {
		QualityDowngrades.Inc()
	}
}

// RecordingStarted bumps the started counter and the active gauge.
func RecordingStarted() {
	if RecordingsStarted != nil {
		RecordingsStarted.Inc()
	}
	if ActiveRecordings != nil {
		ActiveRecordings.Inc()
	}
}

// RecordingFinished counts a reaped process (outcome is "ok", "error" or "terminated").
func RecordingFinished(outcome string) {
	if RecordingsFinished != nil {
		RecordingsFinished.WithLabelValues(outcome).Inc()
	}
	if ActiveRecordings != nil {
		ActiveRecordings.Dec()
	}
}

// RecordTokenCreation counts a token creation attempt.
func RecordTokenCreation(result string) {
	if TokenCreations != nil {
		TokenCreations.WithLabelValues(result).Inc()
	}
}

// IncRateLimitWaits counts a rate-limit block.
func IncRateLimitWaits() {
	if RateLimitWaits != nil {
		RateLimitWaits.Inc()
	}
}

// SetLiveChannels records how many channels the last query reported live.
func SetLiveChannels(n int) {
	if LiveChannels != nil {
		LiveChannels.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// TimePoll runs a liveness query, observing its duration in PollDuration.
func TimePoll(fn func()) time.Duration {
	return TimeFunc(PollDuration, fn)
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
