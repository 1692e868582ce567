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
	PollCycles        prometheus.Counter
	PollFetchErrors   prometheus.Counter
	CursorResets      prometheus.Counter
	ChatItemsFetched  prometheus.Counter
	ChatItemsAccepted prometheus.Counter
	ChatItemsDeduped  prometheus.Counter
	ForwardFailures   prometheus.Counter

	// Histograms
	XPAwarded    prometheus.Observer // xp per accepted chat item
	PollDuration prometheus.Observer // seconds per scheduler tick

	// Gauges
	ActiveLivestreamsGauge prometheus.Gauge
	NextPollIntervalGauge  prometheus.Gauge // seconds
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_poll_cycles_total", Help: "Number of scheduler ticks"})
		PollFetchErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_poll_fetch_errors_total", Help: "Number of provider chat fetches that failed"})
		CursorResets = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_cursor_resets_total", Help: "Number of continuation cursors reset after a fetch failure"})
		ChatItemsFetched = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_chat_items_fetched_total", Help: "Number of content-bearing chat items fetched from providers"})
		ChatItemsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_chat_items_accepted_total", Help: "Number of chat items newly accepted downstream"})
		ChatItemsDeduped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_chat_items_deduped_total", Help: "Number of duplicate chat item deliveries dropped by id"})
		ForwardFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatxp_chat_forward_failures_total", Help: "Number of chat items whose downstream forwarding errored"})
		XPAwarded = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatxp_xp_awarded", Help: "XP delta per accepted chat item", Buckets: prometheus.ExponentialBuckets(50, 2, 10)})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatxp_poll_tick_duration_seconds", Help: "Scheduler tick duration seconds", Buckets: prometheus.DefBuckets})
		ActiveLivestreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatxp_active_livestreams", Help: "Number of currently active livestreams being polled"})
		NextPollIntervalGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatxp_next_poll_interval_seconds", Help: "Delay chosen for the next scheduler tick"})
	})
}

// SetActiveLivestreams records the number of livestreams being polled.
func SetActiveLivestreams(n int) {
	if ActiveLivestreamsGauge != nil {
		ActiveLivestreamsGauge.Set(float64(n))
	}
}

// SetNextPollInterval records the delay chosen for the next tick.
func SetNextPollInterval(d time.Duration) {
	if NextPollIntervalGauge != nil {
		NextPollIntervalGauge.Set(d.Seconds())
	}
}

// ObserveXPAwarded records one xp delta.
func ObserveXPAwarded(delta float64) {
	if XPAwarded != nil {
		XPAwarded.Observe(delta)
	}
}

// IncChatItemsDeduped counts one dropped duplicate delivery.
func IncChatItemsDeduped() {
	if ChatItemsDeduped != nil {
		ChatItemsDeduped.Inc()
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

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
