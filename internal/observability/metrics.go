package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the HTTP surface, the
// schedulers, and the webhook resolver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	messagesSentTotal     *prometheus.CounterVec
	sendFailuresTotal     *prometheus.CounterVec
	sendDuration          *prometheus.HistogramVec
	retryScheduledTotal   prometheus.Counter
	entriesDiscardedTotal prometheus.Counter
	reconcileSyncedTotal  *prometheus.CounterVec
	webhookEventsTotal    *prometheus.CounterVec
	intentsTotal          *prometheus.CounterVec
	schedulerRunsTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "confirm_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		messagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "messages_sent_total",
				Help:      "Total number of outbound messages accepted by the provider.",
			},
			[]string{"kind"},
		),
		sendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "send_failures_total",
				Help:      "Total number of provider sends that failed, by kind and reason.",
			},
			[]string{"kind", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "confirm_engine",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by kind.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"kind"},
		),
		retryScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "retries_scheduled_total",
				Help:      "Total number of ledger entries re-armed with a backoff retry.",
			},
		),
		entriesDiscardedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "entries_discarded_total",
				Help:      "Total number of ledger entries discarded against dangling appointments.",
			},
		),
		reconcileSyncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "reconcile_synced_total",
				Help:      "Total number of intent entries reconciled with appointment state.",
			},
			[]string{"intent"},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "webhook_events_total",
				Help:      "Total number of inbound webhook events by processing result.",
			},
			[]string{"result"},
		),
		intentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "intents_total",
				Help:      "Total number of classified inbound intents.",
			},
			[]string{"intent"},
		),
		schedulerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confirm_engine",
				Name:      "scheduler_runs_total",
				Help:      "Total number of scheduler runs by scheduler and terminal state.",
			},
			[]string{"scheduler", "state"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.messagesSentTotal,
		m.sendFailuresTotal,
		m.sendDuration,
		m.retryScheduledTotal,
		m.entriesDiscardedTotal,
		m.reconcileSyncedTotal,
		m.webhookEventsTotal,
		m.intentsTotal,
		m.schedulerRunsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSentTotal.WithLabelValues(normalizeLabel(kind)).Inc()
}

func (m *Metrics) IncSendFailure(kind string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := normalizeLabel(reason)
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.sendFailuresTotal.WithLabelValues(normalizeLabel(kind), reasonLabel).Inc()
}

func (m *Metrics) ObserveSendDuration(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(kind)).Observe(seconds)
}

func (m *Metrics) IncRetryScheduled() {
	if m == nil {
		return
	}
	m.retryScheduledTotal.Inc()
}

func (m *Metrics) IncEntryDiscarded() {
	if m == nil {
		return
	}
	m.entriesDiscardedTotal.Inc()
}

func (m *Metrics) IncReconcileSynced(intent string) {
	if m == nil {
		return
	}
	m.reconcileSyncedTotal.WithLabelValues(normalizeLabel(intent)).Inc()
}

func (m *Metrics) IncWebhookEvent(result string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncIntent(intent string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(normalizeLabel(intent)).Inc()
}

func (m *Metrics) IncSchedulerRun(scheduler string, state string) {
	if m == nil {
		return
	}
	m.schedulerRunsTotal.WithLabelValues(normalizeLabel(scheduler), normalizeLabel(state)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func normalizeLabel(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}
	return c.Response().StatusCode()
}
