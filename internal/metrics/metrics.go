// Package metrics exposes relay counters through a private Prometheus
// registry served on its own listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pairrelay/internal/relay"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Relay metrics
	SessionsCreatedTotal   prometheus.Counter
	MessagesPostedTotal    prometheus.Counter
	MessagesDeliveredTotal prometheus.Counter
	RejectionsTotal        *prometheus.CounterVec
	ActorsRunning          prometheus.Gauge
	SessionsReapedTotal    prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairrelay_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairrelay_http_request_duration_seconds",
				Help:    "Duration of gateway requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pairrelay_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		MessagesPostedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pairrelay_messages_posted_total",
				Help: "Total number of messages accepted",
			},
		),
		MessagesDeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pairrelay_messages_delivered_total",
				Help: "Total number of messages returned to readers",
			},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairrelay_rejections_total",
				Help: "Total number of rejected relay operations",
			},
			[]string{"op", "reason"},
		),
		ActorsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pairrelay_actors_active",
				Help: "Number of running session actors",
			},
		),
		SessionsReapedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pairrelay_sessions_reaped_total",
				Help: "Total number of expired sessions replaced by tombstones",
			},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SessionsCreatedTotal,
		m.MessagesPostedTotal,
		m.MessagesDeliveredTotal,
		m.RejectionsTotal,
		m.ActorsRunning,
		m.SessionsReapedTotal,
	)
	return m
}

var _ relay.Observer = (*Metrics)(nil)

func (m *Metrics) SessionCreated() { m.SessionsCreatedTotal.Inc() }

func (m *Metrics) MessagePosted() { m.MessagesPostedTotal.Inc() }

func (m *Metrics) MessagesDelivered(n int) { m.MessagesDeliveredTotal.Add(float64(n)) }

func (m *Metrics) Rejected(op string, err error) {
	m.RejectionsTotal.WithLabelValues(op, relay.Kind(err)).Inc()
}

func (m *Metrics) ActorsActive(n int) { m.ActorsRunning.Set(float64(n)) }

func (m *Metrics) SessionsReaped(n int) { m.SessionsReapedTotal.Add(float64(n)) }

// Middleware records count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Router serves /metrics and /healthz for the separate metrics listener.
// actors, when set, reports the number of running session actors.
func (m *Metrics) Router(actors func() int) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(m.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if actors != nil {
			body["actors"] = actors()
		}
		c.JSON(http.StatusOK, body)
	})
	return router
}
