package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway collectors on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec

	connections *prometheus.GaugeVec
	admissions  *prometheus.CounterVec
	closes      *prometheus.CounterVec
	dispatchCnt *prometheus.CounterVec
	dispatchDur *prometheus.HistogramVec
	rateLimited *prometheus.CounterVec
	sends       *prometheus.CounterVec
	online      prometheus.Gauge
	fallbacks   *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:    r,
		httpReqCnt:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "connections", Help: "Registered connections by lifecycle state"}, []string{"state"}),
		admissions:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "admissions_total"}, []string{"result"}),
		closes:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "connection_closes_total"}, []string{"code"}),
		dispatchCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "envelopes_total"}, []string{"type", "result"}),
		dispatchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "envelope_duration_seconds", Buckets: buckets}, []string{"type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "rate_limited_total"}, []string{"kind"}),
		sends:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "outbound_sends_total"}, []string{"result"}),
		online:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "users_online"}),
		fallbacks:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "fallbacks_total"}, []string{"feature"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.connections, m.admissions, m.closes,
		m.dispatchCnt, m.dispatchDur, m.rateLimited, m.sends, m.online, m.fallbacks)
	return m
}

// ConnState moves one connection from one state gauge to another. Empty names are skipped.
func (m *Metrics) ConnState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) Closed(code int) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) Dispatched(msgType, result string, since time.Time) {
	if m == nil {
		return
	}
	m.dispatchCnt.WithLabelValues(msgType, result).Inc()
	m.dispatchDur.WithLabelValues(msgType).Observe(time.Since(since).Seconds())
}

func (m *Metrics) RateLimited(kind string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(kind).Inc()
}

func (m *Metrics) Sent(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.sends.WithLabelValues("ok").Inc()
		return
	}
	m.sends.WithLabelValues("failed").Inc()
}

func (m *Metrics) Online(delta float64) {
	if m == nil {
		return
	}
	m.online.Add(delta)
}

func (m *Metrics) Fallback(feature string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(feature).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
