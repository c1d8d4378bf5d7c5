// Package metrics exposes Prometheus collectors for HTTP traffic and ledger
// activity on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pdvledger/backend/internal/domain"
)

const namespace = "pdvledger"

// Ledger records HTTP and domain metrics. It satisfies service.Observer.
type Ledger struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	salesSettled    *prometheus.CounterVec
	salesValue      *prometheus.CounterVec
	settleFailures  *prometheus.CounterVec
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	countFinalized  prometheus.Counter
	stockOverwrites *prometheus.CounterVec
	staleSessions   prometheus.Gauge
}

func New() *Ledger {
	m := &Ledger{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		salesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_settled_total",
			Help:      "Sales settled per store",
		}, []string{"store"}),
		salesValue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_value_total",
			Help:      "Settled sale value per store",
		}, []string{"store"}),
		settleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Refused or failed settlements by error kind",
		}, []string{"store", "kind"}),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cash_sessions_opened_total",
			Help:      "Cash sessions opened per store",
		}, []string{"store"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cash_sessions_closed_total",
			Help:      "Cash sessions closed per store",
		}, []string{"store"}),
		countFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_counts_finalized_total",
			Help:      "Stock count finalize attempts",
		}),
		stockOverwrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_count_overwrites_total",
			Help:      "Absolute stock writes issued by count finalize",
		}, []string{"result"}),
		staleSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_cash_sessions",
			Help:      "OPEN cash sessions opened before the current business day",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.salesSettled,
		m.salesValue,
		m.settleFailures,
		m.sessionsOpened,
		m.sessionsClosed,
		m.countFinalized,
		m.stockOverwrites,
		m.staleSessions,
	)
	return m
}

func (m *Ledger) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Ledger) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests by route template, not raw path.
func (m *Ledger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "undefined"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

func (m *Ledger) SaleSettled(storeID string, total float64) {
	m.salesSettled.WithLabelValues(storeID).Inc()
	m.salesValue.WithLabelValues(storeID).Add(total)
}

func (m *Ledger) SettlementFailed(storeID string, kind domain.ErrorKind) {
	m.settleFailures.WithLabelValues(storeID, string(kind)).Inc()
}

func (m *Ledger) SessionOpened(storeID string) {
	m.sessionsOpened.WithLabelValues(storeID).Inc()
}

func (m *Ledger) SessionClosed(storeID string) {
	m.sessionsClosed.WithLabelValues(storeID).Inc()
}

func (m *Ledger) CountFinalized(products int, failed int) {
	m.countFinalized.Inc()
	m.stockOverwrites.WithLabelValues("ok").Add(float64(products - failed))
	if failed > 0 {
		m.stockOverwrites.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *Ledger) SetStaleSessions(n int) {
	m.staleSessions.Set(float64(n))
}
