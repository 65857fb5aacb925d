package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/kiln/pkg/studio"
)

// OutcomeSuccess labels an operation that returned no error
const OutcomeSuccess = "success"

// Metrics holds all Prometheus metrics.
// The record methods are safe on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
	DBWaitDuration     prometheus.Gauge

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Studio metrics
	JoinRequestsTotal        *prometheus.CounterVec
	MembershipDecisionsTotal *prometheus.CounterVec
	InviteRotationsTotal     *prometheus.CounterVec
	InvitePurgedTotal        prometheus.Counter
	RoleChangesTotal         *prometheus.CounterVec
	AuthzDenialsTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_db_connections_open",
			Help: "Number of open database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_db_connections_in_use",
			Help: "Number of database connections in use",
		}),
		DBConnectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_db_connections_idle",
			Help: "Number of idle database connections",
		}),
		DBWaitCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_db_connections_wait_count",
			Help: "Total number of connections waited for",
		}),
		DBWaitDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiln_db_connections_wait_duration_seconds",
			Help: "Total time spent waiting for connections",
		}),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		JoinRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_join_requests_total",
				Help: "Join requests by outcome",
			},
			[]string{"outcome"},
		),
		MembershipDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_membership_decisions_total",
				Help: "Admin decisions on memberships by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		InviteRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_invite_rotations_total",
				Help: "Invite token rotations by outcome",
			},
			[]string{"outcome"},
		),
		InvitePurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiln_invite_purged_memberships_total",
			Help: "Denied and removed memberships deleted by invite rotation",
		}),
		RoleChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_role_changes_total",
				Help: "Role changes by outcome",
			},
			[]string{"outcome"},
		),
		AuthzDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_authz_denials_total",
				Help: "Authorization failures by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
		m.DBWaitDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.JoinRequestsTotal,
		m.MembershipDecisionsTotal,
		m.InviteRotationsTotal,
		m.InvitePurgedTotal,
		m.RoleChangesTotal,
		m.AuthzDenialsTotal,
	)

	return m
}

// Outcome labels the result of an operation by its error kind
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return studio.KindOf(err).String()
}

// RecordJoinRequest counts a join request
func (m *Metrics) RecordJoinRequest(err error) {
	if m == nil {
		return
	}
	m.JoinRequestsTotal.WithLabelValues(Outcome(err)).Inc()
}

// RecordDecision counts an admin decision
func (m *Metrics) RecordDecision(action string, err error) {
	if m == nil {
		return
	}
	m.MembershipDecisionsTotal.WithLabelValues(action, Outcome(err)).Inc()
}

// RecordRotation counts an invite rotation and the rows it purged
func (m *Metrics) RecordRotation(purged int64, err error) {
	if m == nil {
		return
	}
	m.InviteRotationsTotal.WithLabelValues(Outcome(err)).Inc()
	if err == nil && purged > 0 {
		m.InvitePurgedTotal.Add(float64(purged))
	}
}

// RecordRoleChange counts a role change
func (m *Metrics) RecordRoleChange(err error) {
	if m == nil {
		return
	}
	m.RoleChangesTotal.WithLabelValues(Outcome(err)).Inc()
}

// RecordAuthzDenial counts a failed authorization
func (m *Metrics) RecordAuthzDenial(err error) {
	if m == nil || err == nil {
		return
	}
	m.AuthzDenialsTotal.WithLabelValues(Outcome(err)).Inc()
}

// RecordCacheLookup counts a hit or miss for the named cache
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
	m.DBWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux route template so ids do not explode cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
