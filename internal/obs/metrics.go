package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Registration and payment domain metrics.
var (
	RegistrationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registrations_created_total",
			Help: "Attendee records committed, by payment kind (free|paid).",
		},
		[]string{"kind"},
	)

	CapacityRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registrations_capacity_rejected_total",
		Help: "Registration attempts rejected by the capacity check.",
	})

	PaymentsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_deduplicated_total",
		Help: "Payment confirmations that found an already finalized record.",
	})

	RefundsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refunds_issued_total",
		Help: "Refunds successfully issued through the payment provider.",
	})

	RefundsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refunds_failed_total",
		Help: "Refund attempts that failed at the provider.",
	})

	StalePaymentsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payments_stale_swept_total",
		Help: "Attendee-less payment records removed by the sweeper.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		RegistrationsCreated, CapacityRejections, PaymentsDeduplicated,
		RefundsIssued, RefundsFailed, StalePaymentsSwept,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// CanonicalPath collapses resource identifiers embedded in request paths so
// metric labels stay low-cardinality.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	// /v1/events/{id}/register, /v1/events/{id}/checkout, /v1/events/{id}/attendees
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "events" && parts[3] != "" {
		rest := ""
		if len(parts) > 4 {
			rest = "/" + strings.Join(parts[4:], "/")
		}
		return "/v1/events/:id" + rest
	}
	// /v1/admin/attendees/{id}/checkin etc.
	if len(parts) >= 5 && parts[1] == "v1" && parts[2] == "admin" && parts[3] == "attendees" && parts[4] != "" {
		rest := ""
		if len(parts) > 5 {
			rest = "/" + strings.Join(parts[5:], "/")
		}
		return "/v1/admin/attendees/:id" + rest
	}
	return p
}
