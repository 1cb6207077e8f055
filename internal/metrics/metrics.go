package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"secchat/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secchat_operations_total",
			Help: "Total number of core operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	decryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "secchat_decrypt_failures_total",
			Help: "Total number of message bodies that could not be decrypted.",
		},
	)
	encryptionDowngradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secchat_encryption_downgrades_total",
			Help: "Total number of direct messages sent in plaintext.",
		},
		[]string{"reason"},
	)
	activeSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "secchat_active_subscriptions",
			Help: "Number of live store subscriptions.",
		},
		[]string{"kind"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secchat_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secchat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		operationsTotal,
		decryptFailuresTotal,
		encryptionDowngradesTotal,
		activeSubscriptions,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// Outcome labels err: "ok", a policy reason, or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *models.PolicyError
	if errors.As(err, &pe) {
		return string(pe.Reason)
	}
	return "error"
}

func ObserveOperation(op string, err error) {
	operationsTotal.WithLabelValues(op, Outcome(err)).Inc()
}

func IncDecryptFailure() {
	decryptFailuresTotal.Inc()
}

func IncEncryptionDowngrade(reason string) {
	encryptionDowngradesTotal.WithLabelValues(reason).Inc()
}

func IncSubscriptions(kind string) {
	activeSubscriptions.WithLabelValues(kind).Inc()
}

func DecSubscriptions(kind string) {
	activeSubscriptions.WithLabelValues(kind).Dec()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware counts requests per matched route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
