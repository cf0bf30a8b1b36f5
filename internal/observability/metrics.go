package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics holds the Prometheus instruments of the portal.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StepTransitionsTotal     *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	EnrollmentsTotal         *prometheus.CounterVec
	ReviewsTotal             *prometheus.CounterVec
	InitializationsTotal     prometheus.Counter
	NotificationsTotal       *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge

	registry *prometheus.Registry
}

// InitMetrics creates and registers all instruments with reg.
func InitMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessportal_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "accessportal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessportal_step_transitions_total",
			Help: "Total number of step state status transitions.",
		}, []string{"from", "to"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessportal_workflow_transitions_total",
			Help: "Total number of workflow state status transitions.",
		}, []string{"from", "to"}),
		EnrollmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessportal_enrollments_total",
			Help: "Total number of user enrollments into workflows.",
		}, []string{"workflow"}),
		ReviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessportal_reviews_total",
			Help: "Total number of administrator review decisions.",
		}, []string{"status"}),
		InitializationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accessportal_initializations_total",
			Help: "Total number of step initializations recorded.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accessportal_notifications_total",
			Help: "Total number of notification delivery attempts.",
		}, []string{"result"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessportal_definitions_loaded",
			Help: "Number of workflow definitions loaded from bundles at startup.",
		}),
		registry: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StepTransitionsTotal,
		m.WorkflowTransitionsTotal,
		m.EnrollmentsTotal,
		m.ReviewsTotal,
		m.InitializationsTotal,
		m.NotificationsTotal,
		m.DefinitionsLoaded,
	)
	return m
}

// RecordStepTransition records a StepState status change.
func (m *Metrics) RecordStepTransition(from, to string) {
	if m == nil {
		return
	}
	m.StepTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordWorkflowTransition records a WorkflowState status change.
func (m *Metrics) RecordWorkflowTransition(from, to string) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordEnrollment records a new enrollment.
func (m *Metrics) RecordEnrollment(workflow string) {
	if m == nil {
		return
	}
	m.EnrollmentsTotal.WithLabelValues(workflow).Inc()
}

// RecordReview records an administrator decision.
func (m *Metrics) RecordReview(status string) {
	if m == nil {
		return
	}
	m.ReviewsTotal.WithLabelValues(status).Inc()
}

// RecordInitialization records a step initialization.
func (m *Metrics) RecordInitialization() {
	if m == nil {
		return
	}
	m.InitializationsTotal.Inc()
}

// RecordNotification records a delivery attempt.
func (m *Metrics) RecordNotification(delivered bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// SetDefinitionsLoaded records how many definitions were applied from bundles.
func (m *Metrics) SetDefinitionsLoaded(n int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(n))
}

// Middleware records request counts and durations per route pattern.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
