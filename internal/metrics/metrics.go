package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_session_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exam_session_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// AnswerSyncs counts batch writes of cached answers by outcome (success, failure, empty).
	AnswerSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_session_answer_syncs_total",
			Help: "Answer cache batch syncs by outcome",
		},
		[]string{"outcome"},
	)

	AnswersSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exam_session_answers_synced_total",
			Help: "Answers written to the remote store",
		},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_session_module_submissions_total",
			Help: "Module submissions by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	TimerPhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_session_timer_phase_entries_total",
			Help: "Timer phase entries",
		},
		[]string{"phase"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exam_session_active_sessions",
			Help: "Sessions with a loaded module",
		},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(AnswerSyncs)
		prometheus.MustRegister(AnswersSynced)
		prometheus.MustRegister(Submissions)
		prometheus.MustRegister(TimerPhases)
		prometheus.MustRegister(ActiveSessions)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
