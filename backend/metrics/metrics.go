package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job modes
const (
	ModeConverter = "converter"
	ModeDemo      = "demo"
)

var (
	// jobsTotal counts finished conversion jobs.
	// Labels: state (succeeded, failed), mode (converter, demo)
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmlconv",
		Name:      "jobs_total",
		Help:      "Total conversion jobs by final state",
	}, []string{"state", "mode"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xmlconv",
		Name:      "job_duration_seconds",
		Help:      "Conversion job duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	// uploadsTotal counts upload attempts.
	// Labels: result (accepted or an error kind)
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xmlconv",
		Name:      "uploads_total",
		Help:      "Total upload attempts by result",
	}, []string{"result"})

	pathEscapeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xmlconv",
		Name:      "path_escape_total",
		Help:      "Requests rejected because a path left its storage root",
	})

	demoMode = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "xmlconv",
		Name:      "demo_mode",
		Help:      "1 while conversions are simulated",
	})
)

// RecordJob records a finished job
func RecordJob(state, mode string, d time.Duration) {
	jobsTotal.WithLabelValues(state, mode).Inc()
	jobDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordUpload records an upload attempt
func RecordUpload(result string) {
	uploadsTotal.WithLabelValues(result).Inc()
}

// RecordPathEscape counts a rejected path
func RecordPathEscape() {
	pathEscapeTotal.Inc()
}

// SetDemoMode flips the demo gauge
func SetDemoMode(on bool) {
	if on {
		demoMode.Set(1)
		return
	}
	demoMode.Set(0)
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
