package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors are the Prometheus views of the rolling metrics. They live on
// their own registry so several engines can coexist in one process.
type Collectors struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	testsRun     prometheus.Counter
	taskDuration prometheus.Histogram
	gatePassRate prometheus.Gauge
	timeSaved    prometheus.Counter
	running      prometheus.Gauge
	queued       prometheus.Gauge
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testgate_tasks_total",
				Help: "Work items that reached a terminal state, by outcome",
			},
			[]string{"outcome"},
		),
		testsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testgate_tests_run_total",
			Help: "Tests executed across all work items",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "testgate_task_duration_seconds",
			Help:    "Wall time from running to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		gatePassRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testgate_gate_pass_rate",
			Help: "Percentage of approved verdicts in the rolling window",
		}),
		timeSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testgate_estimated_time_saved_seconds_total",
			Help: "Estimated test time saved versus running the full suite",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testgate_running_tasks",
			Help: "Work items currently running",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testgate_queued_tasks",
			Help: "Work items waiting for a concurrency slot",
		}),
	}
	c.registry.MustRegister(c.tasksTotal, c.testsRun, c.taskDuration, c.gatePassRate, c.timeSaved, c.running, c.queued)
	return c
}

// Registry exposes the collectors for gathering.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collectors in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetQueue reports admission state. Nil receivers are no-ops.
func (c *Collectors) SetQueue(running, queued int) {
	if c == nil {
		return
	}
	c.running.Set(float64(running))
	c.queued.Set(float64(queued))
}

func (c *Collectors) observe(outcome string, tests int, durationMs int64, passRate float64) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(outcome).Inc()
	c.testsRun.Add(float64(tests))
	c.taskDuration.Observe(float64(durationMs) / 1000)
	c.gatePassRate.Set(passRate)
}

func (c *Collectors) addTimeSaved(ms int64) {
	if c == nil {
		return
	}
	c.timeSaved.Add(float64(ms) / 1000)
}
