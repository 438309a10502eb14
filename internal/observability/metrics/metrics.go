// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobplan/internal/eventbus"
	"jobplan/internal/task/engine"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lateness  prometheus.Histogram
	misfires  *prometheus.CounterVec
	completed prometheus.Counter
}

// Sources are sampled at scrape time. Nil funcs report 0.
type Sources struct {
	Running    func() int
	BusDropped func() uint64
}

func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobplan_runs_total",
				Help: "Finished executions by job and outcome",
			},
			[]string{"job", "status"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobplan_run_duration_seconds",
				Help:    "Execution duration by job",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"job"},
		),
		lateness: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobplan_fire_delay_seconds",
				Help:    "Delay between scheduled fire time and execution start",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		misfires: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobplan_trigger_misfires_total",
				Help: "Reported trigger misfires by trigger",
			},
			[]string{"trigger"},
		),
		completed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "jobplan_triggers_completed_total",
				Help: "Triggers that reached their end bound",
			},
		),
	}
	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "jobplan_running_jobs",
			Help: "Executions currently in progress",
		},
		func() float64 {
			if src.Running == nil {
				return 0
			}
			return float64(src.Running())
		},
	)
	f.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "jobplan_eventbus_dropped_total",
			Help: "Events lost to full subscriber buffers",
		},
		func() float64 {
			if src.BusDropped == nil {
				return 0
			}
			return float64(src.BusDropped())
		},
	)
	return m
}

// Observe records one engine event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobStarted:
		if re, ok := e.Data.(engine.RunEvent); ok && !re.Scheduled.IsZero() {
			m.lateness.Observe(re.Started.Sub(re.Scheduled).Seconds())
		}
	case eventbus.JobFinished, eventbus.JobFailed, eventbus.JobInterrupted:
		re, ok := e.Data.(engine.RunEvent)
		if !ok {
			return
		}
		job := re.Job.String()
		m.runs.WithLabelValues(job, statusOf(e.Type)).Inc()
		m.duration.WithLabelValues(job).Observe(re.Duration.Seconds())
	case eventbus.TriggerMisfired:
		if te, ok := e.Data.(engine.TriggerEvent); ok {
			m.misfires.WithLabelValues(te.Trigger.String()).Inc()
		}
	case eventbus.TriggerCompleted:
		m.completed.Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func statusOf(eventType string) string {
	switch eventType {
	case eventbus.JobFailed:
		return "failed"
	case eventbus.JobInterrupted:
		return "interrupted"
	default:
		return "finished"
	}
}
