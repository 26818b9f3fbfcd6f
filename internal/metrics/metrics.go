// Package metrics exposes scheduler activity as Prometheus metrics. Counters
// are fed from the event bus; pool and bus gauges are sampled on scrape.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobsched/internal/eventbus"
	"jobsched/internal/pool"
	logx "jobsched/pkg/logx"
)

const namespace = "jobsched"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	claimed    prometheus.Counter
	executions *prometheus.CounterVec
	promotions *prometheus.CounterVec
	recovered  prometheus.Counter
	ticks      *prometheus.CounterVec
	lastTick   prometheus.Gauge
}

// New builds a registry with the scheduler metrics and the Go/process
// collectors. poolStats and bus may be nil.
func New(log logx.Logger, poolStats func() pool.Snapshot, bus eventbus.Bus) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		log: log.With(logx.String("comp", "metrics")),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_claimed_total",
			Help: "Jobs claimed by this worker.",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_executions_total",
			Help: "Finished job executions by outcome.",
		}, []string{"outcome"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_promotions_total",
			Help: "Unscheduled jobs handled by the promotion loop.",
		}, []string{"result"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "locks_recovered_total",
			Help: "Orphaned job locks returned to SCHEDULED.",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_ticks_total",
			Help: "Polling cycles by result.",
		}, []string{"result"}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_tick_timestamp_seconds",
			Help: "Unix time of the last finished polling cycle.",
		}),
	}
	reg.MustRegister(m.claimed, m.executions, m.promotions, m.recovered, m.ticks, m.lastTick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, o := range []string{"succeeded", "failed", "escalated"} {
		m.executions.WithLabelValues(o)
	}
	for _, r := range []string{"scheduled", "failed"} {
		m.promotions.WithLabelValues(r)
	}
	for _, r := range []string{"ok", "error"} {
		m.ticks.WithLabelValues(r)
	}

	if poolStats != nil {
		gauge := func(name, help string, v func(pool.Snapshot) float64) prometheus.GaugeFunc {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "pool", Name: name, Help: help},
				func() float64 { return v(poolStats()) })
		}
		reg.MustRegister(
			gauge("workers", "Live pool workers.", func(s pool.Snapshot) float64 { return float64(s.Workers) }),
			gauge("idle_workers", "Pool workers waiting for work.", func(s pool.Snapshot) float64 { return float64(s.Idle) }),
			gauge("queue_length", "Jobs waiting in the pool queue.", func(s pool.Snapshot) float64 { return float64(s.QueueLen) }),
			gauge("queue_capacity", "Pool queue capacity.", func(s pool.Snapshot) float64 { return float64(s.QueueCap) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "pool", Name: "task_panics_total", Help: "Pool tasks that panicked."},
				func() float64 { return float64(poolStats().Panics) }),
		)
	}
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "dropped_total",
			Help: "Events lost to slow subscribers.",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe folds one event into the counters.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobClaimed:
		m.claimed.Inc()
	case eventbus.JobSucceeded:
		m.executions.WithLabelValues("succeeded").Inc()
	case eventbus.JobFailed:
		m.executions.WithLabelValues("failed").Inc()
	case eventbus.JobEscalated:
		m.executions.WithLabelValues("escalated").Inc()
	case eventbus.JobPromoted:
		m.promotions.WithLabelValues("scheduled").Inc()
	case eventbus.JobPromoteFailed:
		m.promotions.WithLabelValues("failed").Inc()
	case eventbus.LocksRecovered:
		m.recovered.Add(float64(e.Count))
	case eventbus.TickCompleted:
		if e.Err != "" {
			m.ticks.WithLabelValues("error").Inc()
		} else {
			m.ticks.WithLabelValues("ok").Inc()
		}
		m.lastTick.Set(float64(e.Time.Unix()))
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	m.log.Debug("metrics subscribed to event bus")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
