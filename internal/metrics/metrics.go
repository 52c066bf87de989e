// Package metrics counts migration outcomes from domain events and
// exports them to Prometheus and the stats endpoint.
//
// Import Path: unitmover.io/unitmover/internal/metrics
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unitmover.io/unitmover/internal/domain"
)

const metricsNamespace = "unitmover"

// Collector is a prometheus.Collector fed by domain events.
type Collector struct {
	started      prometheus.Counter
	stages       *prometheus.CounterVec
	completed    prometheus.Counter
	failed       *prometheus.CounterVec
	compensated  prometheus.Counter
	reserve      prometheus.Gauge
	reserveLow   prometheus.Counter
	reserveTopUp prometheus.Counter

	mu    sync.Mutex
	stats Stats
}

// Stats is the JSON view of the counters since process start.
type Stats struct {
	Started      int            `json:"started"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
	FailedByKind map[string]int `json:"failed_by_kind"`
	Compensated  int            `json:"handoffs_compensated"`
	ReserveLow   int            `json:"reserve_low_alerts"`
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "migrations_started_total",
			Help:      "The number of migration attempts started.",
		}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "migration_stage_transitions_total",
			Help:      "The number of pipeline stage transitions, by target stage.",
		}, []string{"stage"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "migrations_completed_total",
			Help:      "The number of migrations that reached COMPLETED.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "migrations_failed_total",
			Help:      "The number of failed migration attempts, by error code.",
		}, []string{"kind"}),
		compensated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handoff_compensations_total",
			Help:      "The number of handoffs that restored dual control.",
		}),
		reserve: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "reserve_balance_credits",
			Help:      "The last observed balance of the resource reserve.",
		}),
		reserveLow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reserve_low_alerts_total",
			Help:      "The number of low-balance alerts raised.",
		}),
		reserveTopUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reserve_top_ups_total",
			Help:      "The number of reserve top-ups.",
		}),
		stats: Stats{FailedByKind: make(map[string]int)},
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.started.Describe(ch)
	c.stages.Describe(ch)
	c.completed.Describe(ch)
	c.failed.Describe(ch)
	c.compensated.Describe(ch)
	c.reserve.Describe(ch)
	c.reserveLow.Describe(ch)
	c.reserveTopUp.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.started.Collect(ch)
	c.stages.Collect(ch)
	c.completed.Collect(ch)
	c.failed.Collect(ch)
	c.compensated.Collect(ch)
	c.reserve.Collect(ch)
	c.reserveLow.Collect(ch)
	c.reserveTopUp.Collect(ch)
}

// Subscribe registers the collector's handlers on d.
func (c *Collector) Subscribe(d *domain.EventDispatcher) {
	d.Register(domain.EventMigrationStarted, c.onMigration)
	d.Register(domain.EventMigrationStageChanged, c.onMigration)
	d.Register(domain.EventMigrationCompleted, c.onMigration)
	d.Register(domain.EventMigrationFailed, c.onMigration)
	d.Register(domain.EventHandoffCompensated, c.onCompensated)
	d.Register(domain.EventReserveLow, c.onReserve)
	d.Register(domain.EventReserveToppedUp, c.onReserve)
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.FailedByKind = make(map[string]int, len(c.stats.FailedByKind))
	for k, v := range c.stats.FailedByKind {
		out.FailedByKind[k] = v
	}
	return out
}

func (c *Collector) onMigration(_ context.Context, e *domain.DomainEvent) error {
	var p domain.MigrationPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.EventType {
	case domain.EventMigrationStarted:
		c.started.Inc()
		c.stats.Started++
	case domain.EventMigrationStageChanged:
		c.stages.WithLabelValues(string(p.To)).Inc()
	case domain.EventMigrationCompleted:
		c.stages.WithLabelValues(string(p.To)).Inc()
		c.completed.Inc()
		c.stats.Completed++
	case domain.EventMigrationFailed:
		kind := p.ErrorKind
		if kind == "" {
			kind = "UNKNOWN"
		}
		c.failed.WithLabelValues(kind).Inc()
		c.stats.Failed++
		c.stats.FailedByKind[kind]++
	}
	return nil
}

func (c *Collector) onCompensated(_ context.Context, _ *domain.DomainEvent) error {
	c.compensated.Inc()
	c.mu.Lock()
	c.stats.Compensated++
	c.mu.Unlock()
	return nil
}

func (c *Collector) onReserve(_ context.Context, e *domain.DomainEvent) error {
	var p domain.ReservePayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	c.reserve.Set(float64(p.Balance))
	if e.EventType == domain.EventReserveLow {
		c.reserveLow.Inc()
		c.mu.Lock()
		c.stats.ReserveLow++
		c.mu.Unlock()
		return nil
	}
	c.reserveTopUp.Inc()
	return nil
}

// NewRegistry returns a registry holding c and the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
