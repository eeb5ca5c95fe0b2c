// Package prometheus exports worker pool metrics in the Prometheus format.
package prometheus

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/domain/worker"
	"github.com/Strob0t/SwarmForge/internal/service"
)

const namespace = "swarmforge"

// Exporter records pool executions and rejections.
type Exporter struct {
	executionSeconds *prom.HistogramVec
	rejectedTotal    *prom.CounterVec
}

var _ service.PoolObserver = (*Exporter)(nil)

// NewExporter creates and registers the execution collectors on reg.
// Registering twice on the same registry reuses the existing collectors.
func NewExporter(reg prom.Registerer) (*Exporter, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "execution_duration_seconds",
		Help:      "Task execution duration in seconds by worker type and outcome.",
		Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
	}, []string{"worker_type", "status"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "rejected_total",
		Help:      "Executions that could not obtain a worker slot.",
	}, []string{"worker_type", "reason"})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	return &Exporter{executionSeconds: durationVec, rejectedTotal: rejectedVec}, nil
}

// ObserveExecution records one classified execution.
func (e *Exporter) ObserveExecution(workerType task.Type, outcome worker.Outcome, d time.Duration) {
	if e == nil {
		return
	}
	e.executionSeconds.WithLabelValues(label(string(workerType)), label(string(outcome))).Observe(d.Seconds())
}

// ObserveRejection records a capacity rejection.
func (e *Exporter) ObserveRejection(workerType task.Type, reason string) {
	if e == nil {
		return
	}
	e.rejectedTotal.WithLabelValues(label(string(workerType)), label(reason)).Inc()
}

// StatusProvider reports a pool snapshot.
type StatusProvider interface {
	Status() service.PoolStatus
}

// PoolCollector reads the pool snapshot at scrape time.
type PoolCollector struct {
	pool StatusProvider

	workers   *prom.Desc
	max       *prom.Desc
	available *prom.Desc
	byType    *prom.Desc
}

var _ prom.Collector = (*PoolCollector)(nil)

// NewPoolCollector returns a collector over pool. Register it yourself.
func NewPoolCollector(pool StatusProvider) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		workers: prom.NewDesc(prom.BuildFQName(namespace, "pool", "workers"),
			"Live workers by state.", []string{"state"}, nil),
		max: prom.NewDesc(prom.BuildFQName(namespace, "pool", "max_workers"),
			"Configured worker capacity.", nil, nil),
		available: prom.NewDesc(prom.BuildFQName(namespace, "pool", "available_slots"),
			"Execution slots not currently held.", nil, nil),
		byType: prom.NewDesc(prom.BuildFQName(namespace, "pool", "workers_by_type"),
			"Live workers by worker type.", []string{"worker_type"}, nil),
	}
}

// Describe implements prom.Collector.
func (c *PoolCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.workers
	ch <- c.max
	ch <- c.available
	ch <- c.byType
}

// Collect implements prom.Collector.
func (c *PoolCollector) Collect(ch chan<- prom.Metric) {
	s := c.pool.Status()
	ch <- prom.MustNewConstMetric(c.workers, prom.GaugeValue, float64(s.IdleWorkers), "idle")
	ch <- prom.MustNewConstMetric(c.workers, prom.GaugeValue, float64(s.BusyWorkers), "busy")
	ch <- prom.MustNewConstMetric(c.max, prom.GaugeValue, float64(s.MaxWorkers))
	ch <- prom.MustNewConstMetric(c.available, prom.GaugeValue, float64(s.AvailableSlots))
	for typ, n := range s.WorkerTypes {
		ch <- prom.MustNewConstMetric(c.byType, prom.GaugeValue, float64(n), typ)
	}
}

// Handler serves the metrics gathered from g.
func Handler(g prom.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
