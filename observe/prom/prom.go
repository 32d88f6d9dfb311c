// Package prom exports task and scope lifecycle events as Prometheus
// metrics. Install it on a root scope with strand.WithObserver.
package prom

import (
	"context"
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/NetPo4ki/go-strand/strand"
)

// ObserverOptions controls collector configuration.
type ObserverOptions struct {
	DurationBuckets []float64
}

// Observer adapts strand.Observer events to Prometheus collectors.
type Observer struct {
	tasksActive         prom.Gauge
	tasksStartedTotal   prom.Counter
	tasksFinishedTotal  *prom.CounterVec
	taskDurationSeconds prom.Histogram
	scopesCreatedTotal  prom.Counter
	scopesCancelled     prom.Counter
	scopeJoinSeconds    prom.Histogram
}

var _ strand.Observer = (*Observer)(nil)

// NewObserver creates and registers the collectors on reg; nil means the
// default registerer. Re-registering the same metrics returns the existing
// collectors, so multiple scopes can share one Observer namespace.
func NewObserver(namespace string, reg prom.Registerer, opts ObserverOptions) (*Observer, error) {
	if namespace == "" {
		namespace = "strand"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	active := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_active",
		Help:      "Number of tasks whose body is currently between start and finish.",
	})
	started := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_started_total",
		Help:      "Total number of task bodies started.",
	})
	finished := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Total number of task bodies finished, by outcome.",
	}, []string{"outcome"})
	duration := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task body execution duration in seconds.",
		Buckets:   buckets,
	})
	created := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "scopes_created_total",
		Help:      "Total number of scopes created.",
	})
	cancelled := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "scopes_cancelled_total",
		Help:      "Total number of scopes that had cancellation requested.",
	})
	join := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "scope_join_seconds",
		Help:      "Time spent in Wait until all of a scope's tasks were terminal.",
		Buckets:   buckets,
	})

	var err error
	if active, err = registerCollector(reg, active); err != nil {
		return nil, err
	}
	if started, err = registerCollector(reg, started); err != nil {
		return nil, err
	}
	if finished, err = registerCollector(reg, finished); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if created, err = registerCollector(reg, created); err != nil {
		return nil, err
	}
	if cancelled, err = registerCollector(reg, cancelled); err != nil {
		return nil, err
	}
	if join, err = registerCollector(reg, join); err != nil {
		return nil, err
	}

	return &Observer{
		tasksActive:         active,
		tasksStartedTotal:   started,
		tasksFinishedTotal:  finished,
		taskDurationSeconds: duration,
		scopesCreatedTotal:  created,
		scopesCancelled:     cancelled,
		scopeJoinSeconds:    join,
	}, nil
}

// MustNewObserver is NewObserver that panics on registration errors, for use
// in main and examples.
func MustNewObserver(namespace string, reg prom.Registerer, opts ObserverOptions) *Observer {
	o, err := NewObserver(namespace, reg, opts)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *Observer) ScopeCreated(context.Context) {
	o.scopesCreatedTotal.Inc()
}

func (o *Observer) ScopeCancelled(context.Context, error) {
	o.scopesCancelled.Inc()
}

func (o *Observer) ScopeJoined(_ context.Context, wait time.Duration) {
	o.scopeJoinSeconds.Observe(wait.Seconds())
}

func (o *Observer) TaskStarted(context.Context) {
	o.tasksActive.Inc()
	o.tasksStartedTotal.Inc()
}

func (o *Observer) TaskFinished(_ context.Context, dur time.Duration, err error, panicked bool) {
	o.tasksActive.Dec()
	o.tasksFinishedTotal.WithLabelValues(outcomeLabel(err, panicked)).Inc()
	o.taskDurationSeconds.Observe(dur.Seconds())
}

func outcomeLabel(err error, panicked bool) string {
	switch {
	case panicked:
		return "panic"
	case err == nil:
		return "ok"
	case strand.IsCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegistered prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
