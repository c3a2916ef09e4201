// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/pkg/supply"
)

const namespace = "medwatch"

var _ engine.Observer = (*Observer)(nil)

// Observer is an engine.Observer that records Prometheus metrics.
type Observer struct {
	state         prometheus.Gauge
	batches       *prometheus.CounterVec
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	anomalies     *prometheus.CounterVec
	alerts        prometheus.Counter
	skipped       prometheus.Counter
	errors        *prometheus.CounterVec
}

// New creates an Observer and registers its collectors with reg.
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "Engine lifecycle state (0 stopped, 1 initializing, 2 ready, 3 running, 4 failed).",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Processed batches by outcome.",
		}, []string{"outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Data points per processed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time spent detecting anomalies in a batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Detected anomalies by detection type and severity.",
		}, []string{"detection_type", "severity"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts dispatched successfully.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks dropped because a batch was still in flight.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors reported by the engine, by stage.",
		}, []string{"stage"}),
	}

	for _, c := range []prometheus.Collector{
		o.state, o.batches, o.batchSize, o.batchDuration,
		o.anomalies, o.alerts, o.skipped, o.errors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) Initialized() { o.setState(engine.StateReady) }
func (o *Observer) Started()     { o.setState(engine.StateRunning) }
func (o *Observer) Stopped()     { o.setState(engine.StateStopped) }
func (o *Observer) TickSkipped() { o.skipped.Inc() }

func (o *Observer) Error(err error) {
	stage := Stage(err)
	if stage == "initialization" {
		o.setState(engine.StateFailed)
	}
	o.errors.WithLabelValues(stage).Inc()
}

func (o *Observer) BatchProcessed(r engine.BatchResult) {
	o.batches.WithLabelValues(string(r.Outcome)).Inc()
	o.batchSize.Observe(float64(r.Size))
	o.batchDuration.Observe(r.Duration.Seconds())
	o.alerts.Add(float64(r.Alerts))
}

func (o *Observer) AnomalyDetected(a *supply.Anomaly) {
	o.anomalies.WithLabelValues(a.DetectionType, a.Severity).Inc()
}

func (o *Observer) setState(s engine.State) {
	o.state.Set(float64(s))
}

var stages = []struct {
	err  error
	name string
}{
	{engine.ErrInitialization, "initialization"},
	{engine.ErrFetch, "fetch"},
	{engine.ErrPreprocess, "preprocess"},
	{engine.ErrEvaluate, "evaluate"},
	{engine.ErrPredict, "predict"},
	{engine.ErrFinding, "finding"},
	{engine.ErrPersist, "persist"},
	{engine.ErrDispatch, "dispatch"},
	{engine.ErrSettle, "settle"},
}

// Stage returns the metric label for the engine stage err belongs to, or
// "other".
func Stage(err error) string {
	for _, s := range stages {
		if errors.Is(err, s.err) {
			return s.name
		}
	}
	return "other"
}
