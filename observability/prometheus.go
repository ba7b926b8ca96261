// Package observability exports indexing metrics to Prometheus.
package observability

import (
	"time"

	"github.com/hupe1980/docindex/executor"
	"github.com/prometheus/client_golang/prometheus"
)

var _ executor.Observer = (*PrometheusObserver)(nil)

// PrometheusObserver implements executor.Observer with Prometheus collectors.
type PrometheusObserver struct {
	passLatency    *prometheus.HistogramVec
	passIndexes    *prometheus.CounterVec
	taskLatency    *prometheus.HistogramVec
	outOfMemory    *prometheus.CounterVec
	circuitBroken  *prometheus.CounterVec
	idle           *prometheus.CounterVec
	documentsTouch *prometheus.CounterVec
	batchSize      *prometheus.GaugeVec
}

// NewPrometheusObserver creates the observer and registers its collectors
// with reg. A nil reg uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		passLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docindex_pass_duration_seconds",
			Help:    "Duration of indexing passes",
			Buckets: prometheus.DefBuckets,
		}, []string{"executor", "status"}),
		passIndexes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_pass_indexes_total",
			Help: "Indexes processed by indexing passes",
		}, []string{"executor"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docindex_task_duration_seconds",
			Help:    "Duration of background task executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"executor", "kind", "status"}),
		outOfMemory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_out_of_memory_total",
			Help: "Passes that failed with out-of-memory",
		}, []string{"executor"}),
		circuitBroken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_circuit_broken_total",
			Help: "Indexes skipped because of their failure rate",
		}, []string{"executor", "index"}),
		idle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_idle_timeouts_total",
			Help: "Waits for work that timed out",
		}, []string{"executor"}),
		documentsTouch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docindex_documents_touched_total",
			Help: "Documents touched to reindex their dependents",
		}, []string{"executor"}),
		batchSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docindex_batch_size",
			Help: "Current document batch size",
		}, []string{"executor"}),
	}

	for _, c := range []prometheus.Collector{
		o.passLatency, o.passIndexes, o.taskLatency, o.outOfMemory,
		o.circuitBroken, o.idle, o.documentsTouch, o.batchSize,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// OnPass implements executor.Observer.
func (o *PrometheusObserver) OnPass(name string, indexes int, d time.Duration, err error) {
	o.passLatency.WithLabelValues(name, status(err)).Observe(d.Seconds())
	o.passIndexes.WithLabelValues(name).Add(float64(indexes))
}

// OnTask implements executor.Observer.
func (o *PrometheusObserver) OnTask(name, kind string, d time.Duration, err error) {
	o.taskLatency.WithLabelValues(name, kind, status(err)).Observe(d.Seconds())
}

// OnOutOfMemory implements executor.Observer.
func (o *PrometheusObserver) OnOutOfMemory(name string) {
	o.outOfMemory.WithLabelValues(name).Inc()
}

// OnCircuitBroken implements executor.Observer.
func (o *PrometheusObserver) OnCircuitBroken(name, index string) {
	o.circuitBroken.WithLabelValues(name, index).Inc()
}

// OnIdle implements executor.Observer.
func (o *PrometheusObserver) OnIdle(name string) {
	o.idle.WithLabelValues(name).Inc()
}

// OnDocumentsTouched implements executor.Observer.
func (o *PrometheusObserver) OnDocumentsTouched(name string, count int) {
	o.documentsTouch.WithLabelValues(name).Add(float64(count))
}

// OnBatchSize implements executor.Observer.
func (o *PrometheusObserver) OnBatchSize(name string, size int) {
	o.batchSize.WithLabelValues(name).Set(float64(size))
}
