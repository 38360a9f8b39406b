// Package confdmetrics exposes Prometheus counters and gauges for the
// configuration-loading pipeline: dispatch queue depth, load outcomes,
// load latency, and registry generation. None of this is part of the
// configuration substrate itself; it exists purely so an operator can
// watch the pipeline the way they watch any other production service.
package confdmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every confd Prometheus collector. All metrics share the
// "confd" namespace.
type Metrics struct {
	queueDepth *prometheus.GaugeVec // todo/wait/live/done/dead depth

	loadsTotal    *prometheus.CounterVec // module, result (success/failure)
	loadDuration  *prometheus.HistogramVec
	registryGen   prometheus.Gauge // current registry generation
	acquireActive prometheus.Gauge // outstanding Acquire() refs not yet released

	segmentBatches *prometheus.CounterVec // module, outcome (requeued/finished)
	segmentsLoaded *prometheus.CounterVec // module

	ccbValidation *prometheus.CounterVec // result (pass/fail)
}

// New builds and registers a Metrics set against registry. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps tests isolated from one another.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "confd",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Number of jobs currently queued, by queue name (todo/wait/live/done/dead).",
			},
			[]string{"queue"},
		),

		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confd",
				Subsystem: "load",
				Name:      "total",
				Help:      "Total module loads attempted, by module and result (success/failure).",
			},
			[]string{"module", "result"},
		),

		loadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "confd",
				Subsystem: "load",
				Name:      "duration_seconds",
				Help:      "Wall-clock time spent parsing and building a module's payload.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"module"},
		),

		registryGen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "confd",
				Subsystem: "registry",
				Name:      "generation",
				Help:      "Current published ConfSet generation.",
			},
		),

		acquireActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "confd",
				Subsystem: "registry",
				Name:      "acquire_active",
				Help:      "Outstanding Acquire() snapshots not yet Release()d.",
			},
		),

		segmentBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confd",
				Subsystem: "segment",
				Name:      "batches_total",
				Help:      "Segment manager batch ticks, by module and outcome (requeued/finished).",
			},
			[]string{"module", "outcome"},
		),

		segmentsLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confd",
				Subsystem: "segment",
				Name:      "loaded_total",
				Help:      "Individual segments successfully installed, by module.",
			},
			[]string{"module"},
		),

		ccbValidation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "confd",
				Subsystem: "ccb",
				Name:      "validation_total",
				Help:      "CCB baseline validation attempts, by result (pass/fail).",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.queueDepth,
		m.loadsTotal,
		m.loadDuration,
		m.registryGen,
		m.acquireActive,
		m.segmentBatches,
		m.segmentsLoaded,
		m.ccbValidation,
	)

	return m
}

// SetQueueDepth records the current depth of one dispatch queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordLoad records the outcome and duration of one module load.
func (m *Metrics) RecordLoad(module string, success bool, durationSeconds float64) {
	result := "failure"
	if success {
		result = "success"
	}
	m.loadsTotal.WithLabelValues(module, result).Inc()
	m.loadDuration.WithLabelValues(module).Observe(durationSeconds)
}

// SetGeneration records the registry's current published generation.
func (m *Metrics) SetGeneration(gen uint64) {
	m.registryGen.Set(float64(gen))
}

// IncAcquireActive and DecAcquireActive track outstanding Acquire()
// snapshots, bracketing Acquire/Release call sites.
func (m *Metrics) IncAcquireActive() { m.acquireActive.Inc() }
func (m *Metrics) DecAcquireActive() { m.acquireActive.Dec() }

// RecordSegmentBatch records one segment-manager batch tick.
func (m *Metrics) RecordSegmentBatch(module string, requeued bool) {
	outcome := "finished"
	if requeued {
		outcome = "requeued"
	}
	m.segmentBatches.WithLabelValues(module, outcome).Inc()
}

// RecordSegmentsLoaded adds count newly-installed segments for module.
func (m *Metrics) RecordSegmentsLoaded(module string, count int) {
	if count <= 0 {
		return
	}
	m.segmentsLoaded.WithLabelValues(module).Add(float64(count))
}

// RecordCCBValidation records one CCB baseline-validation attempt.
func (m *Metrics) RecordCCBValidation(err error) {
	result := "pass"
	if err != nil {
		result = "fail"
	}
	m.ccbValidation.WithLabelValues(result).Inc()
}
