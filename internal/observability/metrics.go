package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lightningd"

// Metrics holds the Prometheus counters, histograms, and gauges for the detector.
type Metrics struct {
	RawEvents         *prometheus.CounterVec // labels: reason={none,noise,disturber,lightning}
	StrikesSuppressed prometheus.Counter
	Detections        prometheus.Counter
	Strikes           prometheus.Counter

	ClassificationErrors prometheus.Counter
	OutOfOrder           prometheus.Counter

	PipelineRunning         prometheus.Gauge
	EventProcessingDuration prometheus.Histogram

	// Storm lifecycle metrics.
	StormActive   prometheus.Gauge
	StormsStarted prometheus.Counter
	StormsEnded   prometheus.Counter
	WindowSize    prometheus.Gauge

	// Publication metrics.
	SnapshotsPublished  *prometheus.CounterVec // labels: kind={current,past}, gateway
	DetectionsPublished *prometheus.CounterVec // labels: gateway
	PublishErrors       *prometheus.CounterVec // labels: gateway
	PublishDropped      *prometheus.CounterVec // labels: reason={queue_full,publish_failed}
	PublishQueueDepth   prometheus.Gauge

	// Sensor link metrics.
	SensorReconnects prometheus.Counter
	SensorLineErrors prometheus.Counter
}

// NewMetrics creates and registers all detector metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RawEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_events_total",
			Help:      "Sensor interrupts and poll results by reason.",
		}, []string{"reason"}),
		StrikesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strikes_suppressed_total",
			Help:      "Lightning interrupts folded into an open detection during the dead time.",
		}),
		Detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Coalesced detections accepted into the window.",
		}),
		Strikes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strikes_total",
			Help:      "Strikes accepted, counting each interrupt folded into a detection.",
		}),
		ClassificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_errors_total",
			Help:      "Detections with a distance code the sensor should not produce.",
		}),
		OutOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "out_of_order_total",
			Help:      "Detections dropped because they preceded the last accepted one.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the event loop is active, 0 when shut down.",
		}),
		EventProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Time spent handling one lightning interrupt, including snapshot builds.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		StormActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storm_active",
			Help:      "1 while a storm is being tracked, 0 when idle.",
		}),
		StormsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storms_started_total",
			Help:      "Storms started by a detection while idle.",
		}),
		StormsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storms_ended_total",
			Help:      "Storms ended by the storm-end timer.",
		}),
		WindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_size",
			Help:      "Detections currently held in the period window.",
		}),
		SnapshotsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Ring snapshots published by kind and gateway.",
		}, []string{"kind", "gateway"}),
		DetectionsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_published_total",
			Help:      "Detection reports published by gateway.",
		}, []string{"gateway"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publish attempts by gateway.",
		}, []string{"gateway"}),
		PublishDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_dropped_total",
			Help:      "Reports dropped without being published.",
		}, []string{"reason"}),
		PublishQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_queue_depth",
			Help:      "Reports waiting in the publish queue.",
		}),
		SensorReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_reconnects_total",
			Help:      "Times the sensor serial link was reopened after an error.",
		}),
		SensorLineErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_line_errors_total",
			Help:      "Unparseable lines received from the sensor bridge.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RawEvents,
		m.StrikesSuppressed,
		m.Detections,
		m.Strikes,
		m.ClassificationErrors,
		m.OutOfOrder,
		m.PipelineRunning,
		m.EventProcessingDuration,
		m.StormActive,
		m.StormsStarted,
		m.StormsEnded,
		m.WindowSize,
		m.SnapshotsPublished,
		m.DetectionsPublished,
		m.PublishErrors,
		m.PublishDropped,
		m.PublishQueueDepth,
		m.SensorReconnects,
		m.SensorLineErrors,
	}
}
