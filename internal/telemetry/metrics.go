// Package telemetry exposes collection progress as Prometheus metrics.
package telemetry

import (
	"fmt"
	"strconv"

	"github.com/infracollect/dfircollect/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dfircollect"

// Metrics tracks archive progress and batch outcomes in its own registry.
// It implements engine.ProgressSink.
type Metrics struct {
	registry *prometheus.Registry

	totalBytes     prometheus.Gauge
	completedBytes prometheus.Gauge
	inputBytes     prometheus.Gauge
	outputBytes    prometheus.Gauge
	batches        *prometheus.CounterVec
	items          *prometheus.CounterVec
	collectors     *prometheus.CounterVec
	settled        *prometheus.CounterVec
}

var _ engine.ProgressSink = (*Metrics)(nil)

// NewMetrics creates the collectors, labelled with the job name.
func NewMetrics(job string) *Metrics {
	labels := prometheus.Labels{"job_name": job}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "archive",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &Metrics{
		registry:       prometheus.NewRegistry(),
		totalBytes:     gauge("total_bytes", "Bytes announced to the archive writer."),
		completedBytes: gauge("completed_bytes", "Bytes of committed items."),
		inputBytes:     gauge("input_bytes", "Uncompressed bytes written to the archive."),
		outputBytes:    gauge("output_bytes", "Bytes of archive output."),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "batches_total",
			Help:        "Archive batches run.",
			ConstLabels: labels,
		}, []string{"final"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "items_total",
			Help:        "Archive items settled, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		collectors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "collector_errors_total",
			Help:        "Collectors that returned an error.",
			ConstLabels: labels,
		}, []string{"collector"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "collector_items_total",
			Help:        "Archive items settled, by producing collector and state.",
			ConstLabels: labels,
		}, []string{"collector", "state"}),
	}

	m.registry.MustRegister(
		m.totalBytes,
		m.completedBytes,
		m.inputBytes,
		m.outputBytes,
		m.batches,
		m.items,
		m.collectors,
		m.settled,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Progress(total, completed uint64) {
	m.totalBytes.Set(float64(total))
	m.completedBytes.Set(float64(completed))
}

func (m *Metrics) Ratio(in, out uint64) {
	m.inputBytes.Set(float64(in))
	m.outputBytes.Set(float64(out))
}

// ObserveBatch records the outcome of one batch.
func (m *Metrics) ObserveBatch(result engine.BatchResult, final bool) {
	m.batches.WithLabelValues(strconv.FormatBool(final)).Inc()
	m.items.WithLabelValues("committed").Add(float64(result.Committed))
	m.items.WithLabelValues("failed").Add(float64(len(result.Failed)))
}

func (m *Metrics) CollectorFailed(name string) {
	m.collectors.WithLabelValues(name).Inc()
}

// ItemSettled counts one item reaching a terminal state. Items appended
// without a collector attribute are counted under an empty collector label.
func (m *Metrics) ItemSettled(ref engine.ItemRef) {
	m.settled.WithLabelValues(ref.Attributes[engine.CollectorAttribute], ref.State.String()).Inc()
}

// WriteTextfile writes the current values in the text exposition format,
// for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
