package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "scada_gateway_"

	resultSuccess = "success"
	resultError   = "error"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	cycles            *prometheus.CounterVec
	cycleLatency      prometheus.Histogram
	tagReads          *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	consecutiveErrors prometheus.Gauge
	persistErrors     *prometheus.CounterVec
	tagsLoaded        prometheus.Gauge
	registryLoads     *prometheus.CounterVec
	rollups           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scan_cycles_total",
				Help: "Scan cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "scan_cycle_seconds",
				Help:    "Scan cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		tagReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "tag_reads_total",
				Help: "Tag register reads by result",
			},
			[]string{"result"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnects_total",
				Help: "Protocol client reconnect attempts by result",
			},
			[]string{"result"},
		),
		consecutiveErrors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "consecutive_failed_cycles",
				Help: "All-failed scan cycles since the last success or reconnect",
			},
		),
		persistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persistence_errors_total",
				Help: "Persistence write failures by operation",
			},
			[]string{"op"},
		),
		tagsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "tags_loaded",
				Help: "Active tags in the current registry snapshot",
			},
		),
		registryLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "registry_loads_total",
				Help: "Tag registry loads by result",
			},
			[]string{"result"},
		),
		rollups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollups_total",
				Help: "Hourly rollup runs by result",
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.cycles,
			m.cycleLatency,
			m.tagReads,
			m.reconnects,
			m.consecutiveErrors,
			m.persistErrors,
			m.tagsLoaded,
			m.registryLoads,
			m.rollups,
		)
	}
	return m
}

func resultLabel(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultError
}

func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleLatency.Observe(d.Seconds())
}

func (m *Metrics) TagRead(ok bool) {
	if m == nil {
		return
	}
	m.tagReads.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) Reconnect(ok bool) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *Metrics) SetConsecutiveErrors(n int) {
	if m == nil {
		return
	}
	m.consecutiveErrors.Set(float64(n))
}

func (m *Metrics) PersistError(op string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RegistryLoad(ok bool, tags int) {
	if m == nil {
		return
	}
	m.registryLoads.WithLabelValues(resultLabel(ok)).Inc()
	if ok {
		m.tagsLoaded.Set(float64(tags))
	}
}

func (m *Metrics) Rollup(ok bool) {
	if m == nil {
		return
	}
	m.rollups.WithLabelValues(resultLabel(ok)).Inc()
}
