// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters the pipeline increments. All methods are
// safe for concurrent use.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	scansTotal     *prometheus.CounterVec
	skippedEntries *prometheus.CounterVec
	watchDispatch  prometheus.Counter
}

// New creates and registers the metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fim_events_total",
			Help: "Change events emitted, by change type and severity.",
		}, []string{"type", "severity"}),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fim_scans_total",
			Help: "Scan jobs by trigger source and terminal state.",
		}, []string{"trigger", "result"}),
		skippedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fim_skipped_entries_total",
			Help: "Entries skipped during scans, by reason.",
		}, []string{"reason"}),
		watchDispatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fim_realtime_dispatches_total",
			Help: "Paths dispatched from the realtime watcher to the pipeline.",
		}),
	}
	reg.MustRegister(m.eventsTotal, m.scansTotal, m.skippedEntries, m.watchDispatch)
	return m
}

func (m *Metrics) EventEmitted(changeType, severity string) {
	m.eventsTotal.WithLabelValues(changeType, severity).Inc()
}

func (m *Metrics) ScanFinished(trigger, result string) {
	m.scansTotal.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) EntrySkipped(reason string) {
	m.skippedEntries.WithLabelValues(reason).Inc()
}

func (m *Metrics) RealtimeDispatch() {
	m.watchDispatch.Inc()
}
