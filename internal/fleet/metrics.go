package fleet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	selections  *prometheus.CounterVec
	reconciled  *prometheus.CounterVec
	nodeLoad    *prometheus.GaugeVec
	nodeMax     *prometheus.GaugeVec
	lastSweepAt prometheus.Gauge
}

// NewMetrics registers the fleet collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_operations_total",
				Help: "Lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botfleet_operation_duration_seconds",
				Help:    "Lifecycle operation latency",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"operation"},
		),
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_node_selections_total",
				Help: "Placement decisions by chosen node",
			},
			[]string{"node", "role"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_reconcile_actions_total",
				Help: "Placement repairs made by the reconciler",
			},
			[]string{"action"},
		),
		nodeLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botfleet_node_containers",
				Help: "Running worker containers per node at the last probe",
			},
			[]string{"node"},
		),
		nodeMax: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botfleet_node_max_containers",
				Help: "Configured container ceiling per node",
			},
			[]string{"node"},
		),
		lastSweepAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_reconcile_last_run_timestamp_seconds",
			Help: "Unix time of the last completed reconcile sweep",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.selections, m.reconciled, m.nodeLoad, m.nodeMax, m.lastSweepAt)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) selected(load NodeLoad) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(load.Hostname, string(load.Role)).Inc()
}

func (m *Metrics) loads(loads []NodeLoad) {
	if m == nil {
		return
	}
	for _, l := range loads {
		m.nodeLoad.WithLabelValues(l.Hostname).Set(float64(l.Current))
		m.nodeMax.WithLabelValues(l.Hostname).Set(float64(l.Max))
	}
}

func (m *Metrics) reconcile(r ReconcileReport) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues("adopted").Add(float64(len(r.Adopted)))
	m.reconciled.WithLabelValues("cleared").Add(float64(len(r.Cleared)))
	m.reconciled.WithLabelValues("errored").Add(float64(len(r.Errored)))
	m.reconciled.WithLabelValues("removed").Add(float64(len(r.Removed)))
	m.lastSweepAt.SetToCurrentTime()
}
