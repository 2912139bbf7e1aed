// Package metrics provides Prometheus metrics for the datanode.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all datanode metrics.
var Registry = prometheus.NewRegistry()

var (
	defaultOnce    sync.Once
	defaultMetrics *DatanodeMetrics
)

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// DatanodeMetrics holds the rolling upgrade metrics of a datanode.
// All methods are safe to call on a nil receiver.
type DatanodeMetrics struct {
	// Deletion routing
	TrashMoves    *prometheus.CounterVec // datanode_trash_moves_total{pool}
	DirectDeletes *prometheus.CounterVec // datanode_direct_deletes_total{pool}
	BenignDeletes *prometheus.CounterVec // datanode_benign_deletes_total{pool,reason}
	DeleteErrors  *prometheus.CounterVec // datanode_delete_errors_total{pool}

	// Upgrade outcome
	BlocksRestored *prometheus.CounterVec // datanode_blocks_restored_total{pool}
	TrashPurges    *prometheus.CounterVec // datanode_trash_purges_total{pool}
	Transitions    *prometheus.CounterVec // datanode_upgrade_transitions_total{pool,transition,status}
	TrashActive    *prometheus.GaugeVec   // datanode_trash_active{pool}

	// Signal delivery
	Signals        *prometheus.CounterVec // datanode_upgrade_signals_total{kind,status}
	SignalsPending prometheus.Gauge       // datanode_upgrade_signals_pending
}

// NewDatanodeMetrics registers a fresh set of metrics on reg.
func NewDatanodeMetrics(reg prometheus.Registerer, nodeName string) *DatanodeMetrics {
	constLabels := prometheus.Labels{"node": nodeName}
	f := promauto.With(reg)

	return &DatanodeMetrics{
		TrashMoves: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_trash_moves_total",
			Help:        "Blocks moved into trash instead of being deleted",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		DirectDeletes: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_direct_deletes_total",
			Help:        "Blocks deleted permanently",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		BenignDeletes: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_benign_deletes_total",
			Help:        "Deletions that found the block already gone or already trashed",
			ConstLabels: constLabels,
		}, []string{"pool", "reason"}),

		DeleteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_delete_errors_total",
			Help:        "Deletions that failed and must be retried",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		BlocksRestored: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_blocks_restored_total",
			Help:        "Blocks restored from trash on rollback",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		TrashPurges: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_trash_purges_total",
			Help:        "Trash roots purged",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_upgrade_transitions_total",
			Help:        "Upgrade state transitions by kind and outcome",
			ConstLabels: constLabels,
		}, []string{"pool", "transition", "status"}),

		TrashActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "datanode_trash_active",
			Help:        "1 if deletions in the pool are deferred to trash",
			ConstLabels: constLabels,
		}, []string{"pool"}),

		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "datanode_upgrade_signals_total",
			Help:        "Upgrade signals handled by kind and outcome",
			ConstLabels: constLabels,
		}, []string{"kind", "status"}),

		SignalsPending: f.NewGauge(prometheus.GaugeOpts{
			Name:        "datanode_upgrade_signals_pending",
			Help:        "Signals waiting for redelivery after a failed attempt",
			ConstLabels: constLabels,
		}),
	}
}

// InitMetrics initializes the process-wide metrics on Registry.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(nodeName string) *DatanodeMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewDatanodeMetrics(Registry, nodeName)
	})
	return defaultMetrics
}

// Handler returns an HTTP handler exposing Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTrashMove records a block deferred to trash.
func (m *DatanodeMetrics) RecordTrashMove(pool string) {
	if m == nil {
		return
	}
	m.TrashMoves.WithLabelValues(pool).Inc()
}

// RecordDirectDelete records a block deleted permanently.
func (m *DatanodeMetrics) RecordDirectDelete(pool string) {
	if m == nil {
		return
	}
	m.DirectDeletes.WithLabelValues(pool).Inc()
}

// RecordBenignDelete records a deletion that found nothing left to do.
func (m *DatanodeMetrics) RecordBenignDelete(pool, reason string) {
	if m == nil {
		return
	}
	m.BenignDeletes.WithLabelValues(pool, reason).Inc()
}

// RecordDeleteError records a failed deletion.
func (m *DatanodeMetrics) RecordDeleteError(pool string) {
	if m == nil {
		return
	}
	m.DeleteErrors.WithLabelValues(pool).Inc()
}

// RecordRestore records blocks restored from trash.
func (m *DatanodeMetrics) RecordRestore(pool string, blocks int) {
	if m == nil {
		return
	}
	m.BlocksRestored.WithLabelValues(pool).Add(float64(blocks))
}

// RecordPurge records a trash purge.
func (m *DatanodeMetrics) RecordPurge(pool string) {
	if m == nil {
		return
	}
	m.TrashPurges.WithLabelValues(pool).Inc()
}

// RecordTransition records the outcome of a state transition.
func (m *DatanodeMetrics) RecordTransition(pool, transition string, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(pool, transition, status(err)).Inc()
}

// SetTrashActive updates the pool's trash gauge.
func (m *DatanodeMetrics) SetTrashActive(pool string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.TrashActive.WithLabelValues(pool).Set(v)
}

// RecordSignal records the outcome of one signal delivery.
func (m *DatanodeMetrics) RecordSignal(kind string, err error) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(kind, status(err)).Inc()
}

// SetSignalsPending updates the redelivery backlog gauge.
func (m *DatanodeMetrics) SetSignalsPending(n int) {
	if m == nil {
		return
	}
	m.SignalsPending.Set(float64(n))
}
