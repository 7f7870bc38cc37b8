package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "stock_ledger"

// Metrics holds the ledger's prometheus collectors. A nil *Metrics is a no-op.
// 台帳のPrometheusメトリクス
type Metrics struct {
	movements     *prometheus.CounterVec
	quantities    *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	itemsCreated  prometheus.Counter
	driftHealed   prometheus.Counter
	lowStockItems prometheus.Gauge
}

// NewMetrics registers the collectors on reg
// メトリクスを登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		movements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "movements_total",
			Help:      "Ledger movements recorded, by type.",
		}, []string{"type"}),
		quantities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "movement_quantity_total",
			Help:      "Sum of recorded quantities, by type and category.",
		}, []string{"type", "category"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_operations_total",
			Help:      "Rejected ledger and registry operations, by operation and error kind.",
		}, []string{"operation", "kind"}),
		itemsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "items_created_total",
			Help:      "Stock items created.",
		}),
		driftHealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drift_healed_total",
			Help:      "Cached stock levels corrected by reconciliation.",
		}),
		lowStockItems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "low_stock_items",
			Help:      "Active items at or below their reorder point at the last report.",
		}),
	}
}

func (m *Metrics) movementRecorded(item *StockItem, movement *StockMovement) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(string(movement.Type)).Inc()
	m.quantities.WithLabelValues(string(movement.Type), string(item.Category)).Add(movement.Quantity.InexactFloat64())
}

func (m *Metrics) operationRejected(operation string, err error) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(operation, string(KindOf(err))).Inc()
}

func (m *Metrics) itemCreated() {
	if m == nil {
		return
	}
	m.itemsCreated.Inc()
}

func (m *Metrics) driftCorrected() {
	if m == nil {
		return
	}
	m.driftHealed.Inc()
}

func (m *Metrics) setLowStock(n int) {
	if m == nil {
		return
	}
	m.lowStockItems.Set(float64(n))
}
