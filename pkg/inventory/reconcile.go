package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecomputeCurrentStock compares the cached level with the ledger sum and
// heals the cache when they differ. Running it twice changes nothing.
// 台帳合計で現在庫を再計算し、ずれがあれば修正
func (m *Manager) RecomputeCurrentStock(ctx context.Context, itemID string) (*ReconcileResult, error) {
	const op = "recompute_current_stock"

	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, itemID)
	if err != nil {
		err = m.translate(op, itemID, err)
		m.reject(op, err)
		return nil, err
	}
	defer unlock()

	var result *ReconcileResult
	err = m.storage.Atomic(ctx, func(tx Tx) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		ledger, err := tx.SumMovements(ctx, itemID)
		if err != nil {
			return err
		}

		now := m.now()
		result = &ReconcileResult{
			ItemID:    itemID,
			Cached:    item.CurrentStock,
			Ledger:    ledger,
			Drift:     item.CurrentStock.Sub(ledger),
			CheckedAt: now,
		}
		if result.Drift.IsZero() {
			return nil
		}

		item.CurrentStock = ledger
		item.UpdatedAt = now
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		result.Healed = true
		return nil
	})
	if err != nil {
		err = m.translate(op, itemID, err)
		m.reject(op, err)
		return nil, err
	}

	if result.Healed {
		m.metrics.driftCorrected()
		m.logger.Warn("在庫キャッシュのずれを修正しました",
			zap.String("item_id", itemID),
			zap.String("cached", result.Cached.String()),
			zap.String("ledger", result.Ledger.String()),
			zap.String("drift", result.Drift.String()),
		)
	}

	return result, nil
}

// ReconcileAll recomputes every item, active or not
// 全品目の在庫を照合
func (m *Manager) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{
		StartedAt: m.now(),
		Drifted:   make([]ReconcileResult, 0),
	}

	items, err := m.storage.ListItems(ctx, ItemFilter{IncludeInactive: true})
	if err != nil {
		return nil, m.translate("reconcile_all", "", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, NewPersistenceError("reconcile_all", "照合が中断されました", err)
		}

		result, err := m.RecomputeCurrentStock(ctx, item.ID)
		report.Checked++
		if err != nil {
			report.Failed++
			m.logger.Error("在庫照合に失敗しました",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		if result.Healed {
			report.Healed++
			report.Drifted = append(report.Drifted, *result)
		}
	}

	report.CompletedAt = m.now()

	m.logger.Info("在庫照合完了",
		zap.Int("checked", report.Checked),
		zap.Int("healed", report.Healed),
		zap.Int("failed", report.Failed),
	)

	return report, nil
}

// LowStockItems returns active items at or below their reorder point, most
// urgent first, then by name
// 低在庫品目を緊急度順に取得
func (m *Manager) LowStockItems(ctx context.Context) ([]LowStockItem, error) {
	items, err := m.storage.ListItems(ctx, ItemFilter{LowStockOnly: true})
	if err != nil {
		return nil, m.translate("low_stock_items", "", err)
	}

	result := make([]LowStockItem, 0, len(items))
	for _, item := range items {
		if !item.Active || !item.IsLowStock() {
			continue
		}
		result = append(result, LowStockItem{Item: item, Shortfall: item.Shortfall()})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if c := result[i].Shortfall.Cmp(result[j].Shortfall); c != 0 {
			return c > 0
		}
		return result[i].Item.Name < result[j].Item.Name
	})

	m.metrics.setLowStock(len(result))

	return result, nil
}

// Statistics aggregates item and ledger counts
// 在庫統計を集計
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	items, err := m.storage.ListItems(ctx, ItemFilter{})
	if err != nil {
		return nil, m.translate("statistics", "", err)
	}
	counts, err := m.storage.CountMovements(ctx)
	if err != nil {
		return nil, m.translate("statistics", "", err)
	}

	stats := &Statistics{
		TotalMovements: counts.Total(),
		InMovements:    counts.In,
		OutMovements:   counts.Out,
		TotalValue:     decimal.Zero,
		ByCategory:     make(map[Category]CategoryStatistics, len(Categories)),
		GeneratedAt:    m.now(),
	}
	for _, c := range Categories {
		stats.ByCategory[c] = CategoryStatistics{TotalValue: decimal.Zero}
	}

	for _, item := range items {
		if !item.Active {
			continue
		}
		value := item.Value()
		stats.TotalItems++
		stats.TotalValue = stats.TotalValue.Add(value)

		cs := stats.ByCategory[item.Category]
		cs.Items++
		cs.TotalValue = cs.TotalValue.Add(value)
		if item.IsLowStock() {
			stats.LowStockCount++
			cs.LowStock++
		}
		stats.ByCategory[item.Category] = cs
	}

	m.metrics.setLowStock(stats.LowStockCount)

	return stats, nil
}

// Reconciler periodically runs ReconcileAll
// 定期的に在庫照合を実行するワーカー
type Reconciler struct {
	engine   ReconciliationEngine
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciler creates a background reconciler
func NewReconciler(engine ReconciliationEngine, interval time.Duration, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{engine: engine, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables the worker.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("在庫照合ワーカーは無効です")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("在庫照合ワーカー開始", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("在庫照合ワーカー停止")
			return
		case <-ticker.C:
			if _, err := r.engine.ReconcileAll(ctx); err != nil {
				r.logger.Error("定期照合に失敗しました", zap.Error(err))
			}
		}
	}
}
