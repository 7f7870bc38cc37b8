package inventory

import (
	"context"
	"iter"
	"strings"

	"golang.org/x/text/cases"
)

// QueryMovements returns a lazy, restartable sequence of movements matching
// filter, newest first. Pages of filter.PageSize rows are fetched on demand;
// every range starts again from the first page. A failure is yielded once as
// the last element.
// 条件に一致する在庫移動を新しい順に遅延取得
func (m *Manager) QueryMovements(ctx context.Context, filter MovementFilter) iter.Seq2[StockMovement, error] {
	return func(yield func(StockMovement, error) bool) {
		if err := ValidateMovementFilter(filter); err != nil {
			yield(StockMovement{}, err)
			return
		}

		pageSize := filter.PageSize
		if pageSize <= 0 {
			pageSize = m.config.QueryPageSize
		}
		for movement, err := range scanMovements(ctx, m.storage, filter, pageSize) {
			if err != nil {
				yield(StockMovement{}, m.translate("query_movements", "", err))
				return
			}
			if !yield(movement, nil) {
				return
			}
		}
	}
}

// scanMovements pages through storage with a keyset cursor.
func scanMovements(ctx context.Context, storage Storage, filter MovementFilter, pageSize int) iter.Seq2[StockMovement, error] {
	return func(yield func(StockMovement, error) bool) {
		var cursor *MovementCursor
		for {
			page, err := storage.ListMovements(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(StockMovement{}, err)
				return
			}
			for _, movement := range page {
				if !yield(movement, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &MovementCursor{Timestamp: last.Timestamp, ID: last.ID}
		}
	}
}

// loadMovements reads every movement matching filter, newest first.
func loadMovements(ctx context.Context, storage Storage, filter MovementFilter) ([]StockMovement, error) {
	movements := make([]StockMovement, 0)
	for movement, err := range scanMovements(ctx, storage, filter, defaultScanPageSize) {
		if err != nil {
			return nil, err
		}
		movements = append(movements, movement)
	}
	return movements, nil
}

const defaultScanPageSize = 500

// CollectMovements drains QueryMovements into a slice; limit <= 0 means all
// 在庫移動をスライスで取得
func (m *Manager) CollectMovements(ctx context.Context, filter MovementFilter, limit int) ([]StockMovement, error) {
	if limit > 0 && (filter.PageSize <= 0 || filter.PageSize > limit) {
		filter.PageSize = limit
	}

	movements := make([]StockMovement, 0)
	for movement, err := range m.QueryMovements(ctx, filter) {
		if err != nil {
			return nil, err
		}
		movements = append(movements, movement)
		if limit > 0 && len(movements) >= limit {
			break
		}
	}
	return movements, nil
}

// Matches reports whether movement satisfies every set field of the filter.
// Storage adapters without a query language use it directly.
func (f MovementFilter) Matches(movement StockMovement) bool {
	if f.ItemID != "" && movement.ItemID != f.ItemID {
		return false
	}
	if f.Type != "" && movement.Type != f.Type {
		return false
	}
	if f.DateFrom != nil && movement.Timestamp.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && movement.Timestamp.After(*f.DateTo) {
		return false
	}
	if f.Search != "" {
		return ContainsFold(movement.Reference, f.Search) ||
			ContainsFold(movement.Notes, f.Search) ||
			ContainsFold(movement.Supplier, f.Search) ||
			ContainsFold(movement.Reason, f.Search)
	}
	return true
}

// Matches reports whether item satisfies the filter.
func (f ItemFilter) Matches(item StockItem) bool {
	if !f.IncludeInactive && !item.Active {
		return false
	}
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if f.LowStockOnly && !item.IsLowStock() {
		return false
	}
	if f.Search != "" {
		return ContainsFold(item.Name, f.Search) || ContainsFold(item.Supplier, f.Search)
	}
	return true
}

// FoldText returns the case-folded form of s for caseless comparison
// 大文字小文字を区別しない比較用に変換
func FoldText(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// ContainsFold reports whether substr is within s, ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(FoldText(s), FoldText(substr))
}
