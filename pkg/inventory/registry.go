package inventory

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// CreateItem creates a new stock item. A positive currentStock is booked as
// an opening IN movement in the same transaction.
// 品目を作成（初期在庫は期首入庫として記録）
func (m *Manager) CreateItem(ctx context.Context, spec ItemSpec) (*StockItem, error) {
	const op = "create_item"

	if err := ValidateItemSpec(spec); err != nil {
		m.reject(op, err)
		return nil, err
	}
	if m.config.EnforceThresholdOrder {
		if err := ValidateThresholds(*spec.MinStock, *spec.ReorderPoint, *spec.MaxStock); err != nil {
			m.reject(op, err)
			return nil, err
		}
	}

	now := m.now()
	item := &StockItem{
		ID:           NewItemID(),
		Name:         strings.TrimSpace(spec.Name),
		Category:     spec.Category,
		Unit:         strings.TrimSpace(spec.Unit),
		CurrentStock: *spec.CurrentStock,
		MinStock:     *spec.MinStock,
		MaxStock:     *spec.MaxStock,
		ReorderPoint: *spec.ReorderPoint,
		Supplier:     strings.TrimSpace(spec.Supplier),
		CostPerUnit:  *spec.CostPerUnit,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var opening *StockMovement
	if item.CurrentStock.IsPositive() {
		opening = &StockMovement{
			ID:            NewMovementID(),
			ItemID:        item.ID,
			Type:          MovementTypeIn,
			Quantity:      item.CurrentStock,
			Supplier:      item.Supplier,
			PurchasePrice: DecimalPtr(item.CostPerUnit),
			Reference:     OpeningBalanceReference,
			CreatedBy:     UserFromContext(ctx),
			Timestamp:     now,
		}
	}

	err := m.storage.Atomic(ctx, func(tx Tx) error {
		existing, err := tx.FindActiveItemByName(ctx, item.Name, item.Category)
		if err != nil {
			return err
		}
		if existing != nil {
			return NewConflictError("item", "同名・同カテゴリの品目が既に存在します", ErrDuplicateItem)
		}
		if err := tx.CreateItem(ctx, item); err != nil {
			return err
		}
		if opening != nil {
			return tx.AppendMovement(ctx, opening)
		}
		return nil
	})
	if err != nil {
		err = m.translate(op, item.ID, err)
		m.reject(op, err)
		return nil, err
	}

	m.metrics.itemCreated()
	if opening != nil {
		m.metrics.movementRecorded(item, opening)
	}

	m.logger.Info("品目作成完了",
		zap.String("item_id", item.ID),
		zap.String("name", item.Name),
		zap.String("category", string(item.Category)),
		zap.String("current_stock", item.CurrentStock.String()),
	)

	return item, nil
}

// UpdateItem applies a partial update to an item
// 品目を部分更新
func (m *Manager) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*StockItem, error) {
	const op = "update_item"

	if err := ValidateItemID(itemID); err != nil {
		m.reject(op, err)
		return nil, err
	}
	if err := ValidateItemPatch(patch); err != nil {
		m.reject(op, err)
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, itemID)
	if err != nil {
		err = m.translate(op, itemID, err)
		m.reject(op, err)
		return nil, err
	}
	defer unlock()

	var updated *StockItem
	err = m.storage.Atomic(ctx, func(tx Tx) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}

		renamed := applyPatch(item, patch)
		if m.config.EnforceThresholdOrder {
			if err := ValidateThresholds(item.MinStock, item.ReorderPoint, item.MaxStock); err != nil {
				return err
			}
		}
		if renamed && item.Active {
			existing, err := tx.FindActiveItemByName(ctx, item.Name, item.Category)
			if err != nil {
				return err
			}
			if existing != nil && existing.ID != item.ID {
				return NewConflictError("item", "同名・同カテゴリの品目が既に存在します", ErrDuplicateItem)
			}
		}

		item.UpdatedAt = m.now()
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		err = m.translate(op, itemID, err)
		m.reject(op, err)
		return nil, err
	}

	m.logger.Info("品目更新完了",
		zap.String("item_id", updated.ID),
		zap.String("name", updated.Name),
	)

	return updated, nil
}

// applyPatch copies the set fields of patch onto item and reports whether
// name or category changed.
func applyPatch(item *StockItem, patch ItemPatch) bool {
	renamed := false
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		renamed = renamed || name != item.Name
		item.Name = name
	}
	if patch.Category != nil {
		renamed = renamed || *patch.Category != item.Category
		item.Category = *patch.Category
	}
	if patch.Unit != nil {
		item.Unit = strings.TrimSpace(*patch.Unit)
	}
	if patch.Supplier != nil {
		item.Supplier = strings.TrimSpace(*patch.Supplier)
	}
	if patch.MinStock != nil {
		item.MinStock = *patch.MinStock
	}
	if patch.MaxStock != nil {
		item.MaxStock = *patch.MaxStock
	}
	if patch.ReorderPoint != nil {
		item.ReorderPoint = *patch.ReorderPoint
	}
	if patch.CostPerUnit != nil {
		item.CostPerUnit = *patch.CostPerUnit
	}
	return renamed
}

// GetItem gets an item by ID
// IDで品目を取得
func (m *Manager) GetItem(ctx context.Context, itemID string) (*StockItem, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	item, err := m.storage.GetItem(ctx, itemID)
	if err != nil {
		return nil, m.translate("get_item", itemID, err)
	}
	return item, nil
}

// ListItems lists items ordered by name
// 品目一覧を名前順で取得
func (m *Manager) ListItems(ctx context.Context, filter ItemFilter) ([]StockItem, error) {
	if err := ValidateItemFilter(filter); err != nil {
		return nil, err
	}
	items, err := m.storage.ListItems(ctx, filter)
	if err != nil {
		return nil, m.translate("list_items", "", err)
	}
	return items, nil
}

// DeactivateItem soft-deletes an item; its ledger is kept
// 品目を無効化（論理削除）
func (m *Manager) DeactivateItem(ctx context.Context, itemID string) (*StockItem, error) {
	const op = "deactivate_item"

	if err := ValidateItemID(itemID); err != nil {
		m.reject(op, err)
		return nil, err
	}

	unlock, err := m.locks.LockContext(ctx, itemID)
	if err != nil {
		err = m.translate(op, itemID, err)
		m.reject(op, err)
		return nil, err
	}
	defer unlock()

	var deactivated *StockItem
	err = m.storage.Atomic(ctx, func(tx Tx) error {
		item, err := tx.GetItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		deactivated = item
		if !item.Active {
			return nil
		}
		item.Active = false
		item.UpdatedAt = m.now()
		return tx.UpdateItem(ctx, item)
	})
	if err != nil {
		err = m.translate(op, itemID, err)
		m.reject(op, err)
		return nil, err
	}

	m.logger.Info("品目無効化完了", zap.String("item_id", itemID))

	return deactivated, nil
}
