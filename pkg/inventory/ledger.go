package inventory

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordStockIn appends an IN movement and raises the cached stock
// 入庫を記録し在庫を増加
func (m *Manager) RecordStockIn(ctx context.Context, req StockInRequest) (*StockMovement, error) {
	const op = "stock_in"

	if err := ValidateStockIn(req); err != nil {
		m.reject(op, err)
		return nil, err
	}

	movement := &StockMovement{
		ID:            NewMovementID(),
		ItemID:        req.ItemID,
		Type:          MovementTypeIn,
		Quantity:      req.Quantity,
		Supplier:      req.Supplier,
		BatchNumber:   req.BatchNumber,
		PurchasePrice: req.PurchasePrice,
		Notes:         req.Notes,
		Reference:     req.Reference,
		CreatedBy:     UserFromContext(ctx),
	}
	if req.ExpiryDate != "" {
		expiry, err := ParseDate(req.ExpiryDate)
		if err != nil {
			verr := NewValidationError("expiryDate", "日付の形式が正しくありません (YYYY-MM-DD)", req.ExpiryDate)
			m.reject(op, verr)
			return nil, verr
		}
		expiry = expiry.UTC()
		movement.ExpiryDate = &expiry
	}

	return m.record(ctx, op, movement)
}

// RecordStockOut appends an OUT movement and lowers the cached stock.
// Insufficient stock fails immediately.
// 出庫を記録し在庫を減少（在庫不足は即時エラー）
func (m *Manager) RecordStockOut(ctx context.Context, req StockOutRequest) (*StockMovement, error) {
	const op = "stock_out"

	if err := ValidateStockOut(req); err != nil {
		m.reject(op, err)
		return nil, err
	}

	movement := &StockMovement{
		ID:        NewMovementID(),
		ItemID:    req.ItemID,
		Type:      MovementTypeOut,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		Reference: req.Reference,
		Notes:     req.Notes,
		CreatedBy: UserFromContext(ctx),
	}

	return m.record(ctx, op, movement)
}

// record appends movement and updates the cached level in one transaction
// under the item's lock.
// 台帳追記とキャッシュ更新を同一トランザクションで実行
func (m *Manager) record(ctx context.Context, op string, movement *StockMovement) (*StockMovement, error) {
	unlock, err := m.locks.LockContext(ctx, movement.ItemID)
	if err != nil {
		err = m.translate(op, movement.ItemID, err)
		m.reject(op, err)
		return nil, err
	}
	defer unlock()

	var (
		item   *StockItem
		before decimal.Decimal
	)
	err = m.storage.Atomic(ctx, func(tx Tx) error {
		var err error
		item, err = tx.GetItemForUpdate(ctx, movement.ItemID)
		if err != nil {
			return err
		}
		if !item.Active {
			return NewConflictError("item", "無効化された品目には入出庫できません", ErrItemInactive)
		}

		before = item.CurrentStock
		after := before.Add(movement.SignedQuantity())
		if after.IsNegative() {
			return NewInsufficientStockError(item.ID, before, movement.Quantity)
		}

		movement.Timestamp = m.now()
		if err := tx.AppendMovement(ctx, movement); err != nil {
			return err
		}

		item.CurrentStock = after
		item.UpdatedAt = movement.Timestamp
		return tx.UpdateItem(ctx, item)
	})
	if err != nil {
		err = m.translate(op, movement.ItemID, err)
		m.reject(op, err)
		return nil, err
	}

	m.metrics.movementRecorded(item, movement)

	m.logger.Info("在庫移動記録完了",
		zap.String("movement_id", movement.ID),
		zap.String("item_id", item.ID),
		zap.String("type", string(movement.Type)),
		zap.String("quantity", movement.Quantity.String()),
		zap.String("current_stock", item.CurrentStock.String()),
		zap.String("reference", movement.Reference),
	)

	m.afterMovement(ctx, item, before, movement)

	return movement, nil
}

// GetMovement gets a movement by ID
// IDで在庫移動を取得
func (m *Manager) GetMovement(ctx context.Context, movementID string) (*StockMovement, error) {
	if movementID == "" {
		return nil, NewValidationError("movementId", "移動IDが空です", "")
	}
	movement, err := m.storage.GetMovement(ctx, movementID)
	if err != nil {
		return nil, m.translate("get_movement", movementID, err)
	}
	return movement, nil
}

// ExecuteBatch applies each operation independently in order
// バッチ在庫操作を順に実行（操作ごとに独立）
func (m *Manager) ExecuteBatch(ctx context.Context, operations []MovementOperation) (*BatchResult, error) {
	if len(operations) == 0 {
		return nil, NewValidationError("operations", "操作が指定されていません", "")
	}

	batch := &BatchResult{
		ID:        NewBatchID(),
		CreatedAt: m.now(),
		Movements: make([]StockMovement, 0, len(operations)),
		Errors:    make([]BatchOperationError, 0),
	}

	for i, op := range operations {
		if err := ctx.Err(); err != nil {
			return nil, NewPersistenceError("execute_batch", "バッチ処理が中断されました", err)
		}

		var (
			movement *StockMovement
			err      error
		)
		switch {
		case op.Type == MovementTypeIn && op.In != nil:
			movement, err = m.RecordStockIn(ctx, *op.In)
		case op.Type == MovementTypeOut && op.Out != nil:
			movement, err = m.RecordStockOut(ctx, *op.Out)
		default:
			err = NewValidationError("type", fmt.Sprintf("未知の操作タイプ: %s", op.Type), string(op.Type))
		}

		if err != nil {
			batch.Errors = append(batch.Errors, BatchOperationError{
				OperationIndex: i,
				Kind:           KindOf(err),
				Error:          err.Error(),
			})
			batch.FailureCount++
			continue
		}
		batch.Movements = append(batch.Movements, *movement)
		batch.SuccessCount++
	}

	batch.CompletedAt = m.now()
	switch {
	case batch.FailureCount == 0:
		batch.Status = BatchStatusCompleted
	case batch.SuccessCount == 0:
		batch.Status = BatchStatusFailed
	default:
		batch.Status = BatchStatusPartial
	}

	m.logger.Info("バッチ処理完了",
		zap.String("batch_id", batch.ID),
		zap.Int("success", batch.SuccessCount),
		zap.Int("failure", batch.FailureCount),
	)

	return batch, nil
}
