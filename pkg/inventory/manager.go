package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager implements the StockLedger interface
// StockLedgerインターフェースの実装
type Manager struct {
	storage   Storage          // ストレージ層
	publisher EventPublisher   // イベント発行者（nil可）
	logger    *zap.Logger      // ログ
	config    *Config          // 設定
	metrics   *Metrics         // メトリクス（nil可）
	locks     *KeyedMutex      // 品目単位のロック
	clock     func() time.Time // 時刻源
}

// すべてのインターフェースを実装することを明示
var (
	_ StockLedger          = (*Manager)(nil)
	_ ItemRegistry         = (*Manager)(nil)
	_ MovementLedger       = (*Manager)(nil)
	_ ReconciliationEngine = (*Manager)(nil)
	_ MovementQuery        = (*Manager)(nil)
)

// OpeningBalanceReference marks the movement that seeds an item's initial stock.
const OpeningBalanceReference = "OPENING-BALANCE"

// Config holds configuration for the inventory manager
// 在庫マネージャーの設定を保持
type Config struct {
	QueryPageSize         int           `yaml:"query_page_size"`         // 履歴検索のページサイズ
	EnforceThresholdOrder bool          `yaml:"enforce_threshold_order"` // 最小在庫<=発注点<=最大在庫を検証
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`      // 照合間隔（0で無効）
}

// DefaultConfig returns the manager defaults
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		QueryPageSize:         100,
		EnforceThresholdOrder: true,
		ReconcileInterval:     time.Hour,
	}
}

// NewManager creates a new inventory manager
// 新しい在庫マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.QueryPageSize <= 0 {
		config.QueryPageSize = DefaultConfig().QueryPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		locks:     NewKeyedMutex(),
		clock:     time.Now,
	}
}

// WithMetrics attaches prometheus collectors
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithClock replaces the time source
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return *m.config
}

// now returns UTC time truncated to the precision the storage keeps.
func (m *Manager) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

// translate maps storage failures onto the error taxonomy
// ストレージのエラーを分類済みエラーに変換
func (m *Manager) translate(operation, id string, err error) error {
	return translateError(operation, id, err)
}

func translateError(operation, id string, err error) error {
	var (
		nf *NotFoundError
		ce *ConflictError
		pe *PersistenceError
	)
	switch {
	case errors.As(err, &nf), errors.As(err, &ce), errors.As(err, &pe):
		return err
	case errors.Is(err, ErrItemNotFound):
		return NewItemNotFoundError(id)
	case errors.Is(err, ErrMovementNotFound):
		return NewMovementNotFoundError(id)
	case errors.Is(err, ErrDuplicateItem):
		return NewConflictError("item", "同名・同カテゴリの品目が既に存在します", ErrDuplicateItem)
	case KindOf(err) != KindPersistence:
		return err
	default:
		return NewPersistenceError(operation, "ストレージ操作に失敗しました", err)
	}
}

func (m *Manager) reject(operation string, err error) {
	m.metrics.operationRejected(operation, err)
	if KindOf(err) == KindPersistence {
		m.logger.Error("ストレージ操作に失敗しました",
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
}

// afterMovement publishes events for a committed movement. Failures are
// logged only; the movement is already durable.
// コミット後のイベント発行
func (m *Manager) afterMovement(ctx context.Context, item *StockItem, before decimal.Decimal, movement *StockMovement) {
	if m.publisher == nil {
		return
	}

	event := StockChangedEvent{
		ItemID:      item.ID,
		MovementID:  movement.ID,
		Type:        movement.Type,
		OldQuantity: before,
		NewQuantity: item.CurrentStock,
		Reference:   movement.Reference,
		Timestamp:   movement.Timestamp,
		UserID:      movement.CreatedBy,
	}
	if err := m.publisher.PublishStockChanged(ctx, event); err != nil {
		m.logger.Error("イベント発行に失敗しました",
			zap.String("item_id", item.ID),
			zap.String("movement_id", movement.ID),
			zap.Error(err),
		)
	}

	if item.Active && item.IsLowStock() {
		m.triggerLowStockAlert(ctx, item)
	}
}

// triggerLowStockAlert publishes a low stock alert
// 低在庫アラートを発行
func (m *Manager) triggerLowStockAlert(ctx context.Context, item *StockItem) {
	alert := LowStockAlertEvent{
		ItemID:       item.ID,
		ItemName:     item.Name,
		CurrentStock: item.CurrentStock,
		ReorderPoint: item.ReorderPoint,
		Timestamp:    m.now(),
	}

	if err := m.publisher.PublishLowStockAlert(ctx, alert); err != nil {
		m.logger.Error("低在庫アラート発行に失敗しました",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		return
	}

	m.logger.Warn("低在庫アラート",
		zap.String("item_id", item.ID),
		zap.String("name", item.Name),
		zap.String("current_stock", item.CurrentStock.String()),
		zap.String("reorder_point", item.ReorderPoint.String()),
	)
}
