package inventory

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

// ItemRegistry defines the item master operations
// 品目マスタ操作のインターフェースを定義
type ItemRegistry interface {
	CreateItem(ctx context.Context, spec ItemSpec) (*StockItem, error)
	UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*StockItem, error)
	GetItem(ctx context.Context, itemID string) (*StockItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]StockItem, error)
	DeactivateItem(ctx context.Context, itemID string) (*StockItem, error)
}

// MovementLedger defines the append-only ledger operations
// 追記専用台帳の操作を定義
type MovementLedger interface {
	RecordStockIn(ctx context.Context, req StockInRequest) (*StockMovement, error)
	RecordStockOut(ctx context.Context, req StockOutRequest) (*StockMovement, error)
	GetMovement(ctx context.Context, movementID string) (*StockMovement, error)
	ExecuteBatch(ctx context.Context, operations []MovementOperation) (*BatchResult, error)
}

// ReconciliationEngine defines cache reconciliation and reporting
// 在庫キャッシュの照合と集計を定義
type ReconciliationEngine interface {
	RecomputeCurrentStock(ctx context.Context, itemID string) (*ReconcileResult, error)
	ReconcileAll(ctx context.Context) (*ReconcileReport, error)
	LowStockItems(ctx context.Context) ([]LowStockItem, error)
	Statistics(ctx context.Context) (*Statistics, error)
}

// MovementQuery defines the filtered movement history
// 在庫移動履歴の検索を定義
type MovementQuery interface {
	QueryMovements(ctx context.Context, filter MovementFilter) iter.Seq2[StockMovement, error]
	CollectMovements(ctx context.Context, filter MovementFilter, limit int) ([]StockMovement, error)
}

// StockLedger is the full surface served by Manager
// Managerが提供する全操作
type StockLedger interface {
	ItemRegistry
	MovementLedger
	ReconciliationEngine
	MovementQuery
}

// ValuationMethod defines inventory valuation methods
// 在庫評価方法を定義
type ValuationMethod string

const (
	ValuationMethodFIFO     ValuationMethod = "FIFO"     // 先入先出
	ValuationMethodLIFO     ValuationMethod = "LIFO"     // 後入先出
	ValuationMethodAverage  ValuationMethod = "AVERAGE"  // 平均法
	ValuationMethodStandard ValuationMethod = "STANDARD" // 標準原価
)

// Valuer defines inventory valuation
// 在庫評価のインターフェースを定義
type Valuer interface {
	ValueItem(ctx context.Context, itemID string, method ValuationMethod) (*ItemValuation, error)
	TotalValue(ctx context.Context, method ValuationMethod) (decimal.Decimal, error)
}

// Tracker defines batch expiry tracking and audit
// バッチ期限追跡と監査のインターフェースを定義
type Tracker interface {
	ExpiringBatches(ctx context.Context, within time.Duration) ([]BatchInfo, error)
	ExpiredBatches(ctx context.Context) ([]BatchInfo, error)
	AuditTrail(ctx context.Context, itemID string, from, to time.Time) (*AuditTrail, error)
}

// Storage defines the interface for data persistence layer
// データ永続化層のインターフェースを定義
//
// Not-found lookups return ErrItemNotFound / ErrMovementNotFound; a duplicate
// active name+category returns ErrDuplicateItem.
type Storage interface {
	// Atomic runs fn in one transaction; any error rolls back every write of fn.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	GetItem(ctx context.Context, itemID string) (*StockItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]StockItem, error)

	GetMovement(ctx context.Context, movementID string) (*StockMovement, error)
	// ListMovements returns up to limit movements ordered by (timestamp, id)
	// descending, strictly after cursor when it is non-nil.
	ListMovements(ctx context.Context, filter MovementFilter, after *MovementCursor, limit int) ([]StockMovement, error)
	SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error)
	CountMovements(ctx context.Context) (MovementCounts, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the transactional view handed to Storage.Atomic
// トランザクション内の操作
type Tx interface {
	// GetItemForUpdate reads and row-locks the item until the transaction ends.
	GetItemForUpdate(ctx context.Context, itemID string) (*StockItem, error)
	// FindActiveItemByName returns nil, nil when no active item matches.
	FindActiveItemByName(ctx context.Context, name string, category Category) (*StockItem, error)
	CreateItem(ctx context.Context, item *StockItem) error
	UpdateItem(ctx context.Context, item *StockItem) error
	AppendMovement(ctx context.Context, movement *StockMovement) error
	SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error)
}

// EventPublisher defines interface for publishing inventory events
// 在庫イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
	PublishLowStockAlert(ctx context.Context, event LowStockAlertEvent) error
}

// Events for inventory operations
// 在庫操作のイベント定義

// StockChangedEvent represents a stock level change
// 在庫レベル変更イベントを表現
type StockChangedEvent struct {
	ItemID      string          `json:"itemId"`
	MovementID  string          `json:"movementId"`
	Type        MovementType    `json:"type"`
	OldQuantity decimal.Decimal `json:"oldQuantity"`
	NewQuantity decimal.Decimal `json:"newQuantity"`
	Reference   string          `json:"reference"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      string          `json:"userId"`
}

// LowStockAlertEvent represents a low stock alert
// 低在庫アラートイベントを表現
type LowStockAlertEvent struct {
	ItemID       string          `json:"itemId"`
	ItemName     string          `json:"itemName"`
	CurrentStock decimal.Decimal `json:"currentStock"`
	ReorderPoint decimal.Decimal `json:"reorderPoint"`
	Timestamp    time.Time       `json:"timestamp"`
}
