// Package inventory provides the stock ledger core: item registry, append-only
// movement ledger, reconciliation and movement queries.
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category classifies stock items
// 在庫品目の分類
type Category string

const (
	CategoryIngredients Category = "Ingredients" // 原材料
	CategoryProducts    Category = "Products"    // 製品
	CategoryPackaging   Category = "Packaging"   // 包装資材
)

// Categories lists every accepted category in display order.
var Categories = []Category{CategoryIngredients, CategoryProducts, CategoryPackaging}

// StockItem represents item master data plus the cached stock level
// 品目マスタと在庫数キャッシュを表現
type StockItem struct {
	ID           string          `json:"id" db:"id"`                      // 品目ID
	Name         string          `json:"name" db:"name"`                  // 品目名
	Category     Category        `json:"category" db:"category"`          // カテゴリ
	Unit         string          `json:"unit" db:"unit"`                  // 単位（kg、個など）
	CurrentStock decimal.Decimal `json:"currentStock" db:"current_stock"` // 現在庫（台帳合計のキャッシュ）
	MinStock     decimal.Decimal `json:"minStock" db:"min_stock"`         // 最小在庫
	MaxStock     decimal.Decimal `json:"maxStock" db:"max_stock"`         // 最大在庫
	ReorderPoint decimal.Decimal `json:"reorderPoint" db:"reorder_point"` // 発注点
	Supplier     string          `json:"supplier" db:"supplier"`          // 仕入先
	CostPerUnit  decimal.Decimal `json:"costPerUnit" db:"cost_per_unit"`  // 単価
	Active       bool            `json:"active" db:"active"`              // 有効フラグ（論理削除）
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`       // 作成日時
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`       // 更新日時
}

// IsLowStock reports whether the item is at or below its reorder point
// 発注点以下かどうかを判定
func (i *StockItem) IsLowStock() bool {
	return i.CurrentStock.LessThanOrEqual(i.ReorderPoint)
}

// Shortfall returns reorderPoint - currentStock (negative when above the point).
func (i *StockItem) Shortfall() decimal.Decimal {
	return i.ReorderPoint.Sub(i.CurrentStock)
}

// Value returns currentStock * costPerUnit.
func (i *StockItem) Value() decimal.Decimal {
	return i.CurrentStock.Mul(i.CostPerUnit)
}

// MovementType defines the direction of a ledger movement
// 在庫移動の方向を定義
type MovementType string

const (
	MovementTypeIn  MovementType = "IN"  // 入庫
	MovementTypeOut MovementType = "OUT" // 出庫
)

// StockMovement is an immutable ledger entry
// 変更不可の台帳エントリ
type StockMovement struct {
	ID            string           `json:"id" db:"id"`                                  // 移動ID
	ItemID        string           `json:"itemId" db:"item_id"`                         // 品目ID
	Type          MovementType     `json:"type" db:"type"`                              // 入庫/出庫
	Quantity      decimal.Decimal  `json:"quantity" db:"quantity"`                      // 数量（常に正）
	Supplier      string           `json:"supplier,omitempty" db:"supplier"`            // 仕入先（入庫）
	BatchNumber   string           `json:"batchNumber,omitempty" db:"batch_number"`     // バッチ番号（入庫）
	ExpiryDate    *time.Time       `json:"expiryDate,omitempty" db:"expiry_date"`       // 有効期限（入庫）
	PurchasePrice *decimal.Decimal `json:"purchasePrice,omitempty" db:"purchase_price"` // 仕入単価（入庫）
	Reason        string           `json:"reason,omitempty" db:"reason"`                // 出庫理由
	Reference     string           `json:"reference,omitempty" db:"reference"`          // 参照番号
	Notes         string           `json:"notes,omitempty" db:"notes"`                  // 備考
	CreatedBy     string           `json:"createdBy" db:"created_by"`                   // 作成者
	Timestamp     time.Time        `json:"timestamp" db:"created_at"`                   // 記録日時
}

// SignedQuantity returns +quantity for IN and -quantity for OUT
// 入庫は正、出庫は負の数量を返す
func (m *StockMovement) SignedQuantity() decimal.Decimal {
	if m.Type == MovementTypeOut {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

// ItemSpec is the input for creating an item. Numeric pointers distinguish
// "missing" from zero.
// 品目作成の入力
type ItemSpec struct {
	Name         string           `json:"name"`
	Category     Category         `json:"category"`
	CurrentStock *decimal.Decimal `json:"currentStock"`
	Unit         string           `json:"unit"`
	MinStock     *decimal.Decimal `json:"minStock"`
	MaxStock     *decimal.Decimal `json:"maxStock"`
	ReorderPoint *decimal.Decimal `json:"reorderPoint"`
	Supplier     string           `json:"supplier"`
	CostPerUnit  *decimal.Decimal `json:"costPerUnit"`
}

// ItemPatch is a partial update; nil fields are left untouched
// 品目の部分更新（nilは変更なし）
type ItemPatch struct {
	Name         *string          `json:"name,omitempty"`
	Category     *Category        `json:"category,omitempty"`
	CurrentStock *decimal.Decimal `json:"currentStock,omitempty"`
	Unit         *string          `json:"unit,omitempty"`
	MinStock     *decimal.Decimal `json:"minStock,omitempty"`
	MaxStock     *decimal.Decimal `json:"maxStock,omitempty"`
	ReorderPoint *decimal.Decimal `json:"reorderPoint,omitempty"`
	Supplier     *string          `json:"supplier,omitempty"`
	CostPerUnit  *decimal.Decimal `json:"costPerUnit,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *ItemPatch) IsEmpty() bool {
	return p.Name == nil && p.Category == nil && p.CurrentStock == nil && p.Unit == nil &&
		p.MinStock == nil && p.MaxStock == nil && p.ReorderPoint == nil &&
		p.Supplier == nil && p.CostPerUnit == nil
}

// StockInRequest records goods received
// 入庫リクエスト
type StockInRequest struct {
	ItemID        string           `json:"itemId"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Supplier      string           `json:"supplier"`
	BatchNumber   string           `json:"batchNumber,omitempty"`
	ExpiryDate    string           `json:"expiryDate,omitempty"` // ISO date (2006-01-02)
	PurchasePrice *decimal.Decimal `json:"purchasePrice,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	Reference     string           `json:"reference,omitempty"`
}

// StockOutRequest records goods consumed or shipped
// 出庫リクエスト
type StockOutRequest struct {
	ItemID    string          `json:"itemId"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reason    string          `json:"reason"`
	Reference string          `json:"reference"`
	Notes     string          `json:"notes,omitempty"`
}

// ItemFilter narrows ListItems. Limit 0 returns every match.
// 品目一覧の絞り込み条件
type ItemFilter struct {
	Category        Category `json:"category,omitempty"`
	Search          string   `json:"search,omitempty"`
	LowStockOnly    bool     `json:"lowStockOnly,omitempty"`
	IncludeInactive bool     `json:"includeInactive,omitempty"`
	Offset          int      `json:"offset,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

// MovementFilter narrows movement queries; all set fields are ANDed
// 在庫移動検索の条件（指定項目はAND結合）
type MovementFilter struct {
	ItemID   string       `json:"itemId,omitempty"`
	Type     MovementType `json:"type,omitempty"`
	DateFrom *time.Time   `json:"dateFrom,omitempty"` // 以上
	DateTo   *time.Time   `json:"dateTo,omitempty"`   // 以下
	Search   string       `json:"search,omitempty"`
	PageSize int          `json:"-"`
}

// MovementCursor marks the last row of a page for keyset pagination.
type MovementCursor struct {
	Timestamp time.Time
	ID        string
}

// MovementCounts holds ledger row counts per direction.
type MovementCounts struct {
	In  int64 `json:"in"`
	Out int64 `json:"out"`
}

// Total returns In + Out.
func (c MovementCounts) Total() int64 {
	return c.In + c.Out
}

// LowStockItem is an entry of the low-stock report
// 低在庫レポートの1行
type LowStockItem struct {
	Item      StockItem       `json:"item"`
	Shortfall decimal.Decimal `json:"shortfall"` // 発注点 - 現在庫
}

// CategoryStatistics aggregates items of one category.
type CategoryStatistics struct {
	Items      int             `json:"items"`
	TotalValue decimal.Decimal `json:"totalValue"`
	LowStock   int             `json:"lowStock"`
}

// Statistics is the aggregate ledger report
// 在庫統計
type Statistics struct {
	TotalItems     int                             `json:"totalItems"`
	TotalMovements int64                           `json:"totalMovements"`
	InMovements    int64                           `json:"inMovements"`
	OutMovements   int64                           `json:"outMovements"`
	TotalValue     decimal.Decimal                 `json:"totalValue"`
	LowStockCount  int                             `json:"lowStockCount"`
	ByCategory     map[Category]CategoryStatistics `json:"byCategory"`
	GeneratedAt    time.Time                       `json:"generatedAt"`
}

// ReconcileResult compares the cached level with the ledger sum
// キャッシュと台帳合計の照合結果
type ReconcileResult struct {
	ItemID    string          `json:"itemId"`
	Cached    decimal.Decimal `json:"cached"`
	Ledger    decimal.Decimal `json:"ledger"`
	Drift     decimal.Decimal `json:"drift"` // cached - ledger
	Healed    bool            `json:"healed"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// ReconcileReport summarizes a full reconciliation run.
type ReconcileReport struct {
	Checked     int               `json:"checked"`
	Healed      int               `json:"healed"`
	Failed      int               `json:"failed"`
	Drifted     []ReconcileResult `json:"drifted"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
}

// MovementOperation is one entry of a batch request
// バッチ内の単一操作
type MovementOperation struct {
	Type MovementType     `json:"type"`
	In   *StockInRequest  `json:"in,omitempty"`
	Out  *StockOutRequest `json:"out,omitempty"`
}

// BatchStatus defines the status of a batch
// バッチ操作のステータスを定義
type BatchStatus string

const (
	BatchStatusCompleted BatchStatus = "completed" // 全件成功
	BatchStatusPartial   BatchStatus = "partial"   // 一部失敗
	BatchStatusFailed    BatchStatus = "failed"    // 全件失敗
)

// BatchResult reports per-operation outcomes
// バッチ操作の結果
type BatchResult struct {
	ID           string                `json:"id"`
	Status       BatchStatus           `json:"status"`
	SuccessCount int                   `json:"successCount"`
	FailureCount int                   `json:"failureCount"`
	Movements    []StockMovement       `json:"movements"`
	Errors       []BatchOperationError `json:"errors"`
	CreatedAt    time.Time             `json:"createdAt"`
	CompletedAt  time.Time             `json:"completedAt"`
}

// BatchOperationError represents an error in batch processing
// バッチ処理でのエラーを表現
type BatchOperationError struct {
	OperationIndex int       `json:"operationIndex"`
	Kind           ErrorKind `json:"kind"`
	Error          string    `json:"error"`
}

// NewItemID generates a new item ID
// 新しい品目IDを生成
func NewItemID() string {
	return uuid.New().String()
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// NewBatchID generates a new batch operation ID
// 新しいバッチ操作IDを生成
func NewBatchID() string {
	return uuid.New().String()
}

// DecimalPtr returns a pointer to d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
