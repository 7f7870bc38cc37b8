package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockStorage はテスト用のStorageモック
type MockStorage struct {
	mock.Mock
	tx *MockTx
}

func newMockStorage() *MockStorage {
	return &MockStorage{tx: new(MockTx)}
}

func (m *MockStorage) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(m.tx)
}

func (m *MockStorage) GetItem(ctx context.Context, itemID string) (*StockItem, error) {
	args := m.Called(ctx, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockItem), args.Error(1)
}

func (m *MockStorage) ListItems(ctx context.Context, filter ItemFilter) ([]StockItem, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]StockItem), args.Error(1)
}

func (m *MockStorage) GetMovement(ctx context.Context, movementID string) (*StockMovement, error) {
	args := m.Called(ctx, movementID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockMovement), args.Error(1)
}

func (m *MockStorage) ListMovements(ctx context.Context, filter MovementFilter, after *MovementCursor, limit int) ([]StockMovement, error) {
	args := m.Called(ctx, filter, after, limit)
	return args.Get(0).([]StockMovement), args.Error(1)
}

func (m *MockStorage) SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockStorage) CountMovements(ctx context.Context) (MovementCounts, error) {
	args := m.Called(ctx)
	return args.Get(0).(MovementCounts), args.Error(1)
}

func (m *MockStorage) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockTx はテスト用のTxモック
type MockTx struct {
	mock.Mock
}

func (m *MockTx) GetItemForUpdate(ctx context.Context, itemID string) (*StockItem, error) {
	args := m.Called(ctx, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockItem), args.Error(1)
}

func (m *MockTx) FindActiveItemByName(ctx context.Context, name string, category Category) (*StockItem, error) {
	args := m.Called(ctx, name, category)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockItem), args.Error(1)
}

func (m *MockTx) CreateItem(ctx context.Context, item *StockItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockTx) UpdateItem(ctx context.Context, item *StockItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockTx) AppendMovement(ctx context.Context, movement *StockMovement) error {
	args := m.Called(ctx, movement)
	return args.Error(0)
}

func (m *MockTx) SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error) {
	args := m.Called(ctx, itemID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// MockPublisher はテスト用のEventPublisherモック
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishStockChanged(ctx context.Context, event StockChangedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) PublishLowStockAlert(ctx context.Context, event LowStockAlertEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

const testItemID = "TEST-ITEM"

// testItem はテスト用の品目を返す
func testItem(stock int64) *StockItem {
	return &StockItem{
		ID:           testItemID,
		Name:         "強力粉",
		Category:     CategoryIngredients,
		Unit:         "kg",
		CurrentStock: decimal.NewFromInt(stock),
		MinStock:     decimal.NewFromInt(10),
		MaxStock:     decimal.NewFromInt(100),
		ReorderPoint: decimal.NewFromInt(20),
		Supplier:     "製粉所",
		CostPerUnit:  decimal.NewFromFloat(1.5),
		Active:       true,
	}
}

func stockOut(qty int64) StockOutRequest {
	return StockOutRequest{
		ItemID:    testItemID,
		Quantity:  decimal.NewFromInt(qty),
		Reason:    "製造",
		Reference: "ORD-001",
	}
}

// TestManager_RecordStockIn は入庫機能のテスト
func TestManager_RecordStockIn(t *testing.T) {
	mockStorage := newMockStorage()
	publisher := new(MockPublisher)
	manager := NewManager(mockStorage, publisher, zap.NewNop(), nil)
	ctx := WithUser(context.Background(), "baker")

	// モックの期待値設定
	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(30), nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.MatchedBy(func(m *StockMovement) bool {
		return m.Type == MovementTypeIn && m.Quantity.Equal(decimal.NewFromInt(50)) && m.CreatedBy == "baker"
	})).Return(nil)
	mockStorage.tx.On("UpdateItem", ctx, mock.MatchedBy(func(item *StockItem) bool {
		return item.CurrentStock.Equal(decimal.NewFromInt(80))
	})).Return(nil)
	publisher.On("PublishStockChanged", ctx, mock.MatchedBy(func(e StockChangedEvent) bool {
		return e.OldQuantity.Equal(decimal.NewFromInt(30)) && e.NewQuantity.Equal(decimal.NewFromInt(80))
	})).Return(nil)

	// テスト実行
	movement, err := manager.RecordStockIn(ctx, StockInRequest{
		ItemID:      testItemID,
		Quantity:    decimal.NewFromInt(50),
		Supplier:    "製粉所",
		BatchNumber: "LOT-1",
		ExpiryDate:  "2030-01-31",
	})

	// アサーション
	require.NoError(t, err)
	assert.Equal(t, "2030-01-31", movement.ExpiryDate.Format("2006-01-02"))
	assert.False(t, movement.Timestamp.IsZero())
	mockStorage.AssertExpectations(t)
	mockStorage.tx.AssertExpectations(t)
	publisher.AssertExpectations(t)
	publisher.AssertNotCalled(t, "PublishLowStockAlert", mock.Anything, mock.Anything)
}

// TestManager_RecordStockOut_LowStockAlert は低在庫アラートのテスト
func TestManager_RecordStockOut_LowStockAlert(t *testing.T) {
	mockStorage := newMockStorage()
	publisher := new(MockPublisher)
	manager := NewManager(mockStorage, publisher, zap.NewNop(), nil)
	ctx := context.Background()

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(30), nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.AnythingOfType("*inventory.StockMovement")).Return(nil)
	mockStorage.tx.On("UpdateItem", ctx, mock.AnythingOfType("*inventory.StockItem")).Return(nil)
	publisher.On("PublishStockChanged", ctx, mock.AnythingOfType("inventory.StockChangedEvent")).Return(nil)
	publisher.On("PublishLowStockAlert", ctx, mock.MatchedBy(func(e LowStockAlertEvent) bool {
		return e.CurrentStock.Equal(decimal.NewFromInt(20)) && e.ReorderPoint.Equal(decimal.NewFromInt(20))
	})).Return(nil)

	movement, err := manager.RecordStockOut(ctx, stockOut(10))

	require.NoError(t, err)
	assert.Equal(t, "system", movement.CreatedBy)
	publisher.AssertExpectations(t)
}

// TestManager_InsufficientStock は在庫不足エラーのテスト
func TestManager_InsufficientStock(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(10), nil)

	// テスト実行 - 在庫数を超える出庫を試行
	_, err := manager.RecordStockOut(ctx, stockOut(50))

	// アサーション - 在庫不足エラーになることを確認
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, KindInsufficientStock, KindOf(err))

	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.True(t, ise.Available.Equal(decimal.NewFromInt(10)))
	assert.True(t, ise.Requested.Equal(decimal.NewFromInt(50)))

	mockStorage.tx.AssertNotCalled(t, "AppendMovement", mock.Anything, mock.Anything)
	mockStorage.tx.AssertNotCalled(t, "UpdateItem", mock.Anything, mock.Anything)
}

// TestManager_InactiveItem は無効化品目への入出庫のテスト
func TestManager_InactiveItem(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	item := testItem(40)
	item.Active = false
	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(item, nil)

	_, err := manager.RecordStockOut(ctx, stockOut(1))

	assert.ErrorIs(t, err, ErrItemInactive)
	assert.Equal(t, KindConflict, KindOf(err))
	mockStorage.tx.AssertNotCalled(t, "AppendMovement", mock.Anything, mock.Anything)
}

// TestManager_ItemNotFound は存在しない品目のテスト
func TestManager_ItemNotFound(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, "MISSING").Return(nil, ErrItemNotFound)

	req := stockOut(1)
	req.ItemID = "MISSING"
	_, err := manager.RecordStockOut(ctx, req)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "MISSING", nf.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

// TestManager_PersistenceFailure はストレージ障害の分類テスト
func TestManager_PersistenceFailure(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()
	cause := errors.New("connection reset by peer")

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(40), nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.AnythingOfType("*inventory.StockMovement")).Return(cause)

	_, err := manager.RecordStockOut(ctx, stockOut(5))

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "stock_out", pe.Operation)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	mockStorage.tx.AssertNotCalled(t, "UpdateItem", mock.Anything, mock.Anything)
}

// TestManager_LockWaitCanceled は品目ロック待機中のキャンセルのテスト
func TestManager_LockWaitCanceled(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)

	unlock := manager.locks.Lock(testItemID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := manager.RecordStockOut(ctx, stockOut(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindPersistence, KindOf(err))

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = manager.RecomputeCurrentStock(canceled, testItemID)
	assert.ErrorIs(t, err, context.Canceled)

	mockStorage.AssertNotCalled(t, "Atomic", mock.Anything)
}

// TestManager_PublisherFailure はイベント発行失敗時も記録が成功することのテスト
func TestManager_PublisherFailure(t *testing.T) {
	mockStorage := newMockStorage()
	publisher := new(MockPublisher)
	manager := NewManager(mockStorage, publisher, zap.NewNop(), nil)
	ctx := context.Background()

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(80), nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.AnythingOfType("*inventory.StockMovement")).Return(nil)
	mockStorage.tx.On("UpdateItem", ctx, mock.AnythingOfType("*inventory.StockItem")).Return(nil)
	publisher.On("PublishStockChanged", ctx, mock.Anything).Return(errors.New("redis down"))

	movement, err := manager.RecordStockOut(ctx, stockOut(5))

	assert.NoError(t, err)
	assert.NotNil(t, movement)
}

// TestManager_CreateItem_OpeningBalance は期首在庫の記録テスト
func TestManager_CreateItem_OpeningBalance(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	spec := ItemSpec{
		Name:         "  無塩バター ",
		Category:     CategoryIngredients,
		CurrentStock: DecimalPtr(decimal.NewFromInt(12)),
		Unit:         "kg",
		MinStock:     DecimalPtr(decimal.NewFromInt(2)),
		MaxStock:     DecimalPtr(decimal.NewFromInt(30)),
		ReorderPoint: DecimalPtr(decimal.NewFromInt(5)),
		Supplier:     "乳業",
		CostPerUnit:  DecimalPtr(decimal.RequireFromString("8.25")),
	}

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("FindActiveItemByName", ctx, "無塩バター", CategoryIngredients).Return(nil, nil)
	mockStorage.tx.On("CreateItem", ctx, mock.AnythingOfType("*inventory.StockItem")).Return(nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.MatchedBy(func(m *StockMovement) bool {
		return m.Reference == OpeningBalanceReference &&
			m.Quantity.Equal(decimal.NewFromInt(12)) &&
			m.PurchasePrice != nil && m.PurchasePrice.Equal(decimal.RequireFromString("8.25"))
	})).Return(nil)

	item, err := manager.CreateItem(ctx, spec)

	require.NoError(t, err)
	assert.Equal(t, "無塩バター", item.Name)
	assert.True(t, item.Active)
	mockStorage.tx.AssertExpectations(t)
}

// TestManager_CreateItem_Duplicate は同名品目の重複テスト
func TestManager_CreateItem_Duplicate(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	spec := ItemSpec{
		Name:         "強力粉",
		Category:     CategoryIngredients,
		CurrentStock: DecimalPtr(decimal.Zero),
		Unit:         "kg",
		MinStock:     DecimalPtr(decimal.Zero),
		MaxStock:     DecimalPtr(decimal.Zero),
		ReorderPoint: DecimalPtr(decimal.Zero),
		Supplier:     "製粉所",
		CostPerUnit:  DecimalPtr(decimal.Zero),
	}

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("FindActiveItemByName", ctx, "強力粉", CategoryIngredients).Return(testItem(0), nil)

	_, err := manager.CreateItem(ctx, spec)

	assert.ErrorIs(t, err, ErrDuplicateItem)
	assert.Equal(t, KindConflict, KindOf(err))
	mockStorage.tx.AssertNotCalled(t, "CreateItem", mock.Anything, mock.Anything)
}

// TestManager_CreateItem_Thresholds は閾値の大小関係のテスト
func TestManager_CreateItem_Thresholds(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)

	spec := ItemSpec{
		Name:         "砂糖",
		Category:     CategoryIngredients,
		CurrentStock: DecimalPtr(decimal.Zero),
		Unit:         "kg",
		MinStock:     DecimalPtr(decimal.NewFromInt(10)),
		MaxStock:     DecimalPtr(decimal.NewFromInt(50)),
		ReorderPoint: DecimalPtr(decimal.NewFromInt(5)),
		Supplier:     "商社",
		CostPerUnit:  DecimalPtr(decimal.NewFromInt(2)),
	}

	_, err := manager.CreateItem(context.Background(), spec)

	assert.Equal(t, "reorderPoint", FieldOf(err))
	mockStorage.AssertNotCalled(t, "Atomic", mock.Anything)
}

// TestManager_BatchOperation はバッチ操作のテスト
func TestManager_BatchOperation(t *testing.T) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(10), nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.AnythingOfType("*inventory.StockMovement")).Return(nil)
	mockStorage.tx.On("UpdateItem", ctx, mock.AnythingOfType("*inventory.StockItem")).Return(nil)

	// バッチ操作
	in := StockInRequest{ItemID: testItemID, Quantity: decimal.NewFromInt(5), Supplier: "製粉所"}
	out := stockOut(3)
	operations := []MovementOperation{
		{Type: MovementTypeIn, In: &in},
		{Type: MovementTypeOut, Out: &out},
		{Type: "MOVE"},
	}

	batch, err := manager.ExecuteBatch(ctx, operations)

	require.NoError(t, err)
	assert.Equal(t, 2, batch.SuccessCount)
	assert.Equal(t, 1, batch.FailureCount)
	assert.Equal(t, BatchStatusPartial, batch.Status)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, 2, batch.Errors[0].OperationIndex)
	assert.Equal(t, KindValidation, batch.Errors[0].Kind)
}

// ベンチマークテスト
func BenchmarkManager_RecordStockIn(b *testing.B) {
	mockStorage := newMockStorage()
	manager := NewManager(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	mockStorage.On("Atomic", ctx).Return(nil)
	mockStorage.tx.On("GetItemForUpdate", ctx, testItemID).Return(testItem(0), nil)
	mockStorage.tx.On("AppendMovement", ctx, mock.AnythingOfType("*inventory.StockMovement")).Return(nil)
	mockStorage.tx.On("UpdateItem", ctx, mock.AnythingOfType("*inventory.StockItem")).Return(nil)

	req := StockInRequest{ItemID: testItemID, Quantity: decimal.NewFromInt(1), Supplier: "製粉所"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		manager.RecordStockIn(ctx, req)
	}
}
