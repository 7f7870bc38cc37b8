package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// ErrStorageClosed is returned after Close
var ErrStorageClosed = errors.New("ストレージはクローズされています")

// MemoryStorage implements inventory.Storage in process memory
// プロセス内メモリによるストレージ実装
type MemoryStorage struct {
	mu        sync.RWMutex
	items     map[string]inventory.StockItem
	movements []inventory.StockMovement
	byID      map[string]int
	rowLocks  *inventory.KeyedMutex
	closed    bool
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage
// 空のメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:    make(map[string]inventory.StockItem),
		byID:     make(map[string]int),
		rowLocks: inventory.NewKeyedMutex(),
	}
}

// Atomic stages every write of fn and applies them only when fn succeeds
// fnの書き込みを保留し、成功時のみ反映
func (s *MemoryStorage) Atomic(ctx context.Context, fn func(tx inventory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrStorageClosed
	}

	tx := &memoryTx{
		store:  s,
		items:  make(map[string]inventory.StockItem),
		locked: make(map[string]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStorage) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStorageClosed
	}

	// 有効品目の名前+カテゴリ一意性
	for id, staged := range tx.items {
		if !staged.Active {
			continue
		}
		key := nameKey(staged.Name, staged.Category)
		for otherID, other := range s.items {
			if otherID == id {
				continue
			}
			if replaced, ok := tx.items[otherID]; ok {
				other = replaced
			}
			if other.Active && nameKey(other.Name, other.Category) == key {
				return inventory.ErrDuplicateItem
			}
		}
		for otherID, other := range tx.items {
			if otherID != id && other.Active && nameKey(other.Name, other.Category) == key {
				return inventory.ErrDuplicateItem
			}
		}
	}

	for _, m := range tx.movements {
		if _, exists := s.byID[m.ID]; exists {
			return fmt.Errorf("在庫移動IDが重複しています: %s", m.ID)
		}
	}

	for id, item := range tx.items {
		s.items[id] = item
	}
	for _, m := range tx.movements {
		s.byID[m.ID] = len(s.movements)
		s.movements = append(s.movements, m)
	}
	return nil
}

// GetItem gets an item by ID
func (s *MemoryStorage) GetItem(ctx context.Context, itemID string) (*inventory.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, inventory.ErrItemNotFound
	}
	return &item, nil
}

// ListItems lists items matching filter ordered by name
func (s *MemoryStorage) ListItems(ctx context.Context, filter inventory.ItemFilter) ([]inventory.StockItem, error) {
	s.mu.RLock()
	items := make([]inventory.StockItem, 0, len(s.items))
	for _, item := range s.items {
		if filter.Matches(item) {
			items = append(items, item)
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID < items[j].ID
	})

	return paginate(items, filter.Offset, filter.Limit), nil
}

// GetMovement gets a movement by ID
func (s *MemoryStorage) GetMovement(ctx context.Context, movementID string) (*inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[movementID]
	if !ok {
		return nil, inventory.ErrMovementNotFound
	}
	m := s.movements[idx]
	return &m, nil
}

// ListMovements returns one page of matching movements, newest first
func (s *MemoryStorage) ListMovements(ctx context.Context, filter inventory.MovementFilter, after *inventory.MovementCursor, limit int) ([]inventory.StockMovement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]inventory.StockMovement, 0)
	for _, m := range s.movements {
		if filter.Matches(m) && (after == nil || before(m, *after)) {
			matched = append(matched, m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	return paginate(matched, 0, limit), nil
}

// SumMovements returns the signed ledger total of an item
func (s *MemoryStorage) SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumLocked(itemID), nil
}

func (s *MemoryStorage) sumLocked(itemID string) decimal.Decimal {
	total := decimal.Zero
	for i := range s.movements {
		if s.movements[i].ItemID == itemID {
			total = total.Add(s.movements[i].SignedQuantity())
		}
	}
	return total
}

// CountMovements counts ledger rows per type
func (s *MemoryStorage) CountMovements(ctx context.Context) (inventory.MovementCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts inventory.MovementCounts
	for i := range s.movements {
		if s.movements[i].Type == inventory.MovementTypeIn {
			counts.In++
		} else {
			counts.Out++
		}
	}
	return counts, nil
}

// Ping reports whether the storage is open
func (s *MemoryStorage) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	return nil
}

// Close closes the storage
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStorage) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// memoryTx is the staged view of one Atomic call
type memoryTx struct {
	store     *MemoryStorage
	items     map[string]inventory.StockItem
	movements []inventory.StockMovement
	locked    map[string]bool
	unlocks   []func()
}

var _ inventory.Tx = (*memoryTx)(nil)

func (tx *memoryTx) GetItemForUpdate(ctx context.Context, itemID string) (*inventory.StockItem, error) {
	if !tx.locked[itemID] {
		unlock, err := tx.store.rowLocks.LockContext(ctx, itemID)
		if err != nil {
			return nil, err
		}
		tx.unlocks = append(tx.unlocks, unlock)
		tx.locked[itemID] = true
	}
	return tx.read(itemID)
}

func (tx *memoryTx) FindActiveItemByName(ctx context.Context, name string, category inventory.Category) (*inventory.StockItem, error) {
	key := nameKey(name, category)

	for _, item := range tx.items {
		if item.Active && nameKey(item.Name, item.Category) == key {
			return &item, nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for id, item := range tx.store.items {
		if _, staged := tx.items[id]; staged {
			continue
		}
		if item.Active && nameKey(item.Name, item.Category) == key {
			return &item, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) CreateItem(ctx context.Context, item *inventory.StockItem) error {
	if _, err := tx.read(item.ID); err == nil {
		return fmt.Errorf("品目IDが重複しています: %s", item.ID)
	}
	tx.items[item.ID] = *item
	return nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item *inventory.StockItem) error {
	if _, err := tx.read(item.ID); err != nil {
		return err
	}
	tx.items[item.ID] = *item
	return nil
}

func (tx *memoryTx) AppendMovement(ctx context.Context, movement *inventory.StockMovement) error {
	if _, err := tx.read(movement.ItemID); err != nil {
		return err
	}
	tx.movements = append(tx.movements, *movement)
	return nil
}

func (tx *memoryTx) SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error) {
	tx.store.mu.RLock()
	total := tx.store.sumLocked(itemID)
	tx.store.mu.RUnlock()

	for i := range tx.movements {
		if tx.movements[i].ItemID == itemID {
			total = total.Add(tx.movements[i].SignedQuantity())
		}
	}
	return total, nil
}

func (tx *memoryTx) read(itemID string) (*inventory.StockItem, error) {
	if item, ok := tx.items[itemID]; ok {
		return &item, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	item, ok := tx.store.items[itemID]
	if !ok {
		return nil, inventory.ErrItemNotFound
	}
	return &item, nil
}

func (tx *memoryTx) release() {
	for i := len(tx.unlocks) - 1; i >= 0; i-- {
		tx.unlocks[i]()
	}
}

func nameKey(name string, category inventory.Category) string {
	return string(category) + "\x00" + inventory.FoldText(name)
}

// before reports whether m sorts after the cursor in (timestamp, id) descending order.
func before(m inventory.StockMovement, cursor inventory.MovementCursor) bool {
	if m.Timestamp.Equal(cursor.Timestamp) {
		return m.ID < cursor.ID
	}
	return m.Timestamp.Before(cursor.Timestamp)
}

func paginate[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return rows[:0]
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
