package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

const activeNameIndex = "ux_stock_items_active_name"

// schemaSQL bootstraps the tables; every statement is idempotent.
// name_key stores inventory.FoldText(name); uniqueness is checked on it.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS stock_items (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	name_key       TEXT NOT NULL,
	category       TEXT NOT NULL CHECK (category IN ('Ingredients', 'Products', 'Packaging')),
	unit           TEXT NOT NULL,
	current_stock  NUMERIC(18, 4) NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
	min_stock      NUMERIC(18, 4) NOT NULL DEFAULT 0 CHECK (min_stock >= 0),
	max_stock      NUMERIC(18, 4) NOT NULL DEFAULT 0 CHECK (max_stock >= 0),
	reorder_point  NUMERIC(18, 4) NOT NULL DEFAULT 0 CHECK (reorder_point >= 0),
	supplier       TEXT NOT NULL DEFAULT '',
	cost_per_unit  NUMERIC(18, 4) NOT NULL DEFAULT 0 CHECK (cost_per_unit >= 0),
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ` + activeNameIndex + `
	ON stock_items (name_key, category) WHERE active;

CREATE TABLE IF NOT EXISTS stock_movements (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL REFERENCES stock_items (id),
	type           TEXT NOT NULL CHECK (type IN ('IN', 'OUT')),
	quantity       NUMERIC(18, 4) NOT NULL CHECK (quantity > 0),
	supplier       TEXT NOT NULL DEFAULT '',
	batch_number   TEXT NOT NULL DEFAULT '',
	expiry_date    DATE,
	purchase_price NUMERIC(18, 4),
	reason         TEXT NOT NULL DEFAULT '',
	reference      TEXT NOT NULL DEFAULT '',
	notes          TEXT NOT NULL DEFAULT '',
	created_by     TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_stock_movements_item ON stock_movements (item_id, created_at DESC);
CREATE INDEX IF NOT EXISTS ix_stock_movements_created ON stock_movements (created_at DESC, id DESC);
`

const itemColumns = `id, name, category, unit, current_stock, min_stock, max_stock, reorder_point,
	supplier, cost_per_unit, active, created_at, updated_at`

const movementColumns = `id, item_id, type, quantity, supplier, batch_number, expiry_date, purchase_price,
	reason, reference, notes, created_by, created_at`

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PoolOptions configures the connection pool; zero values use the defaults
// 接続プール設定（ゼロ値はデフォルト）
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(ctx context.Context, dsn string, pool PoolOptions, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続プール設定
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	return NewPostgreSQLStorageFromDB(db, logger), nil
}

// NewPostgreSQLStorageFromDB wraps an open *sql.DB
func NewPostgreSQLStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgreSQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{db: db, logger: logger}
}

// EnsureSchema creates the tables and indexes when they are missing
// テーブルとインデックスを作成（存在しない場合のみ）
func (s *PostgreSQLStorage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("スキーマ作成に失敗しました: %w", err)
	}
	s.logger.Info("データベーススキーマを確認しました")
	return nil
}

// Atomic runs fn inside one read-committed transaction
// fnを単一トランザクションで実行
func (s *PostgreSQLStorage) Atomic(ctx context.Context, fn func(tx inventory.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: 開始できません: %w", inventory.ErrTransactionFailed, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
	}()

	if err = fn(&postgresTx{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", inventory.ErrTransactionFailed, mapError("commit", err))
	}
	return nil
}

// GetItem gets an item by ID
// 品目を取得
func (s *PostgreSQLStorage) GetItem(ctx context.Context, itemID string) (*inventory.StockItem, error) {
	return getItem(ctx, s.db, itemID, false)
}

// ListItems lists items matching filter ordered by name
// 条件に一致する品目を名前順で取得
func (s *PostgreSQLStorage) ListItems(ctx context.Context, filter inventory.ItemFilter) ([]inventory.StockItem, error) {
	var w where
	if !filter.IncludeInactive {
		w.add("active = TRUE")
	}
	if filter.Category != "" {
		w.add("category = $%d", string(filter.Category))
	}
	if filter.LowStockOnly {
		w.add("current_stock <= reorder_point")
	}
	if filter.Search != "" {
		w.add("(name ILIKE $%[1]d OR supplier ILIKE $%[1]d)", likePattern(filter.Search))
	}

	query := "SELECT " + itemColumns + " FROM stock_items" + w.clause() + " ORDER BY name, id"
	if filter.Limit > 0 {
		query += w.param(" LIMIT $%d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += w.param(" OFFSET $%d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, mapError("list_items", err)
	}
	defer rows.Close()

	items := make([]inventory.StockItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, mapError("list_items", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_items", err)
	}
	return items, nil
}

// GetMovement gets a movement by ID
// 在庫移動を取得
func (s *PostgreSQLStorage) GetMovement(ctx context.Context, movementID string) (*inventory.StockMovement, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+movementColumns+" FROM stock_movements WHERE id = $1", movementID)
	movement, err := scanMovement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrMovementNotFound
		}
		return nil, mapError("get_movement", err)
	}
	return movement, nil
}

// ListMovements returns one keyset page of matching movements, newest first
// 条件に一致する在庫移動を新しい順に1ページ取得
func (s *PostgreSQLStorage) ListMovements(ctx context.Context, filter inventory.MovementFilter, after *inventory.MovementCursor, limit int) ([]inventory.StockMovement, error) {
	var w where
	if filter.ItemID != "" {
		w.add("item_id = $%d", filter.ItemID)
	}
	if filter.Type != "" {
		w.add("type = $%d", string(filter.Type))
	}
	if filter.DateFrom != nil {
		w.add("created_at >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		w.add("created_at <= $%d", *filter.DateTo)
	}
	if filter.Search != "" {
		w.add("(reference ILIKE $%[1]d OR notes ILIKE $%[1]d OR supplier ILIKE $%[1]d OR reason ILIKE $%[1]d)",
			likePattern(filter.Search))
	}
	if after != nil {
		w.args = append(w.args, after.Timestamp, after.ID)
		w.conds = append(w.conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(w.args)-1, len(w.args)))
	}

	query := "SELECT " + movementColumns + " FROM stock_movements" + w.clause() + " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += w.param(" LIMIT $%d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, mapError("list_movements", err)
	}
	defer rows.Close()

	movements := make([]inventory.StockMovement, 0)
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, mapError("list_movements", err)
		}
		movements = append(movements, *movement)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_movements", err)
	}
	return movements, nil
}

// SumMovements returns the signed ledger total of an item
// 品目の台帳合計を取得
func (s *PostgreSQLStorage) SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error) {
	return sumMovements(ctx, s.db, itemID)
}

// CountMovements counts ledger rows per type
// 種別ごとの在庫移動件数を取得
func (s *PostgreSQLStorage) CountMovements(ctx context.Context) (inventory.MovementCounts, error) {
	var counts inventory.MovementCounts
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM stock_movements GROUP BY type")
	if err != nil {
		return counts, mapError("count_movements", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			movementType string
			n            int64
		)
		if err := rows.Scan(&movementType, &n); err != nil {
			return counts, mapError("count_movements", err)
		}
		switch inventory.MovementType(movementType) {
		case inventory.MovementTypeIn:
			counts.In = n
		case inventory.MovementTypeOut:
			counts.Out = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, mapError("count_movements", err)
	}
	return counts, nil
}

// Ping checks database connectivity
// データベース接続確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続をクローズ
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// postgresTx implements inventory.Tx on a *sql.Tx
type postgresTx struct {
	q querier
}

var _ inventory.Tx = (*postgresTx)(nil)

func (t *postgresTx) GetItemForUpdate(ctx context.Context, itemID string) (*inventory.StockItem, error) {
	return getItem(ctx, t.q, itemID, true)
}

func (t *postgresTx) FindActiveItemByName(ctx context.Context, name string, category inventory.Category) (*inventory.StockItem, error) {
	row := t.q.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM stock_items WHERE active AND category = $1 AND name_key = $2 LIMIT 1",
		string(category), inventory.FoldText(name))
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, mapError("find_item_by_name", err)
	}
	return item, nil
}

func (t *postgresTx) CreateItem(ctx context.Context, item *inventory.StockItem) error {
	query := `
		INSERT INTO stock_items (` + itemColumns + `, name_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := t.q.ExecContext(ctx, query,
		item.ID,
		item.Name,
		string(item.Category),
		item.Unit,
		item.CurrentStock,
		item.MinStock,
		item.MaxStock,
		item.ReorderPoint,
		item.Supplier,
		item.CostPerUnit,
		item.Active,
		item.CreatedAt,
		item.UpdatedAt,
		inventory.FoldText(item.Name),
	)
	if err != nil {
		return mapError("create_item", err)
	}
	return nil
}

func (t *postgresTx) UpdateItem(ctx context.Context, item *inventory.StockItem) error {
	query := `
		UPDATE stock_items
		SET name = $2, category = $3, unit = $4, current_stock = $5, min_stock = $6, max_stock = $7,
			reorder_point = $8, supplier = $9, cost_per_unit = $10, active = $11, updated_at = $12,
			name_key = $13
		WHERE id = $1`

	result, err := t.q.ExecContext(ctx, query,
		item.ID,
		item.Name,
		string(item.Category),
		item.Unit,
		item.CurrentStock,
		item.MinStock,
		item.MaxStock,
		item.ReorderPoint,
		item.Supplier,
		item.CostPerUnit,
		item.Active,
		item.UpdatedAt,
		inventory.FoldText(item.Name),
	)
	if err != nil {
		return mapError("update_item", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return inventory.ErrItemNotFound
	}
	return nil
}

func (t *postgresTx) AppendMovement(ctx context.Context, movement *inventory.StockMovement) error {
	query := `
		INSERT INTO stock_movements (` + movementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := t.q.ExecContext(ctx, query,
		movement.ID,
		movement.ItemID,
		string(movement.Type),
		movement.Quantity,
		movement.Supplier,
		movement.BatchNumber,
		movement.ExpiryDate,
		movement.PurchasePrice,
		movement.Reason,
		movement.Reference,
		movement.Notes,
		movement.CreatedBy,
		movement.Timestamp,
	)
	if err != nil {
		return mapError("append_movement", err)
	}
	return nil
}

func (t *postgresTx) SumMovements(ctx context.Context, itemID string) (decimal.Decimal, error) {
	return sumMovements(ctx, t.q, itemID)
}

func getItem(ctx context.Context, q querier, itemID string, forUpdate bool) (*inventory.StockItem, error) {
	query := "SELECT " + itemColumns + " FROM stock_items WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	item, err := scanItem(q.QueryRowContext(ctx, query, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrItemNotFound
		}
		return nil, mapError("get_item", err)
	}
	return item, nil
}

func sumMovements(ctx context.Context, q querier, itemID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = 'IN' THEN quantity ELSE -quantity END), 0)
		FROM stock_movements WHERE item_id = $1`, itemID).Scan(&total)
	if err != nil {
		return decimal.Zero, mapError("sum_movements", err)
	}
	return total, nil
}

func scanItem(row rowScanner) (*inventory.StockItem, error) {
	var (
		item     inventory.StockItem
		category string
	)
	err := row.Scan(
		&item.ID,
		&item.Name,
		&category,
		&item.Unit,
		&item.CurrentStock,
		&item.MinStock,
		&item.MaxStock,
		&item.ReorderPoint,
		&item.Supplier,
		&item.CostPerUnit,
		&item.Active,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Category = inventory.Category(category)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

func scanMovement(row rowScanner) (*inventory.StockMovement, error) {
	var (
		movement      inventory.StockMovement
		movementType  string
		expiryDate    sql.NullTime
		purchasePrice decimal.NullDecimal
	)
	err := row.Scan(
		&movement.ID,
		&movement.ItemID,
		&movementType,
		&movement.Quantity,
		&movement.Supplier,
		&movement.BatchNumber,
		&expiryDate,
		&purchasePrice,
		&movement.Reason,
		&movement.Reference,
		&movement.Notes,
		&movement.CreatedBy,
		&movement.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	movement.Type = inventory.MovementType(movementType)
	movement.Timestamp = movement.Timestamp.UTC()
	if expiryDate.Valid {
		t := expiryDate.Time.UTC()
		movement.ExpiryDate = &t
	}
	if purchasePrice.Valid {
		movement.PurchasePrice = &purchasePrice.Decimal
	}
	return &movement, nil
}

// mapError converts driver errors to storage sentinels where one applies
// ドライバのエラーをストレージのエラーに変換
func mapError(operation string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505" && pqErr.Constraint == activeNameIndex:
			return inventory.ErrDuplicateItem
		case pqErr.Code == "23503":
			return inventory.ErrItemNotFound
		}
	}
	return fmt.Errorf("%s に失敗しました: %w", operation, err)
}

// where accumulates AND-ed conditions with positional parameters
type where struct {
	conds []string
	args  []any
}

// add appends cond; when value is given its $n position is formatted into cond.
func (w *where) add(cond string, value ...any) {
	if len(value) == 0 {
		w.conds = append(w.conds, cond)
		return
	}
	w.args = append(w.args, value[0])
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) param(format string, value any) string {
	w.args = append(w.args, value)
	return fmt.Sprintf(format, len(w.args))
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(s)) + "%"
}
