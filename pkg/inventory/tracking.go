package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BatchInfo describes a received batch with an expiry date
// 有効期限付きの入庫バッチ
type BatchInfo struct {
	Movement        StockMovement `json:"movement"`
	ItemName        string        `json:"itemName"`
	Unit            string        `json:"unit"`
	DaysUntilExpiry int           `json:"daysUntilExpiry"` // 期限切れは負
}

// AuditTrail represents a comprehensive audit trail
// 包括的な監査証跡を表現
type AuditTrail struct {
	Item           StockItem       `json:"item"`
	FromDate       time.Time       `json:"fromDate"`
	ToDate         time.Time       `json:"toDate"`
	OpeningBalance decimal.Decimal `json:"openingBalance"` // 期間開始時点の台帳残高
	ClosingBalance decimal.Decimal `json:"closingBalance"` // 期間終了時点の台帳残高
	TotalIn        decimal.Decimal `json:"totalIn"`
	TotalOut       decimal.Decimal `json:"totalOut"`
	Movements      []StockMovement `json:"movements"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

// TrackingManager reports batch expiry and item audit trails from the ledger
// 台帳からバッチ期限と監査証跡を提供
type TrackingManager struct {
	storage Storage
	logger  *zap.Logger
	clock   func() time.Time
}

var _ Tracker = (*TrackingManager)(nil)

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(storage Storage, logger *zap.Logger) *TrackingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingManager{
		storage: storage,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithClock replaces the time source
func (tm *TrackingManager) WithClock(clock func() time.Time) *TrackingManager {
	tm.clock = clock
	return tm
}

// ExpiringBatches returns batches of in-stock items expiring within the
// window from today, soonest first
// 指定期間内に期限切れとなるバッチを取得
func (tm *TrackingManager) ExpiringBatches(ctx context.Context, within time.Duration) ([]BatchInfo, error) {
	if within <= 0 {
		return nil, NewValidationError("within", "期間は正の値である必要があります", within.String())
	}

	today := tm.today()
	limit := today.Add(within)
	return tm.batches(ctx, func(expiry time.Time) bool {
		return !expiry.Before(today) && !expiry.After(limit)
	})
}

// ExpiredBatches returns batches of in-stock items whose expiry date has passed
// 期限切れバッチを取得
func (tm *TrackingManager) ExpiredBatches(ctx context.Context) ([]BatchInfo, error) {
	today := tm.today()
	return tm.batches(ctx, func(expiry time.Time) bool {
		return expiry.Before(today)
	})
}

func (tm *TrackingManager) batches(ctx context.Context, match func(expiry time.Time) bool) ([]BatchInfo, error) {
	ins, err := loadMovements(ctx, tm.storage, MovementFilter{Type: MovementTypeIn})
	if err != nil {
		return nil, translateError("list_batches", "", err)
	}

	today := tm.today()
	items := make(map[string]*StockItem)
	result := make([]BatchInfo, 0)
	for _, movement := range ins {
		if movement.ExpiryDate == nil || !match(*movement.ExpiryDate) {
			continue
		}

		item, ok := items[movement.ItemID]
		if !ok {
			item, err = tm.storage.GetItem(ctx, movement.ItemID)
			if err != nil {
				return nil, translateError("list_batches", movement.ItemID, err)
			}
			items[movement.ItemID] = item
		}
		// 在庫のない品目のバッチは対象外
		if !item.Active || !item.CurrentStock.IsPositive() {
			continue
		}

		result = append(result, BatchInfo{
			Movement:        movement,
			ItemName:        item.Name,
			Unit:            item.Unit,
			DaysUntilExpiry: int(movement.ExpiryDate.Sub(today).Hours() / 24),
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Movement.ExpiryDate.Before(*result[j].Movement.ExpiryDate)
	})

	return result, nil
}

// AuditTrail returns the item's movements within [from, to] together with
// the ledger balance before and after the window
// 品目の監査証跡を取得
func (tm *TrackingManager) AuditTrail(ctx context.Context, itemID string, from, to time.Time) (*AuditTrail, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ValidateDateRange(from, to); err != nil {
		return nil, err
	}

	item, err := tm.storage.GetItem(ctx, itemID)
	if err != nil {
		return nil, translateError("audit_trail", itemID, err)
	}

	movements, err := loadMovements(ctx, tm.storage, MovementFilter{ItemID: itemID})
	if err != nil {
		return nil, translateError("audit_trail", itemID, err)
	}

	trail := &AuditTrail{
		Item:           *item,
		FromDate:       from,
		ToDate:         to,
		OpeningBalance: decimal.Zero,
		TotalIn:        decimal.Zero,
		TotalOut:       decimal.Zero,
		Movements:      make([]StockMovement, 0),
		GeneratedAt:    tm.clock().UTC(),
	}

	for _, movement := range movements {
		switch {
		case movement.Timestamp.Before(from):
			trail.OpeningBalance = trail.OpeningBalance.Add(movement.SignedQuantity())
		case movement.Timestamp.After(to):
			continue
		default:
			trail.Movements = append(trail.Movements, movement)
			if movement.Type == MovementTypeIn {
				trail.TotalIn = trail.TotalIn.Add(movement.Quantity)
			} else {
				trail.TotalOut = trail.TotalOut.Add(movement.Quantity)
			}
		}
	}
	trail.ClosingBalance = trail.OpeningBalance.Add(trail.TotalIn).Sub(trail.TotalOut)

	tm.logger.Debug("監査証跡を生成しました",
		zap.String("item_id", itemID),
		zap.Int("movements", len(trail.Movements)),
	)

	return trail, nil
}

func (tm *TrackingManager) today() time.Time {
	return tm.clock().UTC().Truncate(24 * time.Hour)
}
