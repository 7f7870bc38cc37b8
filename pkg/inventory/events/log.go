package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// LogPublisher writes events to the logger; used when Redis is disabled
// ログ出力によるイベント発行
type LogPublisher struct {
	logger *zap.Logger
}

var _ inventory.EventPublisher = (*LogPublisher)(nil)

// NewLogPublisher creates a log-only publisher
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	p.logger.Info("在庫変更イベント",
		zap.String("item_id", event.ItemID),
		zap.String("movement_id", event.MovementID),
		zap.String("type", string(event.Type)),
		zap.String("old_quantity", event.OldQuantity.String()),
		zap.String("new_quantity", event.NewQuantity.String()),
		zap.String("user_id", event.UserID),
	)
	return nil
}

func (p *LogPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	p.logger.Warn("低在庫イベント",
		zap.String("item_id", event.ItemID),
		zap.String("name", event.ItemName),
		zap.String("current_stock", event.CurrentStock.String()),
		zap.String("reorder_point", event.ReorderPoint.String()),
	)
	return nil
}

// Fanout delivers every event to all publishers and joins their errors
// 複数の発行先へイベントを配信
type Fanout []inventory.EventPublisher

var _ inventory.EventPublisher = Fanout(nil)

func (f Fanout) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishStockChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishLowStockAlert(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
