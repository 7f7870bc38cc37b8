package inventory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ItemValuation is the value of one item's on-hand stock
// 品目の在庫評価額
type ItemValuation struct {
	ItemID       string          `json:"itemId"`
	Method       ValuationMethod `json:"method"`
	Quantity     decimal.Decimal `json:"quantity"`
	Value        decimal.Decimal `json:"value"`
	UnitCost     decimal.Decimal `json:"unitCost"`
	CalculatedAt time.Time       `json:"calculatedAt"`
}

// ValuationEngine values stock from the ledger's IN layers
// 台帳の入庫履歴から在庫を評価
type ValuationEngine struct {
	storage Storage
	logger  *zap.Logger
	clock   func() time.Time
}

var _ Valuer = (*ValuationEngine)(nil)

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(storage Storage, logger *zap.Logger) *ValuationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValuationEngine{
		storage: storage,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithClock replaces the time source
func (v *ValuationEngine) WithClock(clock func() time.Time) *ValuationEngine {
	v.clock = clock
	return v
}

// ValueItem values the current stock of an item with the given method
// 指定された方法で在庫価値を計算
func (v *ValuationEngine) ValueItem(ctx context.Context, itemID string, method ValuationMethod) (*ItemValuation, error) {
	if err := ValidateItemID(itemID); err != nil {
		return nil, err
	}
	if err := ValidateValuationMethod(method); err != nil {
		return nil, err
	}

	item, err := v.storage.GetItem(ctx, itemID)
	if err != nil {
		return nil, translateError("value_item", itemID, err)
	}

	result := &ItemValuation{
		ItemID:       itemID,
		Method:       method,
		Quantity:     item.CurrentStock,
		Value:        decimal.Zero,
		UnitCost:     decimal.Zero,
		CalculatedAt: v.clock().UTC(),
	}
	if !item.CurrentStock.IsPositive() {
		return result, nil
	}

	if method == ValuationMethodStandard {
		result.Value = item.Value()
	} else {
		// 入庫レイヤーは新しい順
		layers, err := loadMovements(ctx, v.storage, MovementFilter{ItemID: itemID, Type: MovementTypeIn})
		if err != nil {
			return nil, translateError("value_item", itemID, err)
		}

		switch method {
		case ValuationMethodFIFO:
			// 先入先出では残っているのは新しいレイヤー
			result.Value = valueFromLayers(layers, item.CurrentStock, item.CostPerUnit)
		case ValuationMethodLIFO:
			slices.Reverse(layers)
			result.Value = valueFromLayers(layers, item.CurrentStock, item.CostPerUnit)
		case ValuationMethodAverage:
			result.Value = averageCost(layers, item.CostPerUnit).Mul(item.CurrentStock)
		}
	}

	result.Value = result.Value.Round(4)
	result.UnitCost = result.Value.DivRound(item.CurrentStock, 4)
	return result, nil
}

// TotalValue sums ValueItem over active items; items that fail are logged and skipped
// 有効な全品目の評価額合計を計算
func (v *ValuationEngine) TotalValue(ctx context.Context, method ValuationMethod) (decimal.Decimal, error) {
	if err := ValidateValuationMethod(method); err != nil {
		return decimal.Zero, err
	}

	items, err := v.storage.ListItems(ctx, ItemFilter{})
	if err != nil {
		return decimal.Zero, translateError("total_value", "", err)
	}

	total := decimal.Zero
	for _, item := range items {
		valuation, err := v.ValueItem(ctx, item.ID, method)
		if err != nil {
			v.logger.Warn("品目の評価額計算でエラーが発生しました",
				zap.String("item_id", item.ID),
				zap.String("method", string(method)),
				zap.Error(err),
			)
			continue
		}
		total = total.Add(valuation.Value)
	}

	return total, nil
}

// ClassifyABC ranks active items by consumption value (OUT quantity x cost)
// over the trailing period: A up to 80% of the total, B up to 95%, C the rest
// 出庫金額によるABC分析
func (v *ValuationEngine) ClassifyABC(ctx context.Context, period time.Duration) (map[string]string, error) {
	if period <= 0 {
		return nil, NewValidationError("period", "期間は正の値である必要があります", period.String())
	}

	items, err := v.storage.ListItems(ctx, ItemFilter{})
	if err != nil {
		return nil, translateError("classify_abc", "", err)
	}

	since := v.clock().UTC().Add(-period)
	itemValues := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		outs, err := loadMovements(ctx, v.storage, MovementFilter{ItemID: item.ID, Type: MovementTypeOut, DateFrom: &since})
		if err != nil {
			return nil, translateError("classify_abc", item.ID, err)
		}
		consumed := decimal.Zero
		for _, out := range outs {
			consumed = consumed.Add(out.Quantity)
		}
		itemValues[item.ID] = consumed.Mul(item.CostPerUnit)
	}

	return classifyABC(itemValues), nil
}

// TurnoverRate returns OUT quantity over the period divided by current stock
// 在庫回転率を計算
func (v *ValuationEngine) TurnoverRate(ctx context.Context, itemID string, period time.Duration) (decimal.Decimal, error) {
	if err := ValidateItemID(itemID); err != nil {
		return decimal.Zero, err
	}
	if period <= 0 {
		return decimal.Zero, NewValidationError("period", "期間は正の値である必要があります", period.String())
	}

	item, err := v.storage.GetItem(ctx, itemID)
	if err != nil {
		return decimal.Zero, translateError("turnover_rate", itemID, err)
	}

	since := v.clock().UTC().Add(-period)
	outs, err := loadMovements(ctx, v.storage, MovementFilter{ItemID: itemID, Type: MovementTypeOut, DateFrom: &since})
	if err != nil {
		return decimal.Zero, translateError("turnover_rate", itemID, err)
	}

	consumed := decimal.Zero
	for _, out := range outs {
		consumed = consumed.Add(out.Quantity)
	}
	if !item.CurrentStock.IsPositive() {
		return decimal.Zero, nil
	}
	return consumed.DivRound(item.CurrentStock, 4), nil
}

// valueFromLayers values quantity from layers in the given order; whatever
// the layers do not cover is valued at fallback.
func valueFromLayers(layers []StockMovement, quantity, fallback decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	remaining := quantity

	for _, layer := range layers {
		if !remaining.IsPositive() {
			break
		}
		use := decimal.Min(layer.Quantity, remaining)
		total = total.Add(use.Mul(layerPrice(layer, fallback)))
		remaining = remaining.Sub(use)
	}

	if remaining.IsPositive() {
		total = total.Add(remaining.Mul(fallback))
	}
	return total
}

func averageCost(layers []StockMovement, fallback decimal.Decimal) decimal.Decimal {
	totalCost := decimal.Zero
	totalQty := decimal.Zero
	for _, layer := range layers {
		totalCost = totalCost.Add(layer.Quantity.Mul(layerPrice(layer, fallback)))
		totalQty = totalQty.Add(layer.Quantity)
	}
	if totalQty.IsZero() {
		return fallback
	}
	return totalCost.Div(totalQty)
}

func layerPrice(layer StockMovement, fallback decimal.Decimal) decimal.Decimal {
	if layer.PurchasePrice != nil {
		return *layer.PurchasePrice
	}
	return fallback
}

// classifyABC classifies items into A, B, C categories
// 商品をA、B、Cカテゴリに分類
func classifyABC(itemValues map[string]decimal.Decimal) map[string]string {
	type itemValue struct {
		ItemID string
		Value  decimal.Decimal
	}

	items := make([]itemValue, 0, len(itemValues))
	total := decimal.Zero
	for itemID, value := range itemValues {
		items = append(items, itemValue{ItemID: itemID, Value: value})
		total = total.Add(value)
	}

	sort.Slice(items, func(i, j int) bool {
		if c := items[i].Value.Cmp(items[j].Value); c != 0 {
			return c > 0
		}
		return items[i].ItemID < items[j].ItemID
	})

	// ABC分類（80-15-5の法則）
	classification := make(map[string]string, len(items))
	if total.IsZero() {
		for _, item := range items {
			classification[item.ItemID] = "C"
		}
		return classification
	}

	boundA := decimal.NewFromFloat(0.8)
	boundB := decimal.NewFromFloat(0.95)
	cumulative := decimal.Zero
	for _, item := range items {
		// 当該品目より上位の累積構成比で判定
		share := cumulative.Div(total)
		cumulative = cumulative.Add(item.Value)

		switch {
		case !item.Value.IsPositive():
			classification[item.ItemID] = "C"
		case share.LessThan(boundA):
			classification[item.ItemID] = "A"
		case share.LessThan(boundB):
			classification[item.ItemID] = "B"
		default:
			classification[item.ItemID] = "C"
		}
	}

	return classification
}
