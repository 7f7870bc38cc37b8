package inventory

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// 数量・金額の上限と小数桁数（NUMERIC(18, 4) に合わせる）
const decimalScale = 4

var (
	maxQuantity  = mustDecimal("999999999")
	maxUnitPrice = mustDecimal("999999.9999")
)

func categoryNames() []string {
	names := make([]string, 0, len(Categories))
	for _, c := range Categories {
		names = append(names, string(c))
	}
	return names
}

// ItemCreateSchema validates ItemSpec
// 品目作成のスキーマ
var ItemCreateSchema = Schema{
	"name":         {Required: true, Type: FieldString, MaxLen: 500},
	"category":     {Required: true, Type: FieldString, Allowed: categoryNames()},
	"currentStock": {Required: true, Type: FieldNumber, Min: mustDecimal("0"), Max: maxQuantity, Scale: decimalScale},
	"unit":         {Required: true, Type: FieldString, MaxLen: 50},
	"minStock":     {Required: true, Type: FieldNumber, Min: mustDecimal("0"), Max: maxQuantity, Scale: decimalScale},
	"maxStock":     {Required: true, Type: FieldNumber, Min: mustDecimal("0"), Max: maxQuantity, Scale: decimalScale},
	"reorderPoint": {Required: true, Type: FieldNumber, Min: mustDecimal("0"), Max: maxQuantity, Scale: decimalScale},
	"supplier":     {Required: true, Type: FieldString, MaxLen: 255},
	"costPerUnit":  {Required: true, Type: FieldNumber, Min: mustDecimal("0"), Max: maxUnitPrice, Scale: decimalScale},
}

// ItemUpdateSchema validates ItemPatch: any subset of the create fields
// 品目更新のスキーマ
var ItemUpdateSchema = ItemCreateSchema.Partial()

// StockInSchema validates StockInRequest
// 入庫のスキーマ
var StockInSchema = Schema{
	"itemId":        {Required: true, Type: FieldString, MaxLen: 255, Pattern: idPattern},
	"quantity":      {Required: true, Type: FieldNumber, Min: mustDecimal("0.01"), Max: maxQuantity, Scale: decimalScale},
	"supplier":      {Required: true, Type: FieldString, MaxLen: 255},
	"batchNumber":   {Type: FieldString, MaxLen: 255},
	"expiryDate":    {Type: FieldDate},
	"purchasePrice": {Type: FieldNumber, Min: mustDecimal("0"), Max: maxUnitPrice, Scale: decimalScale},
	"notes":         {Type: FieldString, MaxLen: 2000, AllowEmpty: true},
	"reference":     {Type: FieldString, MaxLen: 500, AllowEmpty: true},
}

// StockOutSchema validates StockOutRequest
// 出庫のスキーマ
var StockOutSchema = Schema{
	"itemId":    {Required: true, Type: FieldString, MaxLen: 255, Pattern: idPattern},
	"quantity":  {Required: true, Type: FieldNumber, Min: mustDecimal("0.01"), Max: maxQuantity, Scale: decimalScale},
	"reason":    {Required: true, Type: FieldString, MaxLen: 500},
	"reference": {Required: true, Type: FieldString, MaxLen: 500},
	"notes":     {Type: FieldString, MaxLen: 2000, AllowEmpty: true},
}

func (s ItemSpec) fields() map[string]any {
	v := map[string]any{}
	putString(v, "name", s.Name)
	putString(v, "category", string(s.Category))
	putString(v, "unit", s.Unit)
	putString(v, "supplier", s.Supplier)
	putDecimal(v, "currentStock", s.CurrentStock)
	putDecimal(v, "minStock", s.MinStock)
	putDecimal(v, "maxStock", s.MaxStock)
	putDecimal(v, "reorderPoint", s.ReorderPoint)
	putDecimal(v, "costPerUnit", s.CostPerUnit)
	return v
}

func (p ItemPatch) fields() map[string]any {
	v := map[string]any{}
	if p.Name != nil {
		v["name"] = *p.Name
	}
	if p.Category != nil {
		v["category"] = string(*p.Category)
	}
	if p.Unit != nil {
		v["unit"] = *p.Unit
	}
	if p.Supplier != nil {
		v["supplier"] = *p.Supplier
	}
	putDecimal(v, "minStock", p.MinStock)
	putDecimal(v, "maxStock", p.MaxStock)
	putDecimal(v, "reorderPoint", p.ReorderPoint)
	putDecimal(v, "costPerUnit", p.CostPerUnit)
	return v
}

func (r StockInRequest) fields() map[string]any {
	v := map[string]any{"quantity": r.Quantity}
	putString(v, "itemId", r.ItemID)
	putString(v, "supplier", r.Supplier)
	putString(v, "batchNumber", r.BatchNumber)
	putString(v, "expiryDate", r.ExpiryDate)
	putString(v, "notes", r.Notes)
	putString(v, "reference", r.Reference)
	putDecimal(v, "purchasePrice", r.PurchasePrice)
	return v
}

func (r StockOutRequest) fields() map[string]any {
	v := map[string]any{"quantity": r.Quantity}
	putString(v, "itemId", r.ItemID)
	putString(v, "reason", r.Reason)
	putString(v, "reference", r.Reference)
	putString(v, "notes", r.Notes)
	return v
}

func putString(v map[string]any, key, s string) {
	if s != "" {
		v[key] = s
	}
}

func putDecimal(v map[string]any, key string, d *decimal.Decimal) {
	if d != nil {
		v[key] = *d
	}
}

// ValidateItemSpec 品目作成入力をバリデーション
func ValidateItemSpec(spec ItemSpec) error {
	return ItemCreateSchema.Validate(spec.fields())
}

// ValidateItemPatch 品目更新入力をバリデーション
func ValidateItemPatch(patch ItemPatch) error {
	if patch.CurrentStock != nil {
		return NewValidationError("currentStock", "現在庫は入出庫で変更してください", patch.CurrentStock.String())
	}
	if patch.IsEmpty() {
		return NewValidationError("item", "更新項目が指定されていません", "")
	}
	return ItemUpdateSchema.Validate(patch.fields())
}

// ValidateStockIn 入庫リクエストをバリデーション
func ValidateStockIn(req StockInRequest) error {
	return StockInSchema.Validate(req.fields())
}

// ValidateStockOut 出庫リクエストをバリデーション
func ValidateStockOut(req StockOutRequest) error {
	return StockOutSchema.Validate(req.fields())
}

// ValidateItemID 品目IDの形式をバリデーション
func ValidateItemID(itemID string) error {
	if itemID == "" {
		return NewValidationError("itemId", "品目IDが空です", itemID)
	}
	if len(itemID) > 255 {
		return NewValidationError("itemId", "品目IDが長すぎます", itemID)
	}
	if !idPattern.MatchString(itemID) {
		return NewValidationError("itemId", "品目IDに無効な文字が含まれています", itemID)
	}
	return nil
}

// ValidateThresholds checks minStock <= reorderPoint <= maxStock
// 在庫閾値の大小関係をバリデーション
func ValidateThresholds(minStock, reorderPoint, maxStock decimal.Decimal) error {
	if reorderPoint.LessThan(minStock) {
		return NewValidationError("reorderPoint", "発注点は最小在庫以上である必要があります", reorderPoint.String())
	}
	if maxStock.LessThan(reorderPoint) {
		return NewValidationError("maxStock", "最大在庫は発注点以上である必要があります", maxStock.String())
	}
	return nil
}

// ValidateDateRange 日付範囲をバリデーション
func ValidateDateRange(from, to time.Time) error {
	if from.After(to) {
		return NewValidationError("dateRange", "開始日は終了日より前である必要があります",
			from.Format(time.RFC3339)+" - "+to.Format(time.RFC3339))
	}
	return nil
}

// ValidateMovementFilter 在庫移動検索条件をバリデーション
func ValidateMovementFilter(filter MovementFilter) error {
	if filter.ItemID != "" {
		if err := ValidateItemID(filter.ItemID); err != nil {
			return err
		}
	}
	if filter.Type != "" && filter.Type != MovementTypeIn && filter.Type != MovementTypeOut {
		return NewValidationError("type", "IN または OUT を指定してください", string(filter.Type))
	}
	if filter.DateFrom != nil && filter.DateTo != nil {
		if err := ValidateDateRange(*filter.DateFrom, *filter.DateTo); err != nil {
			return err
		}
	}
	if filter.PageSize < 0 {
		return NewValidationError("pageSize", "ページサイズは0以上である必要があります", "")
	}
	return nil
}

// ValidateItemFilter 品目一覧の条件をバリデーション
func ValidateItemFilter(filter ItemFilter) error {
	if filter.Category != "" && !isCategory(filter.Category) {
		return NewValidationError("category", "無効なカテゴリです", string(filter.Category))
	}
	if filter.Offset < 0 {
		return NewValidationError("offset", "オフセットは0以上である必要があります", "")
	}
	if filter.Limit < 0 {
		return NewValidationError("limit", "件数は0以上である必要があります", "")
	}
	return nil
}

// ValidateValuationMethod 評価方法をバリデーション
func ValidateValuationMethod(method ValuationMethod) error {
	switch method {
	case ValuationMethodFIFO, ValuationMethodLIFO, ValuationMethodAverage, ValuationMethodStandard:
		return nil
	}
	return NewValidationError("method", "無効な評価方法です", string(method))
}

func isCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
