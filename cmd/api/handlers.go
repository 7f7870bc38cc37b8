package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

const (
	maxBodyBytes         = 1 << 20
	defaultMovementLimit = 50
	maxMovementLimit     = 1000
	defaultAnalysisDays  = 90
)

// valuationService is the part of inventory.ValuationEngine served over HTTP
type valuationService interface {
	inventory.Valuer
	ClassifyABC(ctx context.Context, period time.Duration) (map[string]string, error)
	TurnoverRate(ctx context.Context, itemID string, period time.Duration) (decimal.Decimal, error)
}

// pinger reports storage health
type pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the stock ledger API
// 在庫台帳API用のHTTPハンドラーを保持
type Handlers struct {
	ledger       inventory.StockLedger
	valuation    valuationService
	tracker      inventory.Tracker
	health       pinger
	expiryWindow time.Duration
	logger       *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(ledger inventory.StockLedger, valuation valuationService, tracker inventory.Tracker, health pinger, expiryWindow time.Duration, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if expiryWindow <= 0 {
		expiryWindow = 7 * 24 * time.Hour
	}
	return &Handlers{
		ledger:       ledger,
		valuation:    valuation,
		tracker:      tracker,
		health:       health,
		expiryWindow: expiryWindow,
		logger:       logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Field   string      `json:"field,omitempty"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	state := "healthy"
	if err := h.health.Ping(r.Context()); err != nil {
		h.logger.Error("ヘルスチェックに失敗しました", zap.Error(err))
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	h.writeJSON(w, status, APIResponse{
		Success: status == http.StatusOK,
		Data: map[string]interface{}{
			"status":    state,
			"timestamp": time.Now().UTC(),
			"service":   "zaiStockLedger",
		},
	})
}

// 品目管理

// CreateItem handles create item requests
// 品目作成リクエストを処理
func (h *Handlers) CreateItem(w http.ResponseWriter, r *http.Request) {
	var spec inventory.ItemSpec
	if !h.decode(w, r, &spec) {
		return
	}

	item, err := h.ledger.CreateItem(r.Context(), spec)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, item)
}

// ListItems handles list item requests
// 品目一覧リクエストを処理
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.ItemFilter{
		Category: inventory.Category(q.Get("category")),
		Search:   q.Get("search"),
	}

	var err error
	if filter.LowStockOnly, err = queryBool(q.Get("low_stock"), "low_stock"); err != nil {
		h.sendFailure(w, err)
		return
	}
	if filter.IncludeInactive, err = queryBool(q.Get("include_inactive"), "include_inactive"); err != nil {
		h.sendFailure(w, err)
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), "offset", 0); err != nil {
		h.sendFailure(w, err)
		return
	}
	if filter.Limit, err = queryInt(q.Get("limit"), "limit", 0); err != nil {
		h.sendFailure(w, err)
		return
	}

	items, err := h.ledger.ListItems(r.Context(), filter)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, items)
}

// GetItem handles get item requests
// 品目取得リクエストを処理
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.GetItem(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, item)
}

// UpdateItem handles partial item updates
// 品目更新リクエストを処理
func (h *Handlers) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var patch inventory.ItemPatch
	if !h.decode(w, r, &patch) {
		return
	}

	item, err := h.ledger.UpdateItem(r.Context(), mux.Vars(r)["itemId"], patch)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, item)
}

// DeactivateItem handles item soft deletion
// 品目無効化リクエストを処理
func (h *Handlers) DeactivateItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.ledger.DeactivateItem(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, item)
}

// ReconcileItem recomputes one item's cached stock from the ledger
// 品目の在庫を台帳から再計算
func (h *Handlers) ReconcileItem(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.RecomputeCurrentStock(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, result)
}

// GetValuation handles item valuation requests
// 品目評価額リクエストを処理
func (h *Handlers) GetValuation(w http.ResponseWriter, r *http.Request) {
	method := valuationMethod(r.URL.Query().Get("method"))

	valuation, err := h.valuation.ValueItem(r.Context(), mux.Vars(r)["itemId"], method)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, valuation)
}

// GetTotalValuation handles whole-stock valuation requests
// 総評価額リクエストを処理
func (h *Handlers) GetTotalValuation(w http.ResponseWriter, r *http.Request) {
	method := valuationMethod(r.URL.Query().Get("method"))

	total, err := h.valuation.TotalValue(r.Context(), method)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"method":     method,
		"totalValue": total,
	})
}

// GetTurnover handles turnover rate requests
// 在庫回転率リクエストを処理
func (h *Handlers) GetTurnover(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]
	days, err := queryInt(r.URL.Query().Get("days"), "days", defaultAnalysisDays)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	rate, err := h.valuation.TurnoverRate(r.Context(), itemID, days24(days))
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"itemId":       itemID,
		"periodDays":   days,
		"turnoverRate": rate,
	})
}

// GetABCClassification handles ABC analysis requests
// ABC分析リクエストを処理
func (h *Handlers) GetABCClassification(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r.URL.Query().Get("days"), "days", defaultAnalysisDays)
	if err != nil {
		h.sendFailure(w, err)
		return
	}

	classes, err := h.valuation.ClassifyABC(r.Context(), days24(days))
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, classes)
}

// GetAuditTrail handles audit trail requests
// 監査証跡リクエストを処理
func (h *Handlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryDate(q.Get("from"), "from", false)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	to, err := queryDate(q.Get("to"), "to", true)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	if from == nil {
		from = &time.Time{}
	}
	if to == nil {
		now := time.Now().UTC()
		to = &now
	}

	trail, err := h.tracker.AuditTrail(r.Context(), mux.Vars(r)["itemId"], *from, *to)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, trail)
}

// 入出庫

// StockIn handles goods receipt requests
// 入庫リクエストを処理
func (h *Handlers) StockIn(w http.ResponseWriter, r *http.Request) {
	var req inventory.StockInRequest
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := h.ledger.RecordStockIn(r.Context(), req)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, movement)
}

// StockOut handles goods issue requests
// 出庫リクエストを処理
func (h *Handlers) StockOut(w http.ResponseWriter, r *http.Request) {
	var req inventory.StockOutRequest
	if !h.decode(w, r, &req) {
		return
	}

	movement, err := h.ledger.RecordStockOut(r.Context(), req)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, movement)
}

// BatchOperation handles batch operations
// バッチ操作を処理
func (h *Handlers) BatchOperation(w http.ResponseWriter, r *http.Request) {
	var operations []inventory.MovementOperation
	if !h.decode(w, r, &operations) {
		return
	}

	batch, err := h.ledger.ExecuteBatch(r.Context(), operations)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, batch)
}

// ListMovements handles movement history queries
// 在庫移動履歴リクエストを処理
func (h *Handlers) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := inventory.MovementFilter{
		ItemID: q.Get("item_id"),
		Type:   inventory.MovementType(strings.ToUpper(q.Get("type"))),
		Search: q.Get("search"),
	}

	var err error
	if filter.DateFrom, err = queryDate(q.Get("date_from"), "date_from", false); err != nil {
		h.sendFailure(w, err)
		return
	}
	if filter.DateTo, err = queryDate(q.Get("date_to"), "date_to", true); err != nil {
		h.sendFailure(w, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit", defaultMovementLimit)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	if limit <= 0 || limit > maxMovementLimit {
		h.sendFailure(w, inventory.NewValidationError("limit",
			fmt.Sprintf("件数は1から%dの範囲で指定してください", maxMovementLimit), strconv.Itoa(limit)))
		return
	}

	movements, err := h.ledger.CollectMovements(r.Context(), filter, limit)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, movements)
}

// GetMovement handles get movement requests
// 在庫移動取得リクエストを処理
func (h *Handlers) GetMovement(w http.ResponseWriter, r *http.Request) {
	movement, err := h.ledger.GetMovement(r.Context(), mux.Vars(r)["movementId"])
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, movement)
}

// 照合・集計

// GetLowStock handles low-stock report requests
// 低在庫レポートリクエストを処理
func (h *Handlers) GetLowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.LowStockItems(r.Context())
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, items)
}

// GetStatistics handles statistics requests
// 在庫統計リクエストを処理
func (h *Handlers) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Statistics(r.Context())
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, stats)
}

// ReconcileAll handles full reconciliation requests
// 全品目の照合リクエストを処理
func (h *Handlers) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.ReconcileAll(r.Context())
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, report)
}

// GetExpiringBatches handles expiring batch requests
// 期限間近バッチリクエストを処理
func (h *Handlers) GetExpiringBatches(w http.ResponseWriter, r *http.Request) {
	within := h.expiryWindow
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := queryInt(raw, "days", 0)
		if err != nil {
			h.sendFailure(w, err)
			return
		}
		within = days24(days)
	}

	batches, err := h.tracker.ExpiringBatches(r.Context(), within)
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, batches)
}

// GetExpiredBatches handles expired batch requests
// 期限切れバッチリクエストを処理
func (h *Handlers) GetExpiredBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.tracker.ExpiredBatches(r.Context())
	if err != nil {
		h.sendFailure(w, err)
		return
	}
	h.sendSuccess(w, batches)
}

// ヘルパーメソッド

// decode reads a JSON body, rejecting unknown fields; it writes the error
// response itself and reports whether decoding succeeded
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		h.sendError(w, http.StatusBadRequest, decodeMessage(err))
		return false
	}
	if dec.More() {
		h.sendError(w, http.StatusBadRequest, "リクエストボディに複数のJSONが含まれています")
		return false
	}
	return true
}

func decodeMessage(err error) string {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		sizeErr   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, io.EOF):
		return "リクエストボディが空です"
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("JSONの構文が不正です (位置 %d)", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Sprintf("項目 %s の型が不正です", typeErr.Field)
	case errors.As(err, &sizeErr):
		return "リクエストボディが大きすぎます"
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return "未定義の項目です: " + strings.TrimPrefix(err.Error(), "json: unknown field ")
	default:
		return "無効なリクエスト形式です"
	}
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(kind inventory.ErrorKind) int {
	switch kind {
	case inventory.KindValidation:
		return http.StatusBadRequest
	case inventory.KindNotFound:
		return http.StatusNotFound
	case inventory.KindInsufficientStock, inventory.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendFailure sends an error response classified from err
// エラーを分類してレスポンスを送信
func (h *Handlers) sendFailure(w http.ResponseWriter, err error) {
	kind := inventory.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		message = "内部エラーが発生しました"
	}

	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   message,
		Kind:    string(kind),
		Field:   inventory.FieldOf(err),
	})
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, data)
}

func (h *Handlers) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	h.writeJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// クエリパラメータ

func queryInt(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, inventory.NewValidationError(field, "整数で指定してください", raw)
	}
	return n, nil
}

func queryBool(raw, field string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, inventory.NewValidationError(field, "true または false を指定してください", raw)
	}
	return b, nil
}

// queryDate parses an ISO date or RFC3339 timestamp. A date-only upper bound
// covers the whole day.
func queryDate(raw, field string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := inventory.ParseDate(raw)
	if err != nil {
		return nil, inventory.NewValidationError(field, "日付はYYYY-MM-DDまたはRFC3339で指定してください", raw)
	}
	t = t.UTC()
	if endOfDay && len(raw) == len(time.DateOnly) {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func valuationMethod(raw string) inventory.ValuationMethod {
	if raw == "" {
		return inventory.ValuationMethodStandard
	}
	return inventory.ValuationMethod(strings.ToUpper(raw))
}

func days24(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
