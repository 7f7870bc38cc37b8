package inventory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrItemNotFound is returned when an item doesn't exist
	// 品目が存在しない場合のエラー
	ErrItemNotFound = errors.New("品目が見つかりません")

	// ErrMovementNotFound is returned when a movement doesn't exist
	// 在庫移動が存在しない場合のエラー
	ErrMovementNotFound = errors.New("在庫移動が見つかりません")

	// ErrInsufficientStock is returned when an OUT would drive stock negative
	// 出庫により在庫がマイナスになる場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrDuplicateItem is returned when an active item with the same name and category exists
	// 同名・同カテゴリの有効な品目が既に存在する場合のエラー
	ErrDuplicateItem = errors.New("品目は既に存在します")

	// ErrItemInactive is returned when a movement targets a deactivated item
	// 無効化された品目への在庫移動のエラー
	ErrItemInactive = errors.New("品目は無効化されています")

	// ErrTransactionFailed is returned when a transaction fails
	// トランザクション失敗時のエラー
	ErrTransactionFailed = errors.New("トランザクションが失敗しました")
)

// ErrorKind classifies failures for callers and transports.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindInsufficientStock ErrorKind = "insufficient_stock"
	KindConflict          ErrorKind = "conflict"
	KindPersistence       ErrorKind = "persistence"
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every field failure of one input.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Error())
	}
	return strings.Join(msgs, "; ")
}

// First returns the first failure, or nil.
func (e ValidationErrors) First() *ValidationError {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}

// NotFoundError represents a missing item or movement
// 品目・在庫移動が見つからない場合のエラー
type NotFoundError struct {
	Resource string `json:"resource"` // リソース種別
	ID       string `json:"id"`       // 識別子
	cause    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s (%s: %s)", e.cause, e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.cause
}

// InsufficientStockError carries the available and requested amounts
// 在庫不足エラー（利用可能数量と要求数量を保持）
type InsufficientStockError struct {
	ItemID    string          `json:"itemId"`
	Available decimal.Decimal `json:"available"`
	Requested decimal.Decimal `json:"requested"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s]: 利用可能 %s, 要求 %s", e.ItemID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// ConflictError represents a uniqueness or state conflict
// 一意性・状態の競合エラー
type ConflictError struct {
	Resource string `json:"resource"`
	Message  string `json:"message"`
	cause    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("競合エラー [%s]: %s", e.Resource, e.Message)
}

func (e *ConflictError) Unwrap() error {
	return e.cause
}

// PersistenceError represents a storage layer failure
// ストレージ層のエラーを表現
type PersistenceError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"-"`         // 原因エラー
}

func (e *PersistenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewItemNotFoundError creates a not-found error for an item
func NewItemNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "item", ID: id, cause: ErrItemNotFound}
}

// NewMovementNotFoundError creates a not-found error for a movement
func NewMovementNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "movement", ID: id, cause: ErrMovementNotFound}
}

// NewInsufficientStockError creates a new insufficient stock error
// 新しい在庫不足エラーを作成
func NewInsufficientStockError(itemID string, available, requested decimal.Decimal) *InsufficientStockError {
	return &InsufficientStockError{
		ItemID:    itemID,
		Available: available,
		Requested: requested,
	}
}

// NewConflictError creates a new conflict error wrapping cause
// 新しい競合エラーを作成
func NewConflictError(resource, message string, cause error) *ConflictError {
	return &ConflictError{
		Resource: resource,
		Message:  message,
		cause:    cause,
	}
}

// NewPersistenceError creates a new persistence error
// 新しいストレージエラーを作成
func NewPersistenceError(operation, message string, cause error) *PersistenceError {
	return &PersistenceError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// KindOf classifies err. Unknown errors are persistence failures.
// エラー種別を判定
func KindOf(err error) ErrorKind {
	var (
		ve  *ValidationError
		ves ValidationErrors
		nf  *NotFoundError
		ise *InsufficientStockError
		ce  *ConflictError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ves):
		return KindValidation
	case errors.As(err, &nf), errors.Is(err, ErrItemNotFound), errors.Is(err, ErrMovementNotFound):
		return KindNotFound
	case errors.As(err, &ise), errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.As(err, &ce), errors.Is(err, ErrDuplicateItem), errors.Is(err, ErrItemInactive):
		return KindConflict
	default:
		return KindPersistence
	}
}

// FieldOf returns the offending field of a validation failure, if any.
func FieldOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	var ves ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		return ves[0].Field
	}
	return ""
}

// IsRetryable reports whether the failure may succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindPersistence
}
