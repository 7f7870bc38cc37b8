package inventory

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"validation", NewValidationError("quantity", "bad", "-1"), KindValidation},
		{"validation list", ValidationErrors{NewValidationError("unit", "bad", "")}, KindValidation},
		{"item not found", NewItemNotFoundError("x"), KindNotFound},
		{"movement sentinel", ErrMovementNotFound, KindNotFound},
		{"insufficient", NewInsufficientStockError("x", decimal.NewFromInt(1), decimal.NewFromInt(2)), KindInsufficientStock},
		{"conflict", NewConflictError("item", "dup", ErrDuplicateItem), KindConflict},
		{"inactive sentinel", ErrItemInactive, KindConflict},
		{"wrapped conflict", fmt.Errorf("tx: %w", ErrDuplicateItem), KindConflict},
		{"persistence", NewPersistenceError("stock_in", "failed", errors.New("io")), KindPersistence},
		{"unknown", errors.New("boom"), KindPersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.kind == KindPersistence, IsRetryable(tt.err))
		})
	}
}

func TestTranslateError(t *testing.T) {
	err := translateError("get_item", "flour", ErrItemNotFound)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.Equal(t, "flour", nf.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	err = translateError("create_item", "", fmt.Errorf("commit: %w", ErrDuplicateItem))
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrDuplicateItem)

	cause := errors.New("connection reset")
	err = translateError("stock_in", "flour", cause)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, "stock_in", pe.Operation)
	assert.ErrorIs(t, err, cause)

	ve := NewValidationError("reorderPoint", "bad", "5")
	assert.Same(t, ve, translateError("update_item", "flour", ve))

	err = translateError("stock_in", "flour", fmt.Errorf("%w: commit", ErrTransactionFailed))
	assert.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrTransactionFailed)
}

func TestErrorMessages(t *testing.T) {
	err := NewInsufficientStockError("flour", decimal.NewFromInt(15), decimal.NewFromInt(20))
	assert.Contains(t, err.Error(), "15")
	assert.Contains(t, err.Error(), "20")
	assert.ErrorIs(t, err, ErrInsufficientStock)

	assert.Contains(t, NewMovementNotFoundError("mv-1").Error(), "mv-1")
	assert.Equal(t, "", FieldOf(errors.New("boom")))
}
