package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
		code string
	}{
		{fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction), KindValidation, "VALIDATION_ERROR"},
		{&StockError{ProductID: "p1", Requested: 2, Available: 1}, KindConflict, "INSUFFICIENT_STOCK"},
		{fmt.Errorf("sale s1: %w", ErrAlreadyReversed), KindConflict, "ALREADY_REVERSED"},
		{ErrStaleVersion, KindConflict, "STALE_VERSION"},
		{ErrDuplicateSale, KindConflict, "DUPLICATE_SALE_NUMBER"},
		{fmt.Errorf("account a1: %w", ErrNotFound), KindNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: stock drift", ErrIntegrity), KindIntegrity, "INTEGRITY_ERROR"},
		{errors.New("connection reset"), KindInternal, "INTERNAL"},
	}
	for _, tc := range cases {
		kind, code := Classify(tc.err)
		require.Equal(t, tc.kind, kind, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestStockErrorMessage(t *testing.T) {
	err := &StockError{ProductID: "p1", Requested: 5, Available: 2}
	require.EqualError(t, err, "insufficient stock for p1, max available: 2")
	require.ErrorIs(t, err, ErrInsufficientStock)

	negative := &StockError{ProductID: "p1", Requested: 1, Available: -3}
	require.Contains(t, negative.Error(), "max available: 0")
}
