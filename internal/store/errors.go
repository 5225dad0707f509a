package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInsufficientReservation = errors.New("insufficient reservation")
	ErrReservationExpired      = errors.New("reservation expired")
	ErrDuplicateSale           = errors.New("duplicate sale number")
	ErrAlreadyReversed         = errors.New("already reversed")
	ErrStaleVersion            = errors.New("stale settings version")
	ErrInvalidState            = errors.New("invalid state")
	ErrIntegrity               = errors.New("ledger integrity violation")
)

// StockError reports a failed stock check with the quantity that was
// actually free at the time.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	available := e.Available
	if available < 0 {
		available = 0
	}
	return fmt.Sprintf("insufficient stock for %s, max available: %d", e.ProductID, available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindIntegrity  Kind = "integrity"
	KindInternal   Kind = "internal"
)

// Classify maps an error onto the caller-facing taxonomy: conflicts may be
// retried after re-reading state, integrity errors must not be.
func Classify(err error) (Kind, string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity, "INTEGRITY_ERROR"
	case errors.Is(err, ErrNotFound):
		return KindNotFound, "NOT_FOUND"
	case errors.Is(err, ErrInvalidTransaction):
		return KindValidation, "VALIDATION_ERROR"
	case errors.Is(err, ErrInsufficientStock):
		return KindConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, ErrInsufficientReservation):
		return KindConflict, "INSUFFICIENT_RESERVATION"
	case errors.Is(err, ErrReservationExpired):
		return KindConflict, "RESERVATION_EXPIRED"
	case errors.Is(err, ErrDuplicateSale):
		return KindConflict, "DUPLICATE_SALE_NUMBER"
	case errors.Is(err, ErrAlreadyReversed):
		return KindConflict, "ALREADY_REVERSED"
	case errors.Is(err, ErrStaleVersion):
		return KindConflict, "STALE_VERSION"
	case errors.Is(err, ErrInvalidState):
		return KindConflict, "INVALID_STATE"
	}
	return KindInternal, "INTERNAL"
}
