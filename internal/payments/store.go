package payments

import (
	"context"
	"fmt"
	"slices"

	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/pagination"
)

// Mutator edits the freshly loaded request in place and reports whether
// anything should be written.
type Mutator func(current *PaymentRequest) bool

// Store persists payment requests. Failures other than ErrNotFound wrap
// ErrPersistence.
type Store interface {
	Create(ctx context.Context, req *PaymentRequest) error
	Get(ctx context.Context, id string) (*PaymentRequest, error)
	ListByStatus(ctx context.Context, limit int, statuses ...Status) ([]*PaymentRequest, error)

	// List returns requests newest first, after filter.After.
	List(ctx context.Context, filter ListFilter) ([]*PaymentRequest, error)

	// UpdateReconciled loads id under a row lock, applies fn and writes the
	// result if fn returns true. It returns the stored request and whether
	// it was written.
	UpdateReconciled(ctx context.Context, id string, fn Mutator) (*PaymentRequest, bool, error)

	// NextDerivationIndex hands out 0, 1, 2, ... per currency. An index is
	// never handed out twice, even if the payment using it is never stored.
	NextDerivationIndex(ctx context.Context, key currency.Key) (uint32, error)
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Statuses []Status
	Currency currency.Key
	After    *pagination.Cursor
	Limit    int
}

func (f ListFilter) matches(req *PaymentRequest) bool {
	if f.Currency != (currency.Key{}) && req.Key() != f.Currency {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, req.Status) {
		return false
	}
	return f.After.After(req.CreatedAt, req.ID)
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
