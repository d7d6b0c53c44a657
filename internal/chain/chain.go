// Package chain defines how the reconciler observes on-chain payments.
//
// A Provider answers one question: which transactions have paid the given
// address so far? Implementations live in subpackages, one per explorer API.
package chain

import (
	"context"
	"fmt"
	"math/big"
)

// DefaultLimit is enough to see a single settling transaction plus one more
// to detect a split payment.
const DefaultLimit = 2

// ObservedTransaction is one incoming transaction to a watched address.
type ObservedTransaction struct {
	TransactionID string
	// AmountPaid is the total paid to the watched address by this
	// transaction, in base units.
	AmountPaid    *big.Int
	Confirmations uint32
}

// Provider lists incoming transactions for an address.
//
// An empty, non-nil error-free result means the address has not been paid.
// Any failure to reach or understand the upstream is a *ProviderError and
// must not be read as "no transactions".
type Provider interface {
	Transactions(ctx context.Context, address, network string, limit int) ([]ObservedTransaction, error)
}

// ProviderError wraps transport, HTTP and decoding failures.
type ProviderError struct {
	Provider string
	Op       string
	Address  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Provider, e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Confirmations computes block depth: tip - height + 1 for a confirmed
// transaction, never negative, and 0 while unconfirmed.
func Confirmations(tip, height uint64, confirmed bool) uint32 {
	if !confirmed || height == 0 || height > tip {
		return 0
	}
	depth := tip - height + 1
	if depth > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(depth)
}

// Truncate caps txs at limit. A non-positive limit means DefaultLimit.
func Truncate(txs []ObservedTransaction, limit int) []ObservedTransaction {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(txs) > limit {
		return txs[:limit]
	}
	return txs
}
