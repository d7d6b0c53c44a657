// Package payments holds payment requests: the model, its persistence and
// the service that creates new requests on a fresh derived address.
package payments

import (
	"errors"
	"time"

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/currency"
)

var (
	ErrNotFound      = errors.New("payments: payment request not found")
	ErrPersistence   = errors.New("payments: persistence failure")
	ErrInvalidAmount = errors.New("payments: amount must be a positive integer in base units")
)

// Status is the reconciliation state of a payment request.
type Status string

const (
	StatusPending              Status = "pending"
	StatusPaid                 Status = "paid"
	StatusUnderpaid            Status = "underpaid"
	StatusOverpaid             Status = "overpaid"
	StatusMultipleTransactions Status = "multiple_transactions"
	StatusConfirmed            Status = "confirmed"
	StatusExpired              Status = "expired"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusUnderpaid, StatusOverpaid,
		StatusMultipleTransactions, StatusConfirmed, StatusExpired:
		return true
	}
	return false
}

// PolledStatuses are the states the reconciler keeps checking. Every other
// state is final as far as polling goes.
var PolledStatuses = []Status{StatusPending, StatusPaid}

// Polled reports whether requests in s are still re-checked every cycle.
func (s Status) Polled() bool {
	return s == StatusPending || s == StatusPaid
}

// PaymentRequest is one expected payment to one derived address.
type PaymentRequest struct {
	ID                    string        `json:"id"`
	DerivationIndex       uint32        `json:"derivationIndex"`
	Status                Status        `json:"status"`
	CurrencySymbol        string        `json:"currencySymbol"`
	Network               string        `json:"network"`
	AmountExpected        amount.Amount `json:"amountExpected"`
	AmountPaid            amount.Amount `json:"amountPaid"`
	ConfirmationsObserved uint32        `json:"confirmationsObserved"`
	ConfirmationsRequired uint32        `json:"confirmationsRequired"`
	ReceivingAddress      string        `json:"receivingAddress"`
	TransactionID         string        `json:"transactionId,omitempty"`
	CreatedAt             time.Time     `json:"createdAt"`
	ExpiresAt             time.Time     `json:"expiresAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

// Key returns the currency the request is denominated in.
func (p *PaymentRequest) Key() currency.Key {
	return currency.NewKey(p.CurrencySymbol, p.Network)
}

// Clone returns an independent copy. Amounts are immutable values.
func (p *PaymentRequest) Clone() *PaymentRequest {
	cp := *p
	return &cp
}
