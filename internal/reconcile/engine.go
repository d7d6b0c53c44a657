// Package reconcile turns explorer observations into payment status
// changes. The engine is a pure classifier; the worker drives it on a
// schedule, persists changes and fans them out.
package reconcile

import (
	"time"

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/payments"
)

// Outcome is the state a request should be in given the current chain view.
type Outcome struct {
	Status        payments.Status
	AmountPaid    amount.Amount
	Confirmations uint32
	TransactionID string
}

// Classify recomputes the request's state from scratch. It never looks at
// the stored status, so the same inputs always give the same outcome.
func Classify(req *payments.PaymentRequest, txs []chain.ObservedTransaction, now time.Time) Outcome {
	switch {
	case len(txs) > 1:
		total := amount.Zero()
		for _, tx := range txs {
			total = total.Add(amount.FromBig(tx.AmountPaid))
		}
		return Outcome{Status: payments.StatusMultipleTransactions, AmountPaid: total}

	case len(txs) == 0 && now.After(req.ExpiresAt):
		return Outcome{Status: payments.StatusExpired, AmountPaid: amount.Zero()}

	case len(txs) == 0:
		return Outcome{Status: payments.StatusPending, AmountPaid: amount.Zero()}
	}

	tx := txs[0]
	out := Outcome{
		AmountPaid:    amount.FromBig(tx.AmountPaid),
		Confirmations: tx.Confirmations,
		TransactionID: tx.TransactionID,
	}
	switch cmp := out.AmountPaid.Cmp(req.AmountExpected); {
	case cmp < 0:
		out.Status = payments.StatusUnderpaid
	case cmp > 0:
		out.Status = payments.StatusOverpaid
	case tx.Confirmations < req.ConfirmationsRequired:
		out.Status = payments.StatusPaid
	default:
		out.Status = payments.StatusConfirmed
	}
	return out
}

// Changed reports whether o differs from req in a way subscribers are told
// about: the status or the confirmation count.
func (o Outcome) Changed(req *payments.PaymentRequest) bool {
	return o.Status != req.Status || o.Confirmations != req.ConfirmationsObserved
}

// Apply copies the outcome onto req and stamps UpdatedAt.
func (o Outcome) Apply(req *payments.PaymentRequest, now time.Time) {
	req.Status = o.Status
	req.AmountPaid = o.AmountPaid
	req.ConfirmationsObserved = o.Confirmations
	req.TransactionID = o.TransactionID
	req.UpdatedAt = now
}
