// Package confirmations maps a payment amount to the confirmation depth it
// needs before it is considered settled.
//
// A policy is a list of tiers. Each tier says "payments of at least
// Threshold base units need Confirmations blocks". The tier that applies
// to an amount is the one with the greatest threshold not above it.
package confirmations

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/cryptohook/cryptohook/internal/validation"
)

// ErrPolicy is the parent of every policy error.
var ErrPolicy = errors.New("confirmations: policy error")

var (
	ErrNoTiers        = fmt.Errorf("%w: no tiers configured", ErrPolicy)
	ErrNoMatchingTier = fmt.Errorf("%w: no tier matches amount", ErrPolicy)
)

// Tier is one row of a confirmation policy.
type Tier struct {
	Threshold     *big.Int
	Confirmations uint32
}

// NewTier is a convenience for literal policies.
func NewTier(threshold int64, confirmations uint32) Tier {
	return Tier{Threshold: big.NewInt(threshold), Confirmations: confirmations}
}

// Required returns the confirmations needed for amount.
//
// tiers need not be sorted. When the floor tier invariant holds the
// ErrNoMatchingTier branch is unreachable for non-negative amounts.
func Required(tiers []Tier, amount *big.Int) (uint32, error) {
	if len(tiers) == 0 {
		return 0, ErrNoTiers
	}
	if amount == nil {
		amount = new(big.Int)
	}

	var best *Tier
	for i := range tiers {
		t := &tiers[i]
		if t.Threshold == nil || t.Threshold.Cmp(amount) > 0 {
			continue
		}
		if best == nil || t.Threshold.Cmp(best.Threshold) >= 0 {
			best = t
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoMatchingTier, amount)
	}
	return best.Confirmations, nil
}

// Sort orders tiers ascending by threshold, in place.
func Sort(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].Threshold.Cmp(tiers[j].Threshold) < 0
	})
}

// Validate checks the tier invariants: at least one tier, every threshold
// present and non-negative, exactly one floor tier at 0, no duplicate
// thresholds.
func Validate(tiers []Tier) validation.Violations {
	if len(tiers) == 0 {
		return validation.Violations{{Message: "at least one tier is required"}}
	}

	var out validation.Violations
	seen := make(map[string]int, len(tiers))
	floors := 0
	for i, t := range tiers {
		field := fmt.Sprintf("[%d].threshold", i)
		if t.Threshold == nil {
			out = append(out, validation.Violation{Field: field, Message: "is required"})
			continue
		}
		if t.Threshold.Sign() < 0 {
			out = append(out, validation.Violation{Field: field, Message: "must not be negative"})
			continue
		}
		if t.Threshold.Sign() == 0 {
			floors++
		}
		key := t.Threshold.String()
		if prev, dup := seen[key]; dup {
			out = append(out, validation.Violation{
				Field:   field,
				Message: fmt.Sprintf("duplicates the threshold of tier %d", prev),
			})
			continue
		}
		seen[key] = i
	}

	if floors == 0 {
		out = append(out, validation.Violation{Message: "a floor tier with threshold 0 is required"})
	}
	return out
}
