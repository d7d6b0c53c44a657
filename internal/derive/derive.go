// Package derive turns an extended public key plus an index into a
// receiving address.
//
// Every deriver works on the non-hardened external chain "0/{index}".
// Key parsing and network checks happen once, in New, so that a broken
// key is rejected at startup instead of at the first payment.
package derive

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/cryptohook/cryptohook/internal/currency"
)

// externalChain is the first path element, "0" in "0/{index}".
const externalChain = 0

// ErrIndexOutOfRange is returned for indices in the hardened range.
var ErrIndexOutOfRange = errors.New("derive: index must be below 2^31")

// DerivationError reports a key that cannot be used for a currency.
type DerivationError struct {
	Currency currency.Key
	Reason   string
	Err      error
}

func (e *DerivationError) Error() string {
	msg := fmt.Sprintf("derive %s: %s", e.Currency, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DerivationError) Unwrap() error { return e.Err }

// Deriver maps a derivation index to an address.
type Deriver interface {
	AddressAt(index uint32) (string, error)
}

// New returns the deriver for desc's currency family.
func New(desc currency.Descriptor, xpub string) (Deriver, error) {
	switch desc.Family {
	case currency.FamilyBitcoin:
		return newBitcoin(desc, xpub)
	case currency.FamilyEthereum:
		return newEthereum(desc, xpub)
	default:
		return nil, &DerivationError{Currency: desc.Key(), Reason: fmt.Sprintf("unsupported family %q", desc.Family)}
	}
}

// externalBranch parses xpub, checks it against the accepted networks and
// returns the "0" child from which addresses are derived.
func externalBranch(key currency.Key, xpub string, nets ...*chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	if xpub == "" {
		return nil, &DerivationError{Currency: key, Reason: "extended public key is empty"}
	}
	master, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, &DerivationError{Currency: key, Reason: "malformed extended public key", Err: err}
	}
	if master.IsPrivate() {
		return nil, &DerivationError{Currency: key, Reason: "extended private keys are not accepted"}
	}

	matched := false
	for _, net := range nets {
		if master.IsForNet(net) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, &DerivationError{Currency: key, Reason: "extended key version does not match network " + key.Network}
	}

	branch, err := master.Derive(externalChain)
	if err != nil {
		return nil, &DerivationError{Currency: key, Reason: "derive external chain", Err: err}
	}
	return branch, nil
}

func checkIndex(index uint32) error {
	if index >= hdkeychain.HardenedKeyStart {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return nil
}
