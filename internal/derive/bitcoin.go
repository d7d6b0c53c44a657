package derive

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/cryptohook/cryptohook/internal/currency"
)

// Bitcoin derives native segwit (P2WPKH, bech32) addresses.
type Bitcoin struct {
	branch *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

func newBitcoin(desc currency.Descriptor, xpub string) (*Bitcoin, error) {
	if desc.BitcoinParams == nil {
		return nil, &DerivationError{Currency: desc.Key(), Reason: "unrecognized network " + desc.Network}
	}
	branch, err := externalBranch(desc.Key(), xpub, desc.BitcoinParams)
	if err != nil {
		return nil, err
	}
	return &Bitcoin{branch: branch, params: desc.BitcoinParams}, nil
}

// AddressAt returns the bech32 address at 0/index.
func (b *Bitcoin) AddressAt(index uint32) (string, error) {
	if err := checkIndex(index); err != nil {
		return "", err
	}
	child, err := b.branch.Derive(index)
	if err != nil {
		return "", fmt.Errorf("derive child %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("child %d public key: %w", index, err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), b.params)
	if err != nil {
		return "", fmt.Errorf("encode child %d: %w", index, err)
	}
	return addr.EncodeAddress(), nil
}
