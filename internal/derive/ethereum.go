package derive

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cryptohook/cryptohook/internal/currency"
)

// Ethereum derives lower-case hex addresses from the Keccak-256 hash of the
// uncompressed child public key.
//
// Ethereum wallets export account keys with Bitcoin version bytes, so both
// xpub and tpub are accepted regardless of the Ethereum network.
type Ethereum struct {
	branch *hdkeychain.ExtendedKey
}

func newEthereum(desc currency.Descriptor, xpub string) (*Ethereum, error) {
	branch, err := externalBranch(desc.Key(), xpub, &chaincfg.MainNetParams, &chaincfg.TestNet3Params)
	if err != nil {
		return nil, err
	}
	return &Ethereum{branch: branch}, nil
}

// AddressAt returns the "0x"-prefixed address at 0/index.
func (e *Ethereum) AddressAt(index uint32) (string, error) {
	if err := checkIndex(index); err != nil {
		return "", err
	}
	child, err := e.branch.Derive(index)
	if err != nil {
		return "", fmt.Errorf("derive child %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("child %d public key: %w", index, err)
	}
	// Drop the 0x04 prefix; the hash covers X||Y only.
	hash := crypto.Keccak256(pub.SerializeUncompressed()[1:])
	return strings.ToLower(common.BytesToAddress(hash[12:]).Hex()), nil
}
