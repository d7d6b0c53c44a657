// Package currency defines the supported (symbol, network) pairs and the
// per-currency settings an operator configures for them.
package currency

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Family selects the derivation scheme and data provider implementation.
type Family string

const (
	FamilyBitcoin  Family = "bitcoin"
	FamilyEthereum Family = "ethereum"
)

// Key identifies a currency on a network. Both parts are upper-cased so that
// "btc/main" and "BTC/Main" resolve to the same entry.
type Key struct {
	Symbol  string
	Network string
}

// NewKey normalizes symbol and network into a Key.
func NewKey(symbol, network string) Key {
	return Key{
		Symbol:  strings.ToUpper(strings.TrimSpace(symbol)),
		Network: strings.ToUpper(strings.TrimSpace(network)),
	}
}

func (k Key) String() string {
	return k.Symbol + "/" + k.Network
}

// Descriptor is an immutable catalog entry.
type Descriptor struct {
	Symbol   string
	Network  string
	Name     string
	Family   Family
	Decimals int32

	// BitcoinParams is set for the bitcoin family only.
	BitcoinParams *chaincfg.Params
	// ChainID is set for the ethereum family only.
	ChainID int64
}

// Key returns the normalized lookup key.
func (d Descriptor) Key() Key {
	return NewKey(d.Symbol, d.Network)
}

// Catalog is the static set of currencies the gateway knows how to handle.
type Catalog struct {
	byKey map[Key]Descriptor
	order []Descriptor
}

// NewCatalog builds a catalog. Duplicate (symbol, network) pairs are a
// programming error and panic.
func NewCatalog(descs ...Descriptor) *Catalog {
	c := &Catalog{byKey: make(map[Key]Descriptor, len(descs))}
	for _, d := range descs {
		k := d.Key()
		if _, dup := c.byKey[k]; dup {
			panic(fmt.Sprintf("currency: duplicate catalog entry %s", k))
		}
		c.byKey[k] = d
		c.order = append(c.order, d)
	}
	return c
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Descriptor{Symbol: "BTC", Network: "Main", Name: "Bitcoin", Family: FamilyBitcoin, Decimals: 8, BitcoinParams: &chaincfg.MainNetParams},
		Descriptor{Symbol: "BTC", Network: "TestNet", Name: "Bitcoin", Family: FamilyBitcoin, Decimals: 8, BitcoinParams: &chaincfg.TestNet3Params},
		Descriptor{Symbol: "BTC", Network: "RegTest", Name: "Bitcoin", Family: FamilyBitcoin, Decimals: 8, BitcoinParams: &chaincfg.RegressionNetParams},
		Descriptor{Symbol: "ETH", Network: "Main", Name: "Ethereum", Family: FamilyEthereum, Decimals: 18, ChainID: 1},
		Descriptor{Symbol: "ETH", Network: "Sepolia", Name: "Ethereum", Family: FamilyEthereum, Decimals: 18, ChainID: 11155111},
	)
}

// Lookup finds a descriptor case-insensitively.
func (c *Catalog) Lookup(symbol, network string) (Descriptor, bool) {
	d, ok := c.byKey[NewKey(symbol, network)]
	return d, ok
}

// All returns the descriptors in declaration order.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, len(c.order))
	copy(out, c.order)
	return out
}
