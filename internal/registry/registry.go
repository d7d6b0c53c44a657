// Package registry assembles the per-currency runtime: validated config,
// address deriver and data provider. It is built once at startup and is
// read-only afterwards.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/derive"
)

var (
	ErrUnknownCurrency  = errors.New("registry: currency not configured")
	ErrCurrencyDisabled = errors.New("registry: currency disabled")
)

// Bundle is everything needed to create and reconcile payments in one
// currency. Deriver and Provider are nil for disabled currencies.
type Bundle struct {
	Descriptor currency.Descriptor
	Config     currency.Config
	Deriver    derive.Deriver
	Provider   chain.Provider
}

// Key returns the bundle's lookup key.
func (b *Bundle) Key() currency.Key { return b.Descriptor.Key() }

// ProviderFactory builds the data provider for an enabled currency.
type ProviderFactory interface {
	Provider(desc currency.Descriptor, cfg currency.Config) (chain.Provider, error)
}

// ProviderFactoryFunc adapts a function to ProviderFactory.
type ProviderFactoryFunc func(desc currency.Descriptor, cfg currency.Config) (chain.Provider, error)

func (f ProviderFactoryFunc) Provider(desc currency.Descriptor, cfg currency.Config) (chain.Provider, error) {
	return f(desc, cfg)
}

// Registry maps currency keys to bundles.
type Registry struct {
	bundles map[currency.Key]*Bundle
	keys    []currency.Key
}

// New validates configs against catalog, sorts their tiers and builds a
// deriver and provider for every enabled entry. Any problem yields a
// *currency.ConfigError; nothing is partially registered.
func New(catalog *currency.Catalog, configs []currency.Config, providers ProviderFactory, logger *slog.Logger) (*Registry, error) {
	if vs := currency.ValidateConfigs(catalog, configs); len(vs) > 0 {
		return nil, &currency.ConfigError{Violations: vs}
	}
	currency.Normalize(configs)

	r := &Registry{bundles: make(map[currency.Key]*Bundle, len(configs))}
	for _, cfg := range configs {
		desc, _ := catalog.Lookup(cfg.Symbol, cfg.Network)
		b := &Bundle{Descriptor: desc, Config: cfg}

		if cfg.Enabled {
			d, err := derive.New(desc, cfg.ExtendedPublicKey)
			if err != nil {
				return nil, &currency.ConfigError{Err: err}
			}
			p, err := providers.Provider(desc, cfg)
			if err != nil {
				return nil, &currency.ConfigError{Err: fmt.Errorf("%s provider: %w", desc.Key(), err)}
			}
			b.Deriver, b.Provider = d, p
		}

		r.bundles[desc.Key()] = b
		r.keys = append(r.keys, desc.Key())
		logger.Info("currency registered",
			"currency", desc.Symbol, "network", desc.Network, "enabled", cfg.Enabled,
			"tiers", len(cfg.ConfirmationTiers), "timeout_minutes", cfg.InitialPaymentTimeoutMinutes)
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i].String() < r.keys[j].String() })
	return r, nil
}

// Lookup returns the bundle for an enabled currency. Matching is
// case-insensitive.
func (r *Registry) Lookup(symbol, network string) (*Bundle, error) {
	b, ok := r.bundles[currency.NewKey(symbol, network)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCurrency, symbol, network)
	}
	if !b.Config.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyDisabled, b.Key())
	}
	return b, nil
}

// Enabled returns enabled bundles ordered by key.
func (r *Registry) Enabled() []*Bundle {
	out := make([]*Bundle, 0, len(r.keys))
	for _, k := range r.keys {
		if b := r.bundles[k]; b.Config.Enabled {
			out = append(out, b)
		}
	}
	return out
}
