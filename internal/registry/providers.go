package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/chain/esplora"
	"github.com/cryptohook/cryptohook/internal/chain/etherscan"
	"github.com/cryptohook/cryptohook/internal/currency"
)

// Providers picks Esplora for Bitcoin networks and Etherscan for Ethereum
// networks. Ethereum configs with an RPC URL read the chain tip from that
// node instead of the Etherscan proxy.
type Providers struct {
	ctx    context.Context
	logger *slog.Logger

	mu    sync.Mutex
	heads []*etherscan.RPCHead
}

// NewProviders returns the production factory. ctx bounds RPC dials.
func NewProviders(ctx context.Context, logger *slog.Logger) *Providers {
	return &Providers{ctx: ctx, logger: logger}
}

// Provider implements ProviderFactory.
func (p *Providers) Provider(desc currency.Descriptor, cfg currency.Config) (chain.Provider, error) {
	switch desc.Family {
	case currency.FamilyBitcoin:
		return esplora.New(desc, cfg.ProviderURL)

	case currency.FamilyEthereum:
		var opts []etherscan.Option
		if cfg.RPCURL != "" {
			head, err := etherscan.DialRPCHead(p.ctx, cfg.RPCURL, desc.ChainID)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.heads = append(p.heads, head)
			p.mu.Unlock()
			opts = append(opts, etherscan.WithHeadReader(head))
		}
		if cfg.APIKey == "" {
			p.logger.Warn("etherscan API key not set, requests will be rate limited",
				"currency", desc.Symbol, "network", desc.Network)
		}
		return etherscan.New(desc, cfg.ProviderURL, cfg.APIKey, opts...)

	default:
		return nil, fmt.Errorf("no data provider for family %q", desc.Family)
	}
}

// Close releases RPC connections opened by the factory.
func (p *Providers) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.heads {
		h.Close()
	}
	p.heads = nil
}
