// Package esplora reads Bitcoin payments from an Esplora REST API
// (blockstream.info, mempool.space, or a self-hosted electrs).
package esplora

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/retry"
)

const providerName = "esplora"

// Public endpoints used when no base URL is configured.
const (
	MainnetURL = "https://blockstream.info/api"
	TestnetURL = "https://blockstream.info/testnet/api"
)

// Client is a chain.Provider bound to one Bitcoin network.
type Client struct {
	baseURL    string
	network    currency.Key
	params     *chaincfg.Params
	httpClient *http.Client
	retry      retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the retry policy for each upstream call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// New builds a client for desc. baseURL may be empty for Main and TestNet.
func New(desc currency.Descriptor, baseURL string, opts ...Option) (*Client, error) {
	if desc.Family != currency.FamilyBitcoin || desc.BitcoinParams == nil {
		return nil, fmt.Errorf("esplora: %s is not a bitcoin network", desc.Key())
	}
	if baseURL == "" {
		switch desc.Key().Network {
		case "MAIN":
			baseURL = MainnetURL
		case "TESTNET":
			baseURL = TestnetURL
		default:
			return nil, fmt.Errorf("esplora: %s needs an explicit provider URL", desc.Key())
		}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		network:    desc.Key(),
		params:     desc.BitcoinParams,
		httpClient: chain.NewHTTPClient(),
		retry:      retry.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
}

type txOutput struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type transaction struct {
	TxID   string     `json:"txid"`
	Status txStatus   `json:"status"`
	Vout   []txOutput `json:"vout"`
}

// Transactions returns up to limit transactions paying address, newest
// first as Esplora orders them.
func (c *Client) Transactions(ctx context.Context, address, network string, limit int) ([]chain.ObservedTransaction, error) {
	if currency.NewKey(c.network.Symbol, network) != c.network {
		return nil, &chain.ProviderError{Provider: providerName, Op: "check network", Address: address,
			Err: fmt.Errorf("client is bound to %s, asked for %s", c.network.Network, network)}
	}

	var txs []transaction
	endpoint := c.baseURL + "/address/" + url.PathEscape(address) + "/txs"
	if err := chain.GetJSON(ctx, c.httpClient, c.retry, endpoint, &txs); err != nil {
		return nil, &chain.ProviderError{Provider: providerName, Op: "list transactions", Address: address, Err: err}
	}

	type paying struct {
		tx  transaction
		sum *big.Int
	}
	var matched []paying
	needTip := false
	for _, tx := range txs {
		sum := c.paidTo(tx, address)
		if sum.Sign() <= 0 {
			continue
		}
		matched = append(matched, paying{tx: tx, sum: sum})
		needTip = needTip || tx.Status.Confirmed
	}

	out := make([]chain.ObservedTransaction, 0, len(matched))
	if len(matched) == 0 {
		return out, nil
	}

	var tip uint64
	if needTip {
		if err := chain.GetJSON(ctx, c.httpClient, c.retry, c.baseURL+"/blocks/tip/height", &tip); err != nil {
			return nil, &chain.ProviderError{Provider: providerName, Op: "chain tip", Address: address, Err: err}
		}
	}

	for _, m := range matched {
		out = append(out, chain.ObservedTransaction{
			TransactionID: m.tx.TxID,
			AmountPaid:    m.sum,
			Confirmations: chain.Confirmations(tip, m.tx.Status.BlockHeight, m.tx.Status.Confirmed),
		})
	}
	return chain.Truncate(out, limit), nil
}

// paidTo sums the outputs of tx whose script pays address.
func (c *Client) paidTo(tx transaction, address string) *big.Int {
	sum := new(big.Int)
	for _, out := range tx.Vout {
		if out.Value <= 0 || !c.scriptPaysTo(out, address) {
			continue
		}
		sum.Add(sum, big.NewInt(out.Value))
	}
	return sum
}

func (c *Client) scriptPaysTo(out txOutput, address string) bool {
	script, err := hex.DecodeString(out.ScriptPubKey)
	if err != nil || len(script) == 0 {
		return strings.EqualFold(out.ScriptPubKeyAddress, address)
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, c.params)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if strings.EqualFold(a.EncodeAddress(), address) {
			return true
		}
	}
	return false
}
