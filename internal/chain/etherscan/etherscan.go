// Package etherscan reads Ether payments through the Etherscan v2 API.
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/retry"
)

const providerName = "etherscan"

// DefaultURL is the multichain v2 endpoint; the chain is picked by chainid.
const DefaultURL = "https://api.etherscan.io/v2/api"

// fetchSize is how many recent transactions are scanned per address.
// Outgoing sweeps share the list with incoming payments, so it is larger
// than the number of payments we ever return.
const fetchSize = 25

// noTransactions is Etherscan's message for an address with no history.
const noTransactions = "No transactions found"

// HeadReader returns the current chain height.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client is a chain.Provider bound to one Ethereum network.
type Client struct {
	baseURL    string
	apiKey     string
	chainID    int64
	network    currency.Key
	httpClient *http.Client
	retry      retry.Policy
	head       HeadReader
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

// WithHeadReader reads the chain tip from h instead of the Etherscan proxy.
func WithHeadReader(h HeadReader) Option {
	return func(c *Client) { c.head = h }
}

// New builds a client for desc. An empty baseURL selects DefaultURL.
func New(desc currency.Descriptor, baseURL, apiKey string, opts ...Option) (*Client, error) {
	if desc.Family != currency.FamilyEthereum || desc.ChainID == 0 {
		return nil, fmt.Errorf("etherscan: %s is not an ethereum network", desc.Key())
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chainID:    desc.ChainID,
		network:    desc.Key(),
		httpClient: chain.NewHTTPClient(),
		retry:      retry.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.head == nil {
		c.head = proxyHead{c: c}
	}
	return c, nil
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type transaction struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	To          string `json:"to"`
	Value       string `json:"value"`
	IsError     string `json:"isError"`
}

// Transactions returns up to limit successful incoming transfers with a
// non-zero value, newest first.
func (c *Client) Transactions(ctx context.Context, address, network string, limit int) ([]chain.ObservedTransaction, error) {
	if currency.NewKey(c.network.Symbol, network) != c.network {
		return nil, &chain.ProviderError{Provider: providerName, Op: "check network", Address: address,
			Err: fmt.Errorf("client is bound to %s, asked for %s", c.network.Network, network)}
	}

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", "0")
	q.Set("endblock", "latest")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(max(limit, fetchSize)))
	q.Set("sort", "desc")

	var env envelope
	if err := chain.GetJSON(ctx, c.httpClient, c.retry, c.url(q), &env); err != nil {
		return nil, &chain.ProviderError{Provider: providerName, Op: "list transactions", Address: address, Err: err}
	}

	txs, err := decodeTxList(env)
	if err != nil {
		return nil, &chain.ProviderError{Provider: providerName, Op: "list transactions", Address: address, Err: err}
	}

	type incoming struct {
		hash   string
		value  *big.Int
		height uint64
	}
	var matched []incoming
	for _, tx := range txs {
		if tx.IsError == "1" || !strings.EqualFold(tx.To, address) {
			continue
		}
		value, ok := new(big.Int).SetString(tx.Value, 10)
		if !ok || value.Sign() <= 0 {
			continue
		}
		height, err := strconv.ParseUint(tx.BlockNumber, 10, 64)
		if err != nil {
			return nil, &chain.ProviderError{Provider: providerName, Op: "list transactions", Address: address,
				Err: fmt.Errorf("tx %s: bad block number %q", tx.Hash, tx.BlockNumber)}
		}
		matched = append(matched, incoming{hash: tx.Hash, value: value, height: height})
	}

	out := make([]chain.ObservedTransaction, 0, len(matched))
	if len(matched) == 0 {
		return out, nil
	}

	tip, err := c.head.BlockNumber(ctx)
	if err != nil {
		return nil, &chain.ProviderError{Provider: providerName, Op: "chain tip", Address: address, Err: err}
	}

	for _, m := range matched {
		out = append(out, chain.ObservedTransaction{
			TransactionID: m.hash,
			AmountPaid:    m.value,
			// txlist only reports mined transactions.
			Confirmations: chain.Confirmations(tip, m.height, true),
		})
	}
	return chain.Truncate(out, limit), nil
}

func decodeTxList(env envelope) ([]transaction, error) {
	if env.Status != "1" {
		if env.Message == noTransactions {
			return nil, nil
		}
		var reason string
		if err := json.Unmarshal(env.Result, &reason); err != nil {
			reason = string(env.Result)
		}
		return nil, fmt.Errorf("%s: %s", env.Message, reason)
	}
	var txs []transaction
	if err := json.Unmarshal(env.Result, &txs); err != nil {
		return nil, fmt.Errorf("result is not a transaction list: %w", err)
	}
	return txs, nil
}

func (c *Client) url(q url.Values) string {
	q.Set("chainid", strconv.FormatInt(c.chainID, 10))
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	return c.baseURL + "?" + q.Encode()
}

// proxyHead reads eth_blockNumber through Etherscan's JSON-RPC proxy.
type proxyHead struct {
	c *Client
}

func (p proxyHead) BlockNumber(ctx context.Context) (uint64, error) {
	q := url.Values{}
	q.Set("module", "proxy")
	q.Set("action", "eth_blockNumber")

	var resp struct {
		Result string `json:"result"`
	}
	if err := chain.GetJSON(ctx, p.c.httpClient, p.c.retry, p.c.url(q), &resp); err != nil {
		return 0, err
	}
	n, err := hexutil.DecodeUint64(resp.Result)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber result %q: %w", resp.Result, err)
	}
	return n, nil
}
