package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/retry"
)

func witnessAddr(t *testing.T, fill byte) (string, string) {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{fill}, 20), &chaincfg.MainNetParams)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return addr.EncodeAddress(), hex.EncodeToString(script)
}

func btcMain(t *testing.T) currency.Descriptor {
	t.Helper()
	d, ok := currency.DefaultCatalog().Lookup("BTC", "Main")
	require.True(t, ok)
	return d
}

type fakeEsplora struct {
	txs       []transaction
	tip       uint64
	tipCalls  atomic.Int32
	listCalls atomic.Int32
	failList  bool
}

func (f *fakeEsplora) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /address/{addr}/txs", func(w http.ResponseWriter, r *http.Request) {
		f.listCalls.Add(1)
		if f.failList {
			http.Error(w, "upstream down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(f.txs)
	})
	mux.HandleFunc("GET /blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		f.tipCalls.Add(1)
		_, _ = fmt.Fprint(w, f.tip)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(btcMain(t), srv.URL,
		WithHTTPClient(srv.Client()),
		WithRetryPolicy(retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}))
	require.NoError(t, err)
	return c
}

func TestTransactions_SumsOutputsToAddress(t *testing.T) {
	watched, watchedScript := witnessAddr(t, 0x01)
	other, otherScript := witnessAddr(t, 0x02)

	fake := &fakeEsplora{
		tip: 800_005,
		txs: []transaction{{
			TxID:   "aa",
			Status: txStatus{Confirmed: true, BlockHeight: 800_000},
			Vout: []txOutput{
				{ScriptPubKey: watchedScript, ScriptPubKeyAddress: watched, Value: 60_000},
				{ScriptPubKey: otherScript, ScriptPubKeyAddress: other, Value: 999},
				{ScriptPubKey: watchedScript, ScriptPubKeyAddress: watched, Value: 40_000},
			},
		}},
	}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "Main", chain.DefaultLimit)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aa", got[0].TransactionID)
	assert.Equal(t, int64(100_000), got[0].AmountPaid.Int64())
	assert.Equal(t, uint32(6), got[0].Confirmations)
}

func TestTransactions_SkipsOutgoingAndCountsUnconfirmed(t *testing.T) {
	watched, watchedScript := witnessAddr(t, 0x03)
	_, otherScript := witnessAddr(t, 0x04)

	fake := &fakeEsplora{
		txs: []transaction{
			{TxID: "mempool", Vout: []txOutput{{ScriptPubKey: watchedScript, Value: 5000}}},
			{TxID: "spend", Status: txStatus{Confirmed: true, BlockHeight: 10}, Vout: []txOutput{{ScriptPubKey: otherScript, Value: 4000}}},
		},
	}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "MAIN", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mempool", got[0].TransactionID)
	assert.Equal(t, uint32(0), got[0].Confirmations)
	assert.Equal(t, int32(0), fake.tipCalls.Load(), "tip is only fetched for confirmed payments")
}

func TestTransactions_RespectsLimit(t *testing.T) {
	watched, script := witnessAddr(t, 0x05)
	fake := &fakeEsplora{tip: 100}
	for _, id := range []string{"t1", "t2", "t3"} {
		fake.txs = append(fake.txs, transaction{
			TxID:   id,
			Status: txStatus{Confirmed: true, BlockHeight: 99},
			Vout:   []txOutput{{ScriptPubKey: script, Value: 1}},
		})
	}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "Main", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, uint32(2), got[0].Confirmations)
}

func TestTransactions_EmptyIsNotAnError(t *testing.T) {
	watched, _ := witnessAddr(t, 0x06)
	c := newTestClient(t, (&fakeEsplora{}).server(t))

	got, err := c.Transactions(context.Background(), watched, "Main", 2)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestTransactions_UpstreamFailure(t *testing.T) {
	watched, _ := witnessAddr(t, 0x07)
	fake := &fakeEsplora{failList: true}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "Main", 2)
	assert.Nil(t, got)
	var pe *chain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "esplora", pe.Provider)
	assert.Equal(t, int32(2), fake.listCalls.Load(), "5xx should be retried")
}

func TestTransactions_WrongNetwork(t *testing.T) {
	c := newTestClient(t, (&fakeEsplora{}).server(t))
	_, err := c.Transactions(context.Background(), "tb1qxyz", "TestNet", 2)
	var pe *chain.ProviderError
	assert.ErrorAs(t, err, &pe)
}

func TestNew_DefaultURLs(t *testing.T) {
	cat := currency.DefaultCatalog()

	main, _ := cat.Lookup("BTC", "Main")
	c, err := New(main, "")
	require.NoError(t, err)
	assert.Equal(t, MainnetURL, c.baseURL)

	test, _ := cat.Lookup("BTC", "TestNet")
	c, err = New(test, "https://mempool.space/testnet/api/")
	require.NoError(t, err)
	assert.Equal(t, "https://mempool.space/testnet/api", c.baseURL)

	reg, _ := cat.Lookup("BTC", "RegTest")
	_, err = New(reg, "")
	assert.Error(t, err)

	eth, _ := cat.Lookup("ETH", "Main")
	_, err = New(eth, "")
	assert.Error(t, err)
}
