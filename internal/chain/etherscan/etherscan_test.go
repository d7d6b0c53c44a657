package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/retry"
)

const watched = "0x8ba1f109551bd432803012645ac136ddd64dba72"

func sepolia(t *testing.T) currency.Descriptor {
	t.Helper()
	d, ok := currency.DefaultCatalog().Lookup("ETH", "Sepolia")
	require.True(t, ok)
	return d
}

type fakeEtherscan struct {
	txlist    string
	head      string
	lastQuery atomic.Value
	proxyHits atomic.Int32
}

func (f *fakeEtherscan) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.lastQuery.Store(q)
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("module") + "/" + q.Get("action") {
		case "account/txlist":
			_, _ = w.Write([]byte(f.txlist))
		case "proxy/eth_blockNumber":
			f.proxyHits.Add(1)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":83,"result":"` + f.head + `"}`))
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithHTTPClient(srv.Client()),
		WithRetryPolicy(retry.Policy{Attempts: 1, BaseDelay: time.Millisecond}),
	}, opts...)
	c, err := New(sepolia(t), srv.URL, "KEY123", opts...)
	require.NoError(t, err)
	return c
}

func TestTransactions_FiltersIncoming(t *testing.T) {
	fake := &fakeEtherscan{
		head: "0x64", // 100
		txlist: `{"status":"1","message":"OK","result":[
			{"hash":"0xout","blockNumber":"99","to":"0x0000000000000000000000000000000000000001","value":"5","isError":"0"},
			{"hash":"0xfailed","blockNumber":"98","to":"` + watched + `","value":"7","isError":"1"},
			{"hash":"0xzero","blockNumber":"97","to":"` + watched + `","value":"0","isError":"0"},
			{"hash":"0xpay","blockNumber":"95","to":"0x8BA1F109551BD432803012645AC136DDD64DBA72","value":"1000000000000000000000","isError":"0"}
		]}`,
	}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "Sepolia", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xpay", got[0].TransactionID)
	assert.Equal(t, "1000000000000000000000", got[0].AmountPaid.String())
	assert.Equal(t, uint32(6), got[0].Confirmations)

	q := fake.lastQuery.Load().(url.Values)
	assert.Equal(t, []string{"11155111"}, q["chainid"])
	assert.Equal(t, []string{"KEY123"}, q["apikey"])
}

func TestTransactions_NoTransactionsFound(t *testing.T) {
	fake := &fakeEtherscan{txlist: `{"status":"0","message":"No transactions found","result":[]}`}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "SEPOLIA", 2)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(0), fake.proxyHits.Load())
}

func TestTransactions_APIErrorIsProviderError(t *testing.T) {
	fake := &fakeEtherscan{txlist: `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "Sepolia", 2)
	assert.Nil(t, got)
	var pe *chain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "Invalid API Key")
}

func TestTransactions_MultipleIncomingTruncated(t *testing.T) {
	fake := &fakeEtherscan{
		head: "0xa",
		txlist: `{"status":"1","message":"OK","result":[
			{"hash":"0x3","blockNumber":"10","to":"` + watched + `","value":"3","isError":"0"},
			{"hash":"0x2","blockNumber":"9","to":"` + watched + `","value":"2","isError":"0"},
			{"hash":"0x1","blockNumber":"8","to":"` + watched + `","value":"1","isError":"0"}
		]}`,
	}
	c := newTestClient(t, fake.server(t))

	got, err := c.Transactions(context.Background(), watched, "Sepolia", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0x3", got[0].TransactionID)
	assert.Equal(t, uint32(1), got[0].Confirmations)
}

type stubHead struct {
	n   uint64
	err error
}

func (s stubHead) BlockNumber(context.Context) (uint64, error) { return s.n, s.err }

func TestTransactions_UsesHeadReader(t *testing.T) {
	fake := &fakeEtherscan{
		txlist: `{"status":"1","message":"OK","result":[{"hash":"0xa","blockNumber":"500","to":"` + watched + `","value":"9","isError":"0"}]}`,
	}
	c := newTestClient(t, fake.server(t), WithHeadReader(stubHead{n: 511}))

	got, err := c.Transactions(context.Background(), watched, "Sepolia", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(12), got[0].Confirmations)
	assert.Equal(t, int32(0), fake.proxyHits.Load())

	c = newTestClient(t, fake.server(t), WithHeadReader(stubHead{err: errors.New("node down")}))
	_, err = c.Transactions(context.Background(), watched, "Sepolia", 2)
	var pe *chain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "chain tip", pe.Op)
}

func TestTransactions_WrongNetwork(t *testing.T) {
	c := newTestClient(t, (&fakeEtherscan{}).server(t))
	_, err := c.Transactions(context.Background(), watched, "Main", 2)
	var pe *chain.ProviderError
	assert.ErrorAs(t, err, &pe)
}

func TestNew_RejectsBitcoin(t *testing.T) {
	btc, _ := currency.DefaultCatalog().Lookup("BTC", "Main")
	_, err := New(btc, "", "")
	assert.Error(t, err)

	c, err := New(sepolia(t), "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, c.baseURL)
}

// rpcServer answers the two JSON-RPC calls RPCHead makes.
func rpcServer(t *testing.T, chainID string, height string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result := height
		if req.Method == "eth_chainId" {
			result = chainID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCHead(t *testing.T) {
	srv := rpcServer(t, "0xaa36a7", "0x10")
	head, err := DialRPCHead(context.Background(), srv.URL, 11155111)
	require.NoError(t, err)
	defer head.Close()

	n, err := head.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)
	assert.True(t, head.verified.Load())
}

func TestRPCHead_WrongChain(t *testing.T) {
	srv := rpcServer(t, "0x1", "0x10")
	head, err := DialRPCHead(context.Background(), srv.URL, 11155111)
	require.NoError(t, err)
	defer head.Close()

	_, err = head.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 11155111")
}
