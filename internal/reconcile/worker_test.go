package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/circuitbreaker"
	"github.com/cryptohook/cryptohook/internal/confirmations"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/payments"
	"github.com/cryptohook/cryptohook/internal/registry"
	"github.com/cryptohook/cryptohook/internal/webhooks"
)

const testXpub = "xpub6Cr3shfQvx8bZBrj8g8dsaZyYxLbFB75epS8s2wgmw9561qxsj2bRQ8BhiwLQdZB2gVzhWzCyPjNLn7zbg6nt828ooSmDsgs9aU9BSwQYbk"

// fakeProvider answers by address and counts calls.
type fakeProvider struct {
	mu    sync.Mutex
	txs   map[string][]chain.ObservedTransaction
	err   error
	calls int

	// hook runs before the lookup, outside the lock.
	hook func(ctx context.Context, address string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{txs: map[string][]chain.ObservedTransaction{}}
}

func (f *fakeProvider) Transactions(ctx context.Context, address, _ string, limit int) ([]chain.ObservedTransaction, error) {
	if f.hook != nil {
		f.hook(ctx, address)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, &chain.ProviderError{Provider: "fake", Op: "list transactions", Address: address, Err: f.err}
	}
	return chain.Truncate(append([]chain.ObservedTransaction{}, f.txs[address]...), limit), nil
}

func (f *fakeProvider) set(address string, txs ...chain.ObservedTransaction) {
	f.mu.Lock()
	f.txs[address] = txs
	f.mu.Unlock()
}

func (f *fakeProvider) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []payments.PaymentRequest
}

func (r *recordingNotifier) NotifyPaymentChange(_ context.Context, req *payments.PaymentRequest) {
	r.mu.Lock()
	r.sent = append(r.sent, *req)
	r.mu.Unlock()
}

func (r *recordingNotifier) PublishPayment(req *payments.PaymentRequest) {
	r.NotifyPaymentChange(context.Background(), req)
}

func (r *recordingNotifier) all() []payments.PaymentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]payments.PaymentRequest(nil), r.sent...)
}

type fixture struct {
	store     *payments.MemoryStore
	btc       *fakeProvider
	eth       *fakeProvider
	notifier  *recordingNotifier
	published *recordingNotifier
	worker    *Worker
	now       time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     payments.NewMemoryStore(),
		btc:       newFakeProvider(),
		eth:       newFakeProvider(),
		notifier:  &recordingNotifier{},
		published: &recordingNotifier{},
		now:       t0.Add(10 * time.Minute),
	}

	cfg := func(symbol, network string, enabled bool) currency.Config {
		return currency.Config{
			Symbol: symbol, Network: network, DisplayName: symbol, Enabled: enabled,
			ExtendedPublicKey: testXpub, InitialPaymentTimeoutMinutes: 60,
			ConfirmationTiers: []confirmations.Tier{confirmations.NewTier(0, 1)},
		}
	}
	reg, err := registry.New(currency.DefaultCatalog(),
		[]currency.Config{cfg("BTC", "Main", true), cfg("ETH", "Main", true), cfg("BTC", "TestNet", false)},
		registry.ProviderFactoryFunc(func(desc currency.Descriptor, _ currency.Config) (chain.Provider, error) {
			if desc.Family == currency.FamilyEthereum {
				return f.eth, nil
			}
			return f.btc, nil
		}),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	opts = append([]Option{
		WithNotifier(f.notifier),
		WithPublisher(f.published),
		WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.worker = NewWorker(f.store, reg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	return f
}

func (f *fixture) add(t *testing.T, id, symbol, network, address string, expected int64, required uint32) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), &payments.PaymentRequest{
		ID:                    id,
		Status:                payments.StatusPending,
		CurrencySymbol:        symbol,
		Network:               network,
		AmountExpected:        amount.FromInt64(expected),
		AmountPaid:            amount.Zero(),
		ConfirmationsRequired: required,
		ReceivingAddress:      address,
		CreatedAt:             t0,
		ExpiresAt:             t0.Add(time.Hour),
		UpdatedAt:             t0,
	}))
}

func (f *fixture) get(t *testing.T, id string) *payments.PaymentRequest {
	t.Helper()
	req, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func TestRunCycle_PendingToPaidToConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 3)

	// Nothing on chain yet.
	report, err := f.worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Loaded: 1, Checked: 1}, *report)
	assert.Empty(t, f.notifier.all())

	f.btc.set("bc1qaddr1", tx("t1", 5000, 1))
	report, err = f.worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Changed)
	got := f.get(t, "p1")
	assert.Equal(t, payments.StatusPaid, got.Status)
	assert.Equal(t, "t1", got.TransactionID)
	assert.Equal(t, f.now.UTC(), got.UpdatedAt)

	// Same chain view: idempotent, no second webhook.
	report, err = f.worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Changed)
	require.Len(t, f.notifier.all(), 1)

	// More confirmations while still paid is a change.
	f.btc.set("bc1qaddr1", tx("t1", 5000, 2))
	_, err = f.worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.get(t, "p1").ConfirmationsObserved)

	f.btc.set("bc1qaddr1", tx("t1", 5000, 3))
	_, err = f.worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusConfirmed, f.get(t, "p1").Status)

	sent := f.notifier.all()
	require.Len(t, sent, 3)
	assert.Equal(t, payments.StatusPaid, sent[0].Status)
	assert.Equal(t, uint32(2), sent[1].ConfirmationsObserved)
	assert.Equal(t, payments.StatusConfirmed, sent[2].Status)
	assert.Len(t, f.published.all(), 3)

	// Confirmed requests are no longer polled.
	calls := f.btc.callCount()
	report, err = f.worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Loaded)
	assert.Equal(t, calls, f.btc.callCount())
}

func TestRunCycle_ExpiredAndMultiple(t *testing.T) {
	f := newFixture(t)
	f.add(t, "late", "BTC", "Main", "bc1qlate", 5000, 1)
	f.add(t, "split", "ETH", "Main", "0xsplit", 5000, 1)
	f.eth.set("0xsplit", tx("a", 2000, 5), tx("b", 3000, 5))
	f.now = t0.Add(2 * time.Hour)

	report, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Changed)

	assert.Equal(t, payments.StatusExpired, f.get(t, "late").Status)
	split := f.get(t, "split")
	assert.Equal(t, payments.StatusMultipleTransactions, split.Status)
	assert.Equal(t, "5000", split.AmountPaid.String())
	assert.Equal(t, uint32(0), split.ConfirmationsObserved)
	assert.Equal(t, "", split.TransactionID)
}

func TestRunCycle_ProviderErrorLeavesRequestUntouched(t *testing.T) {
	f := newFixture(t)
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 1)
	f.add(t, "e1", "ETH", "Main", "0xaddr", 10, 1)
	f.btc.fail(errors.New("502 bad gateway"))
	f.eth.set("0xaddr", tx("0xt", 10, 1))
	f.now = t0.Add(2 * time.Hour)

	report, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProviderErrors)
	assert.Equal(t, 1, report.Changed)

	untouched := f.get(t, "p1")
	assert.Equal(t, payments.StatusPending, untouched.Status, "provider failure must not expire the request")
	assert.Equal(t, t0, untouched.UpdatedAt)
	assert.Equal(t, payments.StatusConfirmed, f.get(t, "e1").Status, "other groups are unaffected")

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "e1", sent[0].ID)
}

func TestRunCycle_CircuitOpensAndSkipsGroup(t *testing.T) {
	f := newFixture(t, WithBreaker(circuitbreaker.New(2, time.Hour)))
	for _, id := range []string{"a", "b", "c"} {
		f.add(t, id, "BTC", "Main", "bc1q"+id, 5000, 1)
	}
	f.btc.fail(errors.New("timeout"))

	report, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.ProviderErrors, "third request is not attempted once the circuit opens")
	assert.Equal(t, 2, f.btc.callCount())

	report, err = f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedGroups)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, 2, f.btc.callCount())
}

func TestRunCycle_UnavailableCurrencySkipped(t *testing.T) {
	f := newFixture(t)
	f.add(t, "off", "BTC", "TestNet", "tb1qoff", 5000, 1)
	f.add(t, "gone", "DOGE", "Main", "Dgone", 5000, 1)
	f.add(t, "ok", "BTC", "Main", "bc1qok", 5000, 1)
	f.btc.set("bc1qok", tx("t", 5000, 1))

	report, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.SkippedGroups)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, payments.StatusPending, f.get(t, "off").Status)
}

// failingUpdateStore refuses every write.
type failingUpdateStore struct {
	*payments.MemoryStore
}

func (failingUpdateStore) UpdateReconciled(context.Context, string, payments.Mutator) (*payments.PaymentRequest, bool, error) {
	return nil, false, payments.ErrPersistence
}

func TestRunCycle_PersistFailureSendsNoWebhook(t *testing.T) {
	f := newFixture(t)
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 1)
	f.btc.set("bc1qaddr1", tx("t1", 5000, 1))

	reg := f.worker.currencies
	w := NewWorker(failingUpdateStore{f.store}, reg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithNotifier(f.notifier))

	before := counterValue(t, persistErrors)
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PersistErrors)
	assert.Equal(t, 0, report.Changed)
	assert.Empty(t, f.notifier.all())
	assert.Equal(t, before+1, counterValue(t, persistErrors))
}

func TestRunCycle_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.worker.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.btc.callCount())
}

func TestRunCycle_CancelMidGroupStillNotifiesPersisted(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhooks.Payload
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhooks.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			mu.Lock()
			received = append(received, p)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	notifier := webhooks.NewNotifier(
		[]webhooks.Endpoint{{URL: receiver.URL, Secret: "whsec"}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		webhooks.WithPrivateTargets(),
	)
	f := newFixture(t, WithNotifier(notifier))
	for _, id := range []string{"a", "b", "c"} {
		f.add(t, id, "BTC", "Main", "bc1q"+id, 5000, 1)
		f.btc.set("bc1q"+id, tx("t"+id, 5000, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.btc.hook = func(_ context.Context, address string) {
		if address == "bc1qb" {
			cancel()
		}
	}

	report, err := f.worker.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.Changed)
	assert.Equal(t, 2, f.btc.callCount())

	assert.Equal(t, payments.StatusConfirmed, f.get(t, "a").Status)
	assert.Equal(t, payments.StatusConfirmed, f.get(t, "b").Status)
	assert.Equal(t, payments.StatusPending, f.get(t, "c").Status, "requests after cancellation are untouched")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2, "changes persisted before cancellation must still be delivered")
	ids := []string{received[0].PaymentID, received[1].PaymentID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestRunCycle_UnrelatedRequestsNeverBlockEachOther(t *testing.T) {
	f := newFixture(t, WithConcurrency(2))
	f.add(t, "req-a", "BTC", "Main", "bc1qslow", 5000, 1)
	f.add(t, "req-261", "ETH", "Main", "0xfast", 10, 1)
	f.eth.set("0xfast", tx("0xt", 10, 1))

	ethDone := make(chan struct{})
	var once sync.Once
	f.worker.publisher = publisherFunc(func(req *payments.PaymentRequest) {
		if req.ID == "req-261" {
			once.Do(func() { close(ethDone) })
		}
	})
	f.btc.hook = func(context.Context, string) {
		select {
		case <-ethDone:
		case <-time.After(2 * time.Second):
		}
	}

	report, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, payments.StatusConfirmed, f.get(t, "req-261").Status)
}

func TestRunCycle_InFlightRequestNotCounted(t *testing.T) {
	f := newFixture(t)
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 1)
	f.btc.set("bc1qaddr1", tx("t1", 5000, 1))

	unlock, ok := f.worker.locks.TryLock("p1")
	require.True(t, ok)

	report, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, 0, report.Checked)
	assert.Equal(t, 0, f.btc.callCount())
	unlock()

	report, err = f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, payments.StatusConfirmed, f.get(t, "p1").Status)
}

func TestRunCycle_ChangeMetric(t *testing.T) {
	f := newFixture(t)
	f.add(t, "p1", "ETH", "Main", "0xmetric", 7, 1)
	f.eth.set("0xmetric", tx("0xm", 8, 1))

	c := statusChanges.WithLabelValues("ETH", "Main", string(payments.StatusOverpaid))
	before := counterValue(t, c)
	_, err := f.worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before+1, counterValue(t, c))
}

func TestWorker_StartRunsImmediatelyAndStops(t *testing.T) {
	f := newFixture(t, WithInterval(time.Hour))
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 1)
	f.btc.set("bc1qaddr1", tx("t1", 5000, 1))

	done := make(chan struct{})
	go func() {
		f.worker.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		req, err := f.store.Get(context.Background(), "p1")
		return err == nil && req.Status == payments.StatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.worker.Running())
	assert.True(t, f.now.Equal(f.worker.LastCycle()))

	f.worker.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, f.worker.Running())
}

func TestWorker_StopDuringCycle(t *testing.T) {
	f := newFixture(t, WithInterval(time.Millisecond))
	f.add(t, "p1", "BTC", "Main", "bc1qaddr1", 5000, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.btc.hook = func(context.Context, string) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan struct{})
	go func() {
		f.worker.Start(context.Background())
		close(done)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never reached the provider")
	}
	f.worker.Stop()
	f.worker.Stop()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop requested mid-cycle was lost")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.worker.Wait(ctx))
}

func TestWorker_WaitWithoutStart(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.worker.Wait(context.Background()))
}

type publisherFunc func(req *payments.PaymentRequest)

func (p publisherFunc) PublishPayment(req *payments.PaymentRequest) { p(req) }

type counter interface {
	Write(*dto.Metric) error
}

func counterValue(t *testing.T, c counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
