package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cryptohook/cryptohook/internal/chain"
	"github.com/cryptohook/cryptohook/internal/circuitbreaker"
	"github.com/cryptohook/cryptohook/internal/currency"
	"github.com/cryptohook/cryptohook/internal/payments"
	"github.com/cryptohook/cryptohook/internal/registry"
	"github.com/cryptohook/cryptohook/internal/syncutil"
	"github.com/cryptohook/cryptohook/internal/traces"
)

const (
	DefaultInterval      = 15 * time.Second
	DefaultConcurrency   = 4
	DefaultNotifyTimeout = 30 * time.Second
)

// Store is the slice of payments.Store the worker needs.
type Store interface {
	ListByStatus(ctx context.Context, limit int, statuses ...payments.Status) ([]*payments.PaymentRequest, error)
	UpdateReconciled(ctx context.Context, id string, fn payments.Mutator) (*payments.PaymentRequest, bool, error)
}

// Currencies resolves the provider for a currency group.
type Currencies interface {
	Lookup(symbol, network string) (*registry.Bundle, error)
}

// Notifier is told about every persisted change. Delivery problems are the
// notifier's to log; they never fail a cycle.
type Notifier interface {
	NotifyPaymentChange(ctx context.Context, req *payments.PaymentRequest)
}

// Publisher pushes persisted changes to live subscribers.
type Publisher interface {
	PublishPayment(req *payments.PaymentRequest)
}

// CycleReport summarizes one reconciliation pass.
type CycleReport struct {
	Loaded         int
	Checked        int
	Changed        int
	SkippedGroups  int
	ProviderErrors int
	PersistErrors  int
}

func (r *CycleReport) add(o CycleReport) {
	r.Checked += o.Checked
	r.Changed += o.Changed
	r.SkippedGroups += o.SkippedGroups
	r.ProviderErrors += o.ProviderErrors
	r.PersistErrors += o.PersistErrors
}

// Worker periodically reconciles open payment requests.
type Worker struct {
	store         Store
	currencies    Currencies
	notifier      Notifier
	publisher     Publisher
	logger        *slog.Logger
	breaker       *circuitbreaker.Breaker
	locks         *syncutil.KeyedMutex
	interval      time.Duration
	concurrency   int
	notifyTimeout time.Duration
	now           func() time.Time

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	started   atomic.Bool
	running   atomic.Bool
	lastCycle atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithNotifier sets the webhook notifier.
func WithNotifier(n Notifier) Option { return func(w *Worker) { w.notifier = n } }

// WithPublisher sets the realtime publisher.
func WithPublisher(p Publisher) Option { return func(w *Worker) { w.publisher = p } }

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithConcurrency bounds how many currency groups are polled at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithNotifyTimeout bounds the fan-out of one group's changes. The fan-out
// does not inherit cancellation, so changes already persisted are still
// delivered during shutdown.
func WithNotifyTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.notifyTimeout = d
		}
	}
}

// WithBreaker replaces the per-currency circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(w *Worker) { w.breaker = b } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// NewWorker creates a reconciliation worker.
func NewWorker(store Store, currencies Currencies, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:       store,
		currencies:  currencies,
		logger:      logger,
		breaker:     circuitbreaker.New(5, time.Minute),
		locks:       syncutil.NewKeyedMutex(),
		interval:      DefaultInterval,
		concurrency:   DefaultConcurrency,
		notifyTimeout: DefaultNotifyTimeout,
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		w.logger.Warn("provider circuit changed", "currency", key, "from", from.String(), "to", to.String())
	})
	return w
}

// Running reports whether the poll loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// LastCycle returns when the last cycle finished, or the zero time.
func (w *Worker) LastCycle() time.Time {
	ns := w.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start runs a cycle immediately and then every interval until ctx is
// done or Stop is called. Call in a goroutine, once per Worker.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.done)
	w.running.Store(true)
	defer w.running.Store(false)

	select {
	case <-ctx.Done():
		return
	case <-w.stop:
		return
	default:
	}
	w.safeRun(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the loop to stop. A cycle in progress finishes first; use
// Wait to block until it has.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Wait blocks until Start has returned or ctx is done. It returns at once
// when Start was never called.
func (w *Worker) Wait(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in reconciliation cycle", "panic", fmt.Sprint(r))
		}
	}()

	report, err := w.RunCycle(ctx)
	if err != nil {
		w.logger.Warn("reconciliation cycle failed", "error", err)
		return
	}
	if report.Loaded > 0 {
		w.logger.Info("reconciliation cycle done",
			"loaded", report.Loaded, "checked", report.Checked, "changed", report.Changed,
			"skipped_groups", report.SkippedGroups, "provider_errors", report.ProviderErrors,
			"persist_errors", report.PersistErrors)
	}
}

// RunCycle performs one reconciliation pass over every pending and paid
// request. Per-request failures are counted in the report; an error is
// returned only when the open requests cannot be loaded or ctx ends.
func (w *Worker) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "reconcile.cycle")
	defer span.End()

	open, err := w.store.ListByStatus(ctx, 0, payments.PolledStatuses...)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load open requests: %w", err)
	}
	openRequests.Set(float64(len(open)))

	groups := make(map[currency.Key][]*payments.PaymentRequest)
	var order []currency.Key
	for _, req := range open {
		k := req.Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], req)
	}

	report := &CycleReport{Loaded: len(open)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for _, k := range order {
		if ctx.Err() != nil {
			break
		}
		reqs := groups[k]
		g.Go(func() error {
			r := w.reconcileGroup(ctx, k, reqs)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	cycleDuration.Observe(time.Since(start).Seconds())
	finished := w.now()
	w.lastCycle.Store(finished.UnixNano())
	lastCycle.Set(float64(finished.Unix()))
	span.SetAttributes(traces.Count("requests.loaded", report.Loaded), traces.Count("requests.changed", report.Changed))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (w *Worker) reconcileGroup(ctx context.Context, key currency.Key, reqs []*payments.PaymentRequest) CycleReport {
	var report CycleReport
	symbol, network := reqs[0].CurrencySymbol, reqs[0].Network

	ctx, span := traces.StartSpan(ctx, "reconcile.group", traces.Currency(symbol), traces.Network(network))
	defer span.End()

	bundle, err := w.currencies.Lookup(symbol, network)
	if err != nil {
		w.logger.Error("no data provider for currency, skipping group",
			"currency", symbol, "network", network, "requests", len(reqs), "error", err)
		skippedGroups.WithLabelValues(symbol, network, "unavailable").Inc()
		report.SkippedGroups = 1
		return report
	}

	var changed []*payments.PaymentRequest
	for i, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		if !w.breaker.Allow(key.String()) {
			if i == 0 {
				w.logger.Warn("provider circuit open, skipping group", "currency", symbol, "network", network)
				skippedGroups.WithLabelValues(symbol, network, "circuit_open").Inc()
				report.SkippedGroups = 1
			}
			break
		}

		updated, err := w.reconcileOne(ctx, key, bundle.Provider, req)
		if errors.Is(err, errInFlight) {
			continue
		}
		report.Checked++
		requestsChecked.WithLabelValues(symbol, network).Inc()
		switch {
		case isProviderErr(err):
			report.ProviderErrors++
		case err != nil:
			report.PersistErrors++
		case updated != nil:
			report.Changed++
			changed = append(changed, updated)
		}
	}

	if len(changed) == 0 {
		return report
	}

	// Fan out only after the group so a slow webhook endpoint never delays
	// polling within the group.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.notifyTimeout)
	defer cancel()
	for _, req := range changed {
		if w.notifier != nil {
			w.notifier.NotifyPaymentChange(notifyCtx, req)
		}
		if w.publisher != nil {
			w.publisher.PublishPayment(req)
		}
	}
	return report
}

// errInFlight marks a request another cycle is already reconciling.
var errInFlight = errors.New("reconcile: request already in flight")

type providerFailure struct{ err error }

func (p providerFailure) Error() string { return p.err.Error() }
func (p providerFailure) Unwrap() error { return p.err }

func isProviderErr(err error) bool {
	_, ok := err.(providerFailure)
	return ok
}

// reconcileOne checks one request. It returns the persisted request when a
// change was written, nil when nothing changed.
func (w *Worker) reconcileOne(ctx context.Context, key currency.Key, provider chain.Provider, req *payments.PaymentRequest) (*payments.PaymentRequest, error) {
	unlock, ok := w.locks.TryLock(req.ID)
	if !ok {
		w.logger.Info("payment already being reconciled by another cycle, skipping", "payment", req.ID)
		return nil, errInFlight
	}
	defer unlock()

	log := w.logger.With("payment", req.ID, "currency", req.CurrencySymbol, "network", req.Network)

	txs, err := provider.Transactions(ctx, req.ReceivingAddress, req.Network, chain.DefaultLimit)
	if err != nil {
		w.breaker.RecordFailure(key.String())
		providerErrors.WithLabelValues(req.CurrencySymbol, req.Network).Inc()
		log.Warn("data provider failed, leaving request unchanged", "address", req.ReceivingAddress, "error", err)
		return nil, providerFailure{err}
	}
	w.breaker.RecordSuccess(key.String())

	now := w.now().UTC()
	out := Classify(req, txs, now)
	if !out.Changed(req) {
		return nil, nil
	}

	previous := req.Status
	stored, written, err := w.store.UpdateReconciled(ctx, req.ID, func(cur *payments.PaymentRequest) bool {
		if !out.Changed(cur) {
			return false
		}
		out.Apply(cur, now)
		return true
	})
	if err != nil {
		persistErrors.Inc()
		log.Error("failed to persist reconciled request", "status", out.Status, "error", err)
		return nil, err
	}
	if !written {
		return nil, nil
	}

	statusChanges.WithLabelValues(req.CurrencySymbol, req.Network, string(stored.Status)).Inc()
	log.Info("payment request updated",
		"from", previous, "to", stored.Status,
		"confirmations", stored.ConfirmationsObserved, "required", stored.ConfirmationsRequired,
		"amount_paid", stored.AmountPaid.String(), "tx", stored.TransactionID)
	return stored, nil
}
