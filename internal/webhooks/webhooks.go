// Package webhooks notifies merchant endpoints about payment request
// changes. Every delivery is signed with the endpoint's shared secret.
//
// Deliveries are attempted once. A failed endpoint is logged and skipped;
// it never blocks the other endpoints or the reconciliation cycle.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/payments"
)

// EventPaymentUpdated is the only event type sent today.
const EventPaymentUpdated = "payment.updated"

// Endpoint is one merchant receiver.
type Endpoint struct {
	URL    string
	Secret string
}

// Payload is the JSON body of a payment change notification.
type Payload struct {
	Event                 string          `json:"event"`
	PaymentID             string          `json:"paymentId"`
	Status                payments.Status `json:"status"`
	AmountExpected        amount.Amount   `json:"amountExpected"`
	AmountPaid            amount.Amount   `json:"amountPaid"`
	Confirmations         uint32          `json:"confirmations"`
	ConfirmationsRequired uint32          `json:"confirmationsRequired"`
	TransactionID         string          `json:"transactionId"`
	Currency              string          `json:"currency"`
	Network               string          `json:"network"`
	ReceivingAddress      string          `json:"receivingAddress"`
	ExpiresAt             time.Time       `json:"expiresAt"`
	Timestamp             time.Time       `json:"timestamp"`
}

// NewPayload projects req into a notification body.
func NewPayload(req *payments.PaymentRequest, now time.Time) Payload {
	return Payload{
		Event:                 EventPaymentUpdated,
		PaymentID:             req.ID,
		Status:                req.Status,
		AmountExpected:        req.AmountExpected,
		AmountPaid:            req.AmountPaid,
		Confirmations:         req.ConfirmationsObserved,
		ConfirmationsRequired: req.ConfirmationsRequired,
		TransactionID:         req.TransactionID,
		Currency:              req.CurrencySymbol,
		Network:               req.Network,
		ReceivingAddress:      req.ReceivingAddress,
		ExpiresAt:             req.ExpiresAt,
		Timestamp:             now,
	}
}

// DeliveryError describes one failed delivery.
type DeliveryError struct {
	Endpoint   string
	PaymentID  string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook %s for payment %s: %v", e.Endpoint, e.PaymentID, e.Err)
	}
	return fmt.Sprintf("webhook %s for payment %s: status %d", e.Endpoint, e.PaymentID, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notifier posts payment changes to every configured endpoint.
type Notifier struct {
	endpoints    []Endpoint
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(context.Context, string) error
	now          func() time.Time
	newID        func() string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the HTTP client. Its timeout bounds each delivery.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// WithPrivateTargets skips the per-delivery check that blocks loopback and
// private addresses. Use for local development only.
func WithPrivateTargets() Option {
	return func(n *Notifier) { n.urlValidator = nil }
}

// NewNotifier creates a notifier for endpoints.
func NewNotifier(endpoints []Endpoint, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		endpoints:    append([]Endpoint(nil), endpoints...),
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		urlValidator: CheckTarget,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Endpoints returns the number of configured endpoints.
func (n *Notifier) Endpoints() int { return len(n.endpoints) }

// NotifyPaymentChange delivers req to every endpoint and logs failures.
func (n *Notifier) NotifyPaymentChange(ctx context.Context, req *payments.PaymentRequest) {
	for _, err := range n.Deliver(ctx, req) {
		n.logger.Warn("webhook delivery failed",
			"payment", req.ID, "currency", req.CurrencySymbol, "network", req.Network,
			"endpoint", err.Endpoint, "status_code", err.StatusCode, "error", err)
	}
}

// Deliver posts req to all endpoints concurrently and waits for them.
// It returns one error per failed endpoint.
func (n *Notifier) Deliver(ctx context.Context, req *payments.PaymentRequest) []*DeliveryError {
	if len(n.endpoints) == 0 {
		return nil
	}

	now := n.now().UTC()
	body, err := json.Marshal(NewPayload(req, now))
	if err != nil {
		out := make([]*DeliveryError, len(n.endpoints))
		for i, ep := range n.endpoints {
			out[i] = &DeliveryError{Endpoint: ep.URL, PaymentID: req.ID, Err: err}
		}
		return out
	}

	var (
		mu     sync.Mutex
		failed []*DeliveryError
		wg     sync.WaitGroup
	)
	for _, ep := range n.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if derr := n.send(ctx, ep, req.ID, body, now); derr != nil {
				mu.Lock()
				failed = append(failed, derr)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failed
}

func (n *Notifier) send(ctx context.Context, ep Endpoint, paymentID string, body []byte, now time.Time) *DeliveryError {
	start := time.Now()
	fail := func(result string, code int, err error) *DeliveryError {
		deliveries.WithLabelValues(result).Inc()
		return &DeliveryError{Endpoint: ep.URL, PaymentID: paymentID, StatusCode: code, Err: err}
	}

	if n.urlValidator != nil {
		if err := n.urlValidator(ctx, ep.URL); err != nil {
			return fail("blocked", 0, err)
		}
	}

	ts := now.Unix()
	requestID := n.newID()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fail("transport_error", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	httpReq.Header.Set(HeaderRequestID, requestID)
	httpReq.Header.Set(HeaderSignature, Sign(ep.Secret, ts, requestID, body))

	resp, err := n.client.Do(httpReq)
	deliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fail("transport_error", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail("http_error", resp.StatusCode, nil)
	}
	deliveries.WithLabelValues("success").Inc()
	return nil
}
