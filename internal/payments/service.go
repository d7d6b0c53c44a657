package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cryptohook/cryptohook/internal/amount"
	"github.com/cryptohook/cryptohook/internal/pagination"
	"github.com/cryptohook/cryptohook/internal/registry"
	"github.com/cryptohook/cryptohook/internal/traces"
)

// Currencies resolves an enabled currency. *registry.Registry satisfies it.
type Currencies interface {
	Lookup(symbol, network string) (*registry.Bundle, error)
}

// Service creates and reads payment requests.
type Service struct {
	store      Store
	currencies Currencies
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new payment service.
func NewService(store Store, currencies Currencies, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		currencies: currencies,
		logger:     logger,
		now:        time.Now,
	}
}

// Create allocates the next address for the currency and stores a pending
// request for amt base units. The derivation index is consumed even if a
// later step fails, so addresses are never shared between requests.
func (s *Service) Create(ctx context.Context, symbol, network string, amt amount.Amount) (*PaymentRequest, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Create",
		traces.Currency(symbol), traces.Network(network), traces.Amount(amt.String()))
	defer span.End()

	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	bundle, err := s.currencies.Lookup(symbol, network)
	if err != nil {
		return nil, err
	}
	desc, cfg := bundle.Descriptor, bundle.Config

	required, err := cfg.RequiredConfirmations(amt.Big())
	if err != nil {
		return nil, fmt.Errorf("payments: confirmation policy for %s: %w", desc.Key(), err)
	}

	index, err := s.store.NextDerivationIndex(ctx, desc.Key())
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	address, err := bundle.Deriver.AddressAt(index)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("payments: derive address %d for %s: %w", index, desc.Key(), err)
	}

	now := s.now().UTC()
	req := &PaymentRequest{
		ID:                    uuid.NewString(),
		DerivationIndex:       index,
		Status:                StatusPending,
		CurrencySymbol:        desc.Symbol,
		Network:               desc.Network,
		AmountExpected:        amt,
		AmountPaid:            amount.Zero(),
		ConfirmationsRequired: required,
		ReceivingAddress:      address,
		CreatedAt:             now,
		ExpiresAt:             now.Add(cfg.PaymentTimeout()),
		UpdatedAt:             now,
	}

	if err := s.store.Create(ctx, req); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(traces.PaymentID(req.ID), traces.Address(address))
	paymentsCreated.WithLabelValues(desc.Symbol, desc.Network).Inc()
	s.logger.Info("payment request created",
		"payment", req.ID, "currency", desc.Symbol, "network", desc.Network,
		"index", index, "address", address, "amount", amt.String(),
		"amount_coins", amt.FormatUnits(desc.Decimals), "confirmations_required", required, "expires_at", req.ExpiresAt)
	return req, nil
}

// Get returns a payment request by ID.
func (s *Service) Get(ctx context.Context, id string) (*PaymentRequest, error) {
	return s.store.Get(ctx, id)
}

// Page is one newest-first slice of payment requests.
type Page struct {
	Payments   []*PaymentRequest `json:"payments"`
	Count      int               `json:"count"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// List returns up to filter.Limit requests and the cursor for the next page.
func (s *Service) List(ctx context.Context, filter ListFilter) (*Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	filter.Limit = limit + 1

	items, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(r *PaymentRequest) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if items == nil {
		items = []*PaymentRequest{}
	}
	return &Page{Payments: items, Count: len(items), NextCursor: next, HasMore: more}, nil
}

// ParseAmount reads an amount given either in base units or as a decimal
// coin amount (e.g. "0.0015" BTC). Exactly one of the two must be set.
func (s *Service) ParseAmount(symbol, network, baseUnits, coins string) (amount.Amount, error) {
	switch {
	case baseUnits != "" && coins != "":
		return amount.Amount{}, fmt.Errorf("%w: set amount or displayAmount, not both", ErrInvalidAmount)
	case baseUnits != "":
		a, err := amount.Parse(baseUnits)
		if err != nil {
			return amount.Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return a, nil
	case coins != "":
		bundle, err := s.currencies.Lookup(symbol, network)
		if err != nil {
			return amount.Amount{}, err
		}
		a, err := amount.ParseUnits(coins, bundle.Descriptor.Decimals)
		if err != nil {
			return amount.Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return a, nil
	default:
		return amount.Amount{}, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
}
