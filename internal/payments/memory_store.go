package payments

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cryptohook/cryptohook/internal/currency"
)

// MemoryStore is an in-memory payment store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*PaymentRequest
	counters map[currency.Key]uint64
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*PaymentRequest),
		counters: make(map[currency.Key]uint64),
	}
}

func (m *MemoryStore) Create(_ context.Context, req *PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return persistErr("create", fmt.Errorf("duplicate id %s", req.ID))
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, limit int, statuses ...Status) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var result []*PaymentRequest
	for _, req := range m.requests {
		if want[req.Status] {
			result = append(result, req.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRequest
	for _, req := range m.requests {
		if filter.matches(req) {
			result = append(result, req.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateReconciled(_ context.Context, id string, fn Mutator) (*PaymentRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	working := stored.Clone()
	if !fn(working) {
		return working, false, nil
	}
	m.requests[id] = working.Clone()
	return working, true, nil
}

func (m *MemoryStore) NextDerivationIndex(_ context.Context, key currency.Key) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.counters[key]
	if next > math.MaxUint32 {
		return 0, persistErr("next derivation index", fmt.Errorf("%s counter exhausted", key))
	}
	m.counters[key] = next + 1
	return uint32(next), nil
}
