package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]Order
	byTxn map[string]string
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]Order{}, byTxn: map[string]string{}, now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.OrderID]; ok {
		return Order{}, ErrAlreadyExists
	}
	if o.Status == "" {
		o.Status = StatusCreated
	}
	now := s.now().UTC()
	o.Version = 1
	o.CreatedAt, o.UpdatedAt = now, now
	s.byID[o.OrderID] = o.Clone()
	s.byTxn[o.TransactionID] = o.OrderID
	return o.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetByTransactionID(ctx context.Context, transactionID string) (Order, error) {
	s.mu.RLock()
	id, ok := s.byTxn[transactionID]
	s.mu.RUnlock()
	if !ok {
		return Order{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Save(_ context.Context, o Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[o.OrderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	if cur.Version != o.Version {
		return Order{}, ErrVersionConflict
	}
	// identity and pinned counterparty are immutable
	o.TransactionID = cur.TransactionID
	o.Counterparty = cur.Counterparty
	o.CreatedAt = cur.CreatedAt
	o.Version = cur.Version + 1
	o.UpdatedAt = s.now().UTC()
	s.byID[o.OrderID] = o.Clone()
	return o.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Order, int, error) {
	f = f.Normalized()
	s.mu.RLock()
	matched := make([]Order, 0, len(s.byID))
	for _, o := range s.byID {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		matched = append(matched, o.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].OrderID > matched[j].OrderID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := f.Offset()
	if start >= total {
		return []Order{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}
