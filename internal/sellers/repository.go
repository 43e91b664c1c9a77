package sellers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the read side the router needs from seller management.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Seller, error)
	ListAvailable(ctx context.Context) ([]*Seller, error)
	AdjustWorkload(ctx context.Context, id uuid.UUID, delta int) error
}

// InMemoryRepository keeps sellers in memory.
type InMemoryRepository struct {
	mu      sync.RWMutex
	sellers map[uuid.UUID]*Seller
}

func NewInMemoryRepository(seed ...*Seller) *InMemoryRepository {
	r := &InMemoryRepository{sellers: make(map[uuid.UUID]*Seller)}
	for _, s := range seed {
		r.Put(s)
	}
	return r
}

// Put inserts or replaces a seller.
func (r *InMemoryRepository) Put(s *Seller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := clone(s)
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
		s.ID = cp.ID
	}
	r.sellers[cp.ID] = cp
}

func (r *InMemoryRepository) Get(_ context.Context, id uuid.UUID) (*Seller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sellers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *InMemoryRepository) ListAvailable(_ context.Context) ([]*Seller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Seller
	for _, s := range r.sellers {
		if s.Active {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *InMemoryRepository) AdjustWorkload(_ context.Context, id uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sellers[id]
	if !ok {
		return ErrNotFound
	}
	s.CurrentWorkload += delta
	if s.CurrentWorkload < 0 {
		s.CurrentWorkload = 0
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}
