package pendingauth

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of Repo.
type InMemoryRepo struct {
	mu       sync.Mutex
	requests map[string]*Request
	ttl      time.Duration
	nowFunc  func() time.Time
}

// InMemoryRepoOption configures an InMemoryRepo.
type InMemoryRepoOption func(*InMemoryRepo)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) InMemoryRepoOption {
	return func(r *InMemoryRepo) {
		r.nowFunc = now
	}
}

// NewInMemoryRepo creates an in-memory pending-request repository whose
// entries expire after ttl.
func NewInMemoryRepo(ttl time.Duration, options ...InMemoryRepoOption) *InMemoryRepo {
	r := &InMemoryRepo{
		requests: make(map[string]*Request),
		ttl:      ttl,
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Put stores a pending request keyed by its state value.
func (r *InMemoryRepo) Put(req *Request) error {
	if req == nil || req.State == "" {
		return errors.New("[InMemoryRepo.Put] request with non-empty state is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *req
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.nowFunc()
	}
	r.requests[req.State] = &cp
	return nil
}

// Consume atomically looks up and deletes the request for state. Expired
// entries are treated as absent. First consumer wins; everyone else gets
// an error.
func (r *InMemoryRepo) Consume(state string) (*Request, error) {
	if state == "" {
		return nil, errors.New("[InMemoryRepo.Consume] state cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[state]
	if !ok {
		return nil, errors.Errorf("[InMemoryRepo.Consume] no pending request for state")
	}
	delete(r.requests, state)

	if r.nowFunc().Sub(req.CreatedAt) > r.ttl {
		return nil, errors.Errorf("[InMemoryRepo.Consume] pending request expired")
	}
	cp := *req
	return &cp, nil
}

// SweepExpired drops entries past the ttl and reports how many were removed.
func (r *InMemoryRepo) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.nowFunc().Add(-r.ttl)
	removed := 0
	for state, req := range r.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(r.requests, state)
			removed++
		}
	}
	return removed
}

// Len reports the number of pending requests, for monitoring and tests.
func (r *InMemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
