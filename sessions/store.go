package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/webqx-health/federation/providers"
)

// ErrNotFound is returned by Get when no session exists for the id.
var ErrNotFound = errors.New("session not found")

// Store is a thread-safe in-memory session table with TTL-based expiry and
// a bounded hard lifetime. A background sweeper purges dead sessions; reads
// also treat expired sessions as absent so sweeping is only housekeeping.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	ttl         time.Duration
	maxLifetime time.Duration
	nowFunc     func() time.Time

	sweepTicker   *time.Ticker
	stopSweep     chan struct{}
	stopOnce      sync.Once
	sweepObserver func(removed int)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

// WithMaxLifetime bounds how far refreshes can extend a session past its
// creation. Zero means sessions may be refreshed indefinitely.
func WithMaxLifetime(d time.Duration) StoreOption {
	return func(s *Store) {
		s.maxLifetime = d
	}
}

// WithSweepObserver registers a callback invoked from the background
// sweeper whenever it purged at least one session.
func WithSweepObserver(observer func(removed int)) StoreOption {
	return func(s *Store) {
		s.sweepObserver = observer
	}
}

// NewStore creates a session store issuing sessions with the given ttl.
// Call StartSweeper to enable periodic purging and Shutdown to stop it.
func NewStore(ttl time.Duration, options ...StoreOption) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		ttl:       ttl,
		nowFunc:   time.Now,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Create mints a new active session for the subject.
func (s *Store) Create(subjectID, provider string, protocol providers.Protocol, roles, groups []string) *Session {
	now := s.nowFunc()
	session := &Session{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Provider:  provider,
		Protocol:  protocol,
		Roles:     append([]string(nil), roles...),
		Groups:    append([]string(nil), groups...),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return s.snapshot(session)
}

// Get returns a copy of the session, or ErrNotFound if it does not exist
// or has already expired. Revoked sessions are still returned so callers
// can distinguish revocation from absence.
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "[Store.Get] %s", sessionID)
	}
	if !session.Revoked && !s.nowFunc().Before(session.ExpiresAt) {
		return nil, errors.Wrapf(ErrNotFound, "[Store.Get] %s expired", sessionID)
	}
	return s.snapshot(session), nil
}

// Revoke marks the session revoked. Idempotent; revoking an unknown
// session is a no-op. The flag is immediately visible to subsequent Gets.
func (s *Store) Revoke(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		session.Revoked = true
	}
}

// Extend pushes the session's expiry forward by the store ttl, capped at
// the hard lifetime. Returns the refreshed session, or an error when the
// session is revoked, already expired, or at its hard lifetime.
func (s *Store) Extend(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "[Store.Extend] %s", sessionID)
	}
	now := s.nowFunc()
	if session.Revoked || !now.Before(session.ExpiresAt) {
		return nil, errors.Errorf("[Store.Extend] session %s is no longer active", sessionID)
	}

	expiry := now.Add(s.ttl)
	if s.maxLifetime > 0 {
		hard := session.IssuedAt.Add(s.maxLifetime)
		if !now.Before(hard) {
			return nil, errors.Errorf("[Store.Extend] session %s reached its hard lifetime", sessionID)
		}
		if expiry.After(hard) {
			expiry = hard
		}
	}
	session.ExpiresAt = expiry
	return s.snapshot(session), nil
}

// SweepExpired removes sessions past expiry, including revoked ones, and
// reports how many were purged. Safe to run concurrently with reads and
// revocations.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	removed := 0
	for id, session := range s.sessions {
		if session.Revoked || !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs SweepExpired on the given interval until Shutdown.
func (s *Store) StartSweeper(interval time.Duration) {
	s.sweepTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.sweepTicker.C:
				if removed := s.SweepExpired(); removed > 0 && s.sweepObserver != nil {
					s.sweepObserver(removed)
				}
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// Shutdown stops the background sweeper. Idempotent.
func (s *Store) Shutdown() {
	s.stopOnce.Do(func() {
		if s.sweepTicker != nil {
			s.sweepTicker.Stop()
		}
		close(s.stopSweep)
	})
}

// Count reports the number of tracked sessions, for monitoring and tests.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// snapshot copies a session so callers never share the stored pointer.
func (s *Store) snapshot(session *Session) *Session {
	cp := *session
	cp.Roles = append([]string(nil), session.Roles...)
	cp.Groups = append([]string(nil), session.Groups...)
	return &cp
}
