// Package audit records every authentication event for compliance review.
// Records are append-only; retention and rotation belong to whatever sink
// the records are delivered to.
package audit

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/webqx-health/federation/providers"
)

// EventKind identifies the authentication event being recorded.
type EventKind string

const (
	EventLogin       EventKind = "login"
	EventLoginDenied EventKind = "login-denied"
	EventLogout      EventKind = "logout"
	EventLogoutNoop  EventKind = "logout-noop"
	EventRefresh     EventKind = "refresh"
	EventSweep       EventKind = "sweep"
)

// Outcome is the result of the audited event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is one append-only audit entry. Subject is "unknown" when the
// event failed before a principal could be established.
type Record struct {
	ID       string
	Seq      uint64
	Time     time.Time
	Kind     EventKind
	Subject  string
	Provider string
	Protocol providers.Protocol
	Outcome  Outcome
	Reason   string
}

// Sink receives audit records. Delivery is at-least-once; sinks must
// tolerate duplicates.
type Sink interface {
	Write(rec Record) error
}

// Logger assigns ids and sequence numbers to records and delivers them to
// the sink. Sink failures are reported on the fallback logger and never
// surface to the authentication path.
type Logger struct {
	sink     Sink
	fallback zerolog.Logger
	enabled  bool
	seq      atomic.Uint64
	nowFunc  func() time.Time
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) LoggerOption {
	return func(l *Logger) {
		l.nowFunc = now
	}
}

// WithFallback sets the logger used to report sink failures.
func WithFallback(fallback zerolog.Logger) LoggerOption {
	return func(l *Logger) {
		l.fallback = fallback
	}
}

// NewLogger creates an audit logger delivering to sink. A disabled logger
// still accepts records and drops them.
func NewLogger(sink Sink, enabled bool, options ...LoggerOption) *Logger {
	l := &Logger{
		sink:     sink,
		enabled:  enabled,
		fallback: zerolog.New(io.Discard),
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Record stamps and delivers a record. It never returns an error and never
// panics; a failing or panicking sink must not fail an otherwise
// successful login or logout.
func (l *Logger) Record(rec Record) {
	if !l.enabled || l.sink == nil {
		return
	}
	rec.ID = uuid.New().String()
	rec.Seq = l.seq.Add(1)
	if rec.Time.IsZero() {
		rec.Time = l.nowFunc()
	}
	if rec.Subject == "" {
		rec.Subject = "unknown"
	}

	defer func() {
		if r := recover(); r != nil {
			l.fallback.Error().Interface("panic", r).Msg("audit sink panicked")
		}
	}()
	if err := l.sink.Write(rec); err != nil {
		l.fallback.Error().Err(err).Str("kind", string(rec.Kind)).Msg("audit sink write failed")
	}
}

// ZerologSink writes audit records as structured JSON lines.
type ZerologSink struct {
	log zerolog.Logger
}

// NewZerologSink creates a sink writing one JSON object per record to w.
func NewZerologSink(w io.Writer) *ZerologSink {
	return &ZerologSink{log: zerolog.New(w).With().Str("stream", "audit").Logger()}
}

// Write implements Sink.
func (s *ZerologSink) Write(rec Record) error {
	s.log.Log().
		Str("id", rec.ID).
		Uint64("seq", rec.Seq).
		Time("time", rec.Time).
		Str("kind", string(rec.Kind)).
		Str("subject", rec.Subject).
		Str("provider", rec.Provider).
		Str("protocol", string(rec.Protocol)).
		Str("outcome", string(rec.Outcome)).
		Str("reason", rec.Reason).
		Msg("auth event")
	return nil
}

// MemorySink retains records in memory, for tests and inspection.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (s *MemorySink) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Last returns the most recent record.
func (s *MemorySink) Last() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return Record{}, errors.New("[MemorySink.Last] no audit records")
	}
	return s.records[len(s.records)-1], nil
}
