package risk

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store errors. Their messages feed apierr.CodeFromMessage, so the wording
// below is deliberately kept close to the original source's error strings.
var (
	ErrUnknownSID        = errors.New("unknown sid")
	ErrUnknownTID        = errors.New("unknown tid")
	ErrTraceNotLinked    = errors.New("tid not linked to sid")
)

// Store is the in-memory TTL-scoped session/trace store (C2). A single
// mutex guards both maps: per SPEC_FULL.md §5, store operations are O(1)
// and a coarse lock is explicitly sufficient — this is the spec's own
// described design, not a stand-in for a missing library.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	traces   map[string]*Trace
	// insertion order, oldest first, used for the bounded-capacity eviction
	// policy (evict oldest-by-insertion once the bound is reached).
	sessionOrder []string
	traceOrder   []string

	ttl      time.Duration
	capacity int
}

// NewStore builds a Store with the given per-entry TTL and per-map
// capacity bound.
func NewStore(ttl time.Duration, capacity int) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		traces:   make(map[string]*Trace),
		ttl:      ttl,
		capacity: capacity,
	}
}

// CreateSession mints a fresh sid, computes its expiry, and inserts it.
func (s *Store) CreateSession(req SessionRequest) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	sess := &Session{
		SID:           uuid.NewString(),
		AgentDID:      req.AgentDID,
		WalletAddress: req.WalletAddress,
		AgentEndpoint: req.AgentEndpoint,
		AppID:         req.AppID,
		Device:        req.Device,
		ExpiresAt:     time.Now().Add(s.ttl),
	}
	s.insertSessionLocked(sess)
	return sess
}

// CreateTrace mints a fresh tid linked to req.SID. Returns ErrUnknownSID if
// the session does not exist or has expired.
func (s *Store) CreateTrace(req TraceRequest) (*Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	sess, ok := s.sessions[req.SID]
	if !ok || isExpired(sess.ExpiresAt) {
		return nil, ErrUnknownSID
	}

	tr := &Trace{
		TID:         uuid.NewString(),
		SID:         req.SID,
		Fingerprint: req.Fingerprint,
		Telemetry:   req.Telemetry,
		AgentTrace:  req.AgentTrace,
		ExpiresAt:   time.Now().Add(s.ttl),
	}
	s.insertTraceLocked(tr)
	return tr, nil
}

// GetTrace returns the trace for tid, used by the diagnostics endpoint
// (GET /risk/trace/{tid}, local mode only).
func (s *Store) GetTrace(tid string) (*Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	tr, ok := s.traces[tid]
	if !ok || isExpired(tr.ExpiresAt) {
		return nil, false
	}
	return tr, true
}

// CheckLinkage validates that sid exists and, if tid is non-empty, that it
// exists and is linked to sid. The local evaluator runs it before deciding;
// forward mode does not call it and leaves linkage to the external engine.
func (s *Store) CheckLinkage(sid, tid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	sess, ok := s.sessions[sid]
	if !ok || isExpired(sess.ExpiresAt) {
		return ErrUnknownSID
	}
	if tid == "" {
		return nil
	}
	tr, ok := s.traces[tid]
	if !ok || isExpired(tr.ExpiresAt) {
		return ErrUnknownTID
	}
	if tr.SID != sid {
		return ErrTraceNotLinked
	}
	return nil
}

func (s *Store) insertSessionLocked(sess *Session) {
	if s.capacity > 0 && len(s.sessions) >= s.capacity {
		s.evictOldestSessionLocked()
	}
	s.sessions[sess.SID] = sess
	s.sessionOrder = append(s.sessionOrder, sess.SID)
}

func (s *Store) insertTraceLocked(tr *Trace) {
	if s.capacity > 0 && len(s.traces) >= s.capacity {
		s.evictOldestTraceLocked()
	}
	s.traces[tr.TID] = tr
	s.traceOrder = append(s.traceOrder, tr.TID)
}

func (s *Store) evictOldestSessionLocked() {
	for len(s.sessionOrder) > 0 {
		oldest := s.sessionOrder[0]
		s.sessionOrder = s.sessionOrder[1:]
		if _, ok := s.sessions[oldest]; ok {
			delete(s.sessions, oldest)
			return
		}
	}
}

func (s *Store) evictOldestTraceLocked() {
	for len(s.traceOrder) > 0 {
		oldest := s.traceOrder[0]
		s.traceOrder = s.traceOrder[1:]
		if _, ok := s.traces[oldest]; ok {
			delete(s.traces, oldest)
			return
		}
	}
}

// evictExpiredLocked performs lazy, read-time eviction of expired entries.
// Per SPEC_FULL.md §5, eviction may be lazy or periodic and correctness
// must not depend on the choice; this store only does lazy eviction.
func (s *Store) evictExpiredLocked() {
	now := time.Now()
	for sid, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, sid)
		}
	}
	for tid, tr := range s.traces {
		if now.After(tr.ExpiresAt) {
			delete(s.traces, tid)
		}
	}
}

func isExpired(t time.Time) bool {
	return time.Now().After(t)
}
