// Package session implements the capacity-bounded, LRU-ordered registry of
// active call sessions. Sessions are dual-indexed by session key (the chat
// thread that owns the call) and by external call ID; an intrusive
// doubly-linked list keeps access order for O(1) touch and eviction.
package session

import (
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// callIDRe is the only accepted shape for external call identifiers.
var callIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidCallID reports whether id is a well-formed external call identifier.
func ValidCallID(id string) bool {
	return callIDRe.MatchString(id)
}

// CallType distinguishes emergency from non-emergency calls.
type CallType string

const (
	Emergency    CallType = "911"
	NonEmergency CallType = "311"
)

// CloseReason tags why a session left the store.
type CloseReason string

const (
	ReasonHangup  CloseReason = "hangup"  // user-initiated
	ReasonStale   CloseReason = "stale"   // swept for inactivity
	ReasonEvicted CloseReason = "evicted" // capacity eviction
	ReasonClosed  CloseReason = "closed"  // generic/administrative
)

// Session is the tracked lifecycle of one active call. Values returned by
// the store are copies; mutation goes through store methods.
type Session struct {
	SessionKey    string
	CallID        string
	CallType      CallType
	CorrelationID string
	Answered      bool
	LastActivity  time.Time
	Messages      int
	Archived      bool
}

type node struct {
	prev, next *node
	sess       Session
}

// Stats is the store's aggregate view, maintained incrementally.
type Stats struct {
	Active   int `json:"active"`
	Answered int `json:"answered"`
	Waiting  int `json:"waiting"`
	Created  int `json:"created"`
	Closed   int `json:"closed"`
}

// Store holds at most max sessions with at most one live session per call
// ID. The session-key index, call-ID index, and LRU list are kept mutually
// consistent under one mutex: a session is linked into the list iff it is
// present in both maps.
type Store struct {
	mu        sync.Mutex
	byKey     map[string]*node
	callIndex map[string]string // callID -> sessionKey
	head      *node             // most recently used
	tail      *node             // least recently used
	max       int
	stale     time.Duration
	logger    *slog.Logger
	onEvict   func(Session)

	active   int
	answered int
	created  int
	closed   int
}

// NewStore creates an empty store with the given capacity and staleness
// threshold.
func NewStore(max int, stale time.Duration, logger *slog.Logger) *Store {
	if max <= 0 {
		max = 1
	}
	return &Store{
		byKey:     make(map[string]*node),
		callIndex: make(map[string]string),
		max:       max,
		stale:     stale,
		logger:    logger,
	}
}

// SetEvictCallback registers fn to run whenever a session is evicted for
// capacity. Called with the store lock held; keep it cheap.
func (s *Store) SetEvictCallback(fn func(Session)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Create registers a session for the call, evicting the least-recently-used
// session first when at capacity. Invalid call IDs are rejected (nil, false).
// When a live session already exists for the call ID, that session is
// touched and returned instead of creating a duplicate — this is the
// backstop for duplicate notifications that slip past the tracker.
func (s *Store) Create(sessionKey, callID string, callType CallType, correlationID string) (*Session, bool) {
	if !ValidCallID(callID) {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byKey) >= s.max {
		if evicted := s.removeTailLocked(); evicted != nil {
			s.dropLocked(evicted, ReasonEvicted)
			if s.onEvict != nil {
				s.onEvict(evicted.sess)
			}
		}
	}

	if existingKey, ok := s.callIndex[callID]; ok {
		if n := s.byKey[existingKey]; n != nil {
			s.touchLocked(n)
			out := n.sess
			return &out, true
		}
	}

	n := &node{sess: Session{
		SessionKey:    sessionKey,
		CallID:        callID,
		CallType:      callType,
		CorrelationID: correlationID,
		LastActivity:  time.Now(),
	}}
	s.byKey[sessionKey] = n
	s.callIndex[callID] = sessionKey
	s.pushFrontLocked(n)
	s.active++
	s.created++

	out := n.sess
	return &out, true
}

// Get touches and returns the session for a session key.
func (s *Store) Get(sessionKey string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byKey[sessionKey]
	if !ok {
		return nil, false
	}
	s.touchLocked(n)
	out := n.sess
	return &out, true
}

// GetByCallID touches and returns the session for an external call ID.
func (s *Store) GetByCallID(callID string) (*Session, bool) {
	s.mu.Lock()
	sessionKey, ok := s.callIndex[callID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(sessionKey)
}

// HasCallID reports whether a live session exists for the call ID.
func (s *Store) HasCallID(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.callIndex[callID]
	return ok
}

// MarkAnswered marks the session answered. Idempotent: the answered counter
// moves only on the false-to-true transition.
func (s *Store) MarkAnswered(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byKey[sessionKey]
	if !ok {
		return false
	}
	if !n.sess.Answered {
		n.sess.Answered = true
		s.answered++
	}
	s.touchLocked(n)
	return true
}

// MarkArchived flags the session's owning surface as archived. Does not
// change LRU position.
func (s *Store) MarkArchived(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byKey[sessionKey]; ok {
		n.sess.Archived = true
		n.sess.LastActivity = time.Now()
	}
}

// RecordMessage counts a relayed message and touches the session.
func (s *Store) RecordMessage(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byKey[sessionKey]; ok {
		n.sess.Messages++
		s.touchLocked(n)
	}
}

// Close removes the session from both indexes and the list, committing the
// removal before the caller performs any awaited side effect. Returns the
// removed session for the caller to act on (archive the thread, notify the
// backend), or nil if no session exists for the key.
func (s *Store) Close(sessionKey string, reason CloseReason) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byKey[sessionKey]
	if !ok {
		return nil
	}
	s.unlinkLocked(n)
	s.dropLocked(n, reason)
	out := n.sess
	return &out
}

// StaleSessions returns copies of every session whose last activity is older
// than the staleness threshold, oldest-touched first. The caller decides
// what to do with them (hangup notification, Close with ReasonStale).
func (s *Store) StaleSessions(now time.Time) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Session
	for n := s.tail; n != nil; n = n.prev {
		if now.Sub(n.sess.LastActivity) > s.stale {
			stale = append(stale, n.sess)
		}
	}
	return stale
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Stats returns the aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:   s.active,
		Answered: s.answered,
		Waiting:  s.active - s.answered,
		Created:  s.created,
		Closed:   s.closed,
	}
}

// dropLocked removes n from the maps and updates counters. n must already be
// unlinked from the list.
func (s *Store) dropLocked(n *node, reason CloseReason) {
	delete(s.byKey, n.sess.SessionKey)
	delete(s.callIndex, n.sess.CallID)
	s.active--
	if n.sess.Answered {
		s.answered--
	}
	s.closed++
	s.logger.Info("session closed",
		"session_key", n.sess.SessionKey,
		"call_id", n.sess.CallID,
		"reason", reason)
}

// touchLocked refreshes activity and moves n to the head of the list.
func (s *Store) touchLocked(n *node) {
	n.sess.LastActivity = time.Now()
	if s.head == n {
		return
	}
	s.unlinkLocked(n)
	s.pushFrontLocked(n)
}

func (s *Store) pushFrontLocked(n *node) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *Store) unlinkLocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (s *Store) removeTailLocked() *node {
	n := s.tail
	if n == nil {
		return nil
	}
	s.unlinkLocked(n)
	return n
}
