// Package dispatch is the orchestration core: it deduplicates inbound call
// notifications, owns session creation and dispatcher operations, runs the
// stale sweep and filter rotation, and exposes the operational snapshot.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/callbridge/callbridge/internal/breaker"
	"github.com/callbridge/callbridge/internal/dedup"
	"github.com/callbridge/callbridge/internal/observability"
	"github.com/callbridge/callbridge/internal/session"
	"github.com/google/uuid"
)

// Backend messaging topics and dispatcher actions.
const (
	TopicAction  = "DispatcherAction"
	TopicMessage = "DispatcherMessage"

	ActionAnswer = "answer"
	ActionHangup = "hangup"
)

// ErrUnknownSession is returned for operations on a session key the store
// does not hold.
var ErrUnknownSession = errors.New("unknown session")

// ErrInvalidCallID is returned for call identifiers failing validation.
var ErrInvalidCallID = errors.New("invalid call id")

// Notification is a parsed inbound call event.
type Notification struct {
	MessageID string
	ChannelID string
	CallID    string
	CallType  session.CallType
	Status    string
	Callback  string
}

// Deliverer sends a payload to the game backend. Implemented by
// delivery.Pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, topic string, payload map[string]any, correlationID string) error
	InFlight() int64
}

// Surface performs the chat-platform side effects the core requests. The
// implementation must tolerate already-archived or deleted targets as no-ops.
type Surface interface {
	// OpenSession creates the chat-side container (thread) for a new call
	// and returns its key.
	OpenSession(ctx context.Context, n Notification, correlationID string) (sessionKey string, err error)

	// Discard removes a just-opened container whose session could not be
	// registered.
	Discard(ctx context.Context, sessionKey string) error

	// Archive archives a closed session's container.
	Archive(ctx context.Context, sessionKey string) error
}

// Snapshot is the read-only operational view served at /statusz and by the
// status command.
type Snapshot struct {
	Active       int              `json:"active"`
	Answered     int              `json:"answered"`
	Waiting      int              `json:"waiting"`
	Circuit      breaker.Snapshot `json:"circuit"`
	DedupSize    int              `json:"dedup_size"`
	InFlight     int64            `json:"in_flight"`
	BloomItems   int              `json:"bloom_items"`
	Generations  int              `json:"generations"`
	UptimeSecs   int64            `json:"uptime_seconds"`
}

// Core wires the duplicate tracker, session store, circuit breaker, and
// delivery pipeline together. The mutex serializes check-then-act windows in
// notification handling; an ID is marked seen before the first blocking call
// so back-to-back duplicates cannot both pass the check.
type Core struct {
	mu sync.Mutex

	sessions *session.Store
	tracker  *dedup.Tracker
	circuit  *breaker.Breaker
	pipeline Deliverer
	surface  Surface
	metrics  *observability.Metrics
	logger   *slog.Logger

	maxInFlight int
	started     time.Time
}

// New creates the dispatch core. surface may be nil when no chat surface is
// attached (tests, draining).
func New(
	sessions *session.Store,
	tracker *dedup.Tracker,
	circuit *breaker.Breaker,
	pipeline Deliverer,
	surface Surface,
	metrics *observability.Metrics,
	logger *slog.Logger,
	maxInFlight int,
) *Core {
	sessions.SetEvictCallback(func(session.Session) {
		metrics.IncSessionsEvicted()
	})
	return &Core{
		sessions:    sessions,
		tracker:     tracker,
		circuit:     circuit,
		pipeline:    pipeline,
		surface:     surface,
		metrics:     metrics,
		logger:      logger,
		maxInFlight: maxInFlight,
		started:     time.Now(),
	}
}

// SetSurface attaches the chat surface after construction. The surface and
// the core reference each other, so whichever is built second is attached
// here before any traffic flows.
func (c *Core) SetSurface(s Surface) {
	c.mu.Lock()
	c.surface = s
	c.mu.Unlock()
}

// NewCorrelationID tags all deliveries belonging to one call.
func NewCorrelationID(callID string) string {
	return callID + "-" + uuid.NewString()
}

// HandleNotification processes one inbound call event: message-ID dedup,
// ringing gate, call-ID dedup, then session creation through the surface.
// Returns true when a new session was created.
func (c *Core) HandleNotification(ctx context.Context, n Notification) bool {
	c.mu.Lock()
	if c.tracker.HasMessageID(n.MessageID) {
		c.mu.Unlock()
		c.logger.Debug("duplicate message ignored", "message_id", n.MessageID)
		c.metrics.IncDuplicatesIgnored()
		return false
	}
	c.tracker.MarkMessageID(n.MessageID)
	c.mu.Unlock()

	if n.CallID == "" || !session.ValidCallID(n.CallID) {
		c.logger.Debug("notification without valid call id", "message_id", n.MessageID)
		return false
	}
	if !strings.Contains(strings.ToUpper(n.Status), "RINGING") {
		c.logger.Debug("ignoring non-ringing status", "status", n.Status, "call_id", n.CallID)
		return false
	}

	// The call-ID mark must land before the first blocking call below, so a
	// second notification for the same call cannot slip through while this
	// one is opening its session.
	c.mu.Lock()
	if c.tracker.HasCallID(n.CallID) || c.sessions.HasCallID(n.CallID) {
		c.mu.Unlock()
		c.logger.Debug("duplicate call ignored", "call_id", n.CallID)
		c.metrics.IncDuplicatesIgnored()
		return false
	}
	correlationID := NewCorrelationID(n.CallID)
	c.tracker.MarkCallID(n.CallID, correlationID)
	c.mu.Unlock()

	sessionKey, err := c.surface.OpenSession(ctx, n, correlationID)
	if err != nil {
		c.logger.Error("session open failed", "error", err, "call_id", n.CallID)
		return false
	}

	if _, created := c.sessions.Create(sessionKey, n.CallID, n.CallType, correlationID); !created {
		if derr := c.surface.Discard(ctx, sessionKey); derr != nil {
			c.logger.Warn("discard failed", "error", derr, "session_key", sessionKey)
		}
		return false
	}

	c.metrics.IncCallsCreated()
	c.metrics.SetSessionsActive(c.sessions.Len())
	c.logger.Info("session created",
		"session_key", sessionKey, "call_id", n.CallID, "call_type", n.CallType)
	return true
}

// Session returns the session for the key, touching its activity. The bool
// reports whether it exists.
func (c *Core) Session(sessionKey string) (*session.Session, bool) {
	return c.sessions.Get(sessionKey)
}

// Answer connects the dispatcher to the caller: delivers the answer action
// with the first message, then marks the session answered.
func (c *Core) Answer(ctx context.Context, sessionKey, dispatcher, text string) error {
	sess, ok := c.sessions.Get(sessionKey)
	if !ok {
		return ErrUnknownSession
	}

	err := c.pipeline.Deliver(ctx, TopicAction, map[string]any{
		"callId":     sess.CallID,
		"action":     ActionAnswer,
		"dispatcher": dispatcher,
		"message":    text,
		"threadId":   sessionKey,
	}, sess.CorrelationID)
	if err != nil {
		return err
	}

	c.sessions.MarkAnswered(sessionKey)
	c.sessions.RecordMessage(sessionKey)
	return nil
}

// Relay forwards a dispatcher message to an answered call.
func (c *Core) Relay(ctx context.Context, sessionKey, dispatcher, text string) error {
	sess, ok := c.sessions.Get(sessionKey)
	if !ok {
		return ErrUnknownSession
	}

	err := c.pipeline.Deliver(ctx, TopicMessage, map[string]any{
		"callId":     sess.CallID,
		"text":       text,
		"dispatcher": dispatcher,
		"threadId":   sessionKey,
	}, sess.CorrelationID)
	if err != nil {
		return err
	}

	c.sessions.RecordMessage(sessionKey)
	return nil
}

// Hangup ends the call downstream and closes the session. The session is
// closed only after a successful delivery, matching the user-facing
// contract: a failed hangup leaves the session open for retry.
func (c *Core) Hangup(ctx context.Context, sessionKey, dispatcher string) (*session.Session, error) {
	sess, ok := c.sessions.Get(sessionKey)
	if !ok {
		return nil, ErrUnknownSession
	}

	err := c.pipeline.Deliver(ctx, TopicAction, map[string]any{
		"callId":     sess.CallID,
		"action":     ActionHangup,
		"dispatcher": dispatcher,
		"threadId":   sessionKey,
	}, sess.CorrelationID)
	if err != nil {
		return nil, err
	}

	closed := c.sessions.Close(sessionKey, session.ReasonHangup)
	c.metrics.SetSessionsActive(c.sessions.Len())
	return closed, nil
}

// SendAction delivers an ad-hoc dispatcher action for a call that may have
// no session (channel commands addressing a call by ID).
func (c *Core) SendAction(ctx context.Context, callID, action, dispatcher string) error {
	if !session.ValidCallID(callID) {
		return ErrInvalidCallID
	}
	return c.pipeline.Deliver(ctx, TopicAction, map[string]any{
		"callId":     callID,
		"action":     action,
		"dispatcher": dispatcher,
	}, NewCorrelationID(callID))
}

// SendMessage delivers an ad-hoc dispatcher message addressed by call ID.
func (c *Core) SendMessage(ctx context.Context, callID, dispatcher, text string) error {
	if !session.ValidCallID(callID) {
		return ErrInvalidCallID
	}
	return c.pipeline.Deliver(ctx, TopicMessage, map[string]any{
		"callId":     callID,
		"text":       text,
		"dispatcher": dispatcher,
	}, NewCorrelationID(callID))
}

// SweepStale closes sessions idle past the staleness threshold. Answered,
// unarchived calls get a best-effort downstream hangup first; delivery
// failure never blocks the close. The chat-side archive is equally
// best-effort.
func (c *Core) SweepStale(ctx context.Context, now time.Time) int {
	stale := c.sessions.StaleSessions(now)
	for _, sess := range stale {
		if sess.Answered && !sess.Archived {
			err := c.pipeline.Deliver(ctx, TopicAction, map[string]any{
				"callId":     sess.CallID,
				"action":     ActionHangup,
				"dispatcher": "System",
			}, sess.CorrelationID)
			if err != nil {
				c.logger.Warn("stale hangup delivery failed",
					"error", err, "call_id", sess.CallID)
			}
		}

		c.sessions.Close(sess.SessionKey, session.ReasonStale)
		c.metrics.IncSessionsStale()

		if c.surface != nil {
			if err := c.surface.Archive(ctx, sess.SessionKey); err != nil {
				c.logger.Warn("stale archive failed",
					"error", err, "session_key", sess.SessionKey)
			}
		}
	}

	if len(stale) > 0 {
		c.metrics.SetSessionsActive(c.sessions.Len())
		c.logger.Info("stale sweep closed sessions", "count", len(stale))
	}
	return len(stale)
}

// RotateFilters advances the duplicate tracker's bloom generations. Driven
// by the server's rotation ticker.
func (c *Core) RotateFilters() {
	c.tracker.Rotate()
	c.metrics.SetDedupTracked(c.tracker.Size())
}

// Degraded reports whether delivery capacity is impaired: circuit not
// closed, or in-flight deliveries at or past the configured cap.
func (c *Core) Degraded() (string, bool) {
	if snap := c.circuit.Snapshot(); snap.State != breaker.Closed {
		return "circuit " + strings.ToLower(string(snap.State)), true
	}
	if c.maxInFlight > 0 && c.pipeline.InFlight() >= int64(c.maxInFlight) {
		return "delivery backlog", true
	}
	return "", false
}

// Snapshot assembles the operational view from all components.
func (c *Core) Snapshot() Snapshot {
	stats := c.sessions.Stats()
	filter := c.tracker.FilterStats()
	return Snapshot{
		Active:      stats.Active,
		Answered:    stats.Answered,
		Waiting:     stats.Waiting,
		Circuit:     c.circuit.Snapshot(),
		DedupSize:   c.tracker.Size(),
		InFlight:    c.pipeline.InFlight(),
		BloomItems:  filter.TotalItems,
		Generations: filter.Generations,
		UptimeSecs:  int64(time.Since(c.started).Seconds()),
	}
}
