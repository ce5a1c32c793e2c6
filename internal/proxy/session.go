package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"onemcp/internal/filter"
	"onemcp/internal/oauth"
	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

const (
	// MaxSessionIDLength bounds client-supplied session ids.
	MaxSessionIDLength = 256
	// DefaultMaxSessions bounds concurrent inbound sessions.
	DefaultMaxSessions = 10000
	// sessionOutboxSize bounds queued server-to-client messages per
	// session. Overflow drops the oldest message.
	sessionOutboxSize = 64
	// sessionIdleTimeout evicts sessions with no traffic.
	sessionIdleTimeout = 30 * time.Minute
	// sessionCleanupInterval paces the idle-eviction loop.
	sessionCleanupInterval = time.Minute
)

// Session is one inbound client connection: its filter context, pagination
// preference, optional OAuth grant and the outbox carrying notifications
// (and, on the SSE transport, responses) back to the client.
type Session struct {
	ID        string
	CreatedAt time.Time

	paginate bool
	auth     *oauth.Session

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	fctx       filter.Context
	outbox     chan []byte
	lastAccess time.Time
	closed     bool
}

func newSession(id string, fctx filter.Context, paginate bool, auth *oauth.Session) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:         id,
		CreatedAt:  now,
		paginate:   paginate,
		auth:       auth,
		ctx:        ctx,
		cancel:     cancel,
		fctx:       fctx,
		outbox:     make(chan []byte, sessionOutboxSize),
		lastAccess: now,
	}
}

// Context is cancelled when the session closes; dispatches run under it so
// closing a session aborts its in-flight outbound requests.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Filter returns the session's current filter context.
func (s *Session) Filter() filter.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fctx
}

func (s *Session) setFilter(fctx filter.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fctx = fctx
}

// Outbox is the stream of marshaled JSON-RPC messages to deliver to the
// client. Closed when the session closes.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

// send marshals msg into the outbox without blocking; when the outbox is
// full the oldest queued message is dropped to make room.
func (s *Session) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Warn("Proxy", "Dropping unmarshalable message for session %s: %v", s.ID, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.outbox <- data:
			return
		default:
			select {
			case <-s.outbox:
				logging.Debug("Proxy", "Session %s outbox full, dropping oldest message", s.ID)
			default:
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// close cancels in-flight work and closes the outbox. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.outbox)
	s.mu.Unlock()
	s.cancel()
}

// sessionRegistry tracks live inbound sessions and evicts idle ones.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxSessions int
	idleTimeout time.Duration

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func newSessionRegistry(maxSessions int, idleTimeout time.Duration) *sessionRegistry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if idleTimeout <= 0 {
		idleTimeout = sessionIdleTimeout
	}
	return &sessionRegistry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		stopCleanup: make(chan struct{}),
	}
}

func (r *sessionRegistry) add(sess *Session) error {
	if len(sess.ID) > MaxSessionIDLength {
		return mcperr.NewValidationError(fmt.Sprintf("session id exceeds %d characters", MaxSessionIDLength))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.maxSessions {
		return mcperr.New(mcperr.CodeInternalServerError, "session limit reached")
	}
	if _, exists := r.sessions[sess.ID]; exists {
		return mcperr.NewValidationError(fmt.Sprintf("session %s already exists", sess.ID))
	}
	r.sessions[sess.ID] = sess
	return nil
}

// get returns the session and refreshes its idle clock, or nil.
func (r *sessionRegistry) get(id string) *Session {
	r.mu.RLock()
	sess := r.sessions[id]
	r.mu.RUnlock()
	if sess != nil {
		sess.touch()
	}
	return sess
}

// remove drops and closes the session if present.
func (r *sessionRegistry) remove(id string) *Session {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if sess != nil {
		sess.close()
	}
	return sess
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// each calls fn for every live session.
func (r *sessionRegistry) each(fn func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	for _, sess := range sessions {
		fn(sess)
	}
}

// startCleanup launches the idle-eviction loop.
func (r *sessionRegistry) startCleanup() {
	go func() {
		ticker := time.NewTicker(sessionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCleanup:
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

func (r *sessionRegistry) evictIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var expired []*Session
	for id, sess := range r.sessions {
		if sess.idleSince().Before(cutoff) {
			expired = append(expired, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		logging.Info("Proxy", "Evicting idle session %s", sess.ID)
		sess.close()
	}
}

// stop halts the cleanup loop and closes every session.
func (r *sessionRegistry) stop() {
	r.stopOnce.Do(func() { close(r.stopCleanup) })

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
