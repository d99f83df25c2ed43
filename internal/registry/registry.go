package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
)

// Message is one server-to-client push. The transport decides the encoding.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// MsgConnectionEstablished opens every session made through Connect. It is
// queued before the session is reachable, so nothing can be sent ahead of it.
const MsgConnectionEstablished = "connection_established"

const (
	ReasonDisconnect = "disconnect"
	ReasonSuperseded = "superseded"
	ReasonOverflow   = "queue_overflow"
	ReasonShutdown   = "shutdown"
	ReasonLogout     = "logout"
)

// Session is one live channel to a principal. Outbound messages are queued in
// a bounded buffer that the transport drains; Done is closed when the session
// ends for any reason.
type Session struct {
	ID          string
	Principal   models.Principal
	ConnectedAt time.Time

	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newSession(p models.Principal, queue int) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Principal:   p,
		ConnectedAt: time.Now(),
		out:         make(chan Message, queue),
		done:        make(chan struct{}),
	}
}

func (s *Session) Outbound() <-chan Message { return s.out }
func (s *Session) Done() <-chan struct{}    { return s.done }

func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueFull
)

// enqueue never blocks: a full queue means the client is not keeping up.
func (s *Session) enqueue(m Message) enqueueResult {
	if s.Closed() {
		return enqueueClosed
	}
	select {
	case s.out <- m:
		return enqueued
	default:
		return enqueueFull
	}
}

// Registry maps each principal to at most one live session.
type Registry struct {
	verifier  auth.Verifier
	sessions  *shard.Map[*Session]
	queueSize int
	log       *zap.SugaredLogger

	hookMu    sync.RWMutex
	onConnect []func(*Session)
	onClose   []func(models.Principal)
}

func New(verifier auth.Verifier, queueSize int, log *zap.SugaredLogger) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{verifier: verifier, sessions: shard.New[*Session](shard.DefaultShards), queueSize: queueSize, log: log}
}

// OnConnect registers fn to run after a session becomes live, including when
// it supersedes an older one.
func (r *Registry) OnConnect(fn func(*Session)) {
	r.hookMu.Lock()
	r.onConnect = append(r.onConnect, fn)
	r.hookMu.Unlock()
}

// OnClose registers fn to run when a principal has no live session left.
// Superseding a session does not fire it.
func (r *Registry) OnClose(fn func(models.Principal)) {
	r.hookMu.Lock()
	r.onClose = append(r.onClose, fn)
	r.hookMu.Unlock()
}

// Connect verifies the credential and attaches a new session for the
// resulting principal.
func (r *Registry) Connect(_ context.Context, credential string) (*Session, error) {
	p, err := r.verifier.Verify(credential)
	if err != nil {
		return nil, apperr.New(apperr.KindUnauthorized, "%s", apperr.From(err).Detail)
	}
	return r.attach(p, true), nil
}

// Attach installs a session for an already verified principal. An existing
// session for the same principal is closed (last writer wins).
func (r *Registry) Attach(p models.Principal) *Session {
	return r.attach(p, false)
}

func (r *Registry) attach(p models.Principal, greet bool) *Session {
	s := newSession(p, r.queueSize)
	if greet {
		s.enqueue(Message{Type: MsgConnectionEstablished, Data: map[string]any{
			"session_id": s.ID,
			"user_id":    p.ID,
			"role":       p.Role,
		}})
	}
	var old *Session
	r.sessions.Update(p.Key(), func(cur *Session, ok bool) (*Session, bool) {
		if ok {
			old = cur
		}
		return s, true
	})
	if old != nil {
		old.close(ReasonSuperseded)
		observability.SessionsForced.WithLabelValues(ReasonSuperseded).Inc()
		r.log.Infow("session superseded", "principal", p.Key(), "old_session", old.ID, "session", s.ID)
	} else {
		observability.SessionsOnline.WithLabelValues(string(p.Role)).Inc()
	}
	r.log.Infow("session connected", "principal", p.Key(), "session", s.ID)

	r.hookMu.RLock()
	hooks := append([]func(*Session){}, r.onConnect...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
	return s
}

// Disconnect ends s. It is idempotent and leaves a newer session for the same
// principal untouched.
func (r *Registry) Disconnect(s *Session) {
	r.end(s, ReasonDisconnect)
}

// Logout ends whatever session p currently holds.
func (r *Registry) Logout(p models.Principal) {
	if s, ok := r.sessions.Get(p.Key()); ok {
		r.end(s, ReasonLogout)
	}
}

func (r *Registry) end(s *Session, reason string) {
	removed := false
	r.sessions.Update(s.Principal.Key(), func(cur *Session, ok bool) (*Session, bool) {
		if ok && cur == s {
			removed = true
			return nil, false
		}
		return cur, ok
	})
	s.close(reason)
	if !removed {
		return
	}
	observability.SessionsOnline.WithLabelValues(string(s.Principal.Role)).Dec()
	if reason != ReasonDisconnect && reason != ReasonLogout {
		observability.SessionsForced.WithLabelValues(reason).Inc()
	}
	r.log.Infow("session closed", "principal", s.Principal.Key(), "session", s.ID, "reason", reason)

	r.hookMu.RLock()
	hooks := append([]func(models.Principal){}, r.onClose...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s.Principal)
	}
}

// Send queues m on p's live session. It fails with SessionGone when p is
// offline; a session whose queue is full is forcibly disconnected.
func (r *Registry) Send(p models.Principal, m Message) error {
	s, ok := r.sessions.Get(p.Key())
	if !ok {
		return apperr.ErrSessionGone
	}
	return r.sendTo(s, m)
}

func (r *Registry) sendTo(s *Session, m Message) error {
	switch s.enqueue(m) {
	case enqueued:
		return nil
	case enqueueFull:
		r.log.Warnw("session queue overflow, disconnecting", "principal", s.Principal.Key(), "session", s.ID)
		r.end(s, ReasonOverflow)
	}
	return apperr.ErrSessionGone
}

// Broadcast sends m to every live session whose principal matches pred and
// returns how many accepted it. A failing recipient never affects the others.
func (r *Registry) Broadcast(pred func(models.Principal) bool, m Message) int {
	var targets []*Session
	r.sessions.Range(func(_ string, s *Session) bool {
		if pred(s.Principal) {
			targets = append(targets, s)
		}
		return true
	})
	n := 0
	for _, s := range targets {
		if r.sendTo(s, m) == nil {
			n++
		}
	}
	return n
}

func (r *Registry) Online(p models.Principal) bool {
	_, ok := r.sessions.Get(p.Key())
	return ok
}

func (r *Registry) Count(role models.Role) int {
	n := 0
	r.sessions.Range(func(_ string, s *Session) bool {
		if s.Principal.Role == role {
			n++
		}
		return true
	})
	return n
}

// CloseAll ends every session, used on shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.sessions.Values() {
		r.end(s, ReasonShutdown)
	}
}
