package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/registry"
)

type wsTimings struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingEvery  time.Duration
	maxMessage int64
}

func defaultWSTimings() wsTimings {
	return wsTimings{
		writeWait:  10 * time.Second,
		pongWait:   60 * time.Second,
		pingEvery:  30 * time.Second,
		maxMessage: 64 << 10,
	}
}

// handleWS authenticates before upgrading so a bad token gets a plain 401.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Registry.Connect(r.Context(), auth.FromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the client
		s.logger.Warnw("websocket upgrade failed", "principal", sess.Principal.Key(), "error", err)
		s.Registry.Disconnect(sess)
		return
	}
	s.serveSession(conn, sess)
}

func (s *Server) serveSession(conn *websocket.Conn, sess *registry.Session) {
	p := sess.Principal
	replies := make(chan gateway.Reply, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, sess, replies)
	}()

	// Connect already queued the handshake frame
	if n := s.Notes.Resume(p); n > 0 {
		s.logger.Infow("replayed notifications", "principal", p.Key(), "count", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(s.ws.maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(s.ws.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.ws.pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("websocket closed unexpectedly", "principal", p.Key(), "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.ws.pongWait))

		reply, closeSession := s.Router.Handle(ctx, p, data)
		select {
		case replies <- reply:
		case <-sess.Done():
		}
		if closeSession {
			break
		}
	}
	s.Registry.Disconnect(sess)
	<-writerDone
}

// writePump is the only goroutine writing to conn.
func (s *Server) writePump(conn *websocket.Conn, sess *registry.Session, replies <-chan gateway.Reply) {
	ticker := time.NewTicker(s.ws.pingEvery)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case m := <-sess.Outbound():
			if err := s.writeFrame(conn, m); err != nil {
				s.Registry.Disconnect(sess)
				return
			}
		case rep := <-replies:
			if err := s.writeFrame(conn, rep); err != nil {
				s.Registry.Disconnect(sess)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.ws.writeWait)); err != nil {
				s.Registry.Disconnect(sess)
				return
			}
		case <-sess.Done():
			s.flush(conn, sess, replies)
			code, text := closeCode(sess.CloseReason())
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.ws.writeWait))
			return
		}
	}
}

// flush writes whatever was queued before the session ended. An overflowed
// queue is dropped; the client has fallen too far behind to catch up.
func (s *Server) flush(conn *websocket.Conn, sess *registry.Session, replies <-chan gateway.Reply) {
	for {
		select {
		case rep := <-replies:
			if s.writeFrame(conn, rep) != nil {
				return
			}
			continue
		default:
		}
		if sess.CloseReason() == registry.ReasonOverflow {
			return
		}
		select {
		case m := <-sess.Outbound():
			if s.writeFrame(conn, m) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.ws.writeWait))
	return conn.WriteJSON(v)
}

func closeCode(reason string) (int, string) {
	switch reason {
	case registry.ReasonOverflow:
		return websocket.CloseTryAgainLater, reason
	case registry.ReasonShutdown:
		return websocket.CloseGoingAway, reason
	case registry.ReasonSuperseded:
		return websocket.ClosePolicyViolation, reason
	default:
		return websocket.CloseNormalClosure, reason
	}
}
