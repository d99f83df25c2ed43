package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func newRegistry(t *testing.T, queue int) (*Registry, *auth.JWTManager) {
	t.Helper()
	jm, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)
	return New(jm, queue, logging.Nop()), jm
}

func TestConnectRequiresValidCredential(t *testing.T) {
	r, jm := newRegistry(t, 4)

	_, err := r.Connect(context.Background(), "bogus")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, 0, r.Count(models.RoleDriver))

	tok, _ := jm.Issue("d1", models.RoleDriver)
	s, err := r.Connect(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, models.Driver("d1"), s.Principal)
	assert.True(t, r.Online(models.Driver("d1")))
	assert.False(t, r.Online(models.Rider("d1")))
}

func TestConnectQueuesHandshakeFirst(t *testing.T) {
	r, jm := newRegistry(t, 4)
	// a push that lands while the session is being installed
	r.OnConnect(func(s *Session) {
		require.NoError(t, r.Send(s.Principal, Message{Type: "notification"}))
	})

	tok, _ := jm.Issue("r1", models.RoleRider)
	s, err := r.Connect(context.Background(), tok)
	require.NoError(t, err)

	first := <-s.Outbound()
	assert.Equal(t, MsgConnectionEstablished, first.Type)
	data := first.Data.(map[string]any)
	assert.Equal(t, s.ID, data["session_id"])
	assert.Equal(t, "r1", data["user_id"])
	assert.Equal(t, "notification", (<-s.Outbound()).Type)

	// in-process sessions carry no handshake
	bare := r.Attach(models.Driver("d1"))
	assert.Equal(t, "notification", (<-bare.Outbound()).Type)
	assert.Empty(t, bare.Outbound())
}

func TestReconnectSupersedesOldSession(t *testing.T) {
	r, _ := newRegistry(t, 4)
	var closed []models.Principal
	r.OnClose(func(p models.Principal) { closed = append(closed, p) })

	first := r.Attach(models.Driver("d1"))
	second := r.Attach(models.Driver("d1"))

	assert.True(t, first.Closed())
	assert.Equal(t, ReasonSuperseded, first.CloseReason())
	assert.False(t, second.Closed())
	assert.Empty(t, closed, "superseding must not report the principal offline")

	// a late disconnect of the old session leaves the new one alone
	r.Disconnect(first)
	assert.True(t, r.Online(models.Driver("d1")))
	assert.Empty(t, closed)

	require.NoError(t, r.Send(models.Driver("d1"), Message{Type: "ping"}))
	assert.Equal(t, "ping", (<-second.Outbound()).Type)

	r.Disconnect(second)
	r.Disconnect(second)
	assert.False(t, r.Online(models.Driver("d1")))
	assert.Equal(t, []models.Principal{models.Driver("d1")}, closed)
}

func TestSendToOfflineIsSessionGone(t *testing.T) {
	r, _ := newRegistry(t, 4)
	err := r.Send(models.Rider("nobody"), Message{Type: "x"})
	assert.ErrorIs(t, err, apperr.ErrSessionGone)
}

func TestQueueOverflowDisconnects(t *testing.T) {
	r, _ := newRegistry(t, 2)
	var closed int
	r.OnClose(func(models.Principal) { closed++ })
	s := r.Attach(models.Rider("r1"))

	require.NoError(t, r.Send(s.Principal, Message{Type: "1"}))
	require.NoError(t, r.Send(s.Principal, Message{Type: "2"}))
	err := r.Send(s.Principal, Message{Type: "3"})
	assert.ErrorIs(t, err, apperr.ErrSessionGone)
	assert.True(t, s.Closed())
	assert.Equal(t, ReasonOverflow, s.CloseReason())
	assert.False(t, r.Online(s.Principal))
	assert.Equal(t, 1, closed)
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	r, _ := newRegistry(t, 1)
	slow := r.Attach(models.Rider("slow"))
	fast := r.Attach(models.Rider("fast"))
	drv := r.Attach(models.Driver("d1"))
	require.NoError(t, r.Send(slow.Principal, Message{Type: "fill"}))

	riders := func(p models.Principal) bool { return p.Role == models.RoleRider }
	n := r.Broadcast(riders, Message{Type: "driver-location"})
	assert.Equal(t, 1, n)
	assert.True(t, slow.Closed())
	assert.Equal(t, "driver-location", (<-fast.Outbound()).Type)
	assert.Empty(t, drv.Outbound())
}

func TestConcurrentConnectsLeaveOneSession(t *testing.T) {
	r, _ := newRegistry(t, 4)
	var wg sync.WaitGroup
	sessions := make([]*Session, 20)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = r.Attach(models.Driver("d1"))
		}(i)
	}
	wg.Wait()
	live := 0
	for _, s := range sessions {
		if !s.Closed() {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, r.Count(models.RoleDriver))
}

func TestLogoutAndCloseAll(t *testing.T) {
	r, _ := newRegistry(t, 4)
	a := r.Attach(models.Driver("d1"))
	b := r.Attach(models.Rider("r1"))
	r.Logout(models.Driver("d1"))
	assert.Equal(t, ReasonLogout, a.CloseReason())
	r.CloseAll()
	assert.Equal(t, ReasonShutdown, b.CloseReason())
	assert.Equal(t, 0, r.Count(models.RoleRider))
}
