package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/logging"
)

type recordingPublisher struct {
	mu     sync.Mutex
	got    []Event
	fail   bool
	closed bool
	block  chan struct{}
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("bus down")
	}
	r.got = append(r.got, e)
	return nil
}

func (r *recordingPublisher) Close() error { r.closed = true; return nil }

func TestAsyncDeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recordingPublisher{}
	a := NewAsync(rec, 16, logging.Nop())
	for _, typ := range []string{TypeTripCreated, TypeBidProposed, TypeTripMatched} {
		require.NoError(t, a.Publish(context.Background(), Event{Type: typ, Key: "1"}))
	}
	require.NoError(t, a.Close())

	require.Len(t, rec.got, 3)
	assert.Equal(t, TypeTripCreated, rec.got[0].Type)
	assert.Equal(t, TypeTripMatched, rec.got[2].Type)
	assert.False(t, rec.got[0].At.IsZero())
	assert.True(t, rec.closed)
}

func TestAsyncDropsWhenFull(t *testing.T) {
	rec := &recordingPublisher{block: make(chan struct{})}
	a := NewAsync(rec, 1, logging.Nop())
	// the worker takes at most one event and blocks; the queue holds one more
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Publish(context.Background(), Event{Type: TypeDriverLocation}))
	}
	close(rec.block)
	require.NoError(t, a.Close())
	assert.LessOrEqual(t, len(rec.got), 2)
	assert.GreaterOrEqual(t, len(rec.got), 1)
}

func TestAsyncSurvivesPublishErrors(t *testing.T) {
	rec := &recordingPublisher{fail: true}
	a := NewAsync(rec, 4, logging.Nop())
	require.NoError(t, a.Publish(context.Background(), Event{Type: TypeTripExpired}))
	require.NoError(t, a.Close())
	assert.Empty(t, rec.got)
}

func TestKafkaTopicRouting(t *testing.T) {
	k := &KafkaPublisher{locationsTopic: "driver-locations", eventsTopic: "dispatch-events"}
	assert.Equal(t, "driver-locations", k.topicFor(Event{Type: TypeDriverLocation}))
	assert.Equal(t, "dispatch-events", k.topicFor(Event{Type: TypeTripMatched}))
}
