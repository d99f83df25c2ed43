// Package events ships dispatch lifecycle and driver location events to an
// external bus for analytics and downstream consumers. Publishing is best
// effort: the dispatch core never waits on the bus.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	TypeDriverLocation = "driver.location"
	TypeTripCreated    = "trip.created"
	TypeTripDeclined   = "trip.declined"
	TypeTripMatched    = "trip.matched"
	TypeTripCancelled  = "trip.cancelled"
	TypeTripExpired    = "trip.expired"
	TypeBidProposed    = "bid.proposed"
	TypeBidResolved    = "bid.resolved"
)

type Event struct {
	Type string    `json:"type"`
	Key  string    `json:"key"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Async decouples callers from a slow bus with a bounded queue drained by a
// single worker. When the queue is full the event is dropped and counted.
type Async struct {
	next    Publisher
	log     *zap.SugaredLogger
	queue   chan Event
	timeout time.Duration
	once    sync.Once
	done    chan struct{}
}

func NewAsync(next Publisher, size int, log *zap.SugaredLogger) *Async {
	if size <= 0 {
		size = 1024
	}
	a := &Async{next: next, log: log, queue: make(chan Event, size), timeout: 5 * time.Second, done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Publish(ctx, e)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(e.Type, "error").Inc()
			a.log.Warnw("event publish failed", "type", e.Type, "key", e.Key, "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(e.Type, "ok").Inc()
	}
}

// Publish never blocks. The error is always nil; drops are visible in metrics.
func (a *Async) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case a.queue <- e:
	default:
		observability.EventsPublished.WithLabelValues(e.Type, "dropped").Inc()
	}
	return nil
}

// Close drains queued events and closes the underlying publisher. Publish
// must not be called after Close.
func (a *Async) Close() error {
	a.once.Do(func() { close(a.queue) })
	<-a.done
	return a.next.Close()
}
