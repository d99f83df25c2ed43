package geo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[models.Principal][]registry.Message
}

func (f *fakeSender) Send(p models.Principal, m registry.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[models.Principal][]registry.Message)
	}
	f.sent[p] = append(f.sent[p], m)
	return nil
}

func (f *fakeSender) count(p models.Principal) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[p])
}

type fakeMirror struct {
	upserts []string
	removes []string
	err     error
}

func (f *fakeMirror) Upsert(_ context.Context, d models.DriverLocation) error {
	f.upserts = append(f.upserts, d.DriverID)
	return f.err
}

func (f *fakeMirror) Remove(_ context.Context, id string) error {
	f.removes = append(f.removes, id)
	return f.err
}

var nyc = models.Coord{Lat: 40.7128, Lon: -74.0060}

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestUpdateRejectsStale(t *testing.T) {
	s := NewStore(&fakeSender{})
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Update(ctx, "d1", nyc, t0)
	require.NoError(t, err)

	moved := models.Coord{Lat: 40.72, Lon: -74.01}
	_, err = s.Update(ctx, "d1", moved, t0.Add(-time.Second))
	assert.ErrorIs(t, err, apperr.ErrStaleUpdate)

	got, ok := s.Get("d1")
	require.True(t, ok)
	assert.Equal(t, nyc, got.Loc)
	assert.Equal(t, t0, got.UpdatedAt)

	// a resend with the same timestamp is accepted
	_, err = s.Update(ctx, "d1", nyc, t0)
	assert.NoError(t, err)

	_, err = s.Update(ctx, "d1", moved, t0.Add(time.Second))
	require.NoError(t, err)
	got, _ = s.Get("d1")
	assert.Equal(t, moved, got.Loc)
}

func TestUpdateValidatesCoordinates(t *testing.T) {
	s := NewStore(&fakeSender{})
	_, err := s.Update(context.Background(), "d1", models.Coord{Lat: 91}, time.Now())
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, ok := s.Get("d1")
	assert.False(t, ok)
}

func TestNearbyOrderingAndFiltering(t *testing.T) {
	s := NewStore(&fakeSender{})
	ctx := context.Background()
	now := time.Now()
	// b and a share a position: tie broken by id
	_, _ = s.Update(ctx, "b", models.Coord{Lat: 40.7138, Lon: -74.0060}, now)
	_, _ = s.Update(ctx, "a", models.Coord{Lat: 40.7138, Lon: -74.0060}, now)
	_, _ = s.Update(ctx, "c", models.Coord{Lat: 40.7128, Lon: -74.0061}, now)
	_, _ = s.Update(ctx, "far", models.Coord{Lat: 41.5, Lon: -74.0}, now)
	_, _ = s.Update(ctx, "busy", nyc, now)
	_, _ = s.Update(ctx, "gone", nyc, now)
	s.SetAvailability("busy", false)
	s.SetOnline("gone", false)

	got := s.Nearby(nyc, 5000, 0)
	ids := make([]string, 0, len(got))
	for _, d := range got {
		ids = append(ids, d.DriverID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Less(t, got[0].DistanceM, got[1].DistanceM)

	assert.Len(t, s.Nearby(nyc, 5000, 2), 2)

	avail, total := s.Counts()
	assert.Equal(t, 4, avail)
	assert.Equal(t, 6, total)
	assert.Len(t, s.Available(), 4)

	s.SetOnline("gone", true)
	assert.Len(t, s.Nearby(nyc, 5000, 0), 4)
}

func TestUpdateBroadcastsToFollowersAndWatchers(t *testing.T) {
	out := &fakeSender{}
	s := NewStore(out)
	ctx := context.Background()

	s.Subscribe("follower", "d1")
	s.Watch("watcher", nyc, 1000, 10)
	s.Watch("elsewhere", models.Coord{Lat: 51.5, Lon: -0.12}, 1000, 10)

	_, err := s.Update(ctx, "d1", nyc, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, out.count(models.Rider("follower")))
	assert.Equal(t, 1, out.count(models.Rider("watcher")))
	assert.Equal(t, 0, out.count(models.Rider("elsewhere")))
	assert.Equal(t, 0, out.count(models.Driver("d1")), "drivers never receive raw positions")

	// unavailable drivers are not broadcast
	s.SetAvailability("d1", false)
	_, _ = s.Update(ctx, "d1", nyc, time.Now())
	assert.Equal(t, 1, out.count(models.Rider("follower")))

	s.SetAvailability("d1", true)
	s.ForgetRider("follower")
	s.Unwatch("watcher")
	_, _ = s.Update(ctx, "d1", nyc, time.Now())
	assert.Equal(t, 1, out.count(models.Rider("follower")))
	assert.Equal(t, 1, out.count(models.Rider("watcher")))
}

func TestWatchReturnsSnapshot(t *testing.T) {
	s := NewStore(&fakeSender{})
	_, _ = s.Update(context.Background(), "d1", nyc, time.Now())
	snap := s.Watch("r1", nyc, 500, 10)
	require.Len(t, snap, 1)
	assert.Equal(t, "d1", snap[0].DriverID)
}

func TestMirrorFollowsVisibility(t *testing.T) {
	m := &fakeMirror{err: errors.New("redis down")}
	s := NewStore(&fakeSender{}, WithMirror(m))
	_, err := s.Update(context.Background(), "d1", nyc, time.Now())
	require.NoError(t, err, "mirror failures never fail the update")
	assert.Equal(t, []string{"d1"}, m.upserts)

	s.SetOnline("d1", false)
	s.SetOnline("d1", false)
	assert.Equal(t, []string{"d1"}, m.removes)
}

func TestConcurrentUpdatesKeepNewest(t *testing.T) {
	s := NewStore(&fakeSender{})
	base := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update(context.Background(), "d1", models.Coord{Lat: float64(i) / 100, Lon: 0}, base.Add(time.Duration(i)*time.Millisecond))
		}(i)
	}
	wg.Wait()
	got, _ := s.Get("d1")
	assert.Equal(t, base.Add(49*time.Millisecond), got.UpdatedAt)
	assert.InDelta(t, 0.49, got.Loc.Lat, 1e-9)
}
