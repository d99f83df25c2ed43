package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/shard"
)

// Sender delivers pushes to live sessions.
type Sender interface {
	Send(p models.Principal, m registry.Message) error
}

// Mirror receives a copy of every visible driver position (Redis GEO in
// production) for consumers outside this process.
type Mirror interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Remove(ctx context.Context, driverID string) error
}

const MsgDriverLocation = "driver-location"

type driverRecord struct {
	mu  sync.Mutex
	loc models.DriverLocation
	// located is false until the first position arrives
	located bool
}

func (r *driverRecord) visible() bool { return r.located && r.loc.Online && r.loc.Available }

type Watch struct {
	Center  models.Coord `json:"center"`
	RadiusM float64      `json:"radius_m"`
}

// Store is the authoritative table of driver positions. Each driver record has
// its own lock; subscriptions are kept in separate sharded maps.
type Store struct {
	drivers *shard.Map[*driverRecord]
	// driver id -> rider ids following that driver
	followers *shard.Map[map[string]struct{}]
	// rider id -> driver ids it follows
	following *shard.Map[map[string]struct{}]
	watches   *shard.Map[Watch]

	out           Sender
	mirror        Mirror
	events        events.Publisher
	log           *zap.SugaredLogger
	mirrorTimeout time.Duration
}

type Option func(*Store)

func WithMirror(m Mirror) Option { return func(s *Store) { s.mirror = m } }
func WithEvents(p events.Publisher) Option { return func(s *Store) { s.events = p } }
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Store) { s.log = l } }

func NewStore(out Sender, opts ...Option) *Store {
	s := &Store{
		drivers:       shard.New[*driverRecord](shard.DefaultShards),
		followers:     shard.New[map[string]struct{}](shard.DefaultShards),
		following:     shard.New[map[string]struct{}](shard.DefaultShards),
		watches:       shard.New[Watch](shard.DefaultShards),
		out:           out,
		events:        events.Nop{},
		log:           zap.NewNop().Sugar(),
		mirrorTimeout: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) record(driverID string) *driverRecord {
	return s.drivers.GetOrCreate(driverID, func() *driverRecord {
		return &driverRecord{loc: models.DriverLocation{DriverID: driverID, Available: true}}
	})
}

func trackVisibility(before, after bool) {
	switch {
	case !before && after:
		observability.DriversOnline.Inc()
	case before && !after:
		observability.DriversOnline.Dec()
	}
}

// Update records a new position reported by the driver's own session. An
// update older than the stored one fails with StaleUpdate and changes nothing;
// equal timestamps are accepted so a resend is harmless.
func (s *Store) Update(ctx context.Context, driverID string, c models.Coord, ts time.Time) (models.DriverLocation, error) {
	if !c.Valid() {
		return models.DriverLocation{}, apperr.New(apperr.KindInvalidArgument, "coordinates out of range")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := s.record(driverID)

	rec.mu.Lock()
	if rec.located && ts.Before(rec.loc.UpdatedAt) {
		stored := rec.loc.UpdatedAt
		rec.mu.Unlock()
		observability.LocationUpdates.WithLabelValues("stale").Inc()
		return models.DriverLocation{}, apperr.New(apperr.KindStaleUpdate, "update at %s is older than %s", ts.Format(time.RFC3339Nano), stored.Format(time.RFC3339Nano))
	}
	before := rec.visible()
	rec.loc.Loc = c
	rec.loc.UpdatedAt = ts
	rec.loc.Online = true
	rec.located = true
	after := rec.visible()
	snap := rec.loc
	rec.mu.Unlock()

	trackVisibility(before, after)
	observability.LocationUpdates.WithLabelValues("ok").Inc()

	if after {
		s.broadcast(snap)
		s.mirrorUpsert(ctx, snap)
		_ = s.events.Publish(ctx, events.Event{Type: events.TypeDriverLocation, Key: driverID, At: ts, Data: snap})
	}
	return snap, nil
}

func (s *Store) broadcast(loc models.DriverLocation) {
	targets := make(map[string]struct{})
	if set, ok := s.followers.Get(loc.DriverID); ok {
		for rider := range set {
			targets[rider] = struct{}{}
		}
	}
	s.watches.Range(func(rider string, w Watch) bool {
		if Haversine(w.Center.Lat, w.Center.Lon, loc.Loc.Lat, loc.Loc.Lon) <= w.RadiusM {
			targets[rider] = struct{}{}
		}
		return true
	})
	msg := registry.Message{Type: MsgDriverLocation, Data: loc}
	for rider := range targets {
		// fire and forget: offline riders simply miss a position
		_ = s.out.Send(models.Rider(rider), msg)
	}
}

func (s *Store) mirrorUpsert(ctx context.Context, loc models.DriverLocation) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mirrorTimeout)
	defer cancel()
	if err := s.mirror.Upsert(ctx, loc); err != nil {
		s.log.Warnw("location mirror upsert failed", "driver_id", loc.DriverID, "error", err)
	}
}

func (s *Store) mirrorRemove(driverID string) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.mirrorTimeout)
	defer cancel()
	if err := s.mirror.Remove(ctx, driverID); err != nil {
		s.log.Warnw("location mirror remove failed", "driver_id", driverID, "error", err)
	}
}

// SetAvailability toggles whether the driver accepts new trip requests.
func (s *Store) SetAvailability(driverID string, available bool) models.DriverLocation {
	rec := s.record(driverID)
	rec.mu.Lock()
	before := rec.visible()
	rec.loc.Available = available
	after := rec.visible()
	snap := rec.loc
	rec.mu.Unlock()
	trackVisibility(before, after)
	if before && !after {
		s.mirrorRemove(driverID)
	}
	return snap
}

// SetOnline follows the driver's session state. Offline drivers keep their
// last position but drop out of proximity queries and broadcasts.
func (s *Store) SetOnline(driverID string, online bool) {
	rec := s.record(driverID)
	rec.mu.Lock()
	before := rec.visible()
	rec.loc.Online = online
	after := rec.visible()
	rec.mu.Unlock()
	trackVisibility(before, after)
	if before && !after {
		s.mirrorRemove(driverID)
	}
}

func (s *Store) Get(driverID string) (models.DriverLocation, bool) {
	rec, ok := s.drivers.Get(driverID)
	if !ok {
		return models.DriverLocation{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.located {
		return models.DriverLocation{}, false
	}
	return rec.loc, true
}

// Nearby returns visible drivers within radiusM of p, nearest first with ties
// broken by driver id. limit <= 0 means no limit.
// Naive scan; swap for a geohash/H3 index if fleets grow large.
func (s *Store) Nearby(p models.Coord, radiusM float64, limit int) []models.DriverLocation {
	var out []models.DriverLocation
	s.drivers.Range(func(_ string, rec *driverRecord) bool {
		rec.mu.Lock()
		if rec.visible() {
			d := Haversine(p.Lat, p.Lon, rec.loc.Loc.Lat, rec.loc.Loc.Lon)
			if d <= radiusM {
				loc := rec.loc
				loc.DistanceM = d
				out = append(out, loc)
			}
		}
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].DriverID < out[j].DriverID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Available lists visible drivers ordered by id.
func (s *Store) Available() []models.DriverLocation {
	var out []models.DriverLocation
	s.drivers.Range(func(_ string, rec *driverRecord) bool {
		rec.mu.Lock()
		if rec.visible() {
			out = append(out, rec.loc)
		}
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Counts reports visible drivers and every driver the store has heard from.
func (s *Store) Counts() (available, total int) {
	s.drivers.Range(func(_ string, rec *driverRecord) bool {
		rec.mu.Lock()
		if rec.visible() {
			available++
		}
		rec.mu.Unlock()
		total++
		return true
	})
	return available, total
}

func addMember(m *shard.Map[map[string]struct{}], key, member string) {
	m.Update(key, func(cur map[string]struct{}, _ bool) (map[string]struct{}, bool) {
		next := make(map[string]struct{}, len(cur)+1)
		for k := range cur {
			next[k] = struct{}{}
		}
		next[member] = struct{}{}
		return next, true
	})
}

func removeMember(m *shard.Map[map[string]struct{}], key, member string) {
	m.Update(key, func(cur map[string]struct{}, ok bool) (map[string]struct{}, bool) {
		if !ok {
			return nil, false
		}
		next := make(map[string]struct{}, len(cur))
		for k := range cur {
			if k != member {
				next[k] = struct{}{}
			}
		}
		return next, len(next) > 0
	})
}

// Subscribe makes riderID receive every position of driverID.
func (s *Store) Subscribe(riderID, driverID string) {
	addMember(s.followers, driverID, riderID)
	addMember(s.following, riderID, driverID)
}

func (s *Store) Unsubscribe(riderID, driverID string) {
	removeMember(s.followers, driverID, riderID)
	removeMember(s.following, riderID, driverID)
}

// Watch makes riderID receive positions of visible drivers inside the circle
// and returns the drivers currently there. A rider has one watch at a time.
func (s *Store) Watch(riderID string, center models.Coord, radiusM float64, limit int) []models.DriverLocation {
	s.watches.Set(riderID, Watch{Center: center, RadiusM: radiusM})
	return s.Nearby(center, radiusM, limit)
}

func (s *Store) Unwatch(riderID string) { s.watches.Delete(riderID) }

// ForgetRider drops every subscription held by riderID.
func (s *Store) ForgetRider(riderID string) {
	s.watches.Delete(riderID)
	if set, ok := s.following.Get(riderID); ok {
		for driverID := range set {
			removeMember(s.followers, driverID, riderID)
		}
	}
	s.following.Delete(riderID)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
