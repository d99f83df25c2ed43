// Package dispatch owns trip requests: fan-out to a snapshot of nearby
// drivers, per-driver declines, the single pending->matched transition, rider
// cancellation and expiry.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/shard"
	"github.com/example/ride-dispatch/internal/storage"
)

// Locator is the part of the location store the engine needs.
type Locator interface {
	Nearby(p models.Coord, radiusM float64, limit int) []models.DriverLocation
	Watch(riderID string, center models.Coord, radiusM float64, limit int) []models.DriverLocation
	Unwatch(riderID string)
	Subscribe(riderID, driverID string)
}

// Notifier is the part of notification delivery the engine needs.
type Notifier interface {
	Publish(n models.Notification) (models.Notification, notify.Outcome)
	Notify(p models.Principal, m registry.Message) error
	CancelWhere(p models.Principal, pred func(models.Notification) bool) int
}

const MsgNearbyDrivers = "nearby-drivers"

type Config struct {
	RadiusM       float64
	MaxCandidates int
	TTL           time.Duration
	SweepInterval time.Duration
	// Retention is how long terminal requests stay in memory before only the
	// archive has them.
	Retention time.Duration
	// HistoryLimit caps how many archived requests a rider listing returns.
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if c.RadiusM <= 0 {
		c.RadiusM = 5000
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 20
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

type trip struct {
	mu  sync.Mutex
	req models.TripRequest
}

func (t *trip) snapshot() models.TripRequest {
	r := t.req
	r.Eligible = slices.Clone(t.req.Eligible)
	r.Declined = slices.Clone(t.req.Declined)
	return r
}

func (t *trip) offered(driverID string) bool  { return slices.Contains(t.req.Eligible, driverID) }
func (t *trip) declined(driverID string) bool { return slices.Contains(t.req.Declined, driverID) }

type Engine struct {
	cfg    Config
	loc    Locator
	notes  Notifier
	repo   storage.Repository
	events events.Publisher
	eta    *eta.Estimator
	log    *zap.SugaredLogger
	now    func() time.Time

	trips  *shard.Map[*trip]
	nextID atomic.Int64

	listenMu   sync.RWMutex
	onResolved []func(models.TripRequest)
	onDeclined []func(tripID int64, driverID string)
	onPurged   []func(tripID int64)
}

type Option func(*Engine)

func WithRepository(r storage.Repository) Option { return func(e *Engine) { e.repo = r } }
func WithEvents(p events.Publisher) Option       { return func(e *Engine) { e.events = p } }
func WithEstimator(est *eta.Estimator) Option    { return func(e *Engine) { e.eta = est } }
func WithLogger(l *zap.SugaredLogger) Option     { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option      { return func(e *Engine) { e.now = now } }

// WithFirstID makes the next request id start after last.
func WithFirstID(last int64) Option { return func(e *Engine) { e.nextID.Store(last) } }

func New(cfg Config, loc Locator, notes Notifier, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		loc:    loc,
		notes:  notes,
		repo:   storage.NewMemoryStore(),
		events: events.Nop{},
		log:    zap.NewNop().Sugar(),
		now:    time.Now,
		trips:  shard.New[*trip](shard.DefaultShards),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OnResolved registers fn to run after a request is cancelled or expires.
// Matches are reported to the caller of Matched instead.
func (e *Engine) OnResolved(fn func(models.TripRequest)) {
	e.listenMu.Lock()
	e.onResolved = append(e.onResolved, fn)
	e.listenMu.Unlock()
}

// OnDeclined registers fn to run after a driver declines a request. The
// driver can no longer be matched to it.
func (e *Engine) OnDeclined(fn func(tripID int64, driverID string)) {
	e.listenMu.Lock()
	e.onDeclined = append(e.onDeclined, fn)
	e.listenMu.Unlock()
}

// OnPurged registers fn to run when a request leaves memory.
func (e *Engine) OnPurged(fn func(tripID int64)) {
	e.listenMu.Lock()
	e.onPurged = append(e.onPurged, fn)
	e.listenMu.Unlock()
}

func (e *Engine) resolved(r models.TripRequest) {
	e.listenMu.RLock()
	fns := slices.Clone(e.onResolved)
	e.listenMu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}

func tripKey(id int64) string { return strconv.FormatInt(id, 10) }

func (e *Engine) lookup(id int64) (*trip, error) {
	t, ok := e.trips.Get(tripKey(id))
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "trip request %d not found", id)
	}
	return t, nil
}

func (e *Engine) publish(ctx context.Context, typ string, r models.TripRequest) {
	_ = e.events.Publish(ctx, events.Event{Type: typ, Key: tripKey(r.ID), At: e.now().UTC(), Data: r})
}

func (e *Engine) archive(ctx context.Context, r models.TripRequest, bids []models.Bid) {
	if err := e.repo.ArchiveTrip(ctx, r, bids); err != nil {
		e.log.Errorw("archive trip failed", "req_id", r.ID, "status", r.Status, "error", err)
	}
}

// Archive stores the current state of a request together with its bids. The
// negotiation engine calls it once a match has settled every bid.
func (e *Engine) Archive(ctx context.Context, tripID int64, bids []models.Bid) error {
	t, err := e.lookup(tripID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	r := t.snapshot()
	t.mu.Unlock()
	return e.repo.ArchiveTrip(ctx, r, bids)
}

func describePickup(r models.TripRequest) string {
	if r.PickupAddress != "" {
		return r.PickupAddress
	}
	return fmt.Sprintf("%.5f,%.5f", r.Pickup.Lat, r.Pickup.Lon)
}

func (e *Engine) offerNotification(ctx context.Context, r models.TripRequest, d models.DriverLocation, riderName string) models.Notification {
	msg := fmt.Sprintf("Pickup at %s, going to %s", describePickup(r), r.Destination)
	payload := map[string]any{
		"pickup":          r.Pickup,
		"pickup_location": r.PickupAddress,
		"destination":     r.Destination,
		"distance_m":      math.Round(d.DistanceM),
		"eta_seconds":     math.Round(e.eta.Estimate(ctx, d.Loc, r.Pickup)),
		"expires_at":      r.ExpiresAt,
	}
	if r.Fare != nil {
		payload["fare"] = *r.Fare
		msg += ", fare " + models.FormatAmount(*r.Fare)
	}
	if riderName != "" {
		payload["rider_name"] = riderName
	}
	return models.Notification{
		Recipient: models.Driver(d.DriverID),
		Sender:    models.Rider(r.RiderID),
		Kind:      models.KindTripRequest,
		TripID:    r.ID,
		Title:     "New trip request",
		Message:   msg,
		Payload:   payload,
	}
}

func (e *Engine) riderName(ctx context.Context, riderID string) string {
	p, err := e.repo.GetProfile(ctx, models.Rider(riderID))
	if err != nil {
		return ""
	}
	return p.Name
}

// CreateRequest opens a trip request and offers it to every available driver
// near the pickup. The candidate set is fixed here; drivers arriving later
// are not added. A request with no candidates is still created and expires.
func (e *Engine) CreateRequest(ctx context.Context, riderID string, pickup models.Coord, pickupAddress, destination string, fare *float64) (models.TripRequest, error) {
	switch {
	case riderID == "":
		return models.TripRequest{}, apperr.New(apperr.KindInvalidArgument, "rider id is required")
	case !pickup.Valid():
		return models.TripRequest{}, apperr.New(apperr.KindInvalidArgument, "pickup coordinates out of range")
	case destination == "":
		return models.TripRequest{}, apperr.New(apperr.KindInvalidArgument, "destination is required")
	case fare != nil && *fare <= 0:
		return models.TripRequest{}, apperr.New(apperr.KindInvalidArgument, "fare must be positive")
	}

	candidates := e.loc.Nearby(pickup, e.cfg.RadiusM, e.cfg.MaxCandidates)
	name := e.riderName(ctx, riderID)
	now := e.now().UTC()

	t := &trip{req: models.TripRequest{
		ID:            e.nextID.Add(1),
		RiderID:       riderID,
		Pickup:        pickup,
		PickupAddress: pickupAddress,
		Destination:   destination,
		Fare:          fare,
		Status:        models.TripPending,
		Eligible:      make([]string, 0, len(candidates)),
		Declined:      []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.TTL),
	}}
	for _, d := range candidates {
		t.req.Eligible = append(t.req.Eligible, d.DriverID)
	}

	// offers go out before anyone can act on the request
	t.mu.Lock()
	e.trips.Set(tripKey(t.req.ID), t)
	r := t.snapshot()
	live := 0
	for _, d := range candidates {
		if _, outcome := e.notes.Publish(e.offerNotification(ctx, r, d, name)); outcome == notify.DeliveredLive {
			live++
		}
	}
	t.mu.Unlock()

	nearby := e.loc.Watch(riderID, pickup, e.cfg.RadiusM, e.cfg.MaxCandidates)
	_ = e.notes.Notify(models.Rider(riderID), registry.Message{Type: MsgNearbyDrivers, Data: map[string]any{"req_id": r.ID, "drivers": nearby}})

	observability.TripRequestsTotal.WithLabelValues(string(models.TripPending)).Inc()
	observability.TripCandidates.Observe(float64(len(candidates)))
	e.log.Infow("trip request created", "req_id", r.ID, "rider_id", riderID, "candidates", len(candidates), "delivered_live", live)
	e.publish(ctx, events.TypeTripCreated, r)
	return r, nil
}

func isOffer(tripID int64) func(models.Notification) bool {
	return func(n models.Notification) bool {
		return n.Kind == models.KindTripRequest && n.TripID == tripID
	}
}

// Decline removes the request from one driver's view. Declining twice is a
// no-op; other drivers are unaffected.
func (e *Engine) Decline(ctx context.Context, tripID int64, driverID string) error {
	t, err := e.lookup(tripID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if !t.offered(driverID) {
		t.mu.Unlock()
		return apperr.New(apperr.KindNotEligible, "trip request %d was not offered to driver %s", tripID, driverID)
	}
	if t.req.Status.Terminal() {
		status := t.req.Status
		t.mu.Unlock()
		return apperr.New(apperr.KindAlreadyResolved, "trip request %d is %s", tripID, status)
	}
	if t.declined(driverID) {
		t.mu.Unlock()
		return nil
	}
	t.req.Declined = append(t.req.Declined, driverID)
	t.req.UpdatedAt = e.now().UTC()
	e.notes.CancelWhere(models.Driver(driverID), isOffer(tripID))
	r := t.snapshot()
	t.mu.Unlock()

	e.listenMu.RLock()
	fns := slices.Clone(e.onDeclined)
	e.listenMu.RUnlock()
	for _, fn := range fns {
		fn(tripID, driverID)
	}

	e.log.Infow("trip request declined", "req_id", tripID, "driver_id", driverID)
	e.publish(ctx, events.TypeTripDeclined, r)
	return nil
}

// OpenFor returns the request when driverID may still act on it.
func (e *Engine) OpenFor(tripID int64, driverID string) (models.TripRequest, error) {
	t, err := e.lookup(tripID)
	if err != nil {
		return models.TripRequest{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.offered(driverID) || t.declined(driverID) {
		return models.TripRequest{}, apperr.New(apperr.KindNotEligible, "driver %s cannot act on trip request %d", driverID, tripID)
	}
	if t.req.Status.Terminal() {
		return models.TripRequest{}, apperr.New(apperr.KindAlreadyResolved, "trip request %d is %s", tripID, t.req.Status)
	}
	return t.snapshot(), nil
}

func (e *Engine) list(keep func(*trip) bool) []models.TripRequest {
	out := []models.TripRequest{}
	e.trips.Range(func(_ string, t *trip) bool {
		t.mu.Lock()
		if keep(t) {
			out = append(out, t.snapshot())
		}
		t.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListForDriver returns the pending requests offered to driverID that it has
// not declined.
func (e *Engine) ListForDriver(driverID string) []models.TripRequest {
	return e.list(func(t *trip) bool {
		return t.req.Status == models.TripPending && t.offered(driverID) && !t.declined(driverID)
	})
}

// ListForRider returns the requests of riderID, live ones merged with those
// already purged to the archive.
func (e *Engine) ListForRider(ctx context.Context, riderID string) []models.TripRequest {
	out := e.list(func(t *trip) bool { return t.req.RiderID == riderID })
	archived, err := e.repo.TripsForRider(ctx, riderID, e.cfg.HistoryLimit)
	if err != nil {
		e.log.Warnw("load archived trips failed", "rider_id", riderID, "error", err)
		return out
	}
	seen := make(map[int64]struct{}, len(out))
	for _, r := range out {
		seen[r.ID] = struct{}{}
	}
	for _, r := range archived {
		if _, ok := seen[r.ID]; !ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a live request, falling back to the archive once it has been
// purged from memory.
func (e *Engine) Get(ctx context.Context, tripID int64) (models.TripRequest, error) {
	if t, ok := e.trips.Get(tripKey(tripID)); ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.snapshot(), nil
	}
	r, _, err := e.repo.GetTrip(ctx, tripID)
	if err != nil {
		return models.TripRequest{}, apperr.New(apperr.KindNotFound, "trip request %d not found", tripID)
	}
	return r, nil
}

// Matched moves the request from pending to matched with driverID. Exactly
// one caller wins; every other attempt fails with ConcurrentConflict.
func (e *Engine) Matched(ctx context.Context, tripID int64, driverID string) (models.TripRequest, error) {
	t, err := e.lookup(tripID)
	if err != nil {
		return models.TripRequest{}, err
	}
	t.mu.Lock()
	if !t.offered(driverID) || t.declined(driverID) {
		t.mu.Unlock()
		return models.TripRequest{}, apperr.New(apperr.KindNotEligible, "driver %s cannot be matched to trip request %d", driverID, tripID)
	}
	if t.req.Status != models.TripPending {
		status := t.req.Status
		t.mu.Unlock()
		observability.MatchConflicts.Inc()
		return models.TripRequest{}, apperr.New(apperr.KindConcurrentConflict, "trip request %d is already %s", tripID, status)
	}
	now := e.now().UTC()
	t.req.Status = models.TripMatched
	t.req.DriverID = driverID
	t.req.UpdatedAt = now
	r := t.snapshot()

	closed := registry.Message{Type: string(models.KindTripRequestClosed), Data: map[string]any{"req_id": tripID}}
	for _, other := range r.Eligible {
		if other == driverID {
			continue
		}
		p := models.Driver(other)
		e.notes.CancelWhere(p, isOffer(tripID))
		if !slices.Contains(r.Declined, other) {
			_ = e.notes.Notify(p, closed)
		}
	}
	e.notes.CancelWhere(models.Driver(driverID), isOffer(tripID))
	t.mu.Unlock()

	e.loc.Unwatch(r.RiderID)
	e.loc.Subscribe(r.RiderID, driverID)

	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(now.Sub(r.CreatedAt).Seconds())
	observability.TripRequestsTotal.WithLabelValues(string(models.TripMatched)).Inc()
	e.log.Infow("trip request matched", "req_id", tripID, "driver_id", driverID, "rider_id", r.RiderID)
	e.archive(ctx, r, nil)
	e.publish(ctx, events.TypeTripMatched, r)
	return r, nil
}

// close moves a pending request to a terminal status and clears the offers.
// The caller holds t.mu.
func (e *Engine) close(t *trip, status models.TripStatus, kind models.NotificationKind) models.TripRequest {
	t.req.Status = status
	t.req.UpdatedAt = e.now().UTC()
	r := t.snapshot()
	msg := registry.Message{Type: string(kind), Data: map[string]any{"req_id": r.ID}}
	for _, d := range r.Eligible {
		p := models.Driver(d)
		e.notes.CancelWhere(p, isOffer(r.ID))
		if !slices.Contains(r.Declined, d) {
			_ = e.notes.Notify(p, msg)
		}
	}
	return r
}

func (e *Engine) finish(ctx context.Context, r models.TripRequest, eventType string) {
	e.loc.Unwatch(r.RiderID)
	observability.TripRequestsTotal.WithLabelValues(string(r.Status)).Inc()
	// listeners may archive again with bids attached
	e.archive(ctx, r, nil)
	e.resolved(r)
	e.publish(ctx, eventType, r)
}

// Cancel lets the rider withdraw a pending request. Cancelling twice is a
// no-op; a matched or expired request cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, tripID int64, riderID string) error {
	t, err := e.lookup(tripID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.req.RiderID != riderID {
		t.mu.Unlock()
		return apperr.New(apperr.KindNotEligible, "trip request %d belongs to another rider", tripID)
	}
	switch t.req.Status {
	case models.TripCancelled:
		t.mu.Unlock()
		return nil
	case models.TripPending:
	default:
		status := t.req.Status
		t.mu.Unlock()
		return apperr.New(apperr.KindAlreadyResolved, "trip request %d is %s", tripID, status)
	}
	r := e.close(t, models.TripCancelled, models.KindTripCancelled)
	t.mu.Unlock()

	e.log.Infow("trip request cancelled", "req_id", tripID, "rider_id", riderID)
	e.finish(ctx, r, events.TypeTripCancelled)
	return nil
}

// ExpireStale expires every pending request whose deadline is not after now
// and returns how many changed.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) int {
	var due []*trip
	e.trips.Range(func(_ string, t *trip) bool {
		t.mu.Lock()
		if t.req.Status == models.TripPending && !t.req.ExpiresAt.After(now) {
			due = append(due, t)
		}
		t.mu.Unlock()
		return true
	})
	n := 0
	for _, t := range due {
		t.mu.Lock()
		// a match may have landed since the scan
		if t.req.Status != models.TripPending {
			t.mu.Unlock()
			continue
		}
		r := e.close(t, models.TripExpired, models.KindTripExpired)
		e.notes.Publish(models.Notification{
			Recipient: models.Rider(r.RiderID),
			Kind:      models.KindTripExpired,
			TripID:    r.ID,
			Title:     "Trip request expired",
			Message:   fmt.Sprintf("No driver accepted your trip to %s", r.Destination),
		})
		t.mu.Unlock()
		e.finish(ctx, r, events.TypeTripExpired)
		n++
	}
	if n > 0 {
		e.log.Infow("trip requests expired", "count", n)
	}
	return n
}

// Purge drops terminal requests older than the retention window from memory.
func (e *Engine) Purge(now time.Time) int {
	var old []int64
	e.trips.Range(func(_ string, t *trip) bool {
		t.mu.Lock()
		if t.req.Status.Terminal() && now.Sub(t.req.UpdatedAt) >= e.cfg.Retention {
			old = append(old, t.req.ID)
		}
		t.mu.Unlock()
		return true
	})
	e.listenMu.RLock()
	fns := slices.Clone(e.onPurged)
	e.listenMu.RUnlock()
	for _, id := range old {
		e.trips.Delete(tripKey(id))
		for _, fn := range fns {
			fn(id)
		}
	}
	return len(old)
}

// Run sweeps for expired and retired requests until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			e.ExpireStale(ctx, now)
			e.Purge(now)
		}
	}
}
