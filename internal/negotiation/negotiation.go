// Package negotiation runs the bid exchange on a trip request: a driver
// proposes a price, the other side accepts, rejects or counters, and either
// side may withdraw an open bid. All transitions on one trip are serialized.
package negotiation

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

// Trips is the dispatch side of a negotiation, satisfied by *dispatch.Engine.
type Trips interface {
	OpenFor(tripID int64, driverID string) (models.TripRequest, error)
	Matched(ctx context.Context, tripID int64, driverID string) (models.TripRequest, error)
	Archive(ctx context.Context, tripID int64, bids []models.Bid) error
	OnResolved(fn func(models.TripRequest))
	OnDeclined(fn func(tripID int64, driverID string))
	OnPurged(fn func(tripID int64))
}

type Notifier interface {
	Publish(n models.Notification) (models.Notification, notify.Outcome)
	Notify(p models.Principal, m registry.Message) error
	CancelWhere(p models.Principal, pred func(models.Notification) bool) int
}

// Locator gives the driver position used for pickup ETAs.
type Locator interface {
	Get(driverID string) (models.DriverLocation, bool)
}

type DecisionKind string

const (
	Accept  DecisionKind = "accept"
	Reject  DecisionKind = "reject"
	Counter DecisionKind = "counter"
)

type Decision struct {
	Kind   DecisionKind `json:"decision"`
	Amount float64      `json:"amount,omitempty"`
}

// Result describes what a response did. Counter is the new bid created by a
// counter offer; Trip is the matched request after an accept.
type Result struct {
	Bid     models.Bid          `json:"bid"`
	Counter *models.Bid         `json:"counter,omitempty"`
	Trip    *models.TripRequest `json:"trip,omitempty"`
}

type tripBids struct {
	mu   sync.Mutex
	bids []*models.Bid
	// bids closed because a sibling was accepted first
	lost map[int64]bool
}

func (t *tripBids) find(id int64) *models.Bid {
	for _, b := range t.bids {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (t *tripBids) snapshot() []models.Bid {
	out := make([]models.Bid, 0, len(t.bids))
	for _, b := range t.bids {
		out = append(out, *b)
	}
	return out
}

type Engine struct {
	trips  Trips
	notes  Notifier
	loc    Locator
	repo   storage.Repository
	eta    *eta.Estimator
	events events.Publisher
	log    *zap.SugaredLogger
	now    func() time.Time

	byTrip *shard.Map[*tripBids]
	// bid id -> trip id
	owners *shard.Map[int64]
	nextID atomic.Int64
}

type Option func(*Engine)

func WithLocator(l Locator) Option               { return func(e *Engine) { e.loc = l } }
func WithRepository(r storage.Repository) Option { return func(e *Engine) { e.repo = r } }
func WithEstimator(est *eta.Estimator) Option    { return func(e *Engine) { e.eta = est } }
func WithEvents(p events.Publisher) Option       { return func(e *Engine) { e.events = p } }
func WithLogger(l *zap.SugaredLogger) Option     { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option      { return func(e *Engine) { e.now = now } }
func WithFirstID(last int64) Option              { return func(e *Engine) { e.nextID.Store(last) } }

// New builds the engine and subscribes it to the request lifecycle.
func New(trips Trips, notes Notifier, opts ...Option) *Engine {
	e := &Engine{
		trips:  trips,
		notes:  notes,
		events: events.Nop{},
		log:    zap.NewNop().Sugar(),
		now:    time.Now,
		byTrip: shard.New[*tripBids](shard.DefaultShards),
		owners: shard.New[int64](shard.DefaultShards),
	}
	for _, o := range opts {
		o(e)
	}
	trips.OnResolved(e.tripResolved)
	trips.OnDeclined(e.driverDeclined)
	trips.OnPurged(e.forget)
	return e
}

func (e *Engine) forget(tripID int64) {
	tb, ok := e.byTrip.Get(key(tripID))
	if !ok {
		return
	}
	tb.mu.Lock()
	for _, b := range tb.bids {
		e.owners.Delete(key(b.ID))
	}
	tb.mu.Unlock()
	e.byTrip.Delete(key(tripID))
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

func (e *Engine) tripFor(tripID int64) *tripBids {
	return e.byTrip.GetOrCreate(key(tripID), func() *tripBids { return &tripBids{} })
}

// locate returns the locked bid set holding bidID. The caller unlocks.
func (e *Engine) locate(bidID int64) (*tripBids, *models.Bid, error) {
	tripID, ok := e.owners.Get(key(bidID))
	if !ok {
		return nil, nil, apperr.New(apperr.KindBidNotFound, "bid %d not found", bidID)
	}
	tb := e.tripFor(tripID)
	tb.mu.Lock()
	b := tb.find(bidID)
	if b == nil {
		tb.mu.Unlock()
		return nil, nil, apperr.New(apperr.KindBidNotFound, "bid %d not found", bidID)
	}
	return tb, b, nil
}

func (e *Engine) newBid(tripID int64, driverID, riderID string, amount float64, by models.Role, parent *int64) *models.Bid {
	now := e.now().UTC()
	b := &models.Bid{
		ID:         e.nextID.Add(1),
		TripID:     tripID,
		DriverID:   driverID,
		RiderID:    riderID,
		Amount:     amount,
		Status:     models.BidSent,
		ParentID:   parent,
		ProposedBy: by,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.owners.Set(key(b.ID), tripID)
	observability.BidsTotal.WithLabelValues(string(models.BidSent)).Inc()
	return b
}

func (e *Engine) settle(b *models.Bid, status models.BidStatus) {
	b.Status = status
	b.UpdatedAt = e.now().UTC()
	observability.BidsTotal.WithLabelValues(string(status)).Inc()
}

func (e *Engine) publish(ctx context.Context, typ string, b models.Bid) {
	_ = e.events.Publish(ctx, events.Event{Type: typ, Key: key(b.TripID), At: e.now().UTC(), Data: b})
}

func bidNotification(b models.Bid, to, from models.Principal, kind models.NotificationKind, title, msg string) models.Notification {
	payload := map[string]any{"bid_id": b.ID, "req_id": b.TripID, "amount": b.Amount, "status": b.Status}
	if b.ParentID != nil {
		payload["parent_bid_id"] = *b.ParentID
	}
	return models.Notification{
		Recipient: to,
		Sender:    from,
		Kind:      kind,
		TripID:    b.TripID,
		BidID:     b.ID,
		Amount:    b.Amount,
		Title:     title,
		Message:   msg,
		Payload:   payload,
	}
}

func aboutBid(id int64) func(models.Notification) bool {
	return func(n models.Notification) bool { return n.BidID == id }
}

// enrich adds the driver's profile and pickup ETA to a notification shown to
// the rider.
func (e *Engine) enrich(ctx context.Context, n *models.Notification, b models.Bid, trip models.TripRequest) {
	n.Payload["pickup_location"] = trip.PickupAddress
	n.Payload["destination"] = trip.Destination
	if e.repo != nil {
		if p, err := e.repo.GetProfile(ctx, models.Driver(b.DriverID)); err == nil {
			n.Payload["driver_name"] = p.Name
			n.Payload["driver_mobile"] = p.Mobile
			n.Payload["driver_rating"] = p.Rating
		}
	}
	if e.loc != nil {
		if d, ok := e.loc.Get(b.DriverID); ok {
			n.Payload["eta_seconds"] = math.Round(e.eta.Estimate(ctx, d.Loc, trip.Pickup))
		}
	}
}

// Propose records a driver's price for a pending request it was offered.
// A driver holds at most one open bid per request.
func (e *Engine) Propose(ctx context.Context, driverID string, tripID int64, amount float64) (models.Bid, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return models.Bid{}, apperr.New(apperr.KindInvalidArgument, "bid amount must be positive")
	}
	tb := e.tripFor(tripID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	trip, err := e.trips.OpenFor(tripID, driverID)
	if err != nil {
		return models.Bid{}, err
	}
	for _, b := range tb.bids {
		if b.DriverID == driverID && b.Status.Active() {
			return models.Bid{}, apperr.New(apperr.KindDuplicateActiveBid, "driver %s already has open bid %d on trip request %d", driverID, b.ID, tripID)
		}
	}
	b := e.newBid(tripID, driverID, trip.RiderID, amount, models.RoleDriver, nil)
	tb.bids = append(tb.bids, b)

	n := bidNotification(*b, models.Rider(trip.RiderID), models.Driver(driverID), models.KindBidSent,
		"New bid", fmt.Sprintf("A driver offered %s for your trip to %s", models.FormatAmount(amount), trip.Destination))
	e.enrich(ctx, &n, *b, trip)
	e.notes.Publish(n)

	e.log.Infow("bid proposed", "bid_id", b.ID, "req_id", tripID, "driver_id", driverID, "amount", amount)
	e.publish(ctx, events.TypeBidProposed, *b)
	return *b, nil
}

// Respond applies the counterpart's decision to an open bid.
func (e *Engine) Respond(ctx context.Context, actor models.Principal, bidID int64, d Decision) (Result, error) {
	switch d.Kind {
	case Accept, Reject:
	case Counter:
		if d.Amount <= 0 || math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) {
			return Result{}, apperr.New(apperr.KindInvalidArgument, "counter amount must be positive")
		}
	default:
		return Result{}, apperr.New(apperr.KindInvalidArgument, "unknown decision %q", d.Kind)
	}

	tb, b, err := e.locate(bidID)
	if err != nil {
		return Result{}, err
	}
	defer tb.mu.Unlock()

	if actor != b.Respondent() {
		return Result{}, apperr.New(apperr.KindNotEligible, "%s cannot respond to bid %d", actor, bidID)
	}
	if !b.Status.Active() {
		if tb.lost[b.ID] {
			observability.MatchConflicts.Inc()
			return Result{}, apperr.New(apperr.KindConcurrentConflict, "trip request %d was matched with another bid", b.TripID)
		}
		return Result{}, apperr.New(apperr.KindAlreadyResolved, "bid %d is %s", bidID, b.Status)
	}

	switch d.Kind {
	case Accept:
		return e.accept(ctx, tb, b)
	case Reject:
		e.settle(b, models.BidRejected)
		e.notes.Publish(bidNotification(*b, b.Proposer(), actor, models.KindBidRejected,
			"Bid rejected", fmt.Sprintf("Your offer of %s was rejected", models.FormatAmount(b.Amount))))
		e.log.Infow("bid rejected", "bid_id", b.ID, "req_id", b.TripID, "by", actor.Key())
		e.publish(ctx, events.TypeBidResolved, *b)
		return Result{Bid: *b}, nil
	default:
		return e.counter(ctx, tb, b, actor, d.Amount)
	}
}

func (e *Engine) accept(ctx context.Context, tb *tripBids, b *models.Bid) (Result, error) {
	// a lost race leaves the bid open
	trip, err := e.trips.Matched(ctx, b.TripID, b.DriverID)
	if err != nil {
		return Result{}, err
	}
	e.settle(b, models.BidAccepted)
	rider := models.Rider(b.RiderID)
	for _, sib := range tb.bids {
		if sib == b || !sib.Status.Active() {
			continue
		}
		e.settle(sib, models.BidRejected)
		if tb.lost == nil {
			tb.lost = map[int64]bool{}
		}
		tb.lost[sib.ID] = true
		e.notes.CancelWhere(rider, aboutBid(sib.ID))
		e.notes.Publish(bidNotification(*sib, models.Driver(sib.DriverID), rider, models.KindBidRejected,
			"Bid rejected", "The rider chose another driver"))
		e.publish(ctx, events.TypeBidResolved, *sib)
	}
	e.notes.Publish(bidNotification(*b, b.Proposer(), b.Respondent(), models.KindBidAccepted,
		"Bid accepted", fmt.Sprintf("Offer of %s accepted", models.FormatAmount(b.Amount))))

	if err := e.trips.Archive(ctx, b.TripID, tb.snapshot()); err != nil {
		e.log.Errorw("archive bids failed", "req_id", b.TripID, "error", err)
	}
	e.log.Infow("bid accepted", "bid_id", b.ID, "req_id", b.TripID, "driver_id", b.DriverID, "amount", b.Amount)
	e.publish(ctx, events.TypeBidResolved, *b)
	return Result{Bid: *b, Trip: &trip}, nil
}

func (e *Engine) counter(ctx context.Context, tb *tripBids, b *models.Bid, actor models.Principal, amount float64) (Result, error) {
	// countering keeps the negotiation going, so the request must still be open
	trip, err := e.trips.OpenFor(b.TripID, b.DriverID)
	if err != nil {
		return Result{}, err
	}
	e.settle(b, models.BidCountered)
	parent := b.ID
	child := e.newBid(b.TripID, b.DriverID, b.RiderID, amount, actor.Role, &parent)
	tb.bids = append(tb.bids, child)

	n := bidNotification(*child, child.Respondent(), actor, models.KindBidCountered,
		"Counter offer", fmt.Sprintf("Counter offer of %s (was %s)", models.FormatAmount(amount), models.FormatAmount(b.Amount)))
	if child.Respondent().Role == models.RoleRider {
		e.enrich(ctx, &n, *child, trip)
	}
	e.notes.Publish(n)

	e.log.Infow("bid countered", "bid_id", b.ID, "counter_bid_id", child.ID, "req_id", b.TripID, "by", actor.Key(), "amount", amount)
	e.publish(ctx, events.TypeBidProposed, *child)
	return Result{Bid: *b, Counter: child}, nil
}

// Cancel withdraws an open bid. Either party may cancel; cancelling twice is a
// no-op and a bid that was already answered cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, actor models.Principal, bidID int64) (models.Bid, error) {
	tb, b, err := e.locate(bidID)
	if err != nil {
		return models.Bid{}, err
	}
	defer tb.mu.Unlock()

	if actor != b.Proposer() && actor != b.Respondent() {
		return models.Bid{}, apperr.New(apperr.KindNotEligible, "%s is not a party to bid %d", actor, bidID)
	}
	switch b.Status {
	case models.BidCancelled:
		return *b, nil
	case models.BidSent:
	default:
		return models.Bid{}, apperr.New(apperr.KindInvalidTransition, "bid %d is %s", bidID, b.Status)
	}
	e.settle(b, models.BidCancelled)

	other := b.Respondent()
	if actor == other {
		other = b.Proposer()
	}
	e.notes.CancelWhere(other, aboutBid(b.ID))
	_ = e.notes.Notify(other, registry.Message{Type: string(models.KindBidCancelled), Data: bidNotification(*b, other, actor, models.KindBidCancelled, "Bid cancelled", "")})

	e.log.Infow("bid cancelled", "bid_id", b.ID, "req_id", b.TripID, "by", actor.Key())
	e.publish(ctx, events.TypeBidResolved, *b)
	return *b, nil
}

// tripResolved rejects the open bids of a cancelled or expired request.
func (e *Engine) tripResolved(r models.TripRequest) {
	tb, ok := e.byTrip.Get(key(r.ID))
	if !ok {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	rejected := 0
	for _, b := range tb.bids {
		if !b.Status.Active() {
			continue
		}
		e.settle(b, models.BidRejected)
		e.notes.CancelWhere(b.Respondent(), aboutBid(b.ID))
		e.notes.Publish(bidNotification(*b, models.Driver(b.DriverID), models.Rider(b.RiderID), models.KindBidRejected,
			"Bid closed", fmt.Sprintf("Trip request %d is %s", r.ID, r.Status)))
		rejected++
	}
	if rejected == 0 {
		return
	}
	ctx := context.Background()
	if err := e.trips.Archive(ctx, r.ID, tb.snapshot()); err != nil {
		e.log.Errorw("archive bids failed", "req_id", r.ID, "error", err)
	}
	e.log.Infow("open bids closed with trip request", "req_id", r.ID, "status", r.Status, "count", rejected)
}

// driverDeclined withdraws the open bids of a driver that declined the
// request, since the rider can no longer be matched with it.
func (e *Engine) driverDeclined(tripID int64, driverID string) {
	tb, ok := e.byTrip.Get(key(tripID))
	if !ok {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ctx := context.Background()
	driver := models.Driver(driverID)
	for _, b := range tb.bids {
		if b.DriverID != driverID || !b.Status.Active() {
			continue
		}
		e.settle(b, models.BidCancelled)
		rider := models.Rider(b.RiderID)
		e.notes.CancelWhere(rider, aboutBid(b.ID))
		e.notes.CancelWhere(driver, aboutBid(b.ID))
		_ = e.notes.Notify(rider, registry.Message{Type: string(models.KindBidCancelled), Data: bidNotification(*b, rider, driver, models.KindBidCancelled, "Bid cancelled", "The driver declined your trip request")})
		e.log.Infow("bid withdrawn by decline", "bid_id", b.ID, "req_id", tripID, "driver_id", driverID)
		e.publish(ctx, events.TypeBidResolved, *b)
	}
}

func (e *Engine) Get(bidID int64) (models.Bid, error) {
	tb, b, err := e.locate(bidID)
	if err != nil {
		return models.Bid{}, err
	}
	defer tb.mu.Unlock()
	return *b, nil
}

// Chain returns the whole counter chain containing bidID, from the original
// proposal to the latest counter.
func (e *Engine) Chain(bidID int64) ([]models.Bid, error) {
	tb, b, err := e.locate(bidID)
	if err != nil {
		return nil, err
	}
	defer tb.mu.Unlock()

	root := b
	for root.ParentID != nil {
		p := tb.find(*root.ParentID)
		if p == nil {
			break
		}
		root = p
	}
	chain := []models.Bid{*root}
	for cur := root; ; {
		idx := slices.IndexFunc(tb.bids, func(x *models.Bid) bool { return x.ParentID != nil && *x.ParentID == cur.ID })
		if idx < 0 {
			break
		}
		cur = tb.bids[idx]
		chain = append(chain, *cur)
	}
	return chain, nil
}

// ListForTrip returns every bid on the request ordered by id.
func (e *Engine) ListForTrip(tripID int64) []models.Bid {
	tb, ok := e.byTrip.Get(key(tripID))
	if !ok {
		return []models.Bid{}
	}
	tb.mu.Lock()
	out := tb.snapshot()
	tb.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
