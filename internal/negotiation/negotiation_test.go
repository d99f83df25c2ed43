package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 40.7128, Lon: -74.0060}

type harness struct {
	reg   *registry.Registry
	loc   *geo.Store
	notes *notify.Service
	repo  *storage.MemoryStore
	trips *dispatch.Engine
	bids  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.reg = registry.New(nil, 64, logging.Nop())
	h.loc = geo.NewStore(h.reg)
	h.notes = notify.New(h.reg)
	h.repo = storage.NewMemoryStore()
	h.trips = dispatch.New(dispatch.Config{TTL: time.Minute, Retention: time.Minute}, h.loc, h.notes, dispatch.WithRepository(h.repo))
	h.bids = New(h.trips, h.notes, WithLocator(h.loc), WithRepository(h.repo), WithLogger(logging.Nop()))

	ctx := context.Background()
	require.NoError(t, h.repo.PutProfile(ctx, models.Profile{Principal: models.Driver("B"), Name: "Bob Driver", Mobile: "01700000002", Rating: 4.8}))
	for i, id := range []string{"A", "B", "C"} {
		_, err := h.loc.Update(ctx, id, models.Coord{Lat: pickup.Lat + float64(i)*0.001, Lon: pickup.Lon}, time.Now())
		require.NoError(t, err)
	}
	return h
}

func (h *harness) request(t *testing.T) models.TripRequest {
	t.Helper()
	r, err := h.trips.CreateRequest(context.Background(), "R", pickup, "Times Square", "JFK", nil)
	require.NoError(t, err)
	require.Len(t, r.Eligible, 3)
	return r
}

func unreadKinds(n *notify.Service, p models.Principal) []models.NotificationKind {
	var out []models.NotificationKind
	for _, x := range n.ListUnread(p) {
		out = append(out, x.Kind)
	}
	return out
}

func TestScenarioDeclineBidAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	for _, d := range []string{"A", "B", "C"} {
		assert.Len(t, h.trips.ListForDriver(d), 1)
	}
	require.NoError(t, h.trips.Decline(ctx, r.ID, "A"))
	assert.Empty(t, h.trips.ListForDriver("A"))
	assert.Len(t, h.trips.ListForDriver("B"), 1)
	assert.Len(t, h.trips.ListForDriver("C"), 1)

	_, err := h.bids.Propose(ctx, "A", r.ID, 240)
	assert.ErrorIs(t, err, apperr.ErrNotEligible, "a driver that declined cannot bid")

	bid, err := h.bids.Propose(ctx, "B", r.ID, 250)
	require.NoError(t, err)
	assert.Equal(t, models.BidSent, bid.Status)
	assert.Equal(t, models.RoleDriver, bid.ProposedBy)

	unread := h.notes.ListUnread(models.Rider("R"))
	require.Len(t, unread, 1)
	assert.Equal(t, models.KindBidSent, unread[0].Kind)
	assert.Equal(t, bid.ID, unread[0].BidID)
	assert.Equal(t, "Bob Driver", unread[0].Payload["driver_name"])
	assert.Equal(t, "01700000002", unread[0].Payload["driver_mobile"])
	assert.Contains(t, unread[0].Payload, "eta_seconds")

	res, err := h.bids.Respond(ctx, models.Rider("R"), bid.ID, Decision{Kind: Accept})
	require.NoError(t, err)
	assert.Equal(t, models.BidAccepted, res.Bid.Status)
	require.NotNil(t, res.Trip)
	assert.Equal(t, models.TripMatched, res.Trip.Status)
	assert.Equal(t, "B", res.Trip.DriverID)

	got, err := h.trips.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripMatched, got.Status)
	assert.Empty(t, h.trips.ListForDriver("C"))
	assert.Contains(t, unreadKinds(h.notes, models.Driver("B")), models.KindBidAccepted)

	// terminal: no more declines or bids
	assert.ErrorIs(t, h.trips.Decline(ctx, r.ID, "C"), apperr.ErrAlreadyResolved)
	_, err = h.bids.Propose(ctx, "C", r.ID, 200)
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)

	_, archived, err := h.repo.GetTrip(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, models.BidAccepted, archived[0].Status)
}

func TestAcceptRejectsSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	a, err := h.bids.Propose(ctx, "A", r.ID, 300)
	require.NoError(t, err)
	b, err := h.bids.Propose(ctx, "B", r.ID, 250)
	require.NoError(t, err)
	c, err := h.bids.Propose(ctx, "C", r.ID, 275)
	require.NoError(t, err)

	_, err = h.bids.Respond(ctx, models.Rider("R"), b.ID, Decision{Kind: Accept})
	require.NoError(t, err)

	accepted := 0
	for _, x := range h.bids.ListForTrip(r.ID) {
		switch x.ID {
		case b.ID:
			assert.Equal(t, models.BidAccepted, x.Status)
			accepted++
		case a.ID, c.ID:
			assert.Equal(t, models.BidRejected, x.Status)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Contains(t, unreadKinds(h.notes, models.Driver("A")), models.KindBidRejected)
	assert.Contains(t, unreadKinds(h.notes, models.Driver("C")), models.KindBidRejected)

	// only the accepted bid's notification is left for the rider
	unread := h.notes.ListUnread(models.Rider("R"))
	require.Len(t, unread, 1)
	assert.Equal(t, b.ID, unread[0].BidID)

	_, err = h.bids.Respond(ctx, models.Rider("R"), a.ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestConcurrentAcceptsOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	// the rider counters both drivers so each driver holds a bid it may accept
	var counters []models.Bid
	for _, d := range []string{"A", "B"} {
		b, err := h.bids.Propose(ctx, d, r.ID, 300)
		require.NoError(t, err)
		res, err := h.bids.Respond(ctx, models.Rider("R"), b.ID, Decision{Kind: Counter, Amount: 260})
		require.NoError(t, err)
		counters = append(counters, *res.Counter)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(counters))
	for i, c := range counters {
		wg.Add(1)
		go func(i int, c models.Bid) {
			defer wg.Done()
			_, errs[i] = h.bids.Respond(ctx, models.Driver(c.DriverID), c.ID, Decision{Kind: Accept})
		}(i, c)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConcurrentConflict)
	}
	assert.Equal(t, 1, wins)

	accepted := 0
	for _, b := range h.bids.ListForTrip(r.ID) {
		if b.Status == models.BidAccepted {
			accepted++
		}
		assert.NotEqual(t, models.BidSent, b.Status)
	}
	assert.Equal(t, 1, accepted)
}

func TestAcceptAfterSiblingWonIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	var counters []models.Bid
	for _, d := range []string{"B", "C"} {
		b, err := h.bids.Propose(ctx, d, r.ID, 300)
		require.NoError(t, err)
		res, err := h.bids.Respond(ctx, models.Rider("R"), b.ID, Decision{Kind: Counter, Amount: 260})
		require.NoError(t, err)
		counters = append(counters, *res.Counter)
	}

	_, err := h.bids.Respond(ctx, models.Driver("C"), counters[1].ID, Decision{Kind: Accept})
	require.NoError(t, err)
	_, err = h.bids.Respond(ctx, models.Driver("B"), counters[0].ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrConcurrentConflict)
	_, err = h.bids.Respond(ctx, models.Driver("B"), counters[0].ID, Decision{Kind: Reject})
	assert.ErrorIs(t, err, apperr.ErrConcurrentConflict)

	// a bid closed for any other reason stays AlreadyResolved
	_, err = h.bids.Respond(ctx, models.Driver("C"), counters[1].ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestDeclineWithdrawsDriverBids(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)
	riderSession := h.reg.Attach(models.Rider("R"))

	b, err := h.bids.Propose(ctx, "B", r.ID, 250)
	require.NoError(t, err)
	c, err := h.bids.Propose(ctx, "C", r.ID, 270)
	require.NoError(t, err)
	assert.Equal(t, []models.NotificationKind{models.KindBidSent, models.KindBidSent}, unreadKinds(h.notes, models.Rider("R")))
	for len(riderSession.Outbound()) > 0 {
		<-riderSession.Outbound()
	}

	require.NoError(t, h.trips.Decline(ctx, r.ID, "B"))

	got, err := h.bids.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidCancelled, got.Status)
	unread := h.notes.ListUnread(models.Rider("R"))
	require.Len(t, unread, 1)
	assert.Equal(t, c.ID, unread[0].BidID)
	m := <-riderSession.Outbound()
	assert.Equal(t, string(models.KindBidCancelled), m.Type)

	_, err = h.bids.Respond(ctx, models.Rider("R"), b.ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
	trip, err := h.trips.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripPending, trip.Status)

	// the other driver's bid is untouched and can still win
	res, err := h.bids.Respond(ctx, models.Rider("R"), c.ID, Decision{Kind: Accept})
	require.NoError(t, err)
	assert.Equal(t, "C", res.Trip.DriverID)
}

func TestDeclineWithdrawsRiderCounter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	b, err := h.bids.Propose(ctx, "B", r.ID, 300)
	require.NoError(t, err)
	res, err := h.bids.Respond(ctx, models.Rider("R"), b.ID, Decision{Kind: Counter, Amount: 260})
	require.NoError(t, err)
	require.Contains(t, unreadKinds(h.notes, models.Driver("B")), models.KindBidCountered)

	require.NoError(t, h.trips.Decline(ctx, r.ID, "B"))

	got, err := h.bids.Get(res.Counter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidCancelled, got.Status)
	assert.Empty(t, h.notes.ListUnread(models.Driver("B")))
	_, err = h.bids.Respond(ctx, models.Driver("B"), res.Counter.ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestCounterChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	root, err := h.bids.Propose(ctx, "B", r.ID, 300)
	require.NoError(t, err)

	_, err = h.bids.Respond(ctx, models.Driver("B"), root.ID, Decision{Kind: Counter, Amount: 280})
	assert.ErrorIs(t, err, apperr.ErrNotEligible, "the proposer cannot answer its own bid")
	_, err = h.bids.Respond(ctx, models.Rider("R"), root.ID, Decision{Kind: Counter, Amount: -1})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	res, err := h.bids.Respond(ctx, models.Rider("R"), root.ID, Decision{Kind: Counter, Amount: 250})
	require.NoError(t, err)
	assert.Equal(t, models.BidCountered, res.Bid.Status)
	riderCounter := *res.Counter
	assert.Equal(t, models.RoleRider, riderCounter.ProposedBy)
	require.NotNil(t, riderCounter.ParentID)
	assert.Equal(t, root.ID, *riderCounter.ParentID)
	assert.Contains(t, unreadKinds(h.notes, models.Driver("B")), models.KindBidCountered)

	_, err = h.bids.Propose(ctx, "B", r.ID, 270)
	assert.ErrorIs(t, err, apperr.ErrDuplicateActiveBid, "the counter is still open for B")

	_, err = h.bids.Respond(ctx, models.Rider("R"), riderCounter.ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrNotEligible, "the driver answers the rider's counter")

	res, err = h.bids.Respond(ctx, models.Driver("B"), riderCounter.ID, Decision{Kind: Counter, Amount: 265})
	require.NoError(t, err)
	driverCounter := *res.Counter
	assert.Equal(t, models.RoleDriver, driverCounter.ProposedBy)

	chain, err := h.bids.Chain(root.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []int64{root.ID, riderCounter.ID, driverCounter.ID}, []int64{chain[0].ID, chain[1].ID, chain[2].ID})
	fromLeaf, err := h.bids.Chain(driverCounter.ID)
	require.NoError(t, err)
	assert.Equal(t, chain, fromLeaf)

	res, err = h.bids.Respond(ctx, models.Rider("R"), driverCounter.ID, Decision{Kind: Accept})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Trip.DriverID)
	assert.Equal(t, 265.0, res.Bid.Amount)
}

func TestRejectAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)
	riderSession := h.reg.Attach(models.Rider("R"))

	b, err := h.bids.Propose(ctx, "B", r.ID, 300)
	require.NoError(t, err)
	res, err := h.bids.Respond(ctx, models.Rider("R"), b.ID, Decision{Kind: Reject})
	require.NoError(t, err)
	assert.Equal(t, models.BidRejected, res.Bid.Status)
	assert.Contains(t, unreadKinds(h.notes, models.Driver("B")), models.KindBidRejected)

	_, err = h.bids.Cancel(ctx, models.Driver("B"), b.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// a rejected driver may bid again
	b2, err := h.bids.Propose(ctx, "B", r.ID, 280)
	require.NoError(t, err)
	_, err = h.bids.Cancel(ctx, models.Driver("C"), b2.ID)
	assert.ErrorIs(t, err, apperr.ErrNotEligible)

	for len(riderSession.Outbound()) > 0 {
		<-riderSession.Outbound()
	}
	cancelled, err := h.bids.Cancel(ctx, models.Driver("B"), b2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidCancelled, cancelled.Status)
	again, err := h.bids.Cancel(ctx, models.Driver("B"), b2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidCancelled, again.Status)

	m := <-riderSession.Outbound()
	assert.Equal(t, string(models.KindBidCancelled), m.Type)
	for _, n := range h.notes.ListUnread(models.Rider("R")) {
		assert.NotEqual(t, b2.ID, n.BidID)
	}

	_, err = h.bids.Respond(ctx, models.Rider("R"), b2.ID, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
	_, err = h.bids.Respond(ctx, models.Rider("R"), 999, Decision{Kind: Accept})
	assert.ErrorIs(t, err, apperr.ErrBidNotFound)
	_, err = h.bids.Respond(ctx, models.Rider("R"), b2.ID, Decision{Kind: "maybe"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestTripCancelRejectsOpenBids(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	a, err := h.bids.Propose(ctx, "A", r.ID, 300)
	require.NoError(t, err)
	require.NoError(t, h.trips.Cancel(ctx, r.ID, "R"))

	got, err := h.bids.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BidRejected, got.Status)
	assert.Contains(t, unreadKinds(h.notes, models.Driver("A")), models.KindBidRejected)
	assert.Empty(t, h.notes.ListUnread(models.Rider("R")))

	_, bids, err := h.repo.GetTrip(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, models.BidRejected, bids[0].Status)

	_, err = h.bids.Propose(ctx, "B", r.ID, 250)
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestProposeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)

	_, err := h.bids.Propose(ctx, "B", r.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = h.bids.Propose(ctx, "Z", r.ID, 100)
	assert.ErrorIs(t, err, apperr.ErrNotEligible)
	_, err = h.bids.Propose(ctx, "B", 777, 100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.bids.Propose(ctx, "B", r.ID, 100)
	require.NoError(t, err)
	_, err = h.bids.Propose(ctx, "B", r.ID, 90)
	assert.ErrorIs(t, err, apperr.ErrDuplicateActiveBid)
}

func TestPurgeForgetsBids(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.request(t)
	b, err := h.bids.Propose(ctx, "B", r.ID, 100)
	require.NoError(t, err)
	require.NoError(t, h.trips.Cancel(ctx, r.ID, "R"))

	h.trips.Purge(time.Now().Add(time.Hour))
	_, err = h.bids.Get(b.ID)
	assert.ErrorIs(t, err, apperr.ErrBidNotFound)
	assert.Empty(t, h.bids.ListForTrip(r.ID))
}
