// Package gateway routes inbound session messages to the dispatch core and
// shapes the replies. It is transport agnostic: the websocket handler feeds it
// raw frames and writes back whatever it returns.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/negotiation"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

type Inbound struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	ReplyResult = "result"
	ReplyError  = "error"
)

type Reply struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data,omitempty"`
	Error *apperr.Error   `json:"error,omitempty"`
}

// typed lets a handler answer with its own message type instead of "result".
type typed struct {
	typ  string
	data any
}

type handlerFunc func(ctx context.Context, p models.Principal, data json.RawMessage) (any, error)

type route struct {
	role models.Role // empty means any role
	fn   handlerFunc
}

type Deps struct {
	Locations *geo.Store
	Trips     *dispatch.Engine
	Bids      *negotiation.Engine
	Notes     *notify.Service
}

type Router struct {
	Deps
	WatchRadiusM float64
	WatchLimit   int

	routes map[string]route
	log    *zap.SugaredLogger
	now    func() time.Time
}

func New(d Deps, watchRadiusM float64, watchLimit int, log *zap.SugaredLogger) *Router {
	r := &Router{Deps: d, WatchRadiusM: watchRadiusM, WatchLimit: watchLimit, log: log, now: time.Now}
	r.routes = map[string]route{
		"ping":                      {"", r.ping},
		"new-client":                {"", r.newClient},
		"add-location":              {models.RoleDriver, r.updateLocation},
		"update-location":           {models.RoleDriver, r.updateLocation},
		"set-availability":          {models.RoleDriver, r.setAvailability},
		"create-trip-request":       {models.RoleRider, r.createTrip},
		"new-trip-request":          {models.RoleRider, r.createTrip},
		"list-trip-requests":        {"", r.listTrips},
		"decline-trip-request":      {models.RoleDriver, r.declineTrip},
		"cancel-trip-request":       {models.RoleRider, r.cancelTrip},
		"propose-bid":               {models.RoleDriver, r.proposeBid},
		"respond-bid":               {"", r.respondBid},
		"cancel-bid":                {"", r.cancelBid},
		"list-bids":                 {"", r.listBids},
		"bid-chain":                 {"", r.bidChain},
		"list-unread-notifications": {"", r.listUnread},
		"mark-read":                 {"", r.markRead},
		"cancel-notification":       {"", r.cancelNotification},
		"watch-region":              {models.RoleRider, r.watchRegion},
		"unwatch-region":            {models.RoleRider, r.unwatchRegion},
		"subscribe-driver":          {models.RoleRider, r.subscribeDriver},
		"unsubscribe-driver":        {models.RoleRider, r.unsubscribeDriver},
	}
	return r
}

const msgDisconnect = "disconnect"

// Handle processes one frame from p. A malformed or failing message is
// answered with an error reply and never ends the session; closeSession is
// true only for an explicit disconnect.
func (r *Router) Handle(ctx context.Context, p models.Principal, raw []byte) (reply Reply, closeSession bool) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		observability.WSMessagesTotal.WithLabelValues("malformed", string(apperr.KindInvalidArgument)).Inc()
		return errorReply(nil, apperr.New(apperr.KindInvalidArgument, "malformed message")), false
	}
	if in.Type == msgDisconnect {
		observability.WSMessagesTotal.WithLabelValues(in.Type, "ok").Inc()
		return Reply{Type: ReplyResult, ID: in.ID, Data: map[string]any{"disconnected": true}}, true
	}
	rt, ok := r.routes[in.Type]
	if !ok {
		observability.WSMessagesTotal.WithLabelValues("unknown", string(apperr.KindInvalidArgument)).Inc()
		return errorReply(in.ID, apperr.New(apperr.KindInvalidArgument, "unknown message type %q", in.Type)), false
	}
	if rt.role != "" && rt.role != p.Role {
		observability.WSMessagesTotal.WithLabelValues(in.Type, string(apperr.KindNotEligible)).Inc()
		return errorReply(in.ID, apperr.New(apperr.KindNotEligible, "%s is only available to %ss", in.Type, rt.role)), false
	}

	out, err := rt.fn(ctx, p, in.Data)
	if err != nil {
		e := apperr.From(err)
		if e.Kind == apperr.KindInternal {
			r.log.Errorw("message handler failed", "type", in.Type, "principal", p.Key(), "error", err)
		}
		observability.WSMessagesTotal.WithLabelValues(in.Type, string(e.Kind)).Inc()
		return errorReply(in.ID, e), false
	}
	observability.WSMessagesTotal.WithLabelValues(in.Type, "ok").Inc()
	if t, ok := out.(typed); ok {
		return Reply{Type: t.typ, ID: in.ID, Data: t.data}, false
	}
	return Reply{Type: ReplyResult, ID: in.ID, Data: out}, false
}

func errorReply(id json.RawMessage, e *apperr.Error) Reply {
	return Reply{Type: ReplyError, ID: id, Error: e}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.New(apperr.KindInvalidArgument, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.New(apperr.KindInvalidArgument, "invalid data: %v", err)
	}
	return nil
}

// position accepts both the long and the short coordinate field names.
type position struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

func (p position) coord() (models.Coord, error) {
	lat, lon := p.Latitude, p.Longitude
	if lat == nil {
		lat = p.Lat
	}
	if lon == nil {
		lon = p.Lon
	}
	if lat == nil || lon == nil {
		return models.Coord{}, apperr.New(apperr.KindInvalidArgument, "latitude and longitude are required")
	}
	c := models.Coord{Lat: *lat, Lon: *lon}
	if !c.Valid() {
		return models.Coord{}, apperr.New(apperr.KindInvalidArgument, "coordinates out of range")
	}
	return c, nil
}

func (r *Router) ping(context.Context, models.Principal, json.RawMessage) (any, error) {
	return typed{"pong", map[string]any{"timestamp": r.now().UTC()}}, nil
}

func (r *Router) newClient(_ context.Context, p models.Principal, _ json.RawMessage) (any, error) {
	return typed{"client_registered", p}, nil
}

type locationIn struct {
	position
	Timestamp any `json:"timestamp"`
}

func (r *Router) updateLocation(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in locationIn
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	c, err := in.coord()
	if err != nil {
		return nil, err
	}
	var ts time.Time
	if in.Timestamp != nil {
		if ts, err = cast.ToTimeE(in.Timestamp); err != nil {
			return nil, apperr.New(apperr.KindInvalidArgument, "invalid timestamp: %v", err)
		}
	}
	loc, err := r.Locations.Update(ctx, p.ID, c, ts)
	if errors.Is(err, apperr.ErrStaleUpdate) {
		return typed{"location_updated", map[string]any{"stale": true}}, nil
	}
	if err != nil {
		return nil, err
	}
	return typed{"location_updated", loc}, nil
}

func (r *Router) setAvailability(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in struct {
		Available *bool `json:"available"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	if in.Available == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "available is required")
	}
	return r.Locations.SetAvailability(p.ID, *in.Available), nil
}

type tripIn struct {
	position
	PickupLocation string   `json:"pickup_location"`
	Destination    string   `json:"destination"`
	Fare           *float64 `json:"fare"`
}

func (r *Router) createTrip(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in tripIn
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	c, err := in.coord()
	if err != nil {
		return nil, err
	}
	return r.Trips.CreateRequest(ctx, p.ID, c, in.PickupLocation, in.Destination, in.Fare)
}

func (r *Router) listTrips(ctx context.Context, p models.Principal, _ json.RawMessage) (any, error) {
	if p.Role == models.RoleDriver {
		return r.Trips.ListForDriver(p.ID), nil
	}
	return r.Trips.ListForRider(ctx, p.ID), nil
}

type tripRef struct {
	ReqID int64 `json:"req_id"`
}

func decodeTripRef(data json.RawMessage) (int64, error) {
	var in tripRef
	if err := decode(data, &in); err != nil {
		return 0, err
	}
	if in.ReqID <= 0 {
		return 0, apperr.New(apperr.KindInvalidArgument, "req_id is required")
	}
	return in.ReqID, nil
}

func (r *Router) declineTrip(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	id, err := decodeTripRef(data)
	if err != nil {
		return nil, err
	}
	if err := r.Trips.Decline(ctx, id, p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"req_id": id, "declined": true}, nil
}

func (r *Router) cancelTrip(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	id, err := decodeTripRef(data)
	if err != nil {
		return nil, err
	}
	if err := r.Trips.Cancel(ctx, id, p.ID); err != nil {
		return nil, err
	}
	return r.Trips.Get(ctx, id)
}

func (r *Router) proposeBid(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in struct {
		ReqID  int64   `json:"req_id"`
		Amount float64 `json:"amount"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return r.Bids.Propose(ctx, p.ID, in.ReqID, in.Amount)
}

type bidRef struct {
	BidID int64 `json:"bid_id"`
}

func (r *Router) respondBid(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in struct {
		bidRef
		negotiation.Decision
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return r.Bids.Respond(ctx, p, in.BidID, in.Decision)
}

func (r *Router) cancelBid(ctx context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in bidRef
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return r.Bids.Cancel(ctx, p, in.BidID)
}

func party(p models.Principal, b models.Bid) bool {
	if p.Role == models.RoleDriver {
		return b.DriverID == p.ID
	}
	return b.RiderID == p.ID
}

func (r *Router) listBids(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	id, err := decodeTripRef(data)
	if err != nil {
		return nil, err
	}
	out := []models.Bid{}
	for _, b := range r.Bids.ListForTrip(id) {
		if party(p, b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *Router) bidChain(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in bidRef
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	chain, err := r.Bids.Chain(in.BidID)
	if err != nil {
		return nil, err
	}
	if !party(p, chain[0]) {
		return nil, apperr.New(apperr.KindNotEligible, "%s is not a party to bid %d", p, in.BidID)
	}
	return chain, nil
}

func (r *Router) listUnread(_ context.Context, p models.Principal, _ json.RawMessage) (any, error) {
	return r.Notes.ListUnread(p), nil
}

type notificationRef struct {
	ID int64 `json:"notification_id"`
}

func (r *Router) markRead(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in notificationRef
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return r.Notes.MarkRead(p, in.ID)
}

func (r *Router) cancelNotification(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in notificationRef
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	return r.Notes.Cancel(p, in.ID)
}

func (r *Router) watchRegion(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in struct {
		position
		RadiusM float64 `json:"radius_m"`
	}
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	c, err := in.coord()
	if err != nil {
		return nil, err
	}
	radius := in.RadiusM
	if radius <= 0 || radius > r.WatchRadiusM {
		radius = r.WatchRadiusM
	}
	return typed{dispatch.MsgNearbyDrivers, r.Locations.Watch(p.ID, c, radius, r.WatchLimit)}, nil
}

func (r *Router) unwatchRegion(_ context.Context, p models.Principal, _ json.RawMessage) (any, error) {
	r.Locations.Unwatch(p.ID)
	return map[string]any{"watching": false}, nil
}

type driverRef struct {
	DriverID string `json:"driver_id"`
}

func (r *Router) subscribeDriver(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in driverRef
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	if in.DriverID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "driver_id is required")
	}
	r.Locations.Subscribe(p.ID, in.DriverID)
	out := map[string]any{"driver_id": in.DriverID, "subscribed": true}
	// hidden drivers get no position until they are broadcast again
	if loc, ok := r.Locations.Get(in.DriverID); ok && loc.Online && loc.Available {
		out["location"] = loc
	}
	return out, nil
}

func (r *Router) unsubscribeDriver(_ context.Context, p models.Principal, data json.RawMessage) (any, error) {
	var in driverRef
	if err := decode(data, &in); err != nil {
		return nil, err
	}
	r.Locations.Unsubscribe(p.ID, in.DriverID)
	return map[string]any{"driver_id": in.DriverID, "subscribed": false}, nil
}
