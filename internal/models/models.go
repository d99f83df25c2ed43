package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

// Counterpart returns the other side of a negotiation.
func (r Role) Counterpart() Role {
	if r == RoleDriver {
		return RoleRider
	}
	return RoleDriver
}

// Principal is a verified identity acting in a role. A person who is both a
// rider and a driver holds two independent principals.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (p Principal) Key() string { return string(p.Role) + ":" + p.ID }

func (p Principal) String() string { return p.Key() }

func Rider(id string) Principal  { return Principal{ID: id, Role: RoleRider} }
func Driver(id string) Principal { return Principal{ID: id, Role: RoleDriver} }

type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	UpdatedAt time.Time `json:"updated_at"`
	Available bool      `json:"available"`
	Online    bool      `json:"online"`
	// DistanceM is filled by proximity queries.
	DistanceM float64 `json:"distance_m,omitempty"`
}

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripMatched   TripStatus = "matched"
	TripCancelled TripStatus = "cancelled"
	TripExpired   TripStatus = "expired"
)

func (s TripStatus) Terminal() bool { return s != TripPending }

type TripRequest struct {
	ID            int64      `json:"req_id"`
	RiderID       string     `json:"rider_id"`
	Pickup        Coord      `json:"pickup"`
	PickupAddress string     `json:"pickup_location,omitempty"`
	Destination   string     `json:"destination"`
	Fare          *float64   `json:"fare,omitempty"`
	Status        TripStatus `json:"status"`
	DriverID      string     `json:"driver_id,omitempty"`
	Eligible      []string   `json:"eligible"`
	Declined      []string   `json:"declined"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

type BidStatus string

const (
	BidSent      BidStatus = "sent"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidCountered BidStatus = "countered"
	BidCancelled BidStatus = "cancelled"
)

func (s BidStatus) Active() bool { return s == BidSent }

type Bid struct {
	ID         int64     `json:"bid_id"`
	TripID     int64     `json:"req_id"`
	DriverID   string    `json:"driver_id"`
	RiderID    string    `json:"rider_id"`
	Amount     float64   `json:"amount"`
	Status     BidStatus `json:"status"`
	ParentID   *int64    `json:"parent_bid_id,omitempty"`
	ProposedBy Role      `json:"proposed_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Proposer is the principal that authored the bid.
func (b Bid) Proposer() Principal {
	if b.ProposedBy == RoleRider {
		return Rider(b.RiderID)
	}
	return Driver(b.DriverID)
}

// Respondent is the principal expected to answer the bid.
func (b Bid) Respondent() Principal {
	if b.ProposedBy == RoleRider {
		return Driver(b.DriverID)
	}
	return Rider(b.RiderID)
}

type NotificationKind string

const (
	KindTripRequest       NotificationKind = "trip_request"
	KindTripRequestClosed NotificationKind = "trip_request_closed"
	KindTripCancelled     NotificationKind = "trip_cancelled"
	KindTripExpired       NotificationKind = "trip_expired"
	KindBidSent           NotificationKind = "driver_bid_sent"
	KindBidCountered      NotificationKind = "bid_countered"
	KindBidAccepted       NotificationKind = "bid_accepted"
	KindBidRejected       NotificationKind = "bid_rejected"
	KindBidCancelled      NotificationKind = "bid_cancelled"
)

type NotificationStatus string

const (
	NotificationUnread    NotificationStatus = "unread"
	NotificationRead      NotificationStatus = "read"
	NotificationCancelled NotificationStatus = "cancelled"
)

type Notification struct {
	ID        int64              `json:"notification_id"`
	Recipient Principal          `json:"recipient"`
	Sender    Principal          `json:"sender"`
	Kind      NotificationKind   `json:"notification_type"`
	TripID    int64              `json:"req_id,omitempty"`
	BidID     int64              `json:"bid_id,omitempty"`
	Amount    float64            `json:"bid_amount,omitempty"`
	Title     string             `json:"title"`
	Message   string             `json:"message"`
	Payload   map[string]any     `json:"payload,omitempty"`
	Status    NotificationStatus `json:"status"`
	Delivered bool               `json:"-"`
	CreatedAt time.Time          `json:"timestamp"`
}

// Profile is the subset of account data the dispatch core shows to the other
// side of a negotiation.
type Profile struct {
	Principal Principal `json:"principal"`
	Name      string    `json:"name"`
	Mobile    string    `json:"mobile"`
	Rating    float64   `json:"rating"` // 0..5
}

func FormatAmount(v float64) string { return fmt.Sprintf("%.2f", v) }
