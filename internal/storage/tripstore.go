package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Repository is the durable side of the dispatch core: resolved trips with
// their bid chains, and the profile records shown to counterparties.
type Repository interface {
	ArchiveTrip(ctx context.Context, trip models.TripRequest, bids []models.Bid) error
	GetTrip(ctx context.Context, id int64) (models.TripRequest, []models.Bid, error)
	TripsForRider(ctx context.Context, riderID string, limit int) ([]models.TripRequest, error)
	PutProfile(ctx context.Context, p models.Profile) error
	GetProfile(ctx context.Context, who models.Principal) (models.Profile, error)
	// LastIDs reports the highest archived trip and bid ids so a restarted
	// process keeps numbering after them.
	LastIDs(ctx context.Context) (tripID, bidID int64, err error)
}

type archived struct {
	trip models.TripRequest
	bids []models.Bid
}

type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[int64]archived
	profiles map[string]models.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[int64]archived), profiles: make(map[string]models.Profile)}
}

// ArchiveTrip upserts the trip and each bid by id, like the postgres store:
// bids archived earlier and absent from bids are kept.
func (m *MemoryStore) ArchiveTrip(_ context.Context, trip models.TripRequest, bids []models.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := append([]models.Bid(nil), m.trips[trip.ID].bids...)
	for _, b := range bids {
		i := slices.IndexFunc(merged, func(x models.Bid) bool { return x.ID == b.ID })
		if i >= 0 {
			merged[i] = b
		} else {
			merged = append(merged, b)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	m.trips[trip.ID] = archived{trip: trip, bids: merged}
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id int64) (models.TripRequest, []models.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.trips[id]
	if !ok {
		return models.TripRequest{}, nil, apperr.New(apperr.KindNotFound, "trip %d not archived", id)
	}
	return a.trip, append([]models.Bid(nil), a.bids...), nil
}

func (m *MemoryStore) TripsForRider(_ context.Context, riderID string, limit int) ([]models.TripRequest, error) {
	m.mu.RLock()
	var out []models.TripRequest
	for _, a := range m.trips {
		if a.trip.RiderID == riderID {
			out = append(out, a.trip)
		}
	}
	m.mu.RUnlock()
	// newest first, matching the postgres query
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LastIDs(context.Context) (tripID, bidID int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, a := range m.trips {
		tripID = max(tripID, id)
		for _, b := range a.bids {
			bidID = max(bidID, b.ID)
		}
	}
	return tripID, bidID, nil
}

func (m *MemoryStore) PutProfile(_ context.Context, p models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Principal.Key()] = p
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, who models.Principal) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[who.Key()]
	if !ok {
		return models.Profile{}, apperr.New(apperr.KindNotFound, "no profile for %s", who)
	}
	return p, nil
}
