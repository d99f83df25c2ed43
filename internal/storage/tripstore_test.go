package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreArchive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _, err := s.GetTrip(ctx, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	bids := []models.Bid{{ID: 1, TripID: 1, DriverID: "d1", RiderID: "r1", Amount: 250, Status: models.BidAccepted}}
	require.NoError(t, s.ArchiveTrip(ctx, models.TripRequest{ID: 1, RiderID: "r1", Status: models.TripMatched}, bids))
	require.NoError(t, s.ArchiveTrip(ctx, models.TripRequest{ID: 2, RiderID: "r1", Status: models.TripExpired}, nil))
	require.NoError(t, s.ArchiveTrip(ctx, models.TripRequest{ID: 3, RiderID: "r2", Status: models.TripCancelled}, nil))

	// caller mutations must not leak into the archive
	bids[0].Status = models.BidRejected

	trip, got, err := s.GetTrip(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TripMatched, trip.Status)
	require.Len(t, got, 1)
	assert.Equal(t, models.BidAccepted, got[0].Status)

	// re-archiving without bids keeps the stored ones
	require.NoError(t, s.ArchiveTrip(ctx, models.TripRequest{ID: 1, RiderID: "r1", Status: models.TripMatched}, nil))
	_, got, _ = s.GetTrip(ctx, 1)
	assert.Len(t, got, 1)

	trips, err := s.TripsForRider(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, int64(2), trips[0].ID)

	trips, _ = s.TripsForRider(ctx, "r1", 1)
	assert.Len(t, trips, 1)

	lastTrip, lastBid, err := s.LastIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lastTrip)
	assert.Equal(t, int64(1), lastBid)
}

func TestMemoryStoreProfiles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.GetProfile(ctx, models.Driver("d1"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.PutProfile(ctx, models.Profile{Principal: models.Driver("d1"), Name: "John Smith", Mobile: "01712345678"}))
	p, err := s.GetProfile(ctx, models.Driver("d1"))
	require.NoError(t, err)
	assert.Equal(t, "John Smith", p.Name)

	// same id in the rider role is a different record
	_, err = s.GetProfile(ctx, models.Rider("d1"))
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
