package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestEstimatorUsesCache(t *testing.T) {
	c := &countingClient{v: 120}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 40.7128, Lon: -74.0060}, models.Coord{Lat: 40.73, Lon: -74.0}

	assert.Equal(t, 120.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 120.0, e.Estimate(context.Background(), a, b))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBack(t *testing.T) {
	c := &countingClient{err: errors.New("osrm down")}
	e := &Estimator{Client: c, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 0.01}
	got := e.Estimate(context.Background(), a, b)
	assert.InDelta(t, EstimateSeconds(a, b, 10), got, 1e-9)
	assert.Greater(t, got, 100.0) // ~1.1km at 10 m/s

	var nilEst *Estimator
	assert.Greater(t, nilEst.Estimate(context.Background(), a, b), 0.0)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 1}
	c.Set(a, a, 5)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(a, a)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/route/v1/driving/")
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	v, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	require.NoError(t, err)
	assert.Equal(t, 321.5, v)
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{})
	assert.Error(t, err)
}
