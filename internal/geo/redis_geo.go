package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo mirrors visible driver positions into a Redis GEO set plus a
// metadata hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.DriverLocation) error {
	// store as GEOADD and HSET for metadata, in one round trip
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.DriverID})
		p.HSet(ctx, metaKey(d.DriverID), map[string]interface{}{
			"available": strconv.FormatBool(d.Available),
			"updated":   d.UpdatedAt.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	return err
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, metaKey(driverID))
		return nil
	})
	return err
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
