package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/morallyearlgrey/carpool/internal/models"
)

// RedisIndex implements Index on top of Redis GEO commands so the offer
// origin index survives restarts and is shared with cmd/consumer.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

// NewRedisIndexFromClient reuses an existing client (consumer path).
func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(offerID string, origin models.Coord) {
	_, _ = r.client.GeoAdd(context.Background(), r.key, &redis.GeoLocation{
		Name:      offerID,
		Longitude: origin.Lon,
		Latitude:  origin.Lat,
	}).Result()
}

func (r *RedisIndex) Remove(offerID string) {
	_ = r.client.ZRem(context.Background(), r.key, offerID).Err()
}

func (r *RedisIndex) Nearby(lat, lon, radiusKm float64, limit int) []string {
	res, err := r.client.GeoSearch(context.Background(), r.key, &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil
	}
	return res
}
