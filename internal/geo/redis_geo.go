package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, with a hash per
// driver holding class and availability. Position and metadata writes
// are not transactional with each other; per-driver atomicity of each
// command is all the dispatcher needs.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	meta := map[string]interface{}{
		"updated": time.Now().Format(time.RFC3339),
	}
	if d.VehicleClass != "" {
		meta["class"] = string(d.VehicleClass)
	}
	_ = r.client.HSet(r.ctx, metaKey(d.ID), meta).Err()
	if d.Status != "" {
		_ = r.client.HSet(r.ctx, metaKey(d.ID), "status", string(d.Status)).Err()
	} else {
		// a bare position sample must not clobber offered/busy
		_ = r.client.HSetNX(r.ctx, metaKey(d.ID), "status", string(models.DriverAvailable)).Err()
	}
}

func (r *RedisIndex) SetAvailability(driverID string, st models.DriverStatus) {
	_ = r.client.HSet(r.ctx, metaKey(driverID), "status", string(st)).Err()
}

func (r *RedisIndex) Remove(driverID string) {
	_ = r.client.ZRem(r.ctx, r.key, driverID).Err()
	_ = r.client.Del(r.ctx, metaKey(driverID)).Err()
}

func (r *RedisIndex) Nearest(p models.Coord, class models.VehicleClass, radiusMeters float64, limit int, exclude map[string]bool) []models.Driver {
	// over-fetch so class/availability filtering still fills the limit
	count := limit * 4
	if count < 16 {
		count = 16
	}
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, limit)
	for _, g := range res {
		if exclude[g.Name] {
			continue
		}
		d, ok := r.hydrate(g.Name)
		if !ok || d.Status != models.DriverAvailable {
			continue
		}
		if class != "" && d.VehicleClass != class {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *RedisIndex) CountAvailable(p models.Coord, class models.VehicleClass, radiusMeters float64) int {
	res, err := r.client.GeoSearch(r.ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range res {
		d, ok := r.hydrate(id)
		if !ok || d.Status != models.DriverAvailable {
			continue
		}
		if class != "" && d.VehicleClass != class {
			continue
		}
		n++
	}
	return n
}

func (r *RedisIndex) hydrate(id string) (models.Driver, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil || len(m) == 0 {
		return models.Driver{}, false
	}
	d := models.Driver{ID: id}
	d.VehicleClass = models.VehicleClass(m["class"])
	d.Status = models.DriverStatus(m["status"])
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
	return d, true
}

func metaKey(id string) string { return "driver:meta:" + id }
