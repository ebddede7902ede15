package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// driver state hashes expire if a driver vanishes without going offline
// cleanly; every location tick refreshes the TTL.
const stateTTL = 24 * time.Hour

// Redis implements Store on Redis GEO sets and hashes. The geo index is
// partitioned per city under online_drivers:<city>; per-driver state
// lives in driver:state:<id>.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

// NewRedisWithClient wraps an existing client, used when the caller
// shares one connection pool across components.
func NewRedisWithClient(c *redis.Client) *Redis { return &Redis{client: c} }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

func geoKey(city string) string       { return "online_drivers:" + city }
func stateKey(id string) string       { return "driver:state:" + id }
func attemptKey(rideID string) string { return "ride:attempt:" + rideID }

func (r *Redis) UpdateLocation(ctx context.Context, st models.DriverState) error {
	if _, err := r.client.GeoAdd(ctx, geoKey(st.City), &redis.GeoLocation{
		Longitude: st.Loc.Lng,
		Latitude:  st.Loc.Lat,
		Name:      st.DriverID,
	}).Result(); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"lat":     strconv.FormatFloat(st.Loc.Lat, 'f', 6, 64),
		"lng":     strconv.FormatFloat(st.Loc.Lng, 'f', 6, 64),
		"bearing": strconv.FormatFloat(st.Bearing, 'f', 2, 64),
		"city":    st.City,
		"updated": time.Now().UTC().Format(time.RFC3339),
	}
	if st.Status != "" {
		fields["status"] = string(st.Status)
	}
	if err := r.client.HSet(ctx, stateKey(st.DriverID), fields).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, stateKey(st.DriverID), stateTTL).Err()
}

func (r *Redis) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	return r.client.HSet(ctx, stateKey(driverID), map[string]interface{}{"status": string(status)}).Err()
}

func (r *Redis) Remove(ctx context.Context, city, driverID string) error {
	if city != "" {
		if err := r.client.ZRem(ctx, geoKey(city), driverID).Err(); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, stateKey(driverID)).Err()
}

func (r *Redis) Nearby(ctx context.Context, city string, center models.Coord, radiusKm float64) ([]string, error) {
	return r.client.GeoSearch(ctx, geoKey(city), &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
}

func (r *Redis) Driver(ctx context.Context, driverID string) (models.DriverState, error) {
	m, err := r.client.HGetAll(ctx, stateKey(driverID)).Result()
	if err != nil {
		return models.DriverState{}, err
	}
	if len(m) == 0 {
		return models.DriverState{}, ErrNotFound
	}
	st := models.DriverState{DriverID: driverID, City: m["city"]}
	if v, ok := m["lat"]; ok {
		st.Loc.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lng"]; ok {
		st.Loc.Lng, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["bearing"]; ok {
		st.Bearing, _ = strconv.ParseFloat(v, 64)
	}
	st.Status = models.DriverStatus(m["status"])
	return st, nil
}

func (r *Redis) SetAttempt(ctx context.Context, rideID, label string, ttl time.Duration) error {
	return r.client.Set(ctx, attemptKey(rideID), label, ttl).Err()
}

func (r *Redis) ClearAttempt(ctx context.Context, rideID string) error {
	return r.client.Del(ctx, attemptKey(rideID)).Err()
}
