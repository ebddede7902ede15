package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when a driver has no presence record.
var ErrNotFound = errors.New("presence: driver not found")

// Store is the presence-store contract used by dispatch, relays and the
// liveness supervisor. Positions are city-scoped; each driver owns its
// own key so no cross-driver locking is required.
type Store interface {
	UpdateLocation(ctx context.Context, st models.DriverState) error
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	Remove(ctx context.Context, city, driverID string) error
	Nearby(ctx context.Context, city string, center models.Coord, radiusKm float64) ([]string, error)
	Driver(ctx context.Context, driverID string) (models.DriverState, error)

	// Dispatch attempt markers, written for operators inspecting the
	// store while a broadcast is outstanding. A ride has at most one
	// marker; writing a new label overwrites the previous one.
	SetAttempt(ctx context.Context, rideID, label string, ttl time.Duration) error
	ClearAttempt(ctx context.Context, rideID string) error
}

// Memory is an in-process Store used in tests and for local runs
// without Redis.
type Memory struct {
	mu       sync.RWMutex
	drivers  map[string]models.DriverState
	attempts map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		drivers:  make(map[string]models.DriverState),
		attempts: make(map[string]string),
	}
}

func (m *Memory) UpdateLocation(ctx context.Context, st models.DriverState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.drivers[st.DriverID]
	if ok && st.Status == "" {
		st.Status = prev.Status
	}
	if st.Status == "" {
		st.Status = models.DriverOnline
	}
	m.drivers[st.DriverID] = st
	return nil
}

func (m *Memory) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.drivers[driverID]
	st.DriverID = driverID
	st.Status = status
	m.drivers[driverID] = st
	return nil
}

func (m *Memory) Remove(ctx context.Context, city, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	return nil
}

func (m *Memory) Nearby(ctx context.Context, city string, center models.Coord, radiusKm float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, st := range m.drivers {
		if st.City != city {
			continue
		}
		if geo.DistanceKm(center, st.Loc) <= radiusKm {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) Driver(ctx context.Context, driverID string) (models.DriverState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return models.DriverState{}, ErrNotFound
	}
	return st, nil
}

func (m *Memory) SetAttempt(ctx context.Context, rideID, label string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[rideID] = label
	return nil
}

func (m *Memory) ClearAttempt(ctx context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, rideID)
	return nil
}
