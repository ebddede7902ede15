package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned for unknown ride or driver ids.
var ErrNotFound = errors.New("storage: not found")

// RideStore defines the durable operations the dispatch core needs.
// AssignDriver and UpdateStatus are the only serialization points in
// the system: both are conditional writes that report whether they
// took effect.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// AssignDriver commits driverID to the ride only if no driver is
	// assigned yet and the ride is still requested. Returns false when
	// another driver won the race.
	AssignDriver(ctx context.Context, rideID, driverID string) (bool, error)

	// UpdateStatus applies from -> to under row locking; returns false
	// if the ride is not currently in `from`.
	UpdateStatus(ctx context.Context, rideID string, from, to models.RideStatus) (bool, error)

	SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error
	DriverProfile(ctx context.Context, driverID string) (*models.DriverProfile, error)

	// ActiveRideForDriver returns the driver's non-terminal ride, if
	// any, for resume-on-reconnect.
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)
}

// Memory is a RideStore for tests and dependency-free local runs.
type Memory struct {
	mu      sync.Mutex
	rides   map[string]*models.Ride
	drivers map[string]*models.DriverProfile
}

func NewMemory() *Memory {
	return &Memory{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.DriverProfile),
	}
}

func (m *Memory) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *Memory) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) AssignDriver(ctx context.Context, rideID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.DriverID != "" || r.Status != models.StatusRequested {
		return false, nil
	}
	r.DriverID = driverID
	r.Status = models.StatusEnRoute
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, rideID string, from, to models.RideStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		p = &models.DriverProfile{ID: driverID}
		m.drivers[driverID] = p
	}
	p.Status = status
	return nil
}

// PutDriver seeds a driver profile; used by tests and local bootstrap.
func (m *Memory) PutDriver(p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.drivers[p.ID] = &cp
}

func (m *Memory) DriverProfile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && !r.Status.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}
