// Package liveness declares drivers offline after a disconnect grace
// period elapses without a reconnection.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

// Supervisor tracks one grace timer per disconnected driver. A
// reconnect within the window cancels the timer with no state change;
// expiry transitions an online-type driver to offline and removes its
// presence. Drivers mid-ride are left alone so an active ride can
// resume on reconnect.
type Supervisor struct {
	Presence presence.Store
	Store    storage.RideStore
	Grace    time.Duration
	Logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewSupervisor(p presence.Store, s storage.RideStore, grace time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Presence: p,
		Store:    s,
		Grace:    grace,
		Logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// DriverDisconnected starts (or restarts) the grace timer.
func (s *Supervisor) DriverDisconnected(driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[driverID]; ok {
		t.Stop()
	}
	s.timers[driverID] = time.AfterFunc(s.Grace, func() { s.expire(driverID) })
	s.Logger.Info("grace period started", "driver_id", driverID, "grace", s.Grace)
}

// DriverReconnected cancels any pending grace timer.
func (s *Supervisor) DriverReconnected(driverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[driverID]; ok {
		t.Stop()
		delete(s.timers, driverID)
		s.Logger.Info("grace period cancelled, driver reconnected", "driver_id", driverID)
	}
}

func (s *Supervisor) expire(driverID string) {
	s.mu.Lock()
	delete(s.timers, driverID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prof, err := s.Store.DriverProfile(ctx, driverID)
	if err != nil {
		s.Logger.Error("driver profile read failed on grace expiry", "driver_id", driverID, "error", err)
		return
	}
	if !prof.Status.AcceptsOffers() {
		// offline already, or mid-ride; leave persisted state alone
		return
	}

	if err := s.Store.SetDriverStatus(ctx, driverID, models.DriverOffline); err != nil {
		s.Logger.Error("offline transition failed", "driver_id", driverID, "error", err)
		return
	}
	city := ""
	if st, err := s.Presence.Driver(ctx, driverID); err == nil {
		city = st.City
	}
	if err := s.Presence.Remove(ctx, city, driverID); err != nil {
		s.Logger.Error("presence removal failed", "driver_id", driverID, "error", err)
	}
	observability.DriversDeclaredOffline.Inc()
	s.Logger.Info("driver declared offline after grace expiry", "driver_id", driverID)
}
