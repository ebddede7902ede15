// Package relay hosts the per-ride push tasks that run while a ride is
// active: periodic driver positions to the customer, and opaque
// signaling messages between the matched pair.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
)

// LocationRelay runs exactly one ticker task per active ride, reading
// the driver's latest position from the presence store and pushing it
// to the customer. No buffering: a customer who reconnects later does
// not receive missed ticks.
type LocationRelay struct {
	Presence presence.Store
	Registry *registry.Registry
	Interval time.Duration
	Logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]chan struct{}
}

func NewLocationRelay(p presence.Store, reg *registry.Registry, interval time.Duration, logger *slog.Logger) *LocationRelay {
	return &LocationRelay{
		Presence: p,
		Registry: reg,
		Interval: interval,
		Logger:   logger,
		tasks:    make(map[string]chan struct{}),
	}
}

// Start launches the relay task for a ride, replacing any existing one
// so duplicate pushes cannot occur.
func (l *LocationRelay) Start(r *models.Ride) {
	l.mu.Lock()
	if stop, ok := l.tasks[r.ID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	l.tasks[r.ID] = stop
	l.mu.Unlock()

	go l.run(r, stop)
}

// Stop cancels the relay task for a ride if one is running.
func (l *LocationRelay) Stop(rideID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if stop, ok := l.tasks[rideID]; ok {
		close(stop)
		delete(l.tasks, rideID)
	}
}

func (l *LocationRelay) remove(rideID string, stop chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.tasks[rideID]; ok && cur == stop {
		delete(l.tasks, rideID)
	}
}

func (l *LocationRelay) run(r *models.Ride, stop chan struct{}) {
	defer l.remove(r.ID, stop)

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn, ok := l.Registry.Lookup(r.CustomerID)
			if !ok {
				// customer gone; the relay ends rather than buffering
				l.Logger.Info("location relay stopped, customer offline", "ride_id", r.ID)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), l.Interval)
			st, err := l.Presence.Driver(ctx, r.DriverID)
			cancel()
			if err != nil {
				l.Logger.Warn("driver position read failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
				continue
			}
			msg := protocol.DriverLocation{
				RideID:    r.ID,
				Latitude:  st.Loc.Lat,
				Longitude: st.Loc.Lng,
				Bearing:   st.Bearing,
			}
			if err := conn.Send(protocol.Message{Type: protocol.MsgDriverLocationUpdate, Data: msg}); err != nil {
				l.Logger.Warn("location push failed", "ride_id", r.ID, "error", err)
				continue
			}
			observability.LocationPushes.Inc()
		}
	}
}
