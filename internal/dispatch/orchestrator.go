// Package dispatch runs the expanding-radius broadcast that offers a
// new ride to nearby drivers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Lifecycle is the slice of the ride controller the orchestrator needs
// when both rounds exhaust.
type Lifecycle interface {
	CancelNoDrivers(ctx context.Context, rideID string) error
}

// Round is one timed broadcast attempt.
type Round struct {
	RadiusKm float64
	Window   time.Duration
}

// DefaultRounds is the two-round expansion: a tight search first, then
// a wider sweep for drivers who came online or moved into range.
func DefaultRounds(window time.Duration) []Round {
	return []Round{
		{RadiusKm: 3, Window: window},
		{RadiusKm: 7, Window: window},
	}
}

// Orchestrator proposes rides to drivers; it never commits a match.
// The commit happens in the lifecycle controller's conditional
// assignment, so concurrent acceptances resolve to exactly one winner.
type Orchestrator struct {
	Presence  presence.Store
	Store     storage.RideStore
	Registry  *registry.Registry
	Lifecycle Lifecycle
	Rounds    []Round
	Logger    *slog.Logger
}

// Dispatch runs the full broadcast sequence for a freshly created
// ride. It blocks for up to the sum of the round windows; callers run
// it in its own goroutine, one per ride.
func (o *Orchestrator) Dispatch(ctx context.Context, ride *models.Ride) {
	rounds := o.Rounds
	if len(rounds) == 0 {
		rounds = DefaultRounds(30 * time.Second)
	}

	// recipients accumulate across rounds: a driver offered in round 1
	// who drifts out of round 2's radius still holds a live offer and
	// must hear about the match
	seen := make(map[string]struct{})
	var offered []string

	for i, round := range rounds {
		for _, id := range o.broadcast(ctx, ride, round, i+1) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			offered = append(offered, id)
		}

		select {
		case <-time.After(round.Window):
		case <-ctx.Done():
			return
		}

		cur, err := o.Store.GetRide(ctx, ride.ID)
		if err != nil {
			// fail open: treat as still requested and keep going
			o.Logger.Error("ride re-read failed after round", "ride_id", ride.ID, "round", i+1, "error", err)
			continue
		}
		if cur.Status != models.StatusRequested {
			o.notifyUnavailable(offered, cur)
			return
		}
	}

	if err := o.Presence.ClearAttempt(ctx, ride.ID); err != nil {
		o.Logger.Warn("attempt marker clear failed", "ride_id", ride.ID, "error", err)
	}
	if err := o.Lifecycle.CancelNoDrivers(ctx, ride.ID); err != nil {
		o.Logger.Error("no-drivers cancellation failed", "ride_id", ride.ID, "error", err)
	}
}

// broadcast searches, filters and pushes offers for one round,
// returning the drivers actually offered. Individual failures are
// logged and skipped; a search failure yields an empty round.
func (o *Orchestrator) broadcast(ctx context.Context, ride *models.Ride, round Round, n int) []string {
	observability.DispatchRounds.WithLabelValues(strconv.Itoa(n)).Inc()

	ids, err := o.Presence.Nearby(ctx, ride.City, ride.Pickup, round.RadiusKm)
	if err != nil {
		o.Logger.Error("presence search failed", "ride_id", ride.ID, "round", n, "error", err)
		return nil
	}
	if len(ids) == 0 {
		o.Logger.Info("no drivers in range", "ride_id", ride.ID, "round", n, "radius_km", round.RadiusKm)
		return nil
	}

	type candidate struct {
		id    string
		state models.DriverState
		conn  registry.Conn
	}
	var eligible []candidate
	for _, id := range ids {
		st, err := o.Presence.Driver(ctx, id)
		if err != nil {
			o.Logger.Warn("driver state read failed", "driver_id", id, "error", err)
			continue
		}
		if !st.Status.AcceptsOffers() {
			continue
		}
		prof, err := o.Store.DriverProfile(ctx, id)
		if err != nil {
			o.Logger.Warn("driver profile read failed", "driver_id", id, "error", err)
			continue
		}
		if !prof.Status.AcceptsOffers() {
			continue
		}
		if prof.VehicleCategory != ride.Category || prof.VehicleSubCategory != ride.SubCategory {
			continue
		}
		conn, ok := o.Registry.Lookup(id)
		if !ok {
			continue
		}
		eligible = append(eligible, candidate{id: id, state: st, conn: conn})
	}
	if len(eligible) == 0 {
		o.Logger.Info("no eligible drivers", "ride_id", ride.ID, "round", n)
		return nil
	}

	// marker lives slightly past the window so a late status probe can
	// still see which round was outstanding
	label := fmt.Sprintf("attempt_%d", n)
	if err := o.Presence.SetAttempt(ctx, ride.ID, label, round.Window+5*time.Second); err != nil {
		o.Logger.Warn("attempt marker write failed", "ride_id", ride.ID, "error", err)
	}

	tripKm := geo.DistanceKm(ride.Pickup, ride.Dropoff)
	var wg sync.WaitGroup
	offered := make([]string, 0, len(eligible))
	for _, c := range eligible {
		offered = append(offered, c.id)
		offer := models.RideOffer{
			RideID:           ride.ID,
			Fare:             ride.Fare,
			Pickup:           ride.Pickup,
			Dropoff:          ride.Dropoff,
			PickupAddress:    ride.PickupAddress,
			DropoffAddress:   ride.DropoffAddress,
			PickupDistanceKm: geo.DistanceKm(c.state.Loc, ride.Pickup),
			TripDistanceKm:   tripKm,
			Polyline:         ride.Polyline,
		}
		wg.Add(1)
		go func(c candidate, offer models.RideOffer) {
			defer wg.Done()
			if err := c.conn.Send(protocol.Message{Type: protocol.MsgNewRideRequest, Data: offer}); err != nil {
				o.Logger.Warn("offer push failed", "ride_id", ride.ID, "driver_id", c.id, "error", err)
				return
			}
			observability.OffersSent.Inc()
		}(c, offer)
	}
	wg.Wait()

	o.Logger.Info("round broadcast", "ride_id", ride.ID, "round", n,
		"radius_km", round.RadiusKm, "offered", len(offered))
	return offered
}

// notifyUnavailable tells every broadcast recipient other than the
// committed driver that the ride is gone.
func (o *Orchestrator) notifyUnavailable(offered []string, cur *models.Ride) {
	for _, id := range offered {
		if id == cur.DriverID {
			continue
		}
		conn, ok := o.Registry.Lookup(id)
		if !ok {
			continue
		}
		_ = conn.Send(protocol.Message{Type: protocol.MsgRideCancelled, Data: protocol.RideRef{RideID: cur.ID}})
	}
}
