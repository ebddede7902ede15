package ride

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Relay is the per-ride location push task manager.
type Relay interface {
	Start(r *models.Ride)
	Stop(rideID string)
}

// Settlement is the external ledger collaborator. Fare computation and
// wallet mutation happened before dispatch; this only finalizes or
// releases the hold taken at request time.
type Settlement interface {
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
}

// Controller validates and applies ride state transitions. Every
// transition is checked against the persisted status via conditional
// writes; stale or out-of-order messages are rejected, never applied.
type Controller struct {
	Store      storage.RideStore
	Presence   presence.Store
	Registry   *registry.Registry
	Relay      Relay
	Settlement Settlement
	Logger     *slog.Logger
}

func (c *Controller) getRide(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := c.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Validation("unknown ride %s", rideID)
	}
	if err != nil {
		return nil, Unavailable("ride store unreachable")
	}
	return r, nil
}

// Accept commits driverID to the ride. The conditional update in the
// store is the single serialization point: exactly one concurrent
// acceptance succeeds, all others get a conflict rejection.
func (c *Controller) Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	if _, err := c.getRide(ctx, rideID); err != nil {
		return nil, err
	}
	ok, err := c.Store.AssignDriver(ctx, rideID, driverID)
	if err != nil {
		return nil, Unavailable("ride store unreachable")
	}
	if !ok {
		return nil, Conflict("ride no longer available")
	}

	if err := c.Store.SetDriverStatus(ctx, driverID, models.DriverOnRide); err != nil {
		c.Logger.Error("driver status update failed", "driver_id", driverID, "error", err)
	}
	if err := c.Presence.SetStatus(ctx, driverID, models.DriverOnRide); err != nil {
		c.Logger.Error("presence status update failed", "driver_id", driverID, "error", err)
	}
	if err := c.Presence.ClearAttempt(ctx, rideID); err != nil {
		c.Logger.Warn("attempt marker clear failed", "ride_id", rideID, "error", err)
	}

	r, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	c.Relay.Start(r)
	c.notifyCustomerAssigned(ctx, r)
	observability.RidesMatched.Inc()
	c.Logger.Info("ride matched", "ride_id", rideID, "driver_id", driverID)
	return r, nil
}

func (c *Controller) notifyCustomerAssigned(ctx context.Context, r *models.Ride) {
	conn, ok := c.Registry.Lookup(r.CustomerID)
	if !ok {
		return
	}
	msg := protocol.DriverAssigned{RideID: r.ID, DriverID: r.DriverID}
	if st, err := c.Presence.Driver(ctx, r.DriverID); err == nil {
		msg.Location = st.Loc
		msg.Bearing = st.Bearing
	}
	if err := conn.Send(protocol.Message{Type: protocol.MsgDriverAssigned, Data: msg}); err != nil {
		c.Logger.Warn("customer notify failed", "ride_id", r.ID, "error", err)
	}
}

// Arrive marks the driver at the pickup point.
func (c *Controller) Arrive(ctx context.Context, driverID, rideID string) error {
	return c.driverTransition(ctx, driverID, rideID, models.StatusEnRoute, models.StatusArrived)
}

// Start begins the ride after the driver presents the customer's
// one-time pickup code.
func (c *Controller) Start(ctx context.Context, driverID, rideID, code string) error {
	r, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID != driverID {
		return Validation("ride %s is not assigned to driver %s", rideID, driverID)
	}
	if code == "" || code != r.PickupCode {
		return Validation("invalid pickup code for ride %s", rideID)
	}
	ok, err := c.Store.UpdateStatus(ctx, rideID, models.StatusArrived, models.StatusInRide)
	if err != nil {
		return Unavailable("ride store unreachable")
	}
	if !ok {
		return c.staleFor(ctx, rideID)
	}
	c.Logger.Info("ride started", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// End completes the ride: stop the location relay, settle the
// remaining fare with the ledger collaborator, free the driver.
func (c *Controller) End(ctx context.Context, driverID, rideID string) error {
	r, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID != driverID {
		return Validation("ride %s is not assigned to driver %s", rideID, driverID)
	}
	ok, err := c.Store.UpdateStatus(ctx, rideID, models.StatusInRide, models.StatusCompleted)
	if err != nil {
		return Unavailable("ride store unreachable")
	}
	if !ok {
		return c.staleFor(ctx, rideID)
	}

	c.Relay.Stop(rideID)
	c.freeDriver(ctx, driverID)
	if c.Settlement != nil && r.PaymentRef != "" {
		if err := c.Settlement.Capture(ctx, r.PaymentRef); err != nil {
			c.Logger.Error("fare settlement failed", "ride_id", rideID, "error", err)
		}
	}
	observability.RidesCompleted.Inc()
	c.Logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	return nil
}

// Cancel handles customer-initiated cancellation, allowed only while
// the ride is requested or en route to pickup.
func (c *Controller) Cancel(ctx context.Context, customerID, rideID string) error {
	r, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.CustomerID != customerID {
		return Validation("ride %s does not belong to customer %s", rideID, customerID)
	}
	ok, err := c.Store.UpdateStatus(ctx, rideID, models.StatusRequested, models.StatusCancelled)
	if err != nil {
		return Unavailable("ride store unreachable")
	}
	if !ok {
		ok, err = c.Store.UpdateStatus(ctx, rideID, models.StatusEnRoute, models.StatusCancelled)
		if err != nil {
			return Unavailable("ride store unreachable")
		}
	}
	if !ok {
		return c.staleFor(ctx, rideID)
	}

	// the snapshot above may predate an acceptance that landed before
	// the conditional update; the driver side-effects need the row as
	// committed, not as first read
	cur := r
	if latest, err := c.Store.GetRide(ctx, rideID); err == nil {
		cur = latest
	}

	c.Relay.Stop(rideID)
	if cur.DriverID != "" {
		c.freeDriver(ctx, cur.DriverID)
		if conn, found := c.Registry.Lookup(cur.DriverID); found {
			_ = conn.Send(protocol.Message{Type: protocol.MsgRideCancelled, Data: protocol.RideRef{RideID: rideID}})
		}
	}
	c.releaseHold(ctx, cur)
	observability.RidesCancelled.WithLabelValues("customer").Inc()
	c.Logger.Info("ride cancelled by customer", "ride_id", rideID)
	return nil
}

// CancelNoDrivers is invoked by the dispatch orchestrator when both
// broadcast rounds exhaust without an acceptance.
func (c *Controller) CancelNoDrivers(ctx context.Context, rideID string) error {
	r, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	ok, err := c.Store.UpdateStatus(ctx, rideID, models.StatusRequested, models.StatusCancelled)
	if err != nil {
		return Unavailable("ride store unreachable")
	}
	if !ok {
		// a driver accepted between the round timeout and now; not an error
		return nil
	}
	if conn, found := c.Registry.Lookup(r.CustomerID); found {
		_ = conn.Send(protocol.Message{Type: protocol.MsgNoDriversAvailable, Data: protocol.RideRef{RideID: rideID}})
	}
	c.releaseHold(ctx, r)
	observability.RidesCancelled.WithLabelValues("no_drivers").Inc()
	c.Logger.Info("ride cancelled, no drivers available", "ride_id", rideID)
	return nil
}

func (c *Controller) driverTransition(ctx context.Context, driverID, rideID string, from, to models.RideStatus) error {
	r, err := c.getRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.DriverID != driverID {
		return Validation("ride %s is not assigned to driver %s", rideID, driverID)
	}
	ok, err := c.Store.UpdateStatus(ctx, rideID, from, to)
	if err != nil {
		return Unavailable("ride store unreachable")
	}
	if !ok {
		return c.staleFor(ctx, rideID)
	}
	c.Logger.Info("ride transition", "ride_id", rideID, "from", from, "to", to)
	return nil
}

func (c *Controller) staleFor(ctx context.Context, rideID string) error {
	cur := models.RideStatus("")
	if r, err := c.Store.GetRide(ctx, rideID); err == nil {
		cur = r.Status
	}
	return Stale(cur)
}

func (c *Controller) freeDriver(ctx context.Context, driverID string) {
	if err := c.Store.SetDriverStatus(ctx, driverID, models.DriverOnline); err != nil {
		c.Logger.Error("driver status revert failed", "driver_id", driverID, "error", err)
	}
	if err := c.Presence.SetStatus(ctx, driverID, models.DriverOnline); err != nil {
		c.Logger.Error("presence status revert failed", "driver_id", driverID, "error", err)
	}
}

func (c *Controller) releaseHold(ctx context.Context, r *models.Ride) {
	if c.Settlement == nil || r.PaymentRef == "" {
		return
	}
	if err := c.Settlement.Cancel(ctx, r.PaymentRef); err != nil {
		c.Logger.Error("payment hold release failed", "ride_id", r.ID, "error", err)
	}
}
