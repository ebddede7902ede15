package ride

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordConn struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *recordConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := v.(protocol.Message); ok {
		c.msgs = append(c.msgs, m)
	}
	return nil
}

func (c *recordConn) Close() error { return nil }

func (c *recordConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

type fakeRelay struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeRelay) Start(r *models.Ride) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, r.ID)
}

func (f *fakeRelay) Stop(rideID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, rideID)
}

type fakeSettlement struct {
	captured  []string
	cancelled []string
}

func (f *fakeSettlement) Capture(ctx context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakeSettlement) Cancel(ctx context.Context, ref string) error {
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(store storage.RideStore) (*Controller, *fakeRelay, *fakeSettlement, *registry.Registry) {
	relay := &fakeRelay{}
	settle := &fakeSettlement{}
	reg := registry.New()
	c := &Controller{
		Store:      store,
		Presence:   presence.NewMemory(),
		Registry:   reg,
		Relay:      relay,
		Settlement: settle,
		Logger:     testLogger(),
	}
	return c, relay, settle, reg
}

func seedRide(store *storage.Memory, status models.RideStatus, driverID string) *models.Ride {
	r := &models.Ride{
		ID:         "r1",
		CustomerID: "c1",
		DriverID:   driverID,
		City:       "pune",
		Category:   "car",
		PickupCode: "4321",
		Status:     status,
		CreatedAt:  time.Now(),
	}
	store.CreateRide(context.Background(), r)
	return r
}

func TestAcceptAssignsDriverAndStartsRelay(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusRequested, "")
	c, relay, _, reg := newController(store)
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)

	got, err := c.Accept(context.Background(), "d2", "r1")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if got.DriverID != "d2" || got.Status != models.StatusEnRoute {
		t.Fatalf("unexpected ride after accept: %+v", got)
	}
	if len(relay.started) != 1 || relay.started[0] != "r1" {
		t.Fatalf("location relay not started: %v", relay.started)
	}
	prof, err := store.DriverProfile(context.Background(), "d2")
	if err != nil || prof.Status != models.DriverOnRide {
		t.Fatalf("driver not marked on_ride: %+v %v", prof, err)
	}
	types := customer.types()
	if len(types) != 1 || types[0] != protocol.MsgDriverAssigned {
		t.Fatalf("customer notifications = %v, want driver_assigned", types)
	}
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusRequested, "")
	c, _, _, _ := newController(store)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners, conflicts int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Accept(context.Background(), driverID(i), "r1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case KindOf(err) == KindConflict:
				conflicts++
			default:
				t.Errorf("unexpected error kind: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 || conflicts != n-1 {
		t.Fatalf("winners=%d conflicts=%d, want 1/%d", winners, conflicts, n-1)
	}
}

func driverID(i int) string { return string(rune('a'+i)) + "-driver" }

func TestArriveRejectedWhileStillRequested(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusRequested, "")
	c, _, _, _ := newController(store)

	err := c.Arrive(context.Background(), "d2", "r1")
	if err == nil {
		t.Fatal("expected rejection for unassigned ride")
	}
	r, _ := store.GetRide(context.Background(), "r1")
	if r.Status != models.StatusRequested {
		t.Fatalf("stale transition mutated ride: %s", r.Status)
	}
}

func TestStartRejectsWrongPickupCode(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusArrived, "d2")
	c, _, _, _ := newController(store)

	err := c.Start(context.Background(), "d2", "r1", "0000")
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	r, _ := store.GetRide(context.Background(), "r1")
	if r.Status != models.StatusArrived {
		t.Fatalf("ride mutated on bad code: %s", r.Status)
	}

	if err := c.Start(context.Background(), "d2", "r1", "4321"); err != nil {
		t.Fatalf("correct code rejected: %v", err)
	}
	r, _ = store.GetRide(context.Background(), "r1")
	if r.Status != models.StatusInRide {
		t.Fatalf("ride not started: %s", r.Status)
	}
}

func TestEndCompletesStopsRelayAndSettles(t *testing.T) {
	store := storage.NewMemory()
	r := seedRide(store, models.StatusInRide, "d2")
	r.PaymentRef = "pi_123"
	store.CreateRide(context.Background(), r) // overwrite with payment ref
	c, relay, settle, _ := newController(store)

	if err := c.End(context.Background(), "d2", "r1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	got, _ := store.GetRide(context.Background(), "r1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(relay.stopped) != 1 {
		t.Fatalf("relay not stopped: %v", relay.stopped)
	}
	if len(settle.captured) != 1 || settle.captured[0] != "pi_123" {
		t.Fatalf("settlement not captured: %v", settle.captured)
	}
	prof, _ := store.DriverProfile(context.Background(), "d2")
	if prof.Status != models.DriverOnline {
		t.Fatalf("driver not freed: %s", prof.Status)
	}
}

func TestCancelRevertsAssignedDriver(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusEnRoute, "d2")
	store.PutDriver(models.DriverProfile{ID: "d2", Status: models.DriverOnRide})
	c, relay, _, reg := newController(store)
	driver := &recordConn{}
	reg.Register("d2", registry.RoleDriver, driver)

	if err := c.Cancel(context.Background(), "c1", "r1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	r, _ := store.GetRide(context.Background(), "r1")
	if r.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", r.Status)
	}
	prof, _ := store.DriverProfile(context.Background(), "d2")
	if prof.Status != models.DriverOnline {
		t.Fatalf("driver status not reverted: %s", prof.Status)
	}
	types := driver.types()
	if len(types) != 1 || types[0] != protocol.MsgRideCancelled {
		t.Fatalf("driver notifications = %v, want ride_cancelled", types)
	}
	if len(relay.stopped) != 1 {
		t.Fatal("relay not stopped on cancel")
	}
}

// acceptOnUpdateStore lands a driver acceptance just before the first
// conditional status update, exposing cancellations that act on a ride
// snapshot taken before the race.
type acceptOnUpdateStore struct {
	*storage.Memory
	driverID string
	once     sync.Once
}

func (s *acceptOnUpdateStore) UpdateStatus(ctx context.Context, rideID string, from, to models.RideStatus) (bool, error) {
	s.once.Do(func() {
		_, _ = s.Memory.AssignDriver(ctx, rideID, s.driverID)
	})
	return s.Memory.UpdateStatus(ctx, rideID, from, to)
}

func TestCancelRacingAcceptRevertsCommittedDriver(t *testing.T) {
	mem := storage.NewMemory()
	seedRide(mem, models.StatusRequested, "")
	mem.PutDriver(models.DriverProfile{ID: "d9", Status: models.DriverOnRide})
	store := &acceptOnUpdateStore{Memory: mem, driverID: "d9"}
	c, relay, _, reg := newController(store)
	driver := &recordConn{}
	reg.Register("d9", registry.RoleDriver, driver)

	if err := c.Cancel(context.Background(), "c1", "r1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	r, _ := mem.GetRide(context.Background(), "r1")
	if r.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", r.Status)
	}
	prof, _ := mem.DriverProfile(context.Background(), "d9")
	if prof.Status != models.DriverOnline {
		t.Fatalf("racing acceptor not reverted to online: %s", prof.Status)
	}
	types := driver.types()
	if len(types) != 1 || types[0] != protocol.MsgRideCancelled {
		t.Fatalf("racing acceptor notifications = %v, want ride_cancelled", types)
	}
	if len(relay.stopped) != 1 {
		t.Fatal("relay not stopped on cancel")
	}
}

func TestCancelRejectedOnceInRide(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusInRide, "d2")
	c, _, _, _ := newController(store)

	err := c.Cancel(context.Background(), "c1", "r1")
	if KindOf(err) != KindStaleState {
		t.Fatalf("expected stale-state rejection, got %v", err)
	}
	if CurrentState(err) != models.StatusInRide {
		t.Fatalf("current state = %s, want in_ride", CurrentState(err))
	}
}

func TestCancelByWrongCustomerRejected(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusRequested, "")
	c, _, _, _ := newController(store)

	if err := c.Cancel(context.Background(), "intruder", "r1"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelNoDriversNotifiesCustomer(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusRequested, "")
	c, _, _, reg := newController(store)
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)

	if err := c.CancelNoDrivers(context.Background(), "r1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	r, _ := store.GetRide(context.Background(), "r1")
	if r.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", r.Status)
	}
	types := customer.types()
	if len(types) != 1 || types[0] != protocol.MsgNoDriversAvailable {
		t.Fatalf("customer notifications = %v, want no_drivers_available", types)
	}
}

func TestCancelNoDriversIsNoopWhenAlreadyMatched(t *testing.T) {
	store := storage.NewMemory()
	seedRide(store, models.StatusEnRoute, "d2")
	c, _, _, reg := newController(store)
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)

	if err := c.CancelNoDrivers(context.Background(), "r1"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	r, _ := store.GetRide(context.Background(), "r1")
	if r.Status != models.StatusEnRoute {
		t.Fatalf("matched ride mutated: %s", r.Status)
	}
	if len(customer.types()) != 0 {
		t.Fatal("customer should not be notified")
	}
}
