package relay

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

func (c *recordConn) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeRide() *models.Ride {
	return &models.Ride{ID: "r1", CustomerID: "c1", DriverID: "d1", Status: models.StatusEnRoute}
}

func TestLocationRelayPushesDriverPosition(t *testing.T) {
	pres := presence.NewMemory()
	pres.UpdateLocation(context.Background(), models.DriverState{
		DriverID: "d1", City: "pune", Loc: models.Coord{Lat: 18.52, Lng: 73.85}, Bearing: 42,
	})
	reg := registry.New()
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)

	l := NewLocationRelay(pres, reg, 5*time.Millisecond, testLogger())
	l.Start(activeRide())
	time.Sleep(30 * time.Millisecond)
	l.Stop("r1")

	got := customer.count(protocol.MsgDriverLocationUpdate)
	if got < 2 {
		t.Fatalf("pushes = %d, want >= 2", got)
	}

	time.Sleep(20 * time.Millisecond)
	if after := customer.count(protocol.MsgDriverLocationUpdate); after != got {
		t.Fatalf("pushes continued after stop: %d -> %d", got, after)
	}
}

func TestLocationRelayStopsWhenCustomerOffline(t *testing.T) {
	pres := presence.NewMemory()
	pres.UpdateLocation(context.Background(), models.DriverState{
		DriverID: "d1", City: "pune", Loc: models.Coord{Lat: 18.52, Lng: 73.85},
	})
	reg := registry.New()

	l := NewLocationRelay(pres, reg, 5*time.Millisecond, testLogger())
	l.Start(activeRide())

	// first tick finds no customer connection and the task ends;
	// a later reconnect gets no buffered or resumed ticks
	time.Sleep(15 * time.Millisecond)
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)
	time.Sleep(25 * time.Millisecond)

	if got := customer.count(protocol.MsgDriverLocationUpdate); got != 0 {
		t.Fatalf("dead relay pushed %d updates", got)
	}
}

func TestLocationRelayStartReplacesExistingTask(t *testing.T) {
	pres := presence.NewMemory()
	pres.UpdateLocation(context.Background(), models.DriverState{
		DriverID: "d1", City: "pune", Loc: models.Coord{Lat: 18.52, Lng: 73.85},
	})
	reg := registry.New()
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)

	l := NewLocationRelay(pres, reg, 10*time.Millisecond, testLogger())
	l.Start(activeRide())
	l.Start(activeRide())
	time.Sleep(35 * time.Millisecond)
	l.Stop("r1")

	// a leaked duplicate task would double the push rate
	if got := customer.count(protocol.MsgDriverLocationUpdate); got > 4 {
		t.Fatalf("pushes = %d, duplicate relay task suspected", got)
	}
}
