package liveness

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func fixture(grace time.Duration) (*Supervisor, *presence.Memory, *storage.Memory) {
	pres := presence.NewMemory()
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSupervisor(pres, store, grace, logger), pres, store
}

func seedOnlineDriver(pres *presence.Memory, store *storage.Memory, id string) {
	pres.UpdateLocation(context.Background(), models.DriverState{
		DriverID: id, City: "pune", Loc: models.Coord{Lat: 18.52, Lng: 73.85}, Status: models.DriverOnline,
	})
	store.PutDriver(models.DriverProfile{ID: id, Status: models.DriverOnline, VehicleCategory: "car"})
}

func TestGraceExpiryDeclaresDriverOffline(t *testing.T) {
	s, pres, store := fixture(20 * time.Millisecond)
	seedOnlineDriver(pres, store, "d1")

	s.DriverDisconnected("d1")
	time.Sleep(80 * time.Millisecond)

	prof, err := store.DriverProfile(context.Background(), "d1")
	if err != nil || prof.Status != models.DriverOffline {
		t.Fatalf("driver status = %+v (%v), want offline", prof, err)
	}
	if _, err := pres.Driver(context.Background(), "d1"); err == nil {
		t.Fatal("presence record should be removed")
	}
}

func TestReconnectWithinGraceCancelsTimer(t *testing.T) {
	s, pres, store := fixture(30 * time.Millisecond)
	seedOnlineDriver(pres, store, "d1")

	s.DriverDisconnected("d1")
	time.Sleep(5 * time.Millisecond)
	s.DriverReconnected("d1")
	time.Sleep(60 * time.Millisecond)

	prof, err := store.DriverProfile(context.Background(), "d1")
	if err != nil || prof.Status != models.DriverOnline {
		t.Fatalf("driver status = %+v (%v), want online after reconnect", prof, err)
	}
	if _, err := pres.Driver(context.Background(), "d1"); err != nil {
		t.Fatal("presence record should survive a reconnect within grace")
	}
}

func TestGraceExpiryLeavesMidRideDriverAlone(t *testing.T) {
	s, pres, store := fixture(20 * time.Millisecond)
	seedOnlineDriver(pres, store, "d1")
	store.SetDriverStatus(context.Background(), "d1", models.DriverOnRide)

	s.DriverDisconnected("d1")
	time.Sleep(80 * time.Millisecond)

	prof, _ := store.DriverProfile(context.Background(), "d1")
	if prof.Status != models.DriverOnRide {
		t.Fatalf("mid-ride driver transitioned to %s", prof.Status)
	}
	if _, err := pres.Driver(context.Background(), "d1"); err != nil {
		t.Fatal("mid-ride presence should be kept for resume")
	}
}
