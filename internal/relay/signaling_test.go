package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func signalingFixture(t *testing.T) (*SignalingRelay, *registry.Registry) {
	t.Helper()
	store := storage.NewMemory()
	store.CreateRide(context.Background(), &models.Ride{
		ID: "r1", CustomerID: "c1", DriverID: "d1", Status: models.StatusInRide,
	})
	reg := registry.New()
	return &SignalingRelay{Store: store, Registry: reg, Logger: testLogger()}, reg
}

func TestSignalingForwardsToCounterparty(t *testing.T) {
	s, reg := signalingFixture(t)
	customer := &recordConn{}
	reg.Register("c1", registry.RoleCustomer, customer)

	payload := json.RawMessage(`{"ride_id":"r1","sdp":"v=0"}`)
	if err := s.Forward(context.Background(), "d1", protocol.MsgCallOffer, payload); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if got := customer.count(protocol.MsgCallOffer); got != 1 {
		t.Fatalf("customer received %d call-offer messages, want 1", got)
	}
}

func TestSignalingAbsentTargetIsNoop(t *testing.T) {
	s, _ := signalingFixture(t)
	payload := json.RawMessage(`{"ride_id":"r1"}`)
	if err := s.Forward(context.Background(), "c1", protocol.MsgICECandidate, payload); err != nil {
		t.Fatalf("missing target must be a no-op, got %v", err)
	}
}

func TestSignalingRejectsStrangers(t *testing.T) {
	s, reg := signalingFixture(t)
	reg.Register("c1", registry.RoleCustomer, &recordConn{})

	payload := json.RawMessage(`{"ride_id":"r1"}`)
	err := s.Forward(context.Background(), "mallory", protocol.MsgInitiateCall, payload)
	if ride.KindOf(err) != ride.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSignalingRequiresRideID(t *testing.T) {
	s, _ := signalingFixture(t)
	err := s.Forward(context.Background(), "d1", protocol.MsgEndCall, json.RawMessage(`{}`))
	if ride.KindOf(err) != ride.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
