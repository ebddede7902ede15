package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// SignalingRelay forwards call-setup payloads between the two parties
// of a ride without interpreting them.
type SignalingRelay struct {
	Store    storage.RideStore
	Registry *registry.Registry
	Logger   *slog.Logger
}

// Forward resolves the counterparty from the ride row and pushes the
// payload verbatim. A missing target connection is a no-op.
func (s *SignalingRelay) Forward(ctx context.Context, senderID, kind string, payload json.RawMessage) error {
	var ref protocol.RideRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.RideID == "" {
		return ride.Validation("signaling message missing ride_id")
	}

	r, err := s.Store.GetRide(ctx, ref.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		return ride.Validation("unknown ride %s", ref.RideID)
	}
	if err != nil {
		return ride.Unavailable("ride store unreachable")
	}

	var target string
	switch senderID {
	case r.DriverID:
		target = r.CustomerID
	case r.CustomerID:
		target = r.DriverID
	default:
		return ride.Validation("sender %s is not a party of ride %s", senderID, ref.RideID)
	}
	if target == "" {
		return nil
	}

	conn, ok := s.Registry.Lookup(target)
	if !ok {
		return nil
	}
	if err := conn.Send(protocol.Message{Type: kind, Data: payload}); err != nil {
		s.Logger.Warn("signaling forward failed", "ride_id", ref.RideID, "kind", kind, "error", err)
	}
	return nil
}
