// Package ws hosts the bidirectional message-framed connection
// protocol for drivers and customers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/liveness"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var upgrader = websocket.Upgrader{}

// LocationPublisher ships driver locations onto the durable ingest
// pipeline; nil disables publishing.
type LocationPublisher interface {
	PublishLocation(u models.LocationUpdate) error
}

// Handler upgrades connections, registers them, heartbeats them and
// routes inbound message kinds to the owning component.
type Handler struct {
	Registry     *registry.Registry
	Presence     presence.Store
	Store        storage.RideStore
	Lifecycle    *ride.Controller
	Signaling    *relay.SignalingRelay
	Liveness     *liveness.Supervisor
	Ingest       LocationPublisher
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Serve runs the connection for its whole lifetime; the HTTP layer
// calls it with the identity and role taken from the handshake.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, role registry.Role, id string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("ws upgrade failed", "identity", id, "error", err)
		return
	}
	sess := newSession(conn)

	h.Registry.Register(id, role, sess)
	observability.ConnectionsActive.WithLabelValues(string(role)).Inc()
	h.Logger.Info("connection registered", "identity", id, "role", role)

	if role == registry.RoleDriver {
		h.Liveness.DriverReconnected(id)
		h.replayActiveRide(r.Context(), id, sess)
	}

	pongWait := 2 * h.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go sess.pingLoop(h.PingInterval, done)

	h.readLoop(conn, sess, role, id)

	close(done)
	removed := h.Registry.Unregister(id, sess)
	observability.ConnectionsActive.WithLabelValues(string(role)).Dec()
	_ = sess.Close()
	// a displaced connection's teardown races with its replacement; only
	// start the grace timer when this conn was still the live one
	if role == registry.RoleDriver && removed {
		h.Liveness.DriverDisconnected(id)
	}
	h.Logger.Info("connection closed", "identity", id, "role", role)
}

// replayActiveRide resends the ride and its current state to a driver
// who reconnected mid-ride.
func (h *Handler) replayActiveRide(ctx context.Context, driverID string, sess *Session) {
	r, err := h.Store.ActiveRideForDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		h.Logger.Warn("active ride lookup failed", "driver_id", driverID, "error", err)
		return
	}
	_ = sess.Send(protocol.Message{
		Type: protocol.MsgResumeRideState,
		Data: protocol.ResumeRideState{Ride: r, CurrentState: r.Status},
	})
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *Session, role registry.Role, id string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.Logger.Warn("ws read error", "identity", id, "error", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(sess, "", ride.Validation("malformed message"))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		h.handle(ctx, sess, role, id, env)
		cancel()
	}
}

func (h *Handler) handle(ctx context.Context, sess *Session, role registry.Role, id string, env protocol.Envelope) {
	if protocol.IsSignaling(env.Type) {
		if err := h.Signaling.Forward(ctx, id, env.Type, env.Data); err != nil {
			h.sendError(sess, "", err)
		}
		return
	}
	if role != registry.RoleDriver {
		h.sendError(sess, "", ride.Validation("unsupported message kind %q", env.Type))
		return
	}

	switch env.Type {
	case protocol.MsgStatusChange:
		h.handleStatusChange(ctx, sess, id, env.Data)
	case protocol.MsgLocationUpdate:
		h.handleLocationUpdate(ctx, sess, id, env.Data)
	case protocol.MsgAcceptRide:
		var p protocol.RideRef
		if !h.decode(sess, env.Data, &p) {
			return
		}
		if _, err := h.Lifecycle.Accept(ctx, id, p.RideID); err != nil {
			h.sendError(sess, p.RideID, err)
		}
	case protocol.MsgMarkArrived:
		var p protocol.RideRef
		if !h.decode(sess, env.Data, &p) {
			return
		}
		if err := h.Lifecycle.Arrive(ctx, id, p.RideID); err != nil {
			h.sendError(sess, p.RideID, err)
		}
	case protocol.MsgStartRide:
		var p protocol.StartRide
		if !h.decode(sess, env.Data, &p) {
			return
		}
		if err := h.Lifecycle.Start(ctx, id, p.RideID, p.Code); err != nil {
			h.sendError(sess, p.RideID, err)
		}
	case protocol.MsgEndRide:
		var p protocol.RideRef
		if !h.decode(sess, env.Data, &p) {
			return
		}
		if err := h.Lifecycle.End(ctx, id, p.RideID); err != nil {
			h.sendError(sess, p.RideID, err)
		}
	default:
		h.sendError(sess, "", ride.Validation("unsupported message kind %q", env.Type))
	}
}

func (h *Handler) handleStatusChange(ctx context.Context, sess *Session, id string, data json.RawMessage) {
	var p protocol.StatusChange
	if !h.decode(sess, data, &p) {
		return
	}
	status := models.DriverStatus(p.Status)
	switch status {
	case models.DriverOnline, models.DriverGoHome:
		if err := h.Store.SetDriverStatus(ctx, id, status); err != nil {
			h.sendError(sess, "", ride.Unavailable("driver store unreachable"))
			return
		}
		if err := h.Presence.SetStatus(ctx, id, status); err != nil {
			h.Logger.Warn("presence status write failed", "driver_id", id, "error", err)
		}
	case models.DriverOffline:
		if err := h.Store.SetDriverStatus(ctx, id, status); err != nil {
			h.sendError(sess, "", ride.Unavailable("driver store unreachable"))
			return
		}
		city := p.City
		if city == "" {
			if st, err := h.Presence.Driver(ctx, id); err == nil {
				city = st.City
			}
		}
		if err := h.Presence.Remove(ctx, city, id); err != nil {
			h.Logger.Warn("presence removal failed", "driver_id", id, "error", err)
		}
	default:
		h.sendError(sess, "", ride.Validation("unknown status %q", p.Status))
	}
}

func (h *Handler) handleLocationUpdate(ctx context.Context, sess *Session, id string, data json.RawMessage) {
	var p protocol.LocationUpdate
	if !h.decode(sess, data, &p) {
		return
	}
	city := p.City
	if city == "" {
		if st, err := h.Presence.Driver(ctx, id); err == nil {
			city = st.City
		}
	}
	st := models.DriverState{
		DriverID: id,
		City:     city,
		Loc:      models.Coord{Lat: p.Lat, Lng: p.Lng},
		Bearing:  p.Bearing,
	}
	if err := h.Presence.UpdateLocation(ctx, st); err != nil {
		h.Logger.Warn("presence location write failed", "driver_id", id, "error", err)
	}
	if h.Ingest != nil {
		if err := h.Ingest.PublishLocation(models.LocationUpdate{
			DriverID: id, City: city, Lat: p.Lat, Lng: p.Lng, Bearing: p.Bearing,
		}); err != nil {
			h.Logger.Warn("location publish failed", "driver_id", id, "error", err)
		}
	}
}

func (h *Handler) decode(sess *Session, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		h.sendError(sess, "", ride.Validation("malformed payload"))
		return false
	}
	return true
}

func (h *Handler) sendError(sess *Session, rideID string, err error) {
	msg := protocol.ErrorMessage{Message: err.Error(), RideID: rideID}
	switch ride.KindOf(err) {
	case ride.KindValidation:
		msg.Code = "validation"
	case ride.KindConflict:
		msg.Code = "conflict"
	case ride.KindStaleState:
		msg.Code = "stale_state"
		msg.CurrentState = ride.CurrentState(err)
	case ride.KindUnavailable:
		msg.Code = "unavailable"
	default:
		msg.Code = "internal"
	}
	_ = sess.Send(protocol.Message{Type: protocol.MsgError, Data: msg})
}
