// Package protocol defines the framed messages exchanged over the
// bidirectional driver/customer connections.
package protocol

import (
	"encoding/json"

	"github.com/example/ride-dispatch/internal/models"
)

// Client -> server message kinds.
const (
	MsgStatusChange   = "status_change"
	MsgLocationUpdate = "location_update"
	MsgAcceptRide     = "accept_ride"
	MsgMarkArrived    = "mark_arrived"
	MsgStartRide      = "start_ride"
	MsgEndRide        = "end_ride"
)

// Signaling kinds are forwarded verbatim between the parties of an
// active ride; the server never interprets their payload.
const (
	MsgInitiateCall = "initiate-call"
	MsgCallOffer    = "call-offer"
	MsgCallAnswer   = "call-answer"
	MsgICECandidate = "ice-candidate"
	MsgEndCall      = "end-call"
)

// Server -> client message kinds.
const (
	MsgNewRideRequest       = "new_ride_request"
	MsgRideCancelled        = "ride_cancelled"
	MsgNoDriversAvailable   = "no_drivers_available"
	MsgDriverAssigned       = "driver_assigned"
	MsgDriverLocationUpdate = "driver_location_update"
	MsgResumeRideState      = "resume_ride_state"
	MsgError                = "error"
)

func IsSignaling(kind string) bool {
	switch kind {
	case MsgInitiateCall, MsgCallOffer, MsgCallAnswer, MsgICECandidate, MsgEndCall:
		return true
	}
	return false
}

// Envelope is the frame read off a client connection.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the frame written to a client connection.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type StatusChange struct {
	Status string `json:"status"`
	City   string `json:"city,omitempty"`
}

type LocationUpdate struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Bearing float64 `json:"bearing"`
	City    string  `json:"city,omitempty"`
}

type RideRef struct {
	RideID string `json:"ride_id"`
}

type StartRide struct {
	RideID string `json:"ride_id"`
	Code   string `json:"code"`
}

type DriverAssigned struct {
	RideID   string       `json:"ride_id"`
	DriverID string       `json:"driver_id"`
	Location models.Coord `json:"location"`
	Bearing  float64      `json:"bearing"`
}

type DriverLocation struct {
	RideID    string  `json:"ride_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Bearing   float64 `json:"bearing"`
}

type ResumeRideState struct {
	Ride         *models.Ride      `json:"ride"`
	CurrentState models.RideStatus `json:"current_state"`
}

type ErrorMessage struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	RideID       string            `json:"ride_id,omitempty"`
	CurrentState models.RideStatus `json:"current_state,omitempty"`
}
