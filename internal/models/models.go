package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RideStatus is the persisted lifecycle state of a ride.
type RideStatus string

const (
	StatusRequested RideStatus = "requested"
	StatusEnRoute   RideStatus = "en_route_to_pickup"
	StatusArrived   RideStatus = "arrived"
	StatusInRide    RideStatus = "in_ride"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

// Cancellable reports whether a customer may still cancel the ride.
func (s RideStatus) Cancellable() bool {
	return s == StatusRequested || s == StatusEnRoute
}

// Terminal reports whether the ride can no longer change state.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// DriverStatus is the driver's persisted availability.
type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverGoHome  DriverStatus = "go_home"
	DriverOnRide  DriverStatus = "on_ride"
	DriverOffline DriverStatus = "offline"
)

// AcceptsOffers reports whether the driver may receive new ride offers.
func (s DriverStatus) AcceptsOffers() bool {
	return s == DriverOnline || s == DriverGoHome
}

type Ride struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	DriverID        string     `json:"driver_id,omitempty"` // empty until matched
	Pickup          Coord      `json:"pickup"`
	Dropoff         Coord      `json:"dropoff"`
	PickupAddress   string     `json:"pickup_address"`
	DropoffAddress  string     `json:"dropoff_address"`
	City            string     `json:"city"`
	Category        string     `json:"category"`
	SubCategory     string     `json:"sub_category"`
	Fare            float64    `json:"fare"`
	PaymentMethod   string     `json:"payment_method"`
	WalletDeduction float64    `json:"wallet_deduction"`
	AmountDue       float64    `json:"amount_due"`
	PaymentRef      string     `json:"-"`
	PickupCode      string     `json:"-"`
	Polyline        string     `json:"polyline,omitempty"`
	Status          RideStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DriverState is the ephemeral presence record kept in the presence store.
type DriverState struct {
	DriverID string       `json:"driver_id"`
	City     string       `json:"city"`
	Loc      Coord        `json:"loc"`
	Bearing  float64      `json:"bearing"`
	Status   DriverStatus `json:"status"`
}

// DriverProfile is the durable driver record relevant to dispatch.
type DriverProfile struct {
	ID                 string       `json:"id"`
	Status             DriverStatus `json:"status"`
	VehicleCategory    string       `json:"vehicle_category"`
	VehicleSubCategory string       `json:"vehicle_sub_category"`
}

// LocationUpdate is the driver location message shipped over Kafka.
type LocationUpdate struct {
	DriverID string  `json:"driver_id"`
	City     string  `json:"city"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Bearing  float64 `json:"bearing"`
}

// RideOffer is the personalized payload pushed to an eligible driver.
type RideOffer struct {
	RideID           string  `json:"ride_id"`
	Fare             float64 `json:"fare"`
	Pickup           Coord   `json:"pickup"`
	Dropoff          Coord   `json:"dropoff"`
	PickupAddress    string  `json:"pickup_address"`
	DropoffAddress   string  `json:"dropoff_address"`
	PickupDistanceKm float64 `json:"pickup_distance_km"`
	TripDistanceKm   float64 `json:"trip_distance_km"`
	Polyline         string  `json:"polyline,omitempty"`
}
