package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/ws"
)

// Payments is the hold side of the settlement collaborator; nil
// disables card holds (wallet-only deployments).
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
}

type Server struct {
	store         storage.RideStore
	presence      presence.Store
	dispatcher    *dispatch.Orchestrator
	lifecycle     *ride.Controller
	wsHandler     *ws.Handler
	payments      Payments
	pickupCodeLen int
	logger        *slog.Logger
	mux           *mux.Router
}

func NewServer(
	store storage.RideStore,
	pres presence.Store,
	dispatcher *dispatch.Orchestrator,
	lifecycle *ride.Controller,
	wsHandler *ws.Handler,
	payments Payments,
	pickupCodeLen int,
	logger *slog.Logger,
) *Server {
	s := &Server{
		store:         store,
		presence:      pres,
		dispatcher:    dispatcher,
		lifecycle:     lifecycle,
		wsHandler:     wsHandler,
		payments:      payments,
		pickupCodeLen: pickupCodeLen,
		logger:        logger,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/nearby-drivers", s.handleNearbyDrivers).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// rideRequest is the already-priced quote the customer submits. Fare,
// wallet deduction and amount due were decided upstream and are
// authoritative here.
type rideRequest struct {
	CustomerID      string       `json:"customer_id"`
	Pickup          models.Coord `json:"pickup"`
	Dropoff         models.Coord `json:"dropoff"`
	PickupAddress   string       `json:"pickup_address"`
	DropoffAddress  string       `json:"dropoff_address"`
	City            string       `json:"city"`
	Category        string       `json:"category"`
	SubCategory     string       `json:"sub_category"`
	Fare            float64      `json:"fare"`
	PaymentMethod   string       `json:"payment_method"`
	WalletDeduction float64      `json:"wallet_deduction"`
	AmountDue       float64      `json:"amount_due"`
	Currency        string       `json:"currency"`
	Polyline        string       `json:"polyline"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" || req.City == "" || req.Category == "" {
		http.Error(w, "customer_id, city and category are required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	newRide := &models.Ride{
		ID:              newID(),
		CustomerID:      req.CustomerID,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		PickupAddress:   req.PickupAddress,
		DropoffAddress:  req.DropoffAddress,
		City:            req.City,
		Category:        req.Category,
		SubCategory:     req.SubCategory,
		Fare:            req.Fare,
		PaymentMethod:   req.PaymentMethod,
		WalletDeduction: req.WalletDeduction,
		AmountDue:       req.AmountDue,
		PickupCode:      newPickupCode(s.pickupCodeLen),
		Polyline:        req.Polyline,
		Status:          models.StatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if s.payments != nil && req.AmountDue > 0 && req.PaymentMethod == "card" {
		currency := req.Currency
		if currency == "" {
			currency = "inr"
		}
		ref, err := s.payments.Hold(r.Context(), int64(req.AmountDue*100), currency, req.CustomerID)
		if err != nil {
			s.logger.Error("payment hold failed", "customer_id", req.CustomerID, "error", err)
			http.Error(w, "payment hold failed", http.StatusBadGateway)
			return
		}
		newRide.PaymentRef = ref
	}

	if err := s.store.CreateRide(r.Context(), newRide); err != nil {
		s.logger.Error("ride create failed", "error", err)
		http.Error(w, "could not create ride", http.StatusInternalServerError)
		return
	}

	// broadcast rounds outlive the HTTP request
	go s.dispatcher.Dispatch(context.Background(), newRide)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"ride_id":     newRide.ID,
		"pickup_code": newRide.PickupCode,
		"status":      newRide.Status,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var body struct {
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CustomerID == "" {
		http.Error(w, "customer_id is required", http.StatusBadRequest)
		return
	}
	if err := s.lifecycle.Cancel(r.Context(), body.CustomerID, rideID); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ride_id": rideID, "status": models.StatusCancelled})
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch ride.KindOf(err) {
	case ride.KindValidation:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case ride.KindConflict:
		http.Error(w, err.Error(), http.StatusConflict)
	case ride.KindStaleState:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":         err.Error(),
			"current_state": ride.CurrentState(err),
		})
	case ride.KindUnavailable:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	city := q.Get("city")
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if city == "" || errLat != nil || errLng != nil {
		http.Error(w, "city, lat and lng are required", http.StatusBadRequest)
		return
	}
	radiusKm := 3.0
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radiusKm = f
		}
	}

	ids, err := s.presence.Nearby(r.Context(), city, models.Coord{Lat: lat, Lng: lng}, radiusKm)
	if err != nil {
		s.logger.Error("nearby search failed", "city", city, "error", err)
		http.Error(w, "presence store unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]models.DriverState, 0, len(ids))
	for _, id := range ids {
		st, err := s.presence.Driver(r.Context(), id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"drivers": out})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var role registry.Role
	switch vars["role"] {
	case "driver":
		role = registry.RoleDriver
	case "customer":
		role = registry.RoleCustomer
	default:
		http.Error(w, "role must be driver or customer", http.StatusBadRequest)
		return
	}
	if id == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}
	s.wsHandler.Serve(w, r, role, id)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

// newPickupCode generates the numeric one-time code the customer reads
// to the driver before the ride starts.
func newPickupCode(n int) string {
	const digits = "0123456789"
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			out[i] = '0'
			continue
		}
		out[i] = digits[v.Int64()]
	}
	return string(out)
}
