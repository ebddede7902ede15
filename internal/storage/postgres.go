package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// Postgres is the durable RideStore. The conditional UPDATE in
// AssignDriver is the at-most-one-driver serialization primitive;
// UpdateStatus takes the row lock for the read-check-write.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(
			id, customer_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			pickup_address, dropoff_address, city, category, sub_category,
			fare, payment_method, wallet_deduction, amount_due, payment_ref,
			pickup_code, polyline, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.CustomerID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng,
		r.PickupAddress, r.DropoffAddress, r.City, r.Category, r.SubCategory,
		r.Fare, r.PaymentMethod, r.WalletDeduction, r.AmountDue, r.PaymentRef,
		r.PickupCode, r.Polyline, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

const rideColumns = `
	id, customer_id, COALESCE(driver_id, ''), pickup_lat, pickup_lng,
	dropoff_lat, dropoff_lng, pickup_address, dropoff_address, city,
	category, sub_category, fare, payment_method, wallet_deduction,
	amount_due, payment_ref, pickup_code, polyline, status,
	created_at, updated_at`

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(
		&r.ID, &r.CustomerID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lng,
		&r.Dropoff.Lat, &r.Dropoff.Lng, &r.PickupAddress, &r.DropoffAddress, &r.City,
		&r.Category, &r.SubCategory, &r.Fare, &r.PaymentMethod, &r.WalletDeduction,
		&r.AmountDue, &r.PaymentRef, &r.PickupCode, &r.Polyline, &r.Status,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT`+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *Postgres) AssignDriver(ctx context.Context, rideID, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET driver_id=$1, status=$2, updated_at=$3
		WHERE id=$4 AND driver_id IS NULL AND status=$5`,
		driverID, models.StatusEnRoute, time.Now(), rideID, models.StatusRequested)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, rideID string, from, to models.RideStatus) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var cur models.RideStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM rides WHERE id=$1 FOR UPDATE`, rideID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if cur != from {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rides SET status=$1, updated_at=$2 WHERE id=$3`,
		to, time.Now(), rideID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *Postgres) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET status=$1, updated_at=$2 WHERE id=$3`,
		status, time.Now(), driverID)
	return err
}

func (p *Postgres) DriverProfile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	var dp models.DriverProfile
	err := p.db.QueryRowContext(ctx, `
		SELECT d.id, d.status, v.category, v.sub_category
		FROM drivers d
		JOIN driver_vehicles v ON v.driver_id = d.id
		WHERE d.id=$1`, driverID).
		Scan(&dp.ID, &dp.Status, &dp.VehicleCategory, &dp.VehicleSubCategory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dp, nil
}

func (p *Postgres) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `
		SELECT`+rideColumns+` FROM rides
		WHERE driver_id=$1 AND status NOT IN ($2,$3)
		ORDER BY created_at DESC LIMIT 1`,
		driverID, models.StatusCompleted, models.StatusCancelled))
}
