package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rides(id, rider_id, pickup_address, destination_address, ride_type, special_requests, estimated_fare, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.RiderID, r.PickupAddress, r.DestinationAddress, r.RideType, r.SpecialRequests, r.EstimatedFare, r.Status, r.CreatedAt, r.UpdatedAt)
	return err
}

const rideColumns = `id, rider_id, COALESCE(driver_id,''), pickup_address, destination_address,
	estimated_fare, actual_fare, status, ride_type, COALESCE(special_requests,''),
	created_at, updated_at, accepted_at, pickup_at, started_at, completed_at`

func scanRide(row *sql.Row) (models.Ride, error) {
	var r models.Ride
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.PickupAddress, &r.DestinationAddress,
		&r.EstimatedFare, &r.ActualFare, &r.Status, &r.RideType, &r.SpecialRequests,
		&r.CreatedAt, &r.UpdatedAt, &r.AcceptedAt, &r.PickupAt, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrRideNotFound
	}
	return r, err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

// CompareAndSetStatus is a single UPDATE guarded on the current status, so
// the row lock serializes racing transitions. Zero rows affected with the
// ride present means the caller lost the race.
func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.RideStatus, patch Patch) (bool, error) {
	var driver sql.NullString
	if patch.DriverID != nil {
		driver = sql.NullString{String: *patch.DriverID, Valid: true}
	}
	setDriver := patch.DriverID != nil || patch.ClearDriver
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET
			status=$3,
			updated_at=$4,
			driver_id=CASE WHEN $5 THEN $6 ELSE driver_id END,
			accepted_at=COALESCE($7, accepted_at),
			pickup_at=COALESCE($8, pickup_at),
			started_at=COALESCE($9, started_at),
			completed_at=COALESCE($10, completed_at),
			actual_fare=COALESCE($11, actual_fare)
		 WHERE id=$1 AND status=$2`,
		id, expected, next, time.Now().UTC(), setDriver, driver,
		patch.AcceptedAt, patch.PickupAt, patch.StartedAt, patch.CompletedAt, patch.ActualFare)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing ride.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrRideNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListByRider(ctx context.Context, riderID string, limit, offset int) ([]models.Ride, int, error) {
	limit = normalizeLimit(limit)
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rides WHERE rider_id=$1`, riderID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE rider_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		riderID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		var r models.Ride
		if err := rows.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.PickupAddress, &r.DestinationAddress,
			&r.EstimatedFare, &r.ActualFare, &r.Status, &r.RideType, &r.SpecialRequests,
			&r.CreatedAt, &r.UpdatedAt, &r.AcceptedAt, &r.PickupAt, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }
