package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists trips in a single rides table. The full trip
// document rides along as JSON next to the columns that are queried, so
// schema churn on nested fields stays cheap.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO trips(id, rider_id, driver_id, vehicle_class, status, pickup_lat, pickup_lng, otp_attempts, created_at, updated_at, doc)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.RiderID, t.DriverID, string(t.VehicleClass), string(t.Status),
		t.Pickup.Lat, t.Pickup.Lng, t.OTPAttempts, t.CreatedAt, t.UpdatedAt, doc)
	return err
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	var doc []byte
	err := p.db.QueryRow(`SELECT doc FROM trips WHERE id=$1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	var t models.Trip
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) AssignDriver(tripID, driverID, otp string) (*models.Trip, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := lockTrip(tx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusSearching {
		return nil, ErrTripNotSearching
	}
	t.Status = models.StatusAssigned
	t.DriverID = driverID
	t.OTP = otp
	t.OTPAttempts = 0
	t.UpdatedAt = time.Now()

	if err := writeTrip(tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) Mutate(tripID string, fn func(*models.Trip) error) (*models.Trip, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := lockTrip(tx, tripID)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now()

	if err := writeTrip(tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) CountSearchingNear(pt models.Coord, class models.VehicleClass, radiusMeters float64, since time.Time) int {
	// status, class and recency are filtered in SQL; the exact radius
	// check happens here
	rows, err := p.db.Query(`SELECT pickup_lat, pickup_lng FROM trips
		WHERE status=$1 AND vehicle_class=$2 AND created_at >= $3`,
		string(models.StatusSearching), string(class), since)
	if err != nil {
		return 0
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var lat, lng float64
		if err := rows.Scan(&lat, &lng); err != nil {
			continue
		}
		if geo.Haversine(pt.Lat, pt.Lng, lat, lng) <= radiusMeters {
			n++
		}
	}
	return n
}

func (p *PostgresStore) IncrementDriverStats(driverID string, earnings float64) error {
	_, err := p.db.Exec(`INSERT INTO driver_stats(driver_id, total_trips, total_earnings)
		VALUES($1, 1, $2)
		ON CONFLICT (driver_id) DO UPDATE
		SET total_trips = driver_stats.total_trips + 1,
		    total_earnings = driver_stats.total_earnings + $2`,
		driverID, earnings)
	return err
}

func lockTrip(tx *sql.Tx, id string) (*models.Trip, error) {
	var doc []byte
	var attempts int
	err := tx.QueryRow(`SELECT doc, otp_attempts FROM trips WHERE id=$1 FOR UPDATE`, id).Scan(&doc, &attempts)
	if err == sql.ErrNoRows {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	var t models.Trip
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, err
	}
	// OTP attempt count is column-only; the doc never carries it.
	t.OTPAttempts = attempts
	return &t, nil
}

func writeTrip(tx *sql.Tx, t *models.Trip) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`UPDATE trips SET driver_id=$1, status=$2, otp_attempts=$3, updated_at=$4, doc=$5 WHERE id=$6`,
		t.DriverID, string(t.Status), t.OTPAttempts, t.UpdatedAt, doc, t.ID)
	return err
}
