package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) ArchiveTrip(ctx context.Context, t models.TripRequest, bids []models.Bid) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO trip_requests(id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address, destination, fare, status, eligible, declined, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, declined=EXCLUDED.declined, updated_at=EXCLUDED.updated_at`,
		t.ID, t.RiderID, nullString(t.DriverID), t.Pickup.Lat, t.Pickup.Lon, t.PickupAddress, t.Destination, nullFloat(t.Fare),
		string(t.Status), pq.Array(t.Eligible), pq.Array(t.Declined), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("archive trip %d: %w", t.ID, err)
	}
	for _, b := range bids {
		var parent sql.NullInt64
		if b.ParentID != nil {
			parent = sql.NullInt64{Int64: *b.ParentID, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO bids(id, trip_id, driver_id, rider_id, amount, status, parent_id, proposed_by, created_at, updated_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
			b.ID, b.TripID, b.DriverID, b.RiderID, b.Amount, string(b.Status), parent, string(b.ProposedBy), b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("archive bid %d: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

const tripColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address, destination, fare, status, eligible, declined, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (models.TripRequest, error) {
	var (
		t      models.TripRequest
		driver sql.NullString
		fare   sql.NullFloat64
		status string
	)
	err := row.Scan(&t.ID, &t.RiderID, &driver, &t.Pickup.Lat, &t.Pickup.Lon, &t.PickupAddress, &t.Destination, &fare,
		&status, pq.Array(&t.Eligible), pq.Array(&t.Declined), &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.DriverID = driver.String
	t.Status = models.TripStatus(status)
	if fare.Valid {
		f := fare.Float64
		t.Fare = &f
	}
	return t, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id int64) (models.TripRequest, []models.Bid, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trip_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil, apperr.New(apperr.KindNotFound, "trip %d not archived", id)
	}
	if err != nil {
		return t, nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, driver_id, rider_id, amount, status, parent_id, proposed_by, created_at, updated_at
		FROM bids WHERE trip_id=$1 ORDER BY id`, id)
	if err != nil {
		return t, nil, err
	}
	defer rows.Close()
	var bids []models.Bid
	for rows.Next() {
		var (
			b              models.Bid
			status, author string
			parent         sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.TripID, &b.DriverID, &b.RiderID, &b.Amount, &status, &parent, &author, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return t, nil, err
		}
		b.Status = models.BidStatus(status)
		b.ProposedBy = models.Role(author)
		if parent.Valid {
			v := parent.Int64
			b.ParentID = &v
		}
		bids = append(bids, b)
	}
	return t, bids, rows.Err()
}

func (p *PostgresStore) TripsForRider(ctx context.Context, riderID string, limit int) ([]models.TripRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trip_requests WHERE rider_id=$1 ORDER BY id DESC LIMIT $2`, riderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripRequest
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastIDs(ctx context.Context) (tripID, bidID int64, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT COALESCE((SELECT MAX(id) FROM trip_requests), 0), COALESCE((SELECT MAX(id) FROM bids), 0)`).Scan(&tripID, &bidID)
	return tripID, bidID, err
}

func (p *PostgresStore) PutProfile(ctx context.Context, pr models.Profile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO profiles(id, role, name, mobile, rating) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (id, role) DO UPDATE SET name=EXCLUDED.name, mobile=EXCLUDED.mobile, rating=EXCLUDED.rating`,
		pr.Principal.ID, string(pr.Principal.Role), pr.Name, pr.Mobile, pr.Rating)
	return err
}

func (p *PostgresStore) GetProfile(ctx context.Context, who models.Principal) (models.Profile, error) {
	pr := models.Profile{Principal: who}
	err := p.db.QueryRowContext(ctx, `SELECT name, mobile, rating FROM profiles WHERE id=$1 AND role=$2`, who.ID, string(who.Role)).
		Scan(&pr.Name, &pr.Mobile, &pr.Rating)
	if errors.Is(err, sql.ErrNoRows) {
		return pr, apperr.New(apperr.KindNotFound, "no profile for %s", who)
	}
	return pr, err
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
