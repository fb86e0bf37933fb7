package bike

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikeshare/station"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoTelemetry  = errors.New("no telemetry reported")
	ErrNotAvailable = errors.New("bike not available")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetBikes(ctx context.Context) ([]Bike, error) {
	bikes := []Bike{}
	err := r.db.SelectContext(ctx, &bikes, getBikes)
	return bikes, err
}

const getBikes = `SELECT id, type, status, station_id FROM bikes ORDER BY id`

func (r *Repository) GetBikesAtStation(ctx context.Context, stationID string) ([]Bike, error) {
	bikes := []Bike{}
	err := r.db.SelectContext(ctx, &bikes, getBikesAtStation, stationID)
	return bikes, err
}

const getBikesAtStation = `SELECT id, type, status, station_id FROM bikes WHERE station_id = $1 ORDER BY id`

func (r *Repository) GetBike(ctx context.Context, id string) (Bike, error) {
	var bike Bike

	err := r.db.GetContext(ctx, &bike, getBike, id)
	if errors.Is(err, sql.ErrNoRows) {
		return bike, ErrNotFound
	}

	return bike, err
}

const getBike = `SELECT id, type, status, station_id FROM bikes WHERE id = $1`

type telemetryRow struct {
	BikeID     string        `db:"bike_id"`
	Location   pgtype.Point  `db:"location"`
	Battery    sql.NullInt32 `db:"battery"`
	Locked     bool          `db:"locked"`
	RecordedAt time.Time     `db:"recorded_at"`
}

func (tr telemetryRow) telemetry() Telemetry {
	t := Telemetry{
		BikeID:    tr.BikeID,
		Position:  station.Position{Lat: tr.Location.P.X, Lon: tr.Location.P.Y},
		Lock:      Unlocked,
		Timestamp: tr.RecordedAt,
	}
	if tr.Locked {
		t.Lock = Locked
	}
	if tr.Battery.Valid {
		b := int(tr.Battery.Int32)
		t.Battery = &b
	}
	return t
}

// LatestTelemetry returns the most recent sample reported by a bike.
func (r *Repository) LatestTelemetry(ctx context.Context, id string) (Telemetry, error) {
	var tr telemetryRow
	err := r.db.GetContext(ctx, &tr, latestTelemetry, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Telemetry{}, ErrNoTelemetry
	}
	if err != nil {
		return Telemetry{}, err
	}
	return tr.telemetry(), nil
}

const latestTelemetry = `
SELECT bike_id, location, battery, locked, recorded_at
FROM bike_telemetry
WHERE bike_id = $1
ORDER BY recorded_at DESC
LIMIT 1
`

// RecordTelemetry stores a sample and moves the bike to its reported position.
func (r *Repository) RecordTelemetry(ctx context.Context, t Telemetry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	loc := pgtype.Point{P: pgtype.Vec2{X: t.Lat, Y: t.Lon}, Valid: true}
	var battery sql.NullInt32
	if t.Battery != nil {
		battery = sql.NullInt32{Int32: int32(*t.Battery), Valid: true}
	}

	res, err := tx.ExecContext(ctx, moveBike, t.BikeID, loc)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, recordTelemetry, t.BikeID, loc, battery, t.Locked(), t.Timestamp)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const moveBike = `UPDATE bikes SET location = $2 WHERE id = $1`

const recordTelemetry = `
INSERT INTO bike_telemetry (bike_id, location, battery, locked, recorded_at)
VALUES ($1, $2, $3, $4, $5)
`
