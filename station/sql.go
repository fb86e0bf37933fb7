package station

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("station not found")

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

type row struct {
	ID               uuid.UUID    `db:"id"`
	Name             string       `db:"name"`
	Location         pgtype.Point `db:"location"`
	Capacity         int          `db:"capacity"`
	Type             Type         `db:"type"`
	RedistributionAt sql.NullTime `db:"redistribution_at"`
	Available        int          `db:"available"`
}

func (r row) station() Station {
	s := Station{
		ID:             r.ID.String(),
		Name:           r.Name,
		Position:       Position{Lat: r.Location.P.X, Lon: r.Location.P.Y},
		Capacity:       r.Capacity,
		AvailableBikes: r.Available,
		Type:           r.Type,
	}
	if r.RedistributionAt.Valid {
		t := r.RedistributionAt.Time
		s.RedistributionAt = &t
	}
	return s
}

func (r *Repository) GetStations(ctx context.Context) ([]Station, error) {
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, getStations); err != nil {
		return nil, err
	}
	stations := make([]Station, 0, len(rows))
	for _, sr := range rows {
		stations = append(stations, sr.station())
	}
	return stations, nil
}

const getStations = `
SELECT s.id, s.name, s.location, s.capacity, s.type, s.redistribution_at,
       (SELECT count(*) FROM bikes b WHERE b.station_id = s.id AND b.status = 'disponible') AS available
FROM stations s
ORDER BY s.name
`

func (r *Repository) GetStation(ctx context.Context, id string) (Station, error) {
	var sr row
	err := r.db.GetContext(ctx, &sr, getStation, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Station{}, ErrNotFound
	}
	if err != nil {
		return Station{}, err
	}
	return sr.station(), nil
}

const getStation = `
SELECT s.id, s.name, s.location, s.capacity, s.type, s.redistribution_at,
       (SELECT count(*) FROM bikes b WHERE b.station_id = s.id AND b.status = 'disponible') AS available
FROM stations s
WHERE s.id = $1
`
