package booking

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound        = errors.New("reservation not found")
	ErrAlreadyReserved = errors.New("user already holds an active reservation")
	ErrBikeNotFound    = errors.New("bike not found")
	ErrBikeUnavailable = errors.New("bike not available")
	ErrNotAuthorized   = errors.New("not authorized to modify this reservation")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create holds the bike for the user. The user's active reservations and the bike row are
// locked so two concurrent requests cannot both succeed.
func (r *Repository) Create(ctx context.Context, res *Reservation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Lapsed holds the sweeper has not reached yet must not block the new one.
	if _, err = tx.ExecContext(ctx, expireDueQuery, res.CreatedAt); err != nil {
		return err
	}

	var held []string
	err = tx.SelectContext(ctx, &held, checkActiveQuery, res.UserID)
	if err != nil {
		return err
	}
	if len(held) > 0 {
		return ErrAlreadyReserved
	}

	var status string
	err = tx.GetContext(ctx, &status, lockBikeQuery, res.BikeID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBikeNotFound
	}
	if err != nil {
		return err
	}
	if status != "disponible" {
		return ErrBikeUnavailable
	}

	_, err = tx.ExecContext(ctx, reserveBikeQuery, res.BikeID)
	if err != nil {
		return err
	}

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	err = tx.GetContext(ctx, res, createQuery,
		res.ID, res.BikeID, res.StationID, res.UserID, res.CreatedAt, res.ExpiresAt, res.ScheduledAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const checkActiveQuery = `
SELECT id FROM reservations
WHERE user_id = $1
  AND status = 'activa'
  AND expires_at > now()
FOR UPDATE
`

const lockBikeQuery = `SELECT status FROM bikes WHERE id = $1 FOR UPDATE`

const reserveBikeQuery = `UPDATE bikes SET status = 'reservada' WHERE id = $1`

const createQuery = `
INSERT INTO reservations (id, bike_id, station_id, user_id, created_at, expires_at, scheduled_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'activa')
RETURNING *
`

// ActiveByUser returns the user's active reservation, or nil.
func (r *Repository) ActiveByUser(ctx context.Context, userID string) (*Reservation, error) {
	var res Reservation
	err := r.db.GetContext(ctx, &res, activeByUserQuery, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

const activeByUserQuery = `
SELECT * FROM reservations
WHERE user_id = $1
  AND status = 'activa'
  AND expires_at > now()
ORDER BY created_at DESC
LIMIT 1
`

// Cancel releases an active reservation. Cancelling one that is no longer active returns it
// unchanged.
func (r *Repository) Cancel(ctx context.Context, id string, userID string) (Reservation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer tx.Rollback()

	var res Reservation
	err = tx.GetContext(ctx, &res, getForUpdateQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, err
	}

	if res.UserID != userID {
		return Reservation{}, ErrNotAuthorized
	}

	if res.Status != StatusActive {
		return res, nil
	}

	err = tx.GetContext(ctx, &res, cancelQuery, id)
	if err != nil {
		return Reservation{}, err
	}
	_, err = tx.ExecContext(ctx, releaseBikeQuery, res.BikeID)
	if err != nil {
		return Reservation{}, err
	}

	return res, tx.Commit()
}

const getForUpdateQuery = `SELECT * FROM reservations WHERE id = $1 FOR UPDATE`

const cancelQuery = `UPDATE reservations SET status = 'cancelada' WHERE id = $1 RETURNING *`

const releaseBikeQuery = `UPDATE bikes SET status = 'disponible' WHERE id = $1 AND status = 'reservada'`

// ExpireDue marks overdue reservations expired and releases their bikes. It returns the
// number of bikes released.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, expireDueQuery, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const expireDueQuery = `
WITH expired AS (
    UPDATE reservations SET status = 'expirada'
    WHERE status = 'activa' AND expires_at <= $1
    RETURNING bike_id
)
UPDATE bikes SET status = 'disponible'
WHERE status = 'reservada' AND id IN (SELECT bike_id FROM expired)
`
