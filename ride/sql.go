package ride

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound      = errors.New("trip not found")
	ErrNoReservation = errors.New("no active reservation for this bike")
	ErrNotEnded      = errors.New("trip has not ended")
	ErrNoPayment     = errors.New("no payment recorded for trip")
	// ErrChargeMismatch is a card charge whose amount differs from the trip's payable total.
	ErrChargeMismatch = errors.New("charged amount does not match trip total")
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

const tripColumns = `id, bike_id, user_id, reservation_id, start_station_id, end_station_id,
       started_at, ended_at, included_minutes, status`

// Start converts the user's active reservation for bikeID into a trip, provided serial
// matches the number printed on the bike.
func (r *Repository) Start(ctx context.Context, userID, bikeID, serial, endStationID string, includedMinutes int) (Trip, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Trip{}, err
	}
	defer tx.Rollback()

	var active string
	err = tx.GetContext(ctx, &active, activeTripIDQuery, userID)
	if err == nil {
		return Trip{}, &tripInProgressError{tripID: active}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Trip{}, err
	}

	var res struct {
		ID        string  `db:"id"`
		StationID *string `db:"station_id"`
	}
	err = tx.GetContext(ctx, &res, reservationForBikeQuery, userID, bikeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, ErrNoReservation
	}
	if err != nil {
		return Trip{}, err
	}

	var actual string
	err = tx.GetContext(ctx, &actual, bikeSerialQuery, bikeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, ErrNoReservation
	}
	if err != nil {
		return Trip{}, err
	}
	if actual != serial {
		return Trip{}, &serialMismatchError{bikeID: bikeID}
	}

	var trip Trip
	err = tx.GetContext(ctx, &trip, startTripQuery,
		uuid.NewString(), bikeID, userID, res.ID, res.StationID, endStationID, includedMinutes)
	if err != nil {
		return Trip{}, err
	}
	if _, err = tx.ExecContext(ctx, convertReservationQuery, res.ID); err != nil {
		return Trip{}, err
	}
	if _, err = tx.ExecContext(ctx, bikeInUseQuery, bikeID); err != nil {
		return Trip{}, err
	}

	return trip, tx.Commit()
}

const activeTripIDQuery = `SELECT id FROM trips WHERE user_id = $1 AND status = 'activo' FOR UPDATE`

const reservationForBikeQuery = `
SELECT id, station_id FROM reservations
WHERE user_id = $1
  AND bike_id = $2
  AND status = 'activa'
  AND expires_at > now()
FOR UPDATE
`

const bikeSerialQuery = `SELECT serial FROM bikes WHERE id = $1 FOR UPDATE`

const startTripQuery = `
INSERT INTO trips (id, bike_id, user_id, reservation_id, start_station_id, end_station_id,
                   started_at, included_minutes, status)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7, 'activo')
RETURNING ` + tripColumns

const convertReservationQuery = `UPDATE reservations SET status = 'convertida' WHERE id = $1`

const bikeInUseQuery = `UPDATE bikes SET status = 'en_uso', station_id = NULL WHERE id = $1`

func (r *Repository) Get(ctx context.Context, id string) (Trip, error) {
	var trip Trip
	err := r.db.GetContext(ctx, &trip, getTripQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, ErrNotFound
	}
	return trip, err
}

const getTripQuery = `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`

// ActiveByUser returns the user's active trip, or nil.
func (r *Repository) ActiveByUser(ctx context.Context, userID string) (*Trip, error) {
	var trip Trip
	err := r.db.GetContext(ctx, &trip, activeByUserQuery, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

const activeByUserQuery = `SELECT ` + tripColumns + ` FROM trips WHERE user_id = $1 AND status = 'activo'`

// History lists the user's trips, most recent first.
func (r *Repository) History(ctx context.Context, userID string) ([]Trip, error) {
	trips := []Trip{}
	err := r.db.SelectContext(ctx, &trips, historyQuery, userID)
	return trips, err
}

const historyQuery = `SELECT ` + tripColumns + ` FROM trips WHERE user_id = $1 ORDER BY started_at DESC`

// CompleteByBike ends the bike's active trip at the given time, docks the bike at the
// trip's destination and stores the price. It returns nil when the bike has no active trip.
func (r *Repository) CompleteByBike(ctx context.Context, bikeID string, at time.Time, tariff Tariff) (*Trip, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var trip Trip
	err = tx.GetContext(ctx, &trip, activeTripForBikeQuery, bikeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = tx.GetContext(ctx, &trip, completeTripQuery, trip.ID, at)
	if err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, dockBikeQuery, bikeID, trip.EndStationID); err != nil {
		return nil, err
	}

	p := tariff.Price(trip.ID, trip.StartTime, at)
	_, err = tx.ExecContext(ctx, insertPricingQuery,
		p.TripID, p.Subtotal, p.OvertimeMinutes, p.OvertimeCharge, p.Tax, p.Total, p.PointsEarned)
	if err != nil {
		return nil, err
	}

	return &trip, tx.Commit()
}

const activeTripForBikeQuery = `SELECT ` + tripColumns + ` FROM trips WHERE bike_id = $1 AND status = 'activo' FOR UPDATE`

const completeTripQuery = `UPDATE trips SET ended_at = $2, status = 'completado' WHERE id = $1 RETURNING ` + tripColumns

const dockBikeQuery = `UPDATE bikes SET status = 'disponible', station_id = $2 WHERE id = $1`

const insertPricingQuery = `
INSERT INTO trip_pricing (trip_id, subtotal, overtime_minutes, overtime_charge, tax, total, points_earned)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// Pricing returns the stored price of a finished trip owned by userID.
func (r *Repository) Pricing(ctx context.Context, tripID, userID string) (Pricing, error) {
	trip, err := r.Get(ctx, tripID)
	if err != nil {
		return Pricing{}, err
	}
	if trip.UserID != userID {
		return Pricing{}, ErrNotFound
	}
	if trip.Status == StatusActive {
		return Pricing{}, ErrNotEnded
	}

	var p Pricing
	err = r.db.GetContext(ctx, &p, pricingQuery, tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return Pricing{}, ErrNotEnded
	}
	return p, err
}

const pricingQuery = `
SELECT trip_id, subtotal, overtime_minutes, overtime_charge, tax, total, points_earned, discounted_total
FROM trip_pricing
WHERE trip_id = $1
`

// PricingForUpdate locks and returns a finished trip's price inside tx.
func PricingForUpdate(ctx context.Context, tx *sqlx.Tx, tripID, userID string) (Trip, Pricing, error) {
	var trip Trip
	err := tx.GetContext(ctx, &trip, tripForUpdateQuery, tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, Pricing{}, ErrNotFound
	}
	if err != nil {
		return Trip{}, Pricing{}, err
	}
	if trip.UserID != userID {
		return Trip{}, Pricing{}, ErrNotFound
	}
	if trip.Status == StatusActive {
		return trip, Pricing{}, ErrNotEnded
	}

	var p Pricing
	err = tx.GetContext(ctx, &p, pricingForUpdateQuery, tripID)
	if errors.Is(err, sql.ErrNoRows) {
		return trip, Pricing{}, ErrNotEnded
	}
	return trip, p, err
}

const tripForUpdateQuery = `SELECT ` + tripColumns + ` FROM trips WHERE id = $1 FOR UPDATE`

const pricingForUpdateQuery = pricingQuery + ` FOR UPDATE`

// MarkPaidTx marks a finished trip paid inside tx and credits the trip's points. Marking an
// already paid trip returns it unchanged.
func MarkPaidTx(ctx context.Context, tx *sqlx.Tx, tripID, userID string) (Trip, error) {
	trip, _, err := PricingForUpdate(ctx, tx, tripID, userID)
	if err != nil {
		return trip, err
	}
	if trip.Status == StatusPaid {
		return trip, nil
	}

	if err := tx.GetContext(ctx, &trip, markPaidQuery, tripID); err != nil {
		return Trip{}, err
	}
	if _, err := tx.ExecContext(ctx, awardPointsQuery, userID, tripID); err != nil {
		return Trip{}, err
	}
	return trip, nil
}

const markPaidQuery = `UPDATE trips SET status = 'pagado' WHERE id = $1 RETURNING ` + tripColumns

const awardPointsQuery = `
UPDATE customers SET points = points + (SELECT points_earned FROM trip_pricing WHERE trip_id = $2)
WHERE auth0_id = $1
`

// MarkPaid reconciles a trip settled outside the wallet ledger by a subscription credit,
// which must already be recorded for it.
func (r *Repository) MarkPaid(ctx context.Context, tripID, userID string) (Trip, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Trip{}, err
	}
	defer tx.Rollback()

	var recorded bool
	if err := tx.GetContext(ctx, &recorded, hasPaymentQuery, tripID); err != nil {
		return Trip{}, err
	}
	if !recorded {
		return Trip{}, ErrNoPayment
	}

	trip, err := MarkPaidTx(ctx, tx, tripID, userID)
	if err != nil {
		return Trip{}, err
	}
	return trip, tx.Commit()
}

const hasPaymentQuery = `SELECT EXISTS (SELECT 1 FROM payments WHERE trip_id = $1)`

// RecordedIntent returns the card PaymentIntent opened for the user's trip, or "" when the
// trip has none.
func (r *Repository) RecordedIntent(ctx context.Context, tripID, userID string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, recordedIntentQuery, tripID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

const recordedIntentQuery = `
SELECT pi.intent_id FROM payment_intents pi
JOIN trips t ON t.id = pi.trip_id
WHERE pi.trip_id = $1 AND t.user_id = $2
`

// MarkCardPaid records a card charge the processor reported as succeeded and marks the
// trip paid. intentID must be the trip's recorded intent and charged its payable total.
func (r *Repository) MarkCardPaid(ctx context.Context, tripID, userID, intentID string, charged int64) (Trip, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Trip{}, err
	}
	defer tx.Rollback()

	trip, pricing, err := PricingForUpdate(ctx, tx, tripID, userID)
	if err != nil {
		return trip, err
	}
	if trip.Status == StatusPaid {
		return trip, nil
	}

	var recorded string
	err = tx.GetContext(ctx, &recorded, lockIntentQuery, tripID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && recorded != intentID) {
		return Trip{}, ErrNoPayment
	}
	if err != nil {
		return Trip{}, err
	}
	if charged != pricing.Payable() {
		return Trip{}, fmt.Errorf("%w: charged %d, payable %d", ErrChargeMismatch, charged, pricing.Payable())
	}

	if _, err := tx.ExecContext(ctx, recordCardPaymentQuery, uuid.NewString(), tripID, userID, charged); err != nil {
		return Trip{}, err
	}

	trip, err = MarkPaidTx(ctx, tx, tripID, userID)
	if err != nil {
		return Trip{}, err
	}
	return trip, tx.Commit()
}

const lockIntentQuery = `SELECT intent_id FROM payment_intents WHERE trip_id = $1 FOR UPDATE`

const recordCardPaymentQuery = `
INSERT INTO payments (id, trip_id, user_id, method, amount, created_at)
VALUES ($1, $2, $3, 'tarjeta', $4, now())
ON CONFLICT (trip_id) DO NOTHING
`

type tripInProgressError struct {
	tripID string
}

func (e *tripInProgressError) Error() string {
	return "trip in progress: " + e.tripID
}

// TripFromInProgressError returns the id of the trip that blocked a new unlock.
func TripFromInProgressError(err error) (string, bool) {
	var tip *tripInProgressError
	if errors.As(err, &tip) {
		return tip.tripID, true
	}
	return "", false
}

type serialMismatchError struct {
	bikeID string
}

func (e *serialMismatchError) Error() string {
	return "serial number does not match bike " + e.bikeID
}

// BikeFromSerialMismatchError returns the bike whose serial did not match.
func BikeFromSerialMismatchError(err error) (string, bool) {
	var sme *serialMismatchError
	if errors.As(err, &sme) {
		return sme.bikeID, true
	}
	return "", false
}
