package customer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikeshare/ride"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		db: db,
	}
}

var (
	ErrNotFound          = errors.New("customer not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoCardLinked      = errors.New("no citypass linked")
	ErrNoSubscription    = errors.New("no subscription trips available")
	ErrNoPoints          = errors.New("not enough points to redeem")
	ErrAlreadyRedeemed   = errors.New("points already redeemed for this trip")
	ErrAlreadyPaid       = errors.New("trip already paid")
	ErrAmountMismatch    = errors.New("amount does not match trip total")
)

const customerColumns = `id, auth0_id, stripe_id, email, name, balance, points,
       citypass_linked, citypass_balance, created_at`

func (r *Repository) GetCustomerByAuth0ID(ctx context.Context, auth0ID string) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, getCustomerByAuth0IDQuery, auth0ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, err
	}
	return &customer, nil
}

const getCustomerByAuth0IDQuery = "SELECT " + customerColumns + " FROM customers WHERE auth0_id = $1"

func (r *Repository) CreateCustomer(ctx context.Context, auth0ID string) (*Customer, error) {
	var customer Customer
	err := r.db.GetContext(ctx, &customer, createCustomerQuery, uuid.New(), auth0ID)
	return &customer, err
}

const createCustomerQuery = `
INSERT INTO customers (id, auth0_id) VALUES ($1, $2)
ON CONFLICT (auth0_id) DO UPDATE SET auth0_id = EXCLUDED.auth0_id
RETURNING ` + customerColumns

// GetOrCreate returns the customer for auth0ID, creating an empty account on first sight.
func (r *Repository) GetOrCreate(ctx context.Context, auth0ID string) (*Customer, error) {
	cust, err := r.GetCustomerByAuth0ID(ctx, auth0ID)
	if errors.Is(err, ErrNotFound) {
		return r.CreateCustomer(ctx, auth0ID)
	}
	return cust, err
}

func (r *Repository) AddStripeIDToCustomer(ctx context.Context, auth0ID, stripeID string) error {
	_, err := r.db.ExecContext(ctx, addStripeIDToCustomerQuery, stripeID, auth0ID)
	return err
}

const addStripeIDToCustomerQuery = "UPDATE customers SET stripe_id = $1 WHERE auth0_id = $2"

func (r *Repository) UpdateProfile(ctx context.Context, auth0ID, email, name string) error {
	_, err := r.db.ExecContext(ctx, updateProfileQuery, email, name, auth0ID)
	return err
}

const updateProfileQuery = `UPDATE customers SET email = NULLIF($1, ''), name = NULLIF($2, '') WHERE auth0_id = $3`

func (r *Repository) Points(ctx context.Context, auth0ID string) (LoyaltyPoints, error) {
	var p LoyaltyPoints
	err := r.db.GetContext(ctx, &p.Balance, pointsQuery, auth0ID)
	if errors.Is(err, sql.ErrNoRows) {
		return LoyaltyPoints{}, nil
	}
	return p, err
}

const pointsQuery = `SELECT points FROM customers WHERE auth0_id = $1`

// ActiveSubscription returns the user's current subscription, or nil when there is none.
func (r *Repository) ActiveSubscription(ctx context.Context, auth0ID string) (*Subscription, error) {
	var s Subscription
	err := r.db.GetContext(ctx, &s, activeSubscriptionQuery, auth0ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const activeSubscriptionQuery = `
SELECT expires_at > now() AS active, plan, trips_available, expires_at
FROM subscriptions
WHERE user_id = $1
`

// PayWithBalance settles a trip from the prepaid wallet and marks it paid.
func (r *Repository) PayWithBalance(ctx context.Context, auth0ID, tripID string, amount int64) (ride.Trip, error) {
	return r.payFrom(ctx, auth0ID, tripID, amount, "saldo", lockBalanceQuery, debitBalanceQuery)
}

const lockBalanceQuery = `SELECT true AS linked, balance FROM customers WHERE auth0_id = $1 FOR UPDATE`

const debitBalanceQuery = `UPDATE customers SET balance = balance - $2 WHERE auth0_id = $1`

// PayWithCityPass settles a trip from the linked transit card and marks it paid.
func (r *Repository) PayWithCityPass(ctx context.Context, auth0ID, tripID string, amount int64) (ride.Trip, error) {
	return r.payFrom(ctx, auth0ID, tripID, amount, "citypass", lockCityPassQuery, debitCityPassQuery)
}

const lockCityPassQuery = `SELECT citypass_linked AS linked, citypass_balance AS balance FROM customers WHERE auth0_id = $1 FOR UPDATE`

const debitCityPassQuery = `UPDATE customers SET citypass_balance = citypass_balance - $2 WHERE auth0_id = $1`

func (r *Repository) payFrom(ctx context.Context, auth0ID, tripID string, amount int64, method, lockQuery, debitQuery string) (ride.Trip, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return ride.Trip{}, err
	}
	defer tx.Rollback()

	trip, pricing, err := ride.PricingForUpdate(ctx, tx, tripID, auth0ID)
	if err != nil {
		return ride.Trip{}, err
	}
	if trip.Status == ride.StatusPaid {
		return trip, ErrAlreadyPaid
	}
	if amount != pricing.Payable() {
		return ride.Trip{}, ErrAmountMismatch
	}

	var source struct {
		Linked  bool  `db:"linked"`
		Balance int64 `db:"balance"`
	}
	err = tx.GetContext(ctx, &source, lockQuery, auth0ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ride.Trip{}, ErrNotFound
	}
	if err != nil {
		return ride.Trip{}, err
	}
	if !source.Linked {
		return ride.Trip{}, ErrNoCardLinked
	}
	if source.Balance < amount {
		return ride.Trip{}, ErrInsufficientFunds
	}

	if _, err = tx.ExecContext(ctx, debitQuery, auth0ID, amount); err != nil {
		return ride.Trip{}, err
	}
	if _, err = tx.ExecContext(ctx, insertPaymentQuery, uuid.NewString(), tripID, auth0ID, method, amount); err != nil {
		return ride.Trip{}, err
	}

	trip, err = ride.MarkPaidTx(ctx, tx, tripID, auth0ID)
	if err != nil {
		return ride.Trip{}, err
	}
	return trip, tx.Commit()
}

const insertPaymentQuery = `
INSERT INTO payments (id, trip_id, user_id, method, amount, created_at)
VALUES ($1, $2, $3, $4, $5, now())
`

// ConsumeSubscriptionTrip spends one subscription credit on the trip. The trip is marked
// paid by the confirm step. Consuming twice for the same trip uses one credit.
func (r *Repository) ConsumeSubscriptionTrip(ctx context.Context, auth0ID, tripID string) (Subscription, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Subscription{}, err
	}
	defer tx.Rollback()

	trip, _, err := ride.PricingForUpdate(ctx, tx, tripID, auth0ID)
	if err != nil {
		return Subscription{}, err
	}
	if trip.Status == ride.StatusPaid {
		return Subscription{}, ErrAlreadyPaid
	}

	var sub Subscription
	err = tx.GetContext(ctx, &sub, lockSubscriptionQuery, auth0ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNoSubscription
	}
	if err != nil {
		return Subscription{}, err
	}

	var used bool
	if err = tx.GetContext(ctx, &used, subscriptionUsedQuery, tripID); err != nil {
		return Subscription{}, err
	}
	if used {
		return sub, nil
	}
	if !sub.Covers() {
		return Subscription{}, ErrNoSubscription
	}

	if err = tx.GetContext(ctx, &sub, consumeSubscriptionQuery, auth0ID); err != nil {
		return Subscription{}, err
	}
	if _, err = tx.ExecContext(ctx, recordSubscriptionUseQuery, tripID, auth0ID); err != nil {
		return Subscription{}, err
	}
	if _, err = tx.ExecContext(ctx, insertPaymentQuery, uuid.NewString(), tripID, auth0ID, "suscripcion", 0); err != nil {
		return Subscription{}, err
	}

	return sub, tx.Commit()
}

const lockSubscriptionQuery = `
SELECT expires_at > now() AS active, plan, trips_available, expires_at
FROM subscriptions
WHERE user_id = $1
FOR UPDATE
`

const subscriptionUsedQuery = `SELECT EXISTS (SELECT 1 FROM subscription_uses WHERE trip_id = $1)`

const consumeSubscriptionQuery = `
UPDATE subscriptions SET trips_available = trips_available - 1
WHERE user_id = $1
RETURNING expires_at > now() AS active, plan, trips_available, expires_at
`

const recordSubscriptionUseQuery = `INSERT INTO subscription_uses (trip_id, user_id, used_at) VALUES ($1, $2, now())`

// RedeemPoints spends the user's redeemable points against a finished trip. A trip can be
// discounted once; later calls return the recorded discount with ErrAlreadyRedeemed.
func (r *Repository) RedeemPoints(ctx context.Context, auth0ID, tripID string, tariff ride.Tariff) (Redemption, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Redemption{}, err
	}
	defer tx.Rollback()

	trip, pricing, err := ride.PricingForUpdate(ctx, tx, tripID, auth0ID)
	if err != nil {
		return Redemption{}, err
	}
	if pricing.DiscountedTotal != nil {
		return Redemption{
			DiscountedTotal: *pricing.DiscountedTotal,
			DiscountApplied: pricing.Total - *pricing.DiscountedTotal,
		}, ErrAlreadyRedeemed
	}
	if trip.Status == ride.StatusPaid {
		return Redemption{}, ErrAlreadyPaid
	}

	var balance int
	err = tx.GetContext(ctx, &balance, lockPointsQuery, auth0ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Redemption{}, ErrNoPoints
	}
	if err != nil {
		return Redemption{}, err
	}

	discounted, used := tariff.Discount(pricing, balance)
	if used == 0 {
		return Redemption{}, ErrNoPoints
	}

	if _, err = tx.ExecContext(ctx, spendPointsQuery, auth0ID, used); err != nil {
		return Redemption{}, err
	}
	if _, err = tx.ExecContext(ctx, applyDiscountQuery, tripID, discounted, used); err != nil {
		return Redemption{}, err
	}

	return Redemption{
		DiscountedTotal: discounted,
		DiscountApplied: pricing.Total - discounted,
	}, tx.Commit()
}

const lockPointsQuery = `SELECT points FROM customers WHERE auth0_id = $1 FOR UPDATE`

const spendPointsQuery = `UPDATE customers SET points = points - $2 WHERE auth0_id = $1`

const applyDiscountQuery = `UPDATE trip_pricing SET discounted_total = $2, points_redeemed = $3 WHERE trip_id = $1`

// RecordIntent stores the card PaymentIntent created for a trip so the confirm step can
// reconcile it. The amount must be the trip's payable total.
func (r *Repository) RecordIntent(ctx context.Context, auth0ID, tripID, intentID string, amount int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	trip, pricing, err := ride.PricingForUpdate(ctx, tx, tripID, auth0ID)
	if err != nil {
		return err
	}
	if trip.Status == ride.StatusPaid {
		return ErrAlreadyPaid
	}
	if amount != pricing.Payable() {
		return ErrAmountMismatch
	}

	if _, err = tx.ExecContext(ctx, recordIntentQuery, tripID, intentID, amount); err != nil {
		return err
	}
	return tx.Commit()
}

const recordIntentQuery = `
INSERT INTO payment_intents (trip_id, intent_id, amount, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (trip_id) DO UPDATE SET intent_id = EXCLUDED.intent_id, amount = EXCLUDED.amount
`

// CheckPayable validates an amount against the trip's payable total without writing.
func (r *Repository) CheckPayable(ctx context.Context, auth0ID, tripID string, amount int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	trip, pricing, err := ride.PricingForUpdate(ctx, tx, tripID, auth0ID)
	if err != nil {
		return err
	}
	if trip.Status == ride.StatusPaid {
		return ErrAlreadyPaid
	}
	if amount != pricing.Payable() {
		return ErrAmountMismatch
	}
	return nil
}
