package customer

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Customer struct {
	ID              uuid.UUID
	Auth0ID         string         `db:"auth0_id"`
	StripeID        sql.NullString `db:"stripe_id"`
	Email           sql.NullString `db:"email"`
	Name            sql.NullString `db:"name"`
	Balance         int64          `db:"balance"`
	Points          int            `db:"points"`
	CityPassLinked  bool           `db:"citypass_linked"`
	CityPassBalance int64          `db:"citypass_balance"`
	CreatedAt       time.Time      `db:"created_at"`
}

func (c Customer) Wallet() Wallet {
	return Wallet{Balance: c.Balance}
}

func (c Customer) TransitCard() TransitCard {
	return TransitCard{Linked: c.CityPassLinked, Balance: c.CityPassBalance}
}

func (c Customer) LoyaltyPoints() LoyaltyPoints {
	return LoyaltyPoints{Balance: c.Points}
}

// Wallet is the prepaid account balance held by the operator.
type Wallet struct {
	Balance int64 `json:"saldo"`
}

// TransitCard is the rider's linked CityPass.
type TransitCard struct {
	Linked  bool  `json:"vinculada"`
	Balance int64 `json:"saldo"`
}

type LoyaltyPoints struct {
	Balance int `json:"saldo"`
}

// Redeemable is the part of the balance that can be spent: whole tens only.
func (p LoyaltyPoints) Redeemable() int {
	if p.Balance <= 0 {
		return 0
	}
	return p.Balance / 10 * 10
}

type Subscription struct {
	Active         bool       `json:"activa" db:"active"`
	Plan           string     `json:"plan" db:"plan"`
	TripsAvailable int        `json:"viajesDisponibles" db:"trips_available"`
	ExpiresAt      *time.Time `json:"fechaExpiracion,omitempty" db:"expires_at"`
}

// Covers reports whether the subscription pays for the next trip outright.
func (s *Subscription) Covers() bool {
	return s != nil && s.Active && s.TripsAvailable > 0
}

// Redemption is the result of spending points on a trip.
type Redemption struct {
	DiscountedTotal int64 `json:"totalConDescuento"`
	DiscountApplied int64 `json:"descuentoAplicado"`
}
