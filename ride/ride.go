package ride

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusActive         Status = "activo"
	StatusCompleted      Status = "completado"
	StatusPendingPayment Status = "pendiente_pago"
	StatusPaid           Status = "pagado"
)

// Trip runs from unlock until the lock reports closed.
type Trip struct {
	ID             string     `json:"id" db:"id"`
	BikeID         string     `json:"bikeId" db:"bike_id"`
	UserID         string     `json:"usuarioId" db:"user_id"`
	ReservationID  string     `json:"reservaId" db:"reservation_id"`
	StartStationID *string    `json:"estacionInicio,omitempty" db:"start_station_id"`
	EndStationID   string     `json:"estacionFin" db:"end_station_id"`
	StartTime      time.Time  `json:"fechaInicio" db:"started_at"`
	EndTime        *time.Time `json:"fechaFin,omitempty" db:"ended_at"`
	// IncludedMinutes is the ride time covered by the base fare.
	IncludedMinutes int    `json:"minutosIncluidos" db:"included_minutes"`
	Status          Status `json:"estado" db:"status"`
}

// Elapsed is the ride time shown to the rider. It is display-only; billing is computed by
// the backend.
func Elapsed(t Trip, now time.Time) time.Duration {
	end := now
	if t.EndTime != nil {
		end = *t.EndTime
	}
	d := end.Sub(t.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Remaining is the included time left before overtime starts, never negative.
func Remaining(t Trip, now time.Time) time.Duration {
	d := time.Duration(t.IncludedMinutes)*time.Minute - Elapsed(t, now)
	if d < 0 {
		return 0
	}
	return d
}

// Pricing is the backend's price breakdown for a finished trip, in the smallest currency
// unit.
type Pricing struct {
	TripID          string `json:"viajeId" db:"trip_id"`
	Subtotal        int64  `json:"subtotal" db:"subtotal"`
	OvertimeMinutes int    `json:"minutosExtra" db:"overtime_minutes"`
	OvertimeCharge  int64  `json:"cargoExtra" db:"overtime_charge"`
	Tax             int64  `json:"impuesto" db:"tax"`
	Total           int64  `json:"total" db:"total"`
	PointsEarned    int    `json:"puntosGanados" db:"points_earned"`
	// DiscountedTotal is set once loyalty points have been redeemed against the trip.
	DiscountedTotal *int64 `json:"totalConDescuento,omitempty" db:"discounted_total"`
}

var ErrDiscountExceedsTotal = errors.New("discounted total exceeds undiscounted total")

// Payable is the amount to settle: the discounted total when points were redeemed.
func (p Pricing) Payable() int64 {
	if p.DiscountedTotal != nil {
		return *p.DiscountedTotal
	}
	return p.Total
}

func (p Pricing) Discounted() bool {
	return p.DiscountedTotal != nil
}

func (p Pricing) Validate() error {
	if p.DiscountedTotal == nil {
		return nil
	}
	if gross := p.Subtotal + p.OvertimeCharge + p.Tax; *p.DiscountedTotal > gross {
		return fmt.Errorf("%w: %d > %d", ErrDiscountExceedsTotal, *p.DiscountedTotal, gross)
	}
	return nil
}

// Tariff is the backend's price list.
type Tariff struct {
	BaseFare          int64
	IncludedMinutes   int
	OvertimePerMinute int64
	TaxRate           float64
	PointsPerTrip     int
	// PointValue is the money one redeemed point is worth.
	PointValue int64
}

func DefaultTariff() Tariff {
	return Tariff{
		BaseFare:          3000,
		IncludedMinutes:   30,
		OvertimePerMinute: 100,
		TaxRate:           0.19,
		PointsPerTrip:     10,
		PointValue:        10,
	}
}

// Price computes the breakdown for a trip ridden between start and end. Partial minutes
// count as whole minutes.
func (t Tariff) Price(tripID string, start, end time.Time) Pricing {
	minutes := int(math.Ceil(end.Sub(start).Minutes()))
	overtime := minutes - t.IncludedMinutes
	if overtime < 0 {
		overtime = 0
	}
	overtimeCharge := int64(overtime) * t.OvertimePerMinute
	tax := int64(math.Round(float64(t.BaseFare+overtimeCharge) * t.TaxRate))

	return Pricing{
		TripID:          tripID,
		Subtotal:        t.BaseFare,
		OvertimeMinutes: overtime,
		OvertimeCharge:  overtimeCharge,
		Tax:             tax,
		Total:           t.BaseFare + overtimeCharge + tax,
		PointsEarned:    t.PointsPerTrip,
	}
}

// Redeemable is the number of points usable from a balance: whole tens only.
func Redeemable(balance int) int {
	if balance <= 0 {
		return 0
	}
	return balance / 10 * 10
}

// Discount applies up to balance points to p. It returns the discounted total and the
// number of points consumed; no more points are consumed than needed to cover the total.
func (t Tariff) Discount(p Pricing, balance int) (discounted int64, used int) {
	points := Redeemable(balance)
	if points == 0 || t.PointValue <= 0 {
		return p.Total, 0
	}
	discount := int64(points) * t.PointValue
	if discount <= p.Total {
		return p.Total - discount, points
	}
	needed := int((p.Total + t.PointValue - 1) / t.PointValue)
	needed = (needed + 9) / 10 * 10
	if needed > points {
		needed = points
	}
	return 0, needed
}
