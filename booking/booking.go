package booking

import (
	"time"
)

type Status string

const (
	StatusActive    Status = "activa"
	StatusCancelled Status = "cancelada"
	StatusExpired   Status = "expirada"
	StatusConverted Status = "convertida"
)

// HoldWindow is how long a reservation holds a bike, counted from creation for immediate
// reservations and from the scheduled time for scheduled ones.
const HoldWindow = 10 * time.Minute

// Reservation is a time-bounded hold on a bike for one user.
type Reservation struct {
	ID          string     `json:"id" db:"id"`
	BikeID      string     `json:"bikeId" db:"bike_id"`
	StationID   *string    `json:"estacionId,omitempty" db:"station_id"`
	UserID      string     `json:"usuarioId" db:"user_id"`
	CreatedAt   time.Time  `json:"fechaCreacion" db:"created_at"`
	ExpiresAt   time.Time  `json:"fechaExpiracion" db:"expires_at"`
	ScheduledAt *time.Time `json:"fechaHoraProgramada,omitempty" db:"scheduled_at"`
	Status      Status     `json:"estado" db:"status"`
}

// StatusAt derives the status at a given time: an active reservation whose expiry has
// passed is expired even before the sweeper records it.
func (r Reservation) StatusAt(now time.Time) Status {
	if r.Status == StatusActive && !now.Before(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

// Remaining is the hold time left, never negative.
func (r Reservation) Remaining(now time.Time) time.Duration {
	if r.Status != StatusActive {
		return 0
	}
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
