// Package reservation creates and cancels bike holds and tracks the rider's single active
// reservation.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/semanticallynull/bikeshare/booking"
	"github.com/semanticallynull/bikeshare/internal/apperr"
	"github.com/semanticallynull/bikeshare/internal/backend"
	"github.com/semanticallynull/bikeshare/internal/tz"
)

var ErrNoActive = errors.New("no active reservation")

const (
	msgPickBike   = "Choose a bike to reserve."
	msgFutureTime = "Choose a time in the future."
	msgConflict   = "That bike is no longer available, or you already have an active reservation."
)

var (
	// conflictPattern matches 400 replies that are really state races.
	conflictPattern = regexp.MustCompile(`(?i)no (est[aá] )?disponible|ya (tiene|tienes|existe)[^.]*reserva|not available|unavailable|already`)
	// goneMessage matches cancel replies for reservations that have already ended.
	goneMessage = regexp.MustCompile(`(?i)no (est[aá] )?activa|cancelad|expirad|convertid|not active|no encontrad|not found`)
)

type Backend interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, in, out any, opts ...backend.RequestOption) error
}

// When selects an immediate or a scheduled reservation.
type When struct {
	at *time.Time
}

func Now() When {
	return When{}
}

func At(t time.Time) When {
	return When{at: &t}
}

func (w When) Scheduled() bool {
	return w.at != nil
}

type Manager struct {
	be       Backend
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu     sync.Mutex
	cached *booking.Reservation
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithInterval sets the countdown tick, one second by default.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

func New(be Backend, opts ...Option) *Manager {
	m := &Manager{
		be:       be,
		logger:   slog.Default(),
		now:      time.Now,
		interval: time.Second,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type reserveRequest struct {
	BikeID      string `json:"bikeId"`
	StationID   string `json:"estacionId,omitempty"`
	ScheduledAt string `json:"fechaHoraProgramada,omitempty"`
}

// Reserve holds bikeID for the rider. A scheduled time must be strictly in the future; it is
// sent in the deployment offset whatever the local zone.
func (m *Manager) Reserve(ctx context.Context, bikeID, stationID string, when When) (booking.Reservation, error) {
	if bikeID == "" {
		return booking.Reservation{}, apperr.Validation(msgPickBike)
	}

	req := reserveRequest{BikeID: bikeID, StationID: stationID}
	path := "/booking/reservar"
	if when.Scheduled() {
		if !when.at.After(m.now()) {
			return booking.Reservation{}, apperr.Validation(msgFutureTime)
		}
		req.ScheduledAt = tz.Format(*when.at)
		path = "/booking/reservar-programada"
	}

	var res booking.Reservation
	if err := m.be.Post(ctx, path, req, &res); err != nil {
		return booking.Reservation{}, classifyReserve(err)
	}

	m.mu.Lock()
	m.cached = &res
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "bike reserved", "reservation", res.ID, "bike", res.BikeID, "scheduled", when.Scheduled())
	return res, nil
}

func classifyReserve(err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return apperr.Reclassify(err, apperr.ErrConflict, msgConflict)
	}
	if backend.IsStatus(err, http.StatusBadRequest) && conflictPattern.MatchString(apperr.Raw(err)) {
		return apperr.Reclassify(err, apperr.ErrConflict, msgConflict)
	}
	return err
}

type cancelRequest struct {
	ReservationID string `json:"reservaId"`
}

// Cancel releases a reservation. Cancelling one that is already cancelled, expired,
// converted or unknown succeeds without effect.
func (m *Manager) Cancel(ctx context.Context, reservationID string) error {
	err := m.be.Post(ctx, "/booking/cancelar-reserva", cancelRequest{ReservationID: reservationID}, nil)
	if err != nil && !alreadyEnded(err) {
		return err
	}

	m.mu.Lock()
	if m.cached != nil && m.cached.ID == reservationID {
		m.cached = nil
	}
	m.mu.Unlock()
	return nil
}

func alreadyEnded(err error) bool {
	if errors.Is(err, apperr.ErrNotFound) {
		return true
	}
	status := apperr.Status(err)
	if status != http.StatusBadRequest && status != http.StatusConflict {
		return false
	}
	return goneMessage.MatchString(apperr.Raw(err))
}

// Active fetches the rider's active reservation and refreshes the cache. It returns nil
// when there is none.
func (m *Manager) Active(ctx context.Context) (*booking.Reservation, error) {
	var res *booking.Reservation
	if err := m.be.Get(ctx, "/booking/reservas/activa", &res); err != nil {
		return nil, err
	}
	if res != nil && res.StatusAt(m.now()) != booking.StatusActive {
		res = nil
	}

	m.mu.Lock()
	m.cached = res
	m.mu.Unlock()

	if res == nil {
		return nil, nil
	}
	c := *res
	return &c, nil
}

// Cached returns the last known active reservation without a request.
func (m *Manager) Cached() *booking.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return nil
	}
	c := *m.cached
	return &c
}

// MarkConverted drops the cached reservation once a trip has started against it.
func (m *Manager) MarkConverted(reservationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && m.cached.ID == reservationID {
		m.cached = nil
	}
}

// Countdown calls fn with the hold time left, immediately and then on every tick, until the
// reservation expires, ctx is done or the reservation leaves the cache. On expiry the cached
// reservation is marked expired.
func (m *Manager) Countdown(ctx context.Context, fn func(remaining time.Duration)) error {
	first := m.Cached()
	if first == nil {
		return ErrNoActive
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		if m.cached == nil || m.cached.ID != first.ID {
			m.mu.Unlock()
			return nil
		}
		remaining := m.cached.Remaining(m.now())
		if remaining == 0 {
			m.cached.Status = booking.StatusExpired
		}
		m.mu.Unlock()

		fn(remaining)
		if remaining == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
