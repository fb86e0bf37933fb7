// Package tripsession drives a trip from unlock to lock-detected completion.
package tripsession

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/booking"
	"github.com/semanticallynull/bikeshare/internal/apperr"
	"github.com/semanticallynull/bikeshare/internal/backend"
	"github.com/semanticallynull/bikeshare/ride"
)

const SerialLength = bike.SerialLength

var (
	ErrClosed      = errors.New("trip session closed")
	ErrNotEnded    = errors.New("trip end has not been detected")
	ErrTripOngoing = errors.New("trip still open on the server")
)

const (
	msgSerialFormat   = "The serial number must be exactly 11 characters."
	msgDestination    = "Choose a destination station before unlocking."
	msgSerialMismatch = "The serial number does not match this bike."
	msgNoReservation  = "Your reservation is no longer active."
	msgTripInProgress = "You already have a trip in progress."
)

type State int

const (
	Idle State = iota
	AwaitingUnlock
	Active
	EndingTripDetected
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingUnlock:
		return "awaiting_unlock"
	case Active:
		return "active"
	case EndingTripDetected:
		return "ending_trip_detected"
	case Completed:
		return "completed"
	}
	return "unknown"
}

type Backend interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, in, out any, opts ...backend.RequestOption) error
}

type TelemetrySource interface {
	Telemetry(ctx context.Context, bikeID string) (bike.Telemetry, error)
}

type Reservations interface {
	Cached() *booking.Reservation
	Active(ctx context.Context) (*booking.Reservation, error)
	MarkConverted(reservationID string)
}

type Controller struct {
	be       Backend
	tel      TelemetrySource
	res      Reservations
	logger   *slog.Logger
	interval time.Duration

	mu          sync.Mutex
	state       State
	trip        *ride.Trip
	destination string
	last        *bike.Telemetry
	gen         uint64
	cancel      context.CancelFunc
	done        chan struct{}
	closed      bool
	wg          sync.WaitGroup
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithInterval sets the telemetry poll period, three seconds by default.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

func New(be Backend, tel TelemetrySource, res Reservations, opts ...Option) *Controller {
	c := &Controller{
		be:       be,
		tel:      tel,
		res:      res,
		logger:   slog.Default(),
		interval: 3 * time.Second,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type unlockRequest struct {
	SerialNumber string `json:"serialNumber"`
	BikeID       string `json:"bikeId"`
	EndStationID string `json:"estacionFin"`
}

// Unlock starts a trip against reservationID. The serial and destination are checked before
// any request; a destination, once chosen, survives a failed attempt. A completed trip is
// cleared first.
func (c *Controller) Unlock(ctx context.Context, reservationID, serial, destinationStationID string) (ride.Trip, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ride.Trip{}, ErrClosed
	}
	switch c.state {
	case Idle, AwaitingUnlock:
	case Completed:
		c.resetLocked()
	default:
		c.mu.Unlock()
		return ride.Trip{}, &apperr.Error{Kind: apperr.ErrConflict, UserMessage: msgTripInProgress}
	}
	c.state = AwaitingUnlock
	if destinationStationID != "" {
		c.destination = destinationStationID
	}
	destination := c.destination
	gen := c.gen
	c.mu.Unlock()

	if utf8.RuneCountInString(serial) != SerialLength {
		return ride.Trip{}, apperr.Validation(msgSerialFormat)
	}
	if destination == "" {
		return ride.Trip{}, apperr.Validation(msgDestination)
	}

	res, err := c.reservation(ctx, reservationID)
	if err != nil {
		return ride.Trip{}, err
	}

	var trip ride.Trip
	err = c.be.Post(ctx, "/booking/iniciar-viaje", unlockRequest{
		SerialNumber: serial,
		BikeID:       res.BikeID,
		EndStationID: destination,
	}, &trip)
	if err != nil {
		if backend.IsStatus(err, http.StatusBadRequest) {
			msg := apperr.Raw(err)
			if msg == "" {
				msg = msgSerialMismatch
			}
			return ride.Trip{}, apperr.Reclassify(err, apperr.ErrSerialMismatch, msg)
		}
		return ride.Trip{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gen != gen {
		return ride.Trip{}, ErrClosed
	}
	c.res.MarkConverted(res.ID)
	c.startLocked(trip)

	c.logger.InfoContext(ctx, "trip started", "trip", trip.ID, "bike", trip.BikeID, "destination", destination)
	return trip, nil
}

func (c *Controller) reservation(ctx context.Context, id string) (*booking.Reservation, error) {
	if r := c.res.Cached(); r != nil && r.ID == id && r.Status == booking.StatusActive {
		return r, nil
	}
	r, err := c.res.Active(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil || r.ID != id {
		return nil, &apperr.Error{Kind: apperr.ErrConflict, UserMessage: msgNoReservation}
	}
	return r, nil
}

// startLocked makes trip the active trip and starts polling its bike. c.mu must be held.
func (c *Controller) startLocked(trip ride.Trip) {
	c.stopLocked()
	c.trip = &trip
	c.state = Active
	c.last = nil
	c.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	gen := c.gen

	c.wg.Add(1)
	go c.poll(ctx, gen, trip.BikeID)
}

// stopLocked cancels the poll loop and invalidates its in-flight results. c.mu must be held.
func (c *Controller) stopLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) poll(ctx context.Context, gen uint64, bikeID string) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		sample, err := c.tel.Telemetry(ctx, bikeID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.WarnContext(ctx, "telemetry poll failed", "bike", bikeID, "error", err)
		} else if c.apply(gen, sample) {
			if err := c.complete(ctx, gen); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "could not refresh finished trip", "bike", bikeID, "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// apply records a sample and reports whether it ended the trip. Samples older than the last
// applied one are dropped.
func (c *Controller) apply(gen uint64, sample bike.Telemetry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Active {
		return false
	}
	if c.last != nil && sample.Timestamp.Before(c.last.Timestamp) {
		c.logger.Debug("dropping stale telemetry", "bike", sample.BikeID,
			"sample", sample.Timestamp, "last", c.last.Timestamp)
		return false
	}
	c.last = &sample
	if !sample.Locked() {
		return false
	}

	c.state = EndingTripDetected
	c.logger.Info("lock closed, trip ending", "trip", c.trip.ID, "bike", sample.BikeID)
	return true
}

// complete re-fetches the finished trip from history and moves to Completed.
func (c *Controller) complete(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.trip == nil {
		c.mu.Unlock()
		return ErrNotEnded
	}
	id := c.trip.ID
	c.mu.Unlock()

	var history []ride.Trip
	if err := c.be.Get(ctx, "/booking/viajes/historial", &history); err != nil {
		return err
	}

	var found *ride.Trip
	for i := range history {
		if history[i].ID == id {
			found = &history[i]
			break
		}
	}
	if found == nil || found.Status == ride.StatusActive {
		return ErrTripOngoing
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != EndingTripDetected {
		return nil
	}
	c.trip = found
	c.state = Completed
	close(c.done)
	return nil
}

// Complete retries the post-detection refresh after a failure.
func (c *Controller) Complete(ctx context.Context) (ride.Trip, error) {
	c.mu.Lock()
	state, gen := c.state, c.gen
	var done *ride.Trip
	if state == Completed && c.trip != nil {
		t := *c.trip
		done = &t
	}
	c.mu.Unlock()

	switch state {
	case Completed:
		if done == nil {
			return ride.Trip{}, ErrNotEnded
		}
		return *done, nil
	case EndingTripDetected:
	default:
		return ride.Trip{}, ErrNotEnded
	}

	if err := c.complete(ctx, gen); err != nil {
		return ride.Trip{}, err
	}
	trip := c.Trip()
	if trip == nil || c.State() != Completed {
		return ride.Trip{}, ErrClosed
	}
	return *trip, nil
}

// Resume re-reads the rider's active trip and polls it. When the trip this controller was
// tracking has closed in the meantime it is completed instead.
func (c *Controller) Resume(ctx context.Context) (*ride.Trip, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	gen := c.gen
	c.mu.Unlock()

	var trip *ride.Trip
	if err := c.be.Get(ctx, "/booking/viajes/activo", &trip); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if trip != nil && trip.Status == ride.StatusActive {
		if c.state == Active && c.trip != nil && c.trip.ID == trip.ID {
			c.mu.Unlock()
			return trip, nil
		}
		c.startLocked(*trip)
		c.mu.Unlock()
		return trip, nil
	}

	tracking := c.trip != nil && (c.state == Active || c.state == EndingTripDetected)
	if !tracking {
		c.mu.Unlock()
		return nil, nil
	}
	c.stopLocked()
	c.state = EndingTripDetected
	gen = c.gen
	c.mu.Unlock()

	if err := c.complete(ctx, gen); err != nil {
		return nil, err
	}
	return c.Trip(), nil
}

// Reset returns a completed controller to Idle for the next trip.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Completed {
		return
	}
	c.resetLocked()
}

// resetLocked clears the finished trip. c.mu must be held.
func (c *Controller) resetLocked() {
	c.state = Idle
	c.trip = nil
	c.last = nil
	c.destination = ""
}

// Close stops polling and waits for the loop to exit. Results of requests still in flight
// are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// Done is closed when the current trip completes.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Trip() *ride.Trip {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trip == nil {
		return nil
	}
	t := *c.trip
	return &t
}

func (c *Controller) Destination() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destination
}

// LastSample is the most recent telemetry applied to the trip.
func (c *Controller) LastSample() *bike.Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	return &s
}

func (c *Controller) Elapsed(now time.Time) time.Duration {
	t := c.Trip()
	if t == nil {
		return 0
	}
	return ride.Elapsed(*t, now)
}

func (c *Controller) Remaining(now time.Time) time.Duration {
	t := c.Trip()
	if t == nil {
		return 0
	}
	return ride.Remaining(*t, now)
}

// History lists the rider's trips.
func (c *Controller) History(ctx context.Context) ([]ride.Trip, error) {
	var trips []ride.Trip
	err := c.be.Get(ctx, "/booking/viajes/historial", &trips)
	return trips, err
}
