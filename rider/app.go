// Package rider wires the trip and payment core together for a single signed-in rider.
package rider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/semanticallynull/bikeshare/directory"
	"github.com/semanticallynull/bikeshare/internal/apperr"
	"github.com/semanticallynull/bikeshare/internal/backend"
	"github.com/semanticallynull/bikeshare/internal/session"
	"github.com/semanticallynull/bikeshare/payment"
	"github.com/semanticallynull/bikeshare/reservation"
	"github.com/semanticallynull/bikeshare/ride"
	"github.com/semanticallynull/bikeshare/settlement"
	"github.com/semanticallynull/bikeshare/tripsession"
)

type Config struct {
	BaseURL      string
	PollInterval time.Duration
	Currency     string
	Logger       *slog.Logger
	Registry     prometheus.Registerer
	// Confirmer and NewWidget back card payments; both are required for PayWithCard.
	Confirmer payment.Confirmer
	NewWidget func(publishableKey string) payment.Widget
	// OnSessionExpired runs once per burst of 401 responses, after the token is cleared.
	OnSessionExpired func()
}

type App struct {
	Session      *session.Session
	Backend      *backend.Client
	Directory    *directory.Directory
	Reservations *reservation.Manager
	Trips        *tripsession.Controller
	Settlement   *settlement.Engine
	Payments     *payment.Provider

	logger *slog.Logger
}

func New(cfg Config) *App {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{logger: logger}
	a.Session = session.New(func() {
		logger.Warn("session expired, signing out")
		if cfg.OnSessionExpired != nil {
			cfg.OnSessionExpired()
		}
	})
	a.Backend = backend.New(cfg.BaseURL, a.Session, backend.WithLogger(logger))
	a.Directory = directory.New(a.Backend, directory.WithLogger(logger))
	a.Reservations = reservation.New(a.Backend, reservation.WithLogger(logger))

	tripOpts := []tripsession.Option{tripsession.WithLogger(logger)}
	if cfg.PollInterval > 0 {
		tripOpts = append(tripOpts, tripsession.WithInterval(cfg.PollInterval))
	}
	a.Trips = tripsession.New(a.Backend, a.Directory, a.Reservations, tripOpts...)

	engineOpts := []settlement.Option{settlement.WithLogger(logger)}
	if cfg.Currency != "" {
		engineOpts = append(engineOpts, settlement.WithCurrency(cfg.Currency))
	}
	if cfg.Registry != nil {
		engineOpts = append(engineOpts, settlement.WithRegistry(cfg.Registry))
	}
	a.Settlement = settlement.New(a.Backend, engineOpts...)

	if cfg.Confirmer != nil && cfg.NewWidget != nil {
		a.Payments = payment.NewProvider(cfg.Confirmer, cfg.NewWidget, payment.WithLogger(logger))
	}
	return a
}

// Login stores the rider's token and re-arms the session-expired notice.
func (a *App) Login(token string) {
	a.Session.Login(token)
}

func (a *App) Logout() {
	a.Session.Logout()
	if a.Payments != nil {
		if err := a.Payments.Reset(); err != nil {
			a.logger.Warn("failed to release card input", "error", err)
		}
	}
}

// Close stops background polling.
func (a *App) Close() {
	a.Trips.Close()
}

// StartRide picks up the rider's open trip when the server still has one, and otherwise
// unlocks the bike held by the active reservation. resumed reports which one happened.
func (a *App) StartRide(ctx context.Context, serial, destination string) (trip ride.Trip, resumed bool, err error) {
	open, err := a.Trips.Resume(ctx)
	if err != nil {
		return ride.Trip{}, false, err
	}
	if open != nil && open.Status == ride.StatusActive {
		a.logger.InfoContext(ctx, "resuming open trip", "trip", open.ID, "bike", open.BikeID)
		return *open, true, nil
	}

	res, err := a.Reservations.Active(ctx)
	if err != nil {
		return ride.Trip{}, false, err
	}
	if res == nil {
		return ride.Trip{}, false, reservation.ErrNoActive
	}
	trip, err = a.Trips.Unlock(ctx, res.ID, serial, destination)
	return trip, false, err
}

// AwaitTripEnd blocks until the active trip completes, then loads its price.
func (a *App) AwaitTripEnd(ctx context.Context) (ride.Trip, ride.Pricing, error) {
	select {
	case <-ctx.Done():
		return ride.Trip{}, ride.Pricing{}, ctx.Err()
	case <-a.Trips.Done():
	}

	trip := a.Trips.Trip()
	if trip == nil {
		return ride.Trip{}, ride.Pricing{}, tripsession.ErrNotEnded
	}
	p, err := a.Settlement.FetchPricing(ctx, trip.ID)
	return *trip, p, err
}

var ErrCardUnavailable = errors.New("card payments are not configured")

// PayWithCard mounts the card input at target, pays for the trip and releases the input on
// every exit path.
func (a *App) PayWithCard(ctx context.Context, tripID, target string, amount int64) (settlement.Result, error) {
	if a.Payments == nil {
		return settlement.Result{}, ErrCardUnavailable
	}

	h, err := a.Payments.Initialize(ctx, a.Settlement.PublishableKey)
	if err != nil {
		return settlement.Result{}, err
	}
	defer func() {
		if err := a.Payments.Reset(); err != nil {
			a.logger.WarnContext(ctx, "failed to release card input", "error", err)
		}
	}()

	card, err := h.MountCardInput(target)
	if err != nil {
		return settlement.Result{}, &apperr.Error{Kind: apperr.ErrPaymentFailed, UserMessage: payment.Normalize(err), RawMessage: err.Error()}
	}
	return a.Settlement.Settle(ctx, tripID, settlement.Card{Handle: h, Card: card}, amount)
}
