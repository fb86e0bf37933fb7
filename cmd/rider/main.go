package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/internal/tz"
	"github.com/semanticallynull/bikeshare/payment"
	"github.com/semanticallynull/bikeshare/reservation"
	"github.com/semanticallynull/bikeshare/rider"
	"github.com/semanticallynull/bikeshare/settlement"
)

type cliFlags struct {
	APIURL string        `name:"api-url" env:"BIKESHARE_API_URL" default:"http://localhost:8080"`
	Token  string        `name:"token" env:"BIKESHARE_TOKEN" required:"" help:"Bearer token for the rider."`
	Poll   time.Duration `name:"poll" env:"BIKESHARE_POLL" default:"3s" help:"Lock telemetry polling interval."`
	Debug  bool          `name:"debug"`

	Stations stationsCmd `cmd:"" help:"List stations."`
	Bikes    bikesCmd    `cmd:"" help:"List bikes available at a station."`
	Reserve  reserveCmd  `cmd:"" help:"Reserve a bike now or at a scheduled time."`
	Cancel   cancelCmd   `cmd:"" help:"Cancel the active reservation."`
	Ride     rideCmd     `cmd:"" help:"Pick up the open trip or unlock the reserved bike, then pay when the lock closes."`
	Pay      payCmd      `cmd:"" help:"Pay for a finished trip."`
	History  historyCmd  `cmd:"" help:"List past trips."`
	Points   pointsCmd   `cmd:"" help:"Show the loyalty points balance."`
}

// card is the tokenised card given to whichever paying command was selected.
func (f *cliFlags) card() string {
	if f.Ride.Card != "" {
		return f.Ride.Card
	}
	return f.Pay.Card
}

// cardWidget returns a widget factory that always enters card.
func cardWidget(card string) func(string) payment.Widget {
	return func(string) payment.Widget {
		return &payment.TokenWidget{PaymentMethodID: card}
	}
}

func main() {
	var cli cliFlags
	kctx := kong.Parse(&cli, kong.Description("Bike-share rider client."))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	level := slog.LevelWarn
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	app := rider.New(rider.Config{
		BaseURL:      cli.APIURL,
		PollInterval: cli.Poll,
		Logger:       logger,
		Confirmer:    payment.StripeConfirmer{},
		NewWidget:    cardWidget(cli.card()),
		OnSessionExpired: func() {
			fmt.Fprintln(os.Stderr, "Your session has expired. Please sign in again.")
			cancel()
		},
	})
	defer app.Close()
	app.Login(cli.Token)

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(app)
	if err != nil {
		fmt.Fprintln(os.Stderr, rider.Describe(err))
		logger.Debug("command failed", "error", err)
		os.Exit(1)
	}
}

type stationsCmd struct{}

func (stationsCmd) Run(ctx context.Context, app *rider.App) error {
	stations, err := app.Directory.Stations(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tBIKES\tDOCKS")
	for _, s := range stations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.ID, s.Name, s.Type, s.AvailableBikes, s.Capacity)
	}
	return w.Flush()
}

type bikesCmd struct {
	Station string `arg:"" help:"Station id."`
	All     bool   `help:"Include bikes that are not available."`
}

func (c bikesCmd) Run(ctx context.Context, app *rider.App) error {
	var bikes []bike.Bike
	var err error
	if c.All {
		bikes, err = app.Directory.BikesAt(ctx, c.Station)
	} else {
		bikes, err = app.Directory.Available(ctx, c.Station)
	}
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS")
	for _, b := range bikes {
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, b.Type, b.Status)
	}
	return w.Flush()
}

type reserveCmd struct {
	Bike    string `arg:"" help:"Bike id."`
	Station string `help:"Station the bike is docked at."`
	At      string `help:"Scheduled pick-up time, e.g. 2025-03-01T08:30:00-05:00."`
	Wait    bool   `help:"Show the hold countdown until it lapses or is interrupted."`
}

func (c reserveCmd) Run(ctx context.Context, app *rider.App) error {
	when := reservation.Now()
	if c.At != "" {
		at, err := tz.Parse(c.At)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		when = reservation.At(at)
	}

	res, err := app.Reservations.Reserve(ctx, c.Bike, c.Station, when)
	if err != nil {
		return err
	}
	fmt.Printf("Reserved %s (reservation %s) until %s\n", res.BikeID, res.ID, tz.Format(res.ExpiresAt))

	if !c.Wait {
		return nil
	}
	err = app.Reservations.Countdown(ctx, func(remaining time.Duration) {
		fmt.Printf("\r%s left   ", remaining.Truncate(time.Second))
	})
	fmt.Println()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type cancelCmd struct{}

func (cancelCmd) Run(ctx context.Context, app *rider.App) error {
	res, err := app.Reservations.Active(ctx)
	if err != nil {
		return err
	}
	if res == nil {
		return reservation.ErrNoActive
	}
	if err := app.Reservations.Cancel(ctx, res.ID); err != nil {
		return err
	}
	fmt.Printf("Reservation %s cancelled\n", res.ID)
	return nil
}

type payOptions struct {
	Method string `enum:"saldo,citypass,tarjeta" default:"saldo" help:"Payment method: saldo, citypass or tarjeta."`
	Card   string `help:"Tokenised card (payment method id) for --method=tarjeta."`
	Redeem bool   `help:"Redeem loyalty points before paying."`
}

type rideCmd struct {
	Serial      string `required:"" help:"Serial number printed on the lock."`
	Destination string `required:"" help:"Destination station id."`
	payOptions  `embed:""`
}

func (c rideCmd) Run(ctx context.Context, app *rider.App) error {
	trip, resumed, err := app.StartRide(ctx, c.Serial, c.Destination)
	if err != nil {
		return err
	}
	if resumed {
		fmt.Printf("Trip %s is still open. Lock the bike at the destination to finish.\n", trip.ID)
	} else {
		fmt.Printf("Trip %s started. Lock the bike at the destination to finish.\n", trip.ID)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				fmt.Printf("\r%s ridden, %s included left   ",
					app.Trips.Elapsed(now).Truncate(time.Second), app.Trips.Remaining(now).Truncate(time.Second))
			}
		}
	}()

	finished, pricing, err := app.AwaitTripEnd(ctx)
	close(done)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Trip %s finished: total %d\n", finished.ID, pricing.Total)
	return settle(ctx, app, finished.ID, c.payOptions)
}

type payCmd struct {
	Trip       string `arg:"" help:"Trip id."`
	payOptions `embed:""`
}

func (c payCmd) Run(ctx context.Context, app *rider.App) error {
	p, err := app.Settlement.FetchPricing(ctx, c.Trip)
	if err != nil {
		return err
	}
	fmt.Printf("Trip %s: total %d\n", c.Trip, p.Total)
	return settle(ctx, app, c.Trip, c.payOptions)
}

func settle(ctx context.Context, app *rider.App, tripID string, o payOptions) error {
	if o.Redeem {
		r, err := app.Settlement.RedeemPoints(ctx, tripID)
		if err != nil {
			fmt.Fprintln(os.Stderr, rider.Describe(err))
		} else {
			fmt.Printf("Points redeemed: %d off, %d to pay\n", r.DiscountApplied, r.DiscountedTotal)
		}
	}

	p, ok := app.Settlement.Pricing(tripID)
	if !ok {
		return settlement.ErrNoPricing
	}
	amount := p.Payable()

	var res settlement.Result
	var err error
	switch o.Method {
	case "tarjeta":
		res, err = app.PayWithCard(ctx, tripID, "terminal", amount)
	case "citypass":
		res, err = app.Settlement.Settle(ctx, tripID, settlement.TransitCard{}, amount)
	default:
		res, err = app.Settlement.Settle(ctx, tripID, settlement.WalletBalance{}, amount)
	}
	if err != nil && app.Settlement.Unconfirmed(tripID) {
		fmt.Fprintln(os.Stderr, app.DescribeSettlement(tripID, err))
		res, err = app.Settlement.RetryConfirm(ctx, tripID)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Paid %d with %s. Trip is %s.\n", res.Amount, res.Method, app.Settlement.Status(tripID))
	return nil
}

type historyCmd struct{}

func (historyCmd) Run(ctx context.Context, app *rider.App) error {
	trips, err := app.Trips.History(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBIKE\tSTARTED\tSTATUS")
	for _, t := range trips {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.BikeID, tz.Format(t.StartTime), t.Status)
	}
	return w.Flush()
}

type pointsCmd struct{}

func (pointsCmd) Run(ctx context.Context, app *rider.App) error {
	p, err := app.Settlement.Points(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d points (%d redeemable)\n", p.Balance, p.Redeemable())
	return nil
}
