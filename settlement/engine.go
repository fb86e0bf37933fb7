// Package settlement loads a finished trip's price, applies loyalty points and pays for it.
//
// Money figures always come from the backend. The engine selects and forwards them and
// never derives an amount itself.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/internal/apperr"
	"github.com/semanticallynull/bikeshare/internal/backend"
	"github.com/semanticallynull/bikeshare/ride"
)

var (
	ErrInFlight         = errors.New("a payment request for this trip is already in progress")
	ErrAlreadySettled   = errors.New("trip already settled")
	ErrNoPricing        = errors.New("trip pricing has not been loaded")
	ErrAmountMismatch   = errors.New("amount differs from the trip's payable total")
	ErrNothingToConfirm = errors.New("no charge awaiting confirmation")
	ErrUnknownMethod    = errors.New("unknown payment method")
)

const (
	msgInsufficientFunds = "There are not enough funds to pay for this trip. Top up or choose another method."
	msgNoCardLinked      = "You have no CityPass linked. Link one or choose another method."
	msgCardInput         = "Enter your card details before paying."
	msgPricing           = "We could not load the price of your trip. Please try again."
)

var (
	insufficientPattern = regexp.MustCompile(`(?i)insuficiente|insufficient|sin fondos|no funds`)
	noCardPattern       = regexp.MustCompile(`(?i)no tiene[^.]*(tarjeta|citypass)|no[^.]*vinculad|no (card|citypass) linked|not linked`)
)

type Backend interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, in, out any, opts ...backend.RequestOption) error
}

// Redemption is the backend's answer to a points redemption.
type Redemption = customer.Redemption

// Result is a successful settlement.
type Result struct {
	TripID   string
	Method   string
	Amount   int64
	IntentID string
	Trip     ride.Trip
}

type charge struct {
	method   string
	amount   int64
	intentID string
}

type tripState struct {
	pricing    *ride.Pricing
	redeemed   bool
	redemption *Redemption
	inFlight   bool
	// charged is set once money has moved but the backend has not yet marked the trip paid.
	charged *charge
	result  *Result
}

type Engine struct {
	be       Backend
	logger   *slog.Logger
	currency string

	attempts *prometheus.CounterVec
	pending  prometheus.Gauge

	mu    sync.Mutex
	trips map[string]*tripState
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCurrency sets the ISO currency sent when creating card payments, "cop" by default.
func WithCurrency(c string) Option {
	return func(e *Engine) { e.currency = c }
}

// WithRegistry registers the engine's counters.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { reg.MustRegister(e.attempts, e.pending) }
}

func New(be Backend, opts ...Option) *Engine {
	e := &Engine{
		be:       be,
		logger:   slog.Default(),
		currency: "cop",
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_attempts_total",
			Help: "Settlement attempts by payment method and outcome",
		}, []string{"method", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_unconfirmed_charges",
			Help: "Charges taken whose trip has not yet been confirmed as paid",
		}),
		trips: map[string]*tripState{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) stateLocked(tripID string) *tripState {
	st, ok := e.trips[tripID]
	if !ok {
		st = &tripState{}
		e.trips[tripID] = st
	}
	return st
}

// begin claims the trip for one request. It fails when the trip is settled or another
// request for it is pending.
func (e *Engine) begin(tripID string) (*tripState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateLocked(tripID)
	if st.result != nil {
		return st, ErrAlreadySettled
	}
	if st.inFlight {
		return st, ErrInFlight
	}
	st.inFlight = true
	return st, nil
}

func (e *Engine) end(st *tripState) {
	e.mu.Lock()
	st.inFlight = false
	e.mu.Unlock()
}

// FetchPricing loads the backend's price for a finished trip. It must succeed before points
// can be redeemed or the trip settled, and is never retried automatically.
func (e *Engine) FetchPricing(ctx context.Context, tripID string) (ride.Pricing, error) {
	var p ride.Pricing
	if err := e.be.Get(ctx, "/trips/"+url.PathEscape(tripID)+"/pricing", &p); err != nil {
		return ride.Pricing{}, err
	}
	if err := p.Validate(); err != nil {
		e.logger.ErrorContext(ctx, "backend returned inconsistent pricing", "trip", tripID, "error", err)
		return ride.Pricing{}, &apperr.Error{Kind: apperr.ErrNetwork, UserMessage: msgPricing, RawMessage: err.Error()}
	}

	e.mu.Lock()
	st := e.stateLocked(tripID)
	st.pricing = &p
	st.redeemed = p.Discounted()
	if p.Discounted() {
		st.redemption = &Redemption{DiscountedTotal: *p.DiscountedTotal, DiscountApplied: p.Total - *p.DiscountedTotal}
	} else {
		st.redemption = nil
	}
	e.mu.Unlock()

	return p, nil
}

// Pricing returns the loaded pricing for a trip.
func (e *Engine) Pricing(tripID string) (ride.Pricing, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.trips[tripID]
	if !ok || st.pricing == nil {
		return ride.Pricing{}, false
	}
	return *st.pricing, true
}

type redeemRequest struct {
	TripID string `json:"viajeId"`
}

// RedeemPoints spends the rider's points on the trip. A trip is discounted at most once:
// later calls return the applied discount without a request.
func (e *Engine) RedeemPoints(ctx context.Context, tripID string) (Redemption, error) {
	st, err := e.begin(tripID)
	if err != nil {
		return Redemption{}, err
	}
	defer e.end(st)

	e.mu.Lock()
	pricing, redeemed, redemption := st.pricing, st.redeemed, st.redemption
	e.mu.Unlock()

	if pricing == nil {
		return Redemption{}, ErrNoPricing
	}
	if redeemed && redemption != nil {
		return *redemption, nil
	}

	var r Redemption
	err = e.be.Post(ctx, "/payments/redeem-points", redeemRequest{TripID: tripID}, &r)
	if errors.Is(err, apperr.ErrConflict) {
		e.logger.InfoContext(ctx, "points already redeemed on the server, reloading pricing", "trip", tripID)
		p, ferr := e.FetchPricing(ctx, tripID)
		if ferr != nil {
			return Redemption{}, ferr
		}
		if !p.Discounted() {
			return Redemption{}, err
		}
		return Redemption{DiscountedTotal: *p.DiscountedTotal, DiscountApplied: p.Total - *p.DiscountedTotal}, nil
	}
	if err != nil {
		return Redemption{}, err
	}

	e.mu.Lock()
	discounted := *pricing
	discounted.DiscountedTotal = &r.DiscountedTotal
	st.pricing = &discounted
	st.redeemed = true
	st.redemption = &r
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "points redeemed", "trip", tripID,
		"discounted_total", r.DiscountedTotal, "discount", r.DiscountApplied)
	return r, nil
}

// Settle pays for the trip. amount must be the payable total of the loaded pricing. A rider
// with subscription trips left pays with a credit whatever the method. Once a settlement has
// succeeded the stored result is returned with ErrAlreadySettled.
//
// A card charge that succeeded but could not be confirmed is remembered; the next Settle or
// RetryConfirm only repeats the confirmation.
func (e *Engine) Settle(ctx context.Context, tripID string, method Method, amount int64) (Result, error) {
	st, err := e.begin(tripID)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return e.result(st), err
		}
		return Result{}, err
	}
	defer e.end(st)

	e.mu.Lock()
	pricing, charged := st.pricing, st.charged
	e.mu.Unlock()

	if charged != nil {
		return e.confirm(ctx, tripID, st, *charged)
	}
	if pricing == nil {
		return Result{}, ErrNoPricing
	}
	if amount != pricing.Payable() {
		return Result{}, fmt.Errorf("%w: got %d, payable %d", ErrAmountMismatch, amount, pricing.Payable())
	}

	sub, err := e.Subscription(ctx)
	if err != nil {
		return Result{}, err
	}
	if sub.Covers() {
		return e.paySubscription(ctx, tripID, st)
	}

	switch m := method.(type) {
	case Card:
		return e.payCard(ctx, tripID, st, m, amount)
	case *Card:
		return e.payCard(ctx, tripID, st, *m, amount)
	case WalletBalance, *WalletBalance:
		return e.payDirect(ctx, tripID, st, methodWallet, "/payments/pay-with-balance", amount)
	case TransitCard, *TransitCard:
		return e.payDirect(ctx, tripID, st, methodTransit, "/payments/pay-with-citypass", amount)
	}
	return Result{}, ErrUnknownMethod
}

// RetryConfirm re-sends the confirmation for a charge that was taken but not reconciled.
func (e *Engine) RetryConfirm(ctx context.Context, tripID string) (Result, error) {
	st, err := e.begin(tripID)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			return e.result(st), err
		}
		return Result{}, err
	}
	defer e.end(st)

	e.mu.Lock()
	charged := st.charged
	e.mu.Unlock()
	if charged == nil {
		return Result{}, ErrNothingToConfirm
	}
	return e.confirm(ctx, tripID, st, *charged)
}

type consumeRequest struct {
	TripID string `json:"viajeId"`
}

func (e *Engine) paySubscription(ctx context.Context, tripID string, st *tripState) (Result, error) {
	if err := e.be.Post(ctx, "/subscriptions/consumir-viaje", consumeRequest{TripID: tripID}, nil); err != nil {
		e.attempts.WithLabelValues(methodSubscription, "failed").Inc()
		return Result{}, err
	}
	return e.recordCharge(ctx, tripID, st, charge{method: methodSubscription})
}

type intentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type intentResponse struct {
	ClientSecret string `json:"clientSecret"`
	IntentID     string `json:"paymentIntentId"`
}

func (e *Engine) payCard(ctx context.Context, tripID string, st *tripState, m Card, amount int64) (Result, error) {
	if m.Handle == nil || m.Card == nil {
		return Result{}, &apperr.Error{Kind: apperr.ErrPaymentFailed, UserMessage: msgCardInput}
	}

	var intent intentResponse
	err := e.be.Post(ctx, "/payments/create-payment-intent", intentRequest{
		Amount:   amount,
		Currency: e.currency,
		Metadata: map[string]string{"viajeId": tripID},
	}, &intent, backend.WithIdempotencyKey("intent-"+tripID))
	if err != nil {
		e.attempts.WithLabelValues(methodCard, "failed").Inc()
		return Result{}, err
	}

	res := m.Handle.Charge(ctx, intent.ClientSecret, m.Card)
	if !res.Success {
		e.attempts.WithLabelValues(methodCard, "declined").Inc()
		return Result{}, &apperr.Error{Kind: apperr.ErrPaymentFailed, UserMessage: res.Error}
	}

	intentID := res.IntentID
	if intentID == "" {
		intentID = intent.IntentID
	}
	return e.recordCharge(ctx, tripID, st, charge{method: methodCard, amount: amount, intentID: intentID})
}

func (e *Engine) recordCharge(ctx context.Context, tripID string, st *tripState, c charge) (Result, error) {
	e.mu.Lock()
	st.charged = &c
	e.mu.Unlock()
	e.pending.Inc()
	return e.confirm(ctx, tripID, st, c)
}

type confirmRequest struct {
	TripID string `json:"viajeId"`
}

func (e *Engine) confirm(ctx context.Context, tripID string, st *tripState, c charge) (Result, error) {
	var trip ride.Trip
	err := e.be.Post(ctx, "/trips/registrar-pago-exitoso", confirmRequest{TripID: tripID}, &trip,
		backend.WithIdempotencyKey("confirm-"+tripID))
	if err != nil {
		e.attempts.WithLabelValues(c.method, "unconfirmed").Inc()
		e.logger.ErrorContext(ctx, "payment taken but trip not confirmed, retry confirmation",
			"trip", tripID, "method", c.method, "intent", c.intentID, "error", err)
		return Result{}, err
	}
	e.pending.Dec()
	return e.succeed(ctx, tripID, st, c, trip), nil
}

type directRequest struct {
	Amount int64  `json:"monto"`
	TripID string `json:"viajeId"`
}

type directResponse struct {
	Trip ride.Trip `json:"viaje"`
}

func (e *Engine) payDirect(ctx context.Context, tripID string, st *tripState, method, path string, amount int64) (Result, error) {
	var resp directResponse
	if err := e.be.Post(ctx, path, directRequest{Amount: amount, TripID: tripID}, &resp); err != nil {
		err = classifyFunds(err)
		e.attempts.WithLabelValues(method, "failed").Inc()
		return Result{}, err
	}
	return e.succeed(ctx, tripID, st, charge{method: method, amount: amount}, resp.Trip), nil
}

func (e *Engine) succeed(ctx context.Context, tripID string, st *tripState, c charge, trip ride.Trip) Result {
	if trip.ID == "" {
		trip.ID = tripID
	}
	trip.Status = ride.StatusPaid
	r := Result{TripID: tripID, Method: c.method, Amount: c.amount, IntentID: c.intentID, Trip: trip}

	e.mu.Lock()
	st.charged = nil
	st.result = &r
	e.mu.Unlock()

	e.attempts.WithLabelValues(c.method, "paid").Inc()
	e.logger.InfoContext(ctx, "trip paid", "trip", tripID, "method", c.method, "amount", c.amount)
	return r
}

// classifyFunds maps wallet and CityPass rejections to their specific kinds by message.
func classifyFunds(err error) error {
	if errors.Is(err, apperr.ErrNotAuthenticated) {
		return err
	}
	if apperr.Status(err) < http.StatusBadRequest {
		return err
	}
	raw := apperr.Raw(err)
	switch {
	case noCardPattern.MatchString(raw):
		return apperr.Reclassify(err, apperr.ErrNoCardLinked, msgNoCardLinked)
	case insufficientPattern.MatchString(raw):
		return apperr.Reclassify(err, apperr.ErrInsufficientFunds, msgInsufficientFunds)
	}
	return err
}

func (e *Engine) result(st *tripState) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.result == nil {
		return Result{}
	}
	return *st.result
}

// Status is the local view of the trip's payment state.
func (e *Engine) Status(tripID string) ride.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.trips[tripID]
	switch {
	case !ok:
		return ride.StatusCompleted
	case st.result != nil:
		return ride.StatusPaid
	case st.pricing != nil:
		return ride.StatusPendingPayment
	}
	return ride.StatusCompleted
}

// Unconfirmed reports whether a charge for the trip is waiting on RetryConfirm.
func (e *Engine) Unconfirmed(tripID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.trips[tripID]
	return ok && st.charged != nil
}

func (e *Engine) Points(ctx context.Context) (customer.LoyaltyPoints, error) {
	var p customer.LoyaltyPoints
	err := e.be.Get(ctx, "/users/puntos", &p)
	return p, err
}

// Subscription returns the rider's subscription, or nil.
func (e *Engine) Subscription(ctx context.Context) (*customer.Subscription, error) {
	var s *customer.Subscription
	err := e.be.Get(ctx, "/subscriptions/activa", &s)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

type keyResponse struct {
	PublishableKey string `json:"publishableKey"`
}

// PublishableKey reads the card processor's publishable key. It is a payment.KeyFetcher.
func (e *Engine) PublishableKey(ctx context.Context) (string, error) {
	var k keyResponse
	err := e.be.Get(ctx, "/config/stripe-pk", &k)
	return k.PublishableKey, err
}
