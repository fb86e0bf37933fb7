package api

import (
	"context"

	"github.com/stripe/stripe-go/v84"
)

type IntentParams struct {
	Amount     int64
	Currency   string
	TripID     string
	CustomerID string
	// IdempotencyKey makes a retried create return the original intent.
	IdempotencyKey string
}

type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	// Status is the processor's intent status; only IntentSucceeded means money was taken.
	Status string
}

const IntentSucceeded = string(stripe.PaymentIntentStatusSucceeded)

// IntentCreator creates card PaymentIntents with the secret key and reads them back when
// the client reports a charge.
type IntentCreator interface {
	CreateCustomer(ctx context.Context, auth0ID, customerID string) (string, error)
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
}

type StripeIntents struct {
	sc *stripe.Client
}

func NewStripeIntents(secretKey string, opts ...stripe.ClientOption) *StripeIntents {
	return &StripeIntents{sc: stripe.NewClient(secretKey, opts...)}
}

func (s *StripeIntents) CreateCustomer(ctx context.Context, auth0ID, customerID string) (string, error) {
	cust, err := s.sc.V1Customers.Create(ctx, &stripe.CustomerCreateParams{
		Metadata: map[string]string{
			"auth0_id": auth0ID,
			"id":       customerID,
		},
	})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (s *StripeIntents) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.AddMetadata("viajeId", p.TripID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := s.sc.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return Intent{}, err
	}
	return toIntent(pi), nil
}

func (s *StripeIntents) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	pi, err := s.sc.V1PaymentIntents.Retrieve(ctx, id, nil)
	if err != nil {
		return Intent{}, err
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Status:       string(pi.Status),
	}
}
