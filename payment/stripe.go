package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
)

var ErrNotSucceeded = errors.New("payment intent did not succeed")

const (
	msgDeclined     = "Your card was declined. Try another card."
	msgNoFunds      = "Your card has insufficient funds."
	msgExpired      = "Your card has expired."
	msgCVC          = "The security code is incorrect."
	msgCardNumber   = "The card number is incorrect."
	msgAuthRequired = "Your bank needs to confirm this payment. Try again or use another card."
	msgProcessing   = "We could not process the payment. Please try again."
	msgCardInput    = "Enter your card details before paying."
)

// StripeConfirmer confirms PaymentIntents client-side with the publishable key.
type StripeConfirmer struct {
	// Backends overrides the Stripe API backends; nil uses the default.
	Backends *stripe.Backends
}

func (s StripeConfirmer) Confirm(ctx context.Context, publishableKey, clientSecret, paymentMethodID string) (string, error) {
	id := IntentID(clientSecret)
	if id == "" {
		return "", fmt.Errorf("malformed client secret")
	}

	var opts []stripe.ClientOption
	if s.Backends != nil {
		opts = append(opts, stripe.WithBackends(s.Backends))
	}
	sc := stripe.NewClient(publishableKey, opts...)

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(paymentMethodID),
	}
	params.AddExtra("client_secret", clientSecret)

	pi, err := sc.V1PaymentIntents.Confirm(ctx, id, params)
	if err != nil {
		return "", err
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("%w: %s", ErrNotSucceeded, pi.Status)
	}
	return pi.ID, nil
}

// IntentID extracts the PaymentIntent id from its client secret ("pi_123_secret_abc").
func IntentID(clientSecret string) string {
	id, _, ok := strings.Cut(clientSecret, "_secret_")
	if !ok {
		return ""
	}
	return id
}

// Normalize turns a processor or widget failure into text that can be shown to the rider.
func Normalize(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch string(se.DeclineCode) {
		case "insufficient_funds":
			return msgNoFunds
		case "expired_card":
			return msgExpired
		case "incorrect_cvc":
			return msgCVC
		}
		switch string(se.Code) {
		case "card_declined":
			return msgDeclined
		case "expired_card":
			return msgExpired
		case "incorrect_cvc", "invalid_cvc":
			return msgCVC
		case "incorrect_number", "invalid_number":
			return msgCardNumber
		case "payment_intent_authentication_failure":
			return msgAuthRequired
		}
		return msgProcessing
	}
	switch {
	case errors.Is(err, ErrNotSucceeded):
		return msgAuthRequired
	case errors.Is(err, ErrNotMounted), errors.Is(err, ErrNoPaymentMethod):
		return msgCardInput
	}
	return msgProcessing
}
