package settlement

import (
	"context"

	"github.com/semanticallynull/bikeshare/payment"
)

// Method is how the rider pays for a trip: Card, WalletBalance or TransitCard.
type Method interface {
	name() string
}

// Charger charges a mounted card; *payment.Handle implements it.
type Charger interface {
	Charge(ctx context.Context, clientSecret string, card *payment.Card) payment.ChargeResult
}

// Card pays through the card processor, then confirms the trip with the backend.
type Card struct {
	Handle Charger
	Card   *payment.Card
}

// WalletBalance pays from the prepaid account in a single backend call.
type WalletBalance struct{}

// TransitCard pays from the linked CityPass in a single backend call.
type TransitCard struct{}

const (
	methodCard         = "tarjeta"
	methodWallet       = "saldo"
	methodTransit      = "citypass"
	methodSubscription = "suscripcion"
)

func (Card) name() string          { return methodCard }
func (WalletBalance) name() string { return methodWallet }
func (TransitCard) name() string   { return methodTransit }
