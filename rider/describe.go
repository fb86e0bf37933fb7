package rider

import (
	"context"
	"errors"

	"github.com/semanticallynull/bikeshare/internal/apperr"
	"github.com/semanticallynull/bikeshare/reservation"
	"github.com/semanticallynull/bikeshare/settlement"
	"github.com/semanticallynull/bikeshare/tripsession"
)

const (
	msgSessionExpired = "Your session has expired. Please sign in again."
	msgInFlight       = "A payment for this trip is already being processed."
	msgSettled        = "This trip is already paid."
	msgNoPricing      = "We are still loading the price of your trip."
	msgAmountChanged  = "The amount to pay has changed. Review the price and try again."
	msgUnconfirmed    = "Your payment went through but we could not update your trip. Try again to finish."
	msgTripOngoing    = "Your trip is still being closed. Try again in a moment."
	msgNoReservation  = "You have no active reservation."
	msgCancelled      = "The operation was cancelled."
	msgGeneric        = "Something went wrong. Please try again."
)

// Describe turns an error from the core into text for the rider. Raw backend messages are
// never returned except where the core put them in the user message on purpose.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, apperr.ErrNotAuthenticated):
		return msgSessionExpired
	case errors.Is(err, settlement.ErrInFlight):
		return msgInFlight
	case errors.Is(err, settlement.ErrAlreadySettled):
		return msgSettled
	case errors.Is(err, settlement.ErrNoPricing):
		return msgNoPricing
	case errors.Is(err, settlement.ErrAmountMismatch):
		return msgAmountChanged
	case errors.Is(err, tripsession.ErrTripOngoing), errors.Is(err, tripsession.ErrNotEnded):
		return msgTripOngoing
	case errors.Is(err, reservation.ErrNoActive):
		return msgNoReservation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return msgCancelled
	}

	if msg := apperr.UserMessage(err); msg != "" {
		return msg
	}
	return msgGeneric
}

// DescribeSettlement is Describe for a failed Settle, pointing the rider at the retry when a
// card charge is waiting to be confirmed.
func (a *App) DescribeSettlement(tripID string, err error) string {
	if err != nil && a.Settlement.Unconfirmed(tripID) {
		return msgUnconfirmed
	}
	return Describe(err)
}
