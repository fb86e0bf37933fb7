package payment

import (
	"context"
	"errors"
	"sync"
)

var ErrNoPaymentMethod = errors.New("no payment method entered")

// TokenWidget stands in for the hosted card element when the card was tokenised elsewhere,
// e.g. a saved card or a processor test token on a terminal.
type TokenWidget struct {
	PaymentMethodID string

	mu      sync.Mutex
	target  string
	mounted bool
}

func (w *TokenWidget) Mount(target string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.target = target
	w.mounted = true
	return nil
}

func (w *TokenWidget) Unmount() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mounted = false
	return nil
}

func (w *TokenWidget) Mounted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mounted
}

func (w *TokenWidget) PaymentMethod(context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.mounted {
		return "", ErrNotMounted
	}
	if w.PaymentMethodID == "" {
		return "", ErrNoPaymentMethod
	}
	return w.PaymentMethodID, nil
}
