// Package payment wraps the hosted card-input widget and the card processor behind an
// initialise, mount, charge and dispose lifecycle.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrDisposed   = errors.New("payment handle disposed")
	ErrNoKey      = errors.New("no publishable key")
	ErrNotMounted = errors.New("card input not mounted")
)

// KeyFetcher returns the processor's publishable key, typically from GET /config/stripe-pk.
type KeyFetcher func(ctx context.Context) (string, error)

// Widget is the hosted card-input element.
type Widget interface {
	Mount(target string) error
	Unmount() error
	// PaymentMethod tokenises the entered card and returns the processor's payment method id.
	PaymentMethod(ctx context.Context) (string, error)
}

// Confirmer confirms a PaymentIntent with a tokenised payment method and returns the intent
// id once the charge has succeeded.
type Confirmer interface {
	Confirm(ctx context.Context, publishableKey, clientSecret, paymentMethodID string) (string, error)
}

type Provider struct {
	confirmer Confirmer
	newWidget func(publishableKey string) Widget
	logger    *slog.Logger

	mu     sync.Mutex
	handle *Handle
}

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

func NewProvider(confirmer Confirmer, newWidget func(publishableKey string) Widget, opts ...Option) *Provider {
	p := &Provider{
		confirmer: confirmer,
		newWidget: newWidget,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize fetches the publishable key and builds a handle. Later calls in the same
// session return the same handle without fetching again.
func (p *Provider) Initialize(ctx context.Context, fetch KeyFetcher) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != nil && !p.handle.Disposed() {
		return p.handle, nil
	}

	key, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrNoKey
	}

	p.handle = &Handle{
		key:       key,
		confirmer: p.confirmer,
		widget:    p.newWidget(key),
		logger:    p.logger,
	}
	return p.handle, nil
}

// Reset disposes the current handle so the next Initialize starts a new session.
func (p *Provider) Reset() error {
	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Dispose()
}

type Handle struct {
	key       string
	confirmer Confirmer
	widget    Widget
	logger    *slog.Logger

	mu       sync.Mutex
	card     *Card
	disposed bool
}

// Card is a mounted card input.
type Card struct {
	target string
	widget Widget
}

func (c *Card) Target() string {
	return c.target
}

// MountCardInput mounts the widget at target. Mounting again returns the existing card.
func (h *Handle) MountCardInput(target string) (*Card, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil, ErrDisposed
	}
	if h.card != nil {
		return h.card, nil
	}
	if err := h.widget.Mount(target); err != nil {
		return nil, err
	}
	h.card = &Card{target: target, widget: h.widget}
	return h.card, nil
}

type ChargeResult struct {
	Success bool
	// Error is a provider-independent description of the failure.
	Error    string
	IntentID string
}

// Charge confirms the PaymentIntent behind clientSecret with the card entered in card.
func (h *Handle) Charge(ctx context.Context, clientSecret string, card *Card) ChargeResult {
	h.mu.Lock()
	disposed := h.disposed
	h.mu.Unlock()

	if disposed {
		return ChargeResult{Error: Normalize(ErrDisposed)}
	}
	if card == nil {
		return ChargeResult{Error: Normalize(ErrNotMounted)}
	}

	pm, err := card.widget.PaymentMethod(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "card tokenisation failed", "error", err)
		return ChargeResult{Error: Normalize(err)}
	}

	intentID, err := h.confirmer.Confirm(ctx, h.key, clientSecret, pm)
	if err != nil {
		h.logger.WarnContext(ctx, "card charge failed", "error", err)
		return ChargeResult{Error: Normalize(err)}
	}
	return ChargeResult{Success: true, IntentID: intentID}
}

// Dispose unmounts the card input if it was mounted. It is safe to call on every exit path;
// only the first call unmounts.
func (h *Handle) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil
	}
	h.disposed = true
	if h.card == nil {
		return nil
	}
	h.card = nil
	return h.widget.Unmount()
}

func (h *Handle) Disposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}
