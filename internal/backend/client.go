// Package backend is the JSON-over-HTTP client for the bike-share backend contract.
package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/semanticallynull/bikeshare/internal/apperr"
	"github.com/semanticallynull/bikeshare/internal/session"
)

const IdempotencyHeader = "Idempotency-Key"

const (
	msgNetwork      = "We could not reach the server. Check your connection and try again."
	msgSessionEnded = "Your session has expired. Please sign in again."
	msgGeneric      = "Something went wrong. Please try again."
	msgConflict     = "That action conflicts with the current state. Refresh and try again."
	msgNotFound     = "The requested item no longer exists."
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *session.Session
	logger     *slog.Logger
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, sess *session.Session, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		session: sess,
		logger:  slog.Default(),
		tracer:  otel.Tracer("bikeshare/backend"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestOption customises a single request.
type RequestOption func(*http.Request)

// WithIdempotencyKey makes a retried mutation safe to replay on the server.
func WithIdempotencyKey(key string) RequestOption {
	return func(r *http.Request) { r.Header.Set(IdempotencyHeader, key) }
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, nil)
}

func (c *Client) Post(ctx context.Context, path string, in, out any, opts ...RequestOption) error {
	return c.do(ctx, http.MethodPost, path, in, out, opts)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, opts []RequestOption) error {
	ctx, span := c.tracer.Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &apperr.Error{Kind: apperr.ErrNetwork, UserMessage: msgGeneric, RawMessage: err.Error()}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &apperr.Error{Kind: apperr.ErrNetwork, UserMessage: msgGeneric, RawMessage: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil {
		if token := c.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	for _, o := range opts {
		o(req)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return &apperr.Error{Kind: apperr.ErrNetwork, UserMessage: msgNetwork, RawMessage: err.Error()}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &apperr.Error{Kind: apperr.ErrNetwork, Status: resp.StatusCode, UserMessage: msgNetwork, RawMessage: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return c.failure(ctx, method, path, resp.StatusCode, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.ErrorContext(ctx, "failed to decode backend response", "method", method, "path", path, "error", err)
		return &apperr.Error{Kind: apperr.ErrNetwork, Status: resp.StatusCode, UserMessage: msgGeneric, RawMessage: err.Error()}
	}
	return nil
}

func (c *Client) failure(ctx context.Context, method, path string, status int, raw []byte) error {
	msg := Message(raw)
	c.logger.WarnContext(ctx, "backend rejected request",
		"method", method, "path", path, "status", status, "message", msg)

	e := &apperr.Error{Status: status, RawMessage: msg}
	switch status {
	case http.StatusUnauthorized:
		e.Kind = apperr.ErrNotAuthenticated
		e.UserMessage = msgSessionEnded
		if c.session != nil && c.session.Expire() {
			c.logger.InfoContext(ctx, "session expired, logged out")
		}
	case http.StatusConflict:
		e.Kind = apperr.ErrConflict
		e.UserMessage = msgConflict
	case http.StatusNotFound:
		e.Kind = apperr.ErrNotFound
		e.UserMessage = msgNotFound
	default:
		e.Kind = apperr.ErrNetwork
		e.UserMessage = msgGeneric
	}
	return e
}

// Message extracts the human-readable message from an error payload. The contract shape is
// {status, message}, but older endpoints answer {error} or plain text.
func Message(raw []byte) string {
	if gjson.ValidBytes(raw) {
		for _, key := range []string{"message", "error", "mensaje"} {
			if r := gjson.GetBytes(raw, key); r.Exists() && r.String() != "" {
				return r.String()
			}
		}
	}
	return strings.TrimSpace(string(raw))
}

// IsStatus reports whether err is a backend error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var e *apperr.Error
	return errors.As(err, &e) && e.Status == status
}
