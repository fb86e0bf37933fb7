package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	IdempotencyTTL    = 24 * time.Hour
	// ReplayedHeader marks a response served from the idempotency cache.
	ReplayedHeader = "Idempotent-Replayed"
)

type cachedResponse struct {
	StatusCode  int             `json:"status_code"`
	Body        json.RawMessage `json:"body"`
	ContentType string          `json:"content_type"`
}

type captureWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency replays the stored response for a POST that repeats an Idempotency-Key.
// Keys are scoped to the caller and the exact request. Only successful responses are
// stored so a rejected payment can be retried once its cause is fixed. A nil client
// disables the middleware.
func Idempotency(client redis.Cmdable) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if client == nil || key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		logger := GetLogger(c)
		ctx := c.Request.Context()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"status": http.StatusBadRequest, "message": "Cuerpo inválido"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		userID, _ := GetAuth0ID(c)
		cacheKey := idempotencyKey(userID, c.FullPath(), key, body)

		cached, err := loadResponse(ctx, client, cacheKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			logger.WarnContext(ctx, "idempotency cache unavailable", "error", err)
			c.Next()
			return
		}
		if cached != nil {
			logger.InfoContext(ctx, "replaying idempotent response", "key", key)
			c.Header(ReplayedHeader, "true")
			c.Data(cached.StatusCode, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w

		c.Next()

		status := w.Status()
		if status < 200 || status > 299 {
			return
		}
		resp := cachedResponse{
			StatusCode:  status,
			Body:        w.body.Bytes(),
			ContentType: w.Header().Get("Content-Type"),
		}
		if err := storeResponse(ctx, client, cacheKey, resp); err != nil {
			logger.WarnContext(ctx, "failed to store idempotent response", "error", err)
		}
	}
}

func idempotencyKey(userID, route, key string, body []byte) string {
	sum := sha256.Sum256(body)
	return "idempotency:" + userID + ":" + route + ":" + key + ":" + hex.EncodeToString(sum[:8])
}

func loadResponse(ctx context.Context, client redis.Cmdable, key string) (*cachedResponse, error) {
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var cached cachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func storeResponse(ctx context.Context, client redis.Cmdable, key string, resp cachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, data, IdempotencyTTL).Err()
}
