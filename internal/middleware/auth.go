package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	adapter "github.com/gwatts/gin-adapter"
)

// UserIDKey holds the authenticated subject in the Gin context.
const UserIDKey = "user_id"

// JWT validates RS256 bearer tokens issued by the Auth0 tenant at domain and exposes the
// subject through GetAuth0ID.
func JWT(domain, audience string) (gin.HandlerFunc, error) {
	issuer, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, err
	}
	provider := jwks.NewCachingProvider(issuer, 5*time.Minute)

	v, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuer.String(),
		[]string{audience},
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, err
	}

	m := jwtmiddleware.New(v.ValidateToken, jwtmiddleware.WithErrorHandler(unauthorized))

	return adapter.Wrap(func(next http.Handler) http.Handler {
		return m.CheckJWT(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := r.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
			if !ok || claims.RegisteredClaims.Subject == "" {
				unauthorized(w, r, jwtmiddleware.ErrJWTMissing)
				return
			}
			ctx := context.WithValue(r.Context(), userIDCtxKey{}, claims.RegisteredClaims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		}))
	}), nil
}

func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	slog.WarnContext(r.Context(), "rejected token", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  http.StatusUnauthorized,
		"message": "Sesión expirada o token inválido",
	})
}

// SetAuth0ID records the authenticated subject for later handlers.
func SetAuth0ID(c *gin.Context, id string) {
	c.Set(UserIDKey, id)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), userIDCtxKey{}, id))
}

type userIDCtxKey struct{}

// GetAuth0ID extracts the user ID (sub claim) stored by the auth middleware.
func GetAuth0ID(c *gin.Context) (string, bool) {
	if id := c.GetString(UserIDKey); id != "" {
		return id, true
	}
	return Auth0IDFromContext(c.Request.Context())
}

// Auth0IDFromContext is GetAuth0ID for code that only has the request context.
func Auth0IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDCtxKey{}).(string)
	return id, ok && id != ""
}
