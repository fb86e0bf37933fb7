package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/booking"
	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/internal/auth0"
	"github.com/semanticallynull/bikeshare/internal/middleware"
	"github.com/semanticallynull/bikeshare/ride"
	"github.com/semanticallynull/bikeshare/station"
)

type StationStore interface {
	GetStations(ctx context.Context) ([]station.Station, error)
}

type BikeStore interface {
	GetBikes(ctx context.Context) ([]bike.Bike, error)
	GetBikesAtStation(ctx context.Context, stationID string) ([]bike.Bike, error)
	GetBike(ctx context.Context, id string) (bike.Bike, error)
	LatestTelemetry(ctx context.Context, id string) (bike.Telemetry, error)
	RecordTelemetry(ctx context.Context, t bike.Telemetry) error
}

type BookingStore interface {
	Create(ctx context.Context, res *booking.Reservation) error
	ActiveByUser(ctx context.Context, userID string) (*booking.Reservation, error)
	Cancel(ctx context.Context, id, userID string) (booking.Reservation, error)
}

type TripStore interface {
	Start(ctx context.Context, userID, bikeID, serial, endStationID string, includedMinutes int) (ride.Trip, error)
	ActiveByUser(ctx context.Context, userID string) (*ride.Trip, error)
	History(ctx context.Context, userID string) ([]ride.Trip, error)
	CompleteByBike(ctx context.Context, bikeID string, at time.Time, tariff ride.Tariff) (*ride.Trip, error)
	Pricing(ctx context.Context, tripID, userID string) (ride.Pricing, error)
	MarkPaid(ctx context.Context, tripID, userID string) (ride.Trip, error)
	RecordedIntent(ctx context.Context, tripID, userID string) (string, error)
	MarkCardPaid(ctx context.Context, tripID, userID, intentID string, charged int64) (ride.Trip, error)
}

type CustomerStore interface {
	GetOrCreate(ctx context.Context, auth0ID string) (*customer.Customer, error)
	AddStripeIDToCustomer(ctx context.Context, auth0ID, stripeID string) error
	UpdateProfile(ctx context.Context, auth0ID, email, name string) error
	Points(ctx context.Context, auth0ID string) (customer.LoyaltyPoints, error)
	ActiveSubscription(ctx context.Context, auth0ID string) (*customer.Subscription, error)
	PayWithBalance(ctx context.Context, auth0ID, tripID string, amount int64) (ride.Trip, error)
	PayWithCityPass(ctx context.Context, auth0ID, tripID string, amount int64) (ride.Trip, error)
	ConsumeSubscriptionTrip(ctx context.Context, auth0ID, tripID string) (customer.Subscription, error)
	RedeemPoints(ctx context.Context, auth0ID, tripID string, tariff ride.Tariff) (customer.Redemption, error)
	RecordIntent(ctx context.Context, auth0ID, tripID, intentID string, amount int64) error
	CheckPayable(ctx context.Context, auth0ID, tripID string, amount int64) error
}

type Config struct {
	Stations  StationStore
	Bikes     BikeStore
	Bookings  BookingStore
	Trips     TripStore
	Customers CustomerStore
	Intents   IntentCreator
	Profiles  auth0.ProfileFetcher

	// Auth authenticates riders. It must make the subject available to GetAuth0ID.
	Auth gin.HandlerFunc
	// DeviceToken authenticates lock telemetry pushed by the bikes.
	DeviceToken string
	// Redis backs Idempotency-Key replay; nil disables it.
	Redis redis.Cmdable

	Logger   *slog.Logger
	Registry *prometheus.Registry

	Tariff         ride.Tariff
	Currency       string
	PublishableKey string

	MetricsUsername string
	MetricsPassword string

	// UnlockEvery and UnlockBurst throttle unlock attempts per rider.
	UnlockEvery time.Duration
	UnlockBurst int

	Now func() time.Time
}

type API struct {
	r   *gin.Engine
	cfg Config
	now func() time.Time
}

func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Currency == "" {
		cfg.Currency = "cop"
	}
	if cfg.UnlockEvery == 0 {
		cfg.UnlockEvery = 10 * time.Second
	}
	if cfg.UnlockBurst == 0 {
		cfg.UnlockBurst = 5
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("serial", serialValidator)
	}

	a := &API{
		r:   gin.New(),
		cfg: cfg,
		now: now,
	}

	a.r.Use(gin.Recovery())
	a.r.Use(middleware.Tracing())
	a.r.Use(middleware.Logging(cfg.Logger))
	a.r.Use(middleware.Metrics(cfg.Registry))
	a.r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "Ruta no encontrada")
	})

	a.r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metrics := gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	if cfg.MetricsUsername != "" {
		a.r.GET("/metrics", gin.BasicAuth(gin.Accounts{cfg.MetricsUsername: cfg.MetricsPassword}), metrics)
	} else {
		a.r.GET("/metrics", metrics)
	}

	a.r.POST("/bikes/:id/telemetria", a.deviceAuth(), a.ingestTelemetryHandler)

	auth := cfg.Auth
	if auth == nil {
		auth = func(c *gin.Context) {
			fail(c, http.StatusUnauthorized, "Autenticación requerida")
		}
	}

	protected := a.r.Group("/")
	protected.Use(auth, middleware.Idempotency(cfg.Redis))
	{
		protected.GET("/stations/getAll", a.stationsHandler)
		protected.GET("/bikes", a.bikesHandler)
		protected.GET("/bikes/:id", a.bikesAtStationHandler)
		protected.GET("/bikes/:id/telemetria", a.telemetryHandler)

		protected.POST("/booking/reservar", a.reserveHandler)
		protected.POST("/booking/reservar-programada", a.reserveScheduledHandler)
		protected.GET("/booking/reservas/activa", a.activeReservationHandler)
		protected.POST("/booking/cancelar-reserva", a.cancelReservationHandler)

		protected.POST("/booking/iniciar-viaje",
			middleware.RateLimit(cfg.UnlockEvery, cfg.UnlockBurst), a.startTripHandler)
		protected.GET("/booking/viajes/activo", a.activeTripHandler)
		protected.GET("/booking/viajes/historial", a.tripHistoryHandler)

		protected.GET("/trips/:id/pricing", a.pricingHandler)
		protected.POST("/trips/registrar-pago-exitoso", a.confirmPaymentHandler)

		protected.GET("/config/stripe-pk", a.publishableKeyHandler)
		protected.POST("/payments/create-payment-intent", a.createPaymentIntentHandler)
		protected.POST("/payments/pay-with-balance", a.payWithBalanceHandler)
		protected.POST("/payments/pay-with-citypass", a.payWithCityPassHandler)
		protected.POST("/payments/redeem-points", a.redeemPointsHandler)

		protected.GET("/subscriptions/activa", a.subscriptionHandler)
		protected.POST("/subscriptions/consumir-viaje", a.consumeSubscriptionHandler)

		protected.GET("/users/puntos", a.pointsHandler)
		protected.GET("/users/perfil", a.profileHandler)
		protected.POST("/users/perfil/sincronizar", a.syncProfileHandler)
	}

	return a
}

func (a *API) Router() *gin.Engine {
	return a.r
}

// fail writes the {status, message} error body the rider client parses.
func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"status": status, "message": message})
}

func internalError(c *gin.Context, msg string, err error) {
	middleware.GetLogger(c).ErrorContext(c, msg, "error", err)
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, "Error interno del servidor")
}

func userID(c *gin.Context) (string, bool) {
	id, ok := middleware.GetAuth0ID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, "Autenticación requerida")
	}
	return id, ok
}

func (a *API) deviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.cfg.DeviceToken == "" || c.GetHeader("X-Device-Token") != a.cfg.DeviceToken {
			fail(c, http.StatusUnauthorized, "Dispositivo no autorizado")
			return
		}
		c.Next()
	}
}
