package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/internal/middleware"
	"github.com/semanticallynull/bikeshare/ride"
)

func (a *API) publishableKeyHandler(c *gin.Context) {
	if a.cfg.PublishableKey == "" {
		fail(c, http.StatusServiceUnavailable, "Pagos con tarjeta no disponibles")
		return
	}
	c.JSON(http.StatusOK, gin.H{"publishableKey": a.cfg.PublishableKey})
}

// paymentError maps settlement failures shared by every payment route. It reports whether
// it wrote a response.
func paymentError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ride.ErrNotFound):
		fail(c, http.StatusNotFound, "Viaje no encontrado")
	case errors.Is(err, ride.ErrNotEnded):
		fail(c, http.StatusConflict, "El viaje aún no ha terminado")
	case errors.Is(err, customer.ErrNotFound):
		fail(c, http.StatusNotFound, "Usuario no encontrado")
	case errors.Is(err, customer.ErrAlreadyPaid):
		fail(c, http.StatusConflict, "El viaje ya fue pagado")
	case errors.Is(err, customer.ErrAmountMismatch):
		fail(c, http.StatusBadRequest, "El monto no coincide con el total del viaje")
	case errors.Is(err, customer.ErrInsufficientFunds):
		fail(c, http.StatusBadRequest, "Saldo insuficiente")
	case errors.Is(err, customer.ErrNoCardLinked):
		fail(c, http.StatusBadRequest, "El usuario no tiene una CityPass vinculada")
	case errors.Is(err, customer.ErrNoSubscription):
		fail(c, http.StatusBadRequest, "No tienes viajes disponibles en tu suscripción")
	case errors.Is(err, customer.ErrNoPoints):
		fail(c, http.StatusBadRequest, "No tienes puntos suficientes para canjear")
	case errors.Is(err, customer.ErrAlreadyRedeemed):
		fail(c, http.StatusConflict, "Los puntos ya fueron canjeados para este viaje")
	default:
		internalError(c, "payment failed", err)
	}
	return true
}

type intentRequest struct {
	Amount   int64             `json:"amount" binding:"gt=0"`
	Currency string            `json:"currency" binding:"required"`
	Metadata map[string]string `json:"metadata" binding:"required"`
}

// createPaymentIntentHandler opens a card charge for the trip's payable total. The client
// confirms it with the processor and then calls the confirm route.
func (a *API) createPaymentIntentHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	userID, ok := userID(c)
	if !ok {
		return
	}

	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Solicitud de pago inválida")
		return
	}
	tripID := req.Metadata["viajeId"]
	if tripID == "" {
		fail(c, http.StatusBadRequest, "Debes indicar el viaje")
		return
	}
	if !strings.EqualFold(req.Currency, a.cfg.Currency) {
		fail(c, http.StatusBadRequest, "Moneda no soportada")
		return
	}
	if a.cfg.Intents == nil {
		fail(c, http.StatusServiceUnavailable, "Pagos con tarjeta no disponibles")
		return
	}

	if paymentError(c, a.cfg.Customers.CheckPayable(c, userID, tripID, req.Amount)) {
		return
	}

	cust, err := a.cfg.Customers.GetOrCreate(c, userID)
	if err != nil {
		internalError(c, "failed to load customer", err)
		return
	}
	if !cust.StripeID.Valid {
		stripeID, err := a.cfg.Intents.CreateCustomer(c, userID, cust.ID.String())
		if err != nil {
			logger.ErrorContext(c, "failed to create stripe customer", "error", err)
			fail(c, http.StatusBadGateway, "No se pudo iniciar el pago con tarjeta")
			return
		}
		if err := a.cfg.Customers.AddStripeIDToCustomer(c, userID, stripeID); err != nil {
			internalError(c, "failed to save stripe customer", err)
			return
		}
		cust.StripeID.String, cust.StripeID.Valid = stripeID, true
	}

	intent, err := a.cfg.Intents.CreateIntent(c, IntentParams{
		Amount:         req.Amount,
		Currency:       strings.ToLower(req.Currency),
		TripID:         tripID,
		CustomerID:     cust.StripeID.String,
		IdempotencyKey: "intent-" + tripID + "-" + strconv.FormatInt(req.Amount, 10),
	})
	if err != nil {
		logger.ErrorContext(c, "failed to create payment intent", "trip", tripID, "error", err)
		fail(c, http.StatusBadGateway, "No se pudo iniciar el pago con tarjeta")
		return
	}

	if paymentError(c, a.cfg.Customers.RecordIntent(c, userID, tripID, intent.ID, req.Amount)) {
		return
	}

	logger.InfoContext(c, "payment intent created", "trip", tripID, "intent", intent.ID, "amount", req.Amount)
	c.JSON(http.StatusOK, gin.H{
		"clientSecret":    intent.ClientSecret,
		"paymentIntentId": intent.ID,
	})
}

type directPaymentRequest struct {
	Amount int64  `json:"monto" binding:"gte=0"`
	TripID string `json:"viajeId" binding:"required"`
}

type directPaymentResponse struct {
	Trip ride.Trip `json:"viaje"`
}

func (a *API) payWithBalanceHandler(c *gin.Context) {
	a.payDirect(c, "saldo", a.cfg.Customers.PayWithBalance)
}

func (a *API) payWithCityPassHandler(c *gin.Context) {
	a.payDirect(c, "citypass", a.cfg.Customers.PayWithCityPass)
}

func (a *API) payDirect(c *gin.Context, method string, pay func(ctx context.Context, auth0ID, tripID string, amount int64) (ride.Trip, error)) {
	logger := middleware.GetLogger(c)

	userID, ok := userID(c)
	if !ok {
		return
	}

	var req directPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Debes indicar el viaje y el monto")
		return
	}

	trip, err := pay(c, userID, req.TripID, req.Amount)
	if errors.Is(err, customer.ErrAlreadyPaid) {
		c.JSON(http.StatusOK, directPaymentResponse{Trip: trip})
		return
	}
	if paymentError(c, err) {
		logger.InfoContext(c, "payment rejected", "method", method, "trip", req.TripID, "error", err)
		return
	}

	logger.InfoContext(c, "trip paid", "method", method, "trip", trip.ID, "amount", req.Amount)
	c.JSON(http.StatusOK, directPaymentResponse{Trip: trip})
}

func (a *API) redeemPointsHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Debes indicar el viaje")
		return
	}

	r, err := a.cfg.Customers.RedeemPoints(c, userID, req.TripID, a.cfg.Tariff)
	if paymentError(c, err) {
		return
	}
	c.JSON(http.StatusOK, r)
}
