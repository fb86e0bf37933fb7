package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikeshare/internal/middleware"
	"github.com/semanticallynull/bikeshare/ride"
)

type startTripRequest struct {
	SerialNumber string `json:"serialNumber" binding:"required,serial"`
	BikeID       string `json:"bikeId" binding:"required"`
	EndStationID string `json:"estacionFin" binding:"required"`
}

// startTripHandler unlocks a reserved bike. The serial printed on the lock proves the rider
// is standing next to it.
func (a *API) startTripHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	userID, ok := userID(c)
	if !ok {
		return
	}

	var req startTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "El número de serie debe tener 11 caracteres y debes elegir una estación de destino")
		return
	}

	trip, err := a.cfg.Trips.Start(c, userID, req.BikeID, req.SerialNumber, req.EndStationID, a.cfg.Tariff.IncludedMinutes)
	if err != nil {
		if id, ok := ride.TripFromInProgressError(err); ok {
			logger.InfoContext(c, "unlock refused, trip in progress", "trip", id)
			fail(c, http.StatusConflict, "Ya tienes un viaje en curso")
			return
		}
		if _, ok := ride.BikeFromSerialMismatchError(err); ok {
			fail(c, http.StatusBadRequest, "El número de serie no coincide con la bicicleta")
			return
		}
		if errors.Is(err, ride.ErrNoReservation) {
			fail(c, http.StatusConflict, "No tienes una reserva activa para esta bicicleta")
			return
		}
		internalError(c, "failed to start trip", err)
		return
	}

	logger.InfoContext(c, "trip started", "trip", trip.ID, "bike", trip.BikeID)
	c.JSON(http.StatusCreated, trip)
}

func (a *API) activeTripHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	trip, err := a.cfg.Trips.ActiveByUser(c, userID)
	if err != nil {
		internalError(c, "failed to get active trip", err)
		return
	}
	if trip == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, trip)
}

// tripHistoryHandler lists the rider's trips, newest first.
func (a *API) tripHistoryHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	trips, err := a.cfg.Trips.History(c, userID)
	if err != nil {
		internalError(c, "failed to get trip history", err)
		return
	}
	if trips == nil {
		trips = []ride.Trip{}
	}
	c.JSON(http.StatusOK, trips)
}

func (a *API) pricingHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	p, err := a.cfg.Trips.Pricing(c, c.Param("id"), userID)
	switch {
	case errors.Is(err, ride.ErrNotFound):
		fail(c, http.StatusNotFound, "Viaje no encontrado")
		return
	case errors.Is(err, ride.ErrNotEnded):
		fail(c, http.StatusConflict, "El viaje aún no ha terminado")
		return
	case err != nil:
		internalError(c, "failed to get pricing", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type tripRequest struct {
	TripID string `json:"viajeId" binding:"required"`
}

// confirmPaymentHandler marks a trip paid once its card charge or subscription credit has
// been recorded. A card charge is read back from the processor and must have succeeded for
// the trip's payable total. Confirming a paid trip returns it unchanged.
func (a *API) confirmPaymentHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	userID, ok := userID(c)
	if !ok {
		return
	}

	var req tripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Debes indicar el viaje")
		return
	}

	intentID, err := a.cfg.Trips.RecordedIntent(c, req.TripID, userID)
	if err != nil {
		internalError(c, "failed to read payment intent", err)
		return
	}

	var trip ride.Trip
	if intentID == "" {
		trip, err = a.cfg.Trips.MarkPaid(c, req.TripID, userID)
	} else {
		if a.cfg.Intents == nil {
			fail(c, http.StatusServiceUnavailable, "Pagos con tarjeta no disponibles")
			return
		}
		intent, rerr := a.cfg.Intents.RetrieveIntent(c, intentID)
		if rerr != nil {
			logger.ErrorContext(c, "failed to retrieve payment intent", "intent", intentID, "error", rerr)
			fail(c, http.StatusBadGateway, "No se pudo verificar el pago con tarjeta")
			return
		}
		if intent.Status == IntentSucceeded {
			trip, err = a.cfg.Trips.MarkCardPaid(c, req.TripID, userID, intentID, intent.Amount)
		} else {
			logger.InfoContext(c, "card charge not completed", "intent", intentID, "status", intent.Status)
			// A subscription credit may still cover a trip whose card charge was abandoned.
			trip, err = a.cfg.Trips.MarkPaid(c, req.TripID, userID)
			if errors.Is(err, ride.ErrNoPayment) {
				fail(c, http.StatusBadRequest, "El pago con tarjeta no se ha completado")
				return
			}
		}
	}

	switch {
	case errors.Is(err, ride.ErrNotFound):
		fail(c, http.StatusNotFound, "Viaje no encontrado")
		return
	case errors.Is(err, ride.ErrNotEnded):
		fail(c, http.StatusConflict, "El viaje aún no ha terminado")
		return
	case errors.Is(err, ride.ErrNoPayment):
		fail(c, http.StatusBadRequest, "No hay un pago registrado para este viaje")
		return
	case errors.Is(err, ride.ErrChargeMismatch):
		logger.ErrorContext(c, "card charge does not match trip total", "intent", intentID, "error", err)
		fail(c, http.StatusBadRequest, "El monto cobrado no coincide con el total del viaje")
		return
	case err != nil:
		internalError(c, "failed to confirm payment", err)
		return
	}

	logger.InfoContext(c, "trip paid", "trip", trip.ID)
	c.JSON(http.StatusOK, trip)
}
