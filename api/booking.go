package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikeshare/booking"
	"github.com/semanticallynull/bikeshare/internal/middleware"
	"github.com/semanticallynull/bikeshare/internal/tz"
)

type reserveRequest struct {
	BikeID    string  `json:"bikeId" binding:"required"`
	StationID *string `json:"estacionId"`
}

type scheduledReserveRequest struct {
	reserveRequest
	ScheduledAt string `json:"fechaHoraProgramada" binding:"required"`
}

func (a *API) reserveHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Debes indicar la bicicleta a reservar")
		return
	}

	now := a.now()
	a.createReservation(c, &booking.Reservation{
		BikeID:    req.BikeID,
		StationID: nonEmpty(req.StationID),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(booking.HoldWindow),
	})
}

// reserveScheduledHandler holds the bike from now until HoldWindow after the scheduled
// time.
func (a *API) reserveScheduledHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	var req scheduledReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Debes indicar la bicicleta y la hora programada")
		return
	}
	at, err := tz.Parse(req.ScheduledAt)
	if err != nil {
		fail(c, http.StatusBadRequest, "Formato de fecha inválido")
		return
	}
	now := a.now()
	if !at.After(now) {
		fail(c, http.StatusBadRequest, "La hora programada debe ser futura")
		return
	}

	a.createReservation(c, &booking.Reservation{
		BikeID:      req.BikeID,
		StationID:   nonEmpty(req.StationID),
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   at.Add(booking.HoldWindow),
		ScheduledAt: &at,
	})
}

func (a *API) createReservation(c *gin.Context, res *booking.Reservation) {
	logger := middleware.GetLogger(c)

	err := a.cfg.Bookings.Create(c, res)
	switch {
	case errors.Is(err, booking.ErrAlreadyReserved):
		fail(c, http.StatusConflict, "Ya tienes una reserva activa")
		return
	case errors.Is(err, booking.ErrBikeUnavailable):
		fail(c, http.StatusConflict, "La bicicleta no está disponible")
		return
	case errors.Is(err, booking.ErrBikeNotFound):
		fail(c, http.StatusNotFound, "Bicicleta no encontrada")
		return
	case err != nil:
		internalError(c, "failed to create reservation", err)
		return
	}

	logger.InfoContext(c, "reservation created",
		"reservation", res.ID, "bike", res.BikeID, "expires_at", tz.Format(res.ExpiresAt))
	c.JSON(http.StatusCreated, res)
}

func (a *API) activeReservationHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	res, err := a.cfg.Bookings.ActiveByUser(c, userID)
	if err != nil {
		internalError(c, "failed to get active reservation", err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

type cancelReservationRequest struct {
	ReservationID string `json:"reservaId" binding:"required"`
}

// cancelReservationHandler is idempotent: a reservation that is no longer active is
// returned as is.
func (a *API) cancelReservationHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	var req cancelReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Debes indicar la reserva")
		return
	}

	res, err := a.cfg.Bookings.Cancel(c, req.ReservationID, userID)
	switch {
	case errors.Is(err, booking.ErrNotFound):
		fail(c, http.StatusNotFound, "Reserva no encontrada")
		return
	case errors.Is(err, booking.ErrNotAuthorized):
		fail(c, http.StatusForbidden, "No puedes cancelar esta reserva")
		return
	case err != nil:
		internalError(c, "failed to cancel reservation", err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
