package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/internal/middleware"
)

func (a *API) bikesHandler(c *gin.Context) {
	bikes, err := a.cfg.Bikes.GetBikes(c)
	if err != nil {
		internalError(c, "failed to list bikes", err)
		return
	}
	c.JSON(http.StatusOK, bikes)
}

// bikesAtStationHandler serves GET /bikes/:id where id is a station.
func (a *API) bikesAtStationHandler(c *gin.Context) {
	bikes, err := a.cfg.Bikes.GetBikesAtStation(c, c.Param("id"))
	if err != nil {
		internalError(c, "failed to list bikes at station", err)
		return
	}
	c.JSON(http.StatusOK, bikes)
}

func (a *API) telemetryHandler(c *gin.Context) {
	t, err := a.cfg.Bikes.LatestTelemetry(c, c.Param("id"))
	if err != nil {
		if errors.Is(err, bike.ErrNoTelemetry) {
			fail(c, http.StatusNotFound, "La bicicleta no ha reportado telemetría")
			return
		}
		internalError(c, "failed to get telemetry", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ingestTelemetryHandler stores a lock sample. A locked sample ends the bike's active trip,
// docking it at the trip's destination and pricing the ride.
func (a *API) ingestTelemetryHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	var t bike.Telemetry
	if err := c.ShouldBindJSON(&t); err != nil || !t.Lock.Valid() {
		fail(c, http.StatusBadRequest, "Telemetría inválida")
		return
	}
	t.BikeID = c.Param("id")
	if t.Timestamp.IsZero() {
		t.Timestamp = a.now()
	}

	if err := a.cfg.Bikes.RecordTelemetry(c, t); err != nil {
		if errors.Is(err, bike.ErrNotFound) {
			fail(c, http.StatusNotFound, "Bicicleta no encontrada")
			return
		}
		internalError(c, "failed to record telemetry", err)
		return
	}

	if t.Locked() {
		trip, err := a.cfg.Trips.CompleteByBike(c, t.BikeID, t.Timestamp, a.cfg.Tariff)
		if err != nil {
			internalError(c, "failed to complete trip", err)
			return
		}
		if trip != nil {
			logger.InfoContext(c, "trip completed by lock", "trip", trip.ID, "bike", t.BikeID)
		}
	}

	c.Status(http.StatusNoContent)
}
