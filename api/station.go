package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *API) stationsHandler(c *gin.Context) {
	stations, err := a.cfg.Stations.GetStations(c)
	if err != nil {
		internalError(c, "failed to list stations", err)
		return
	}
	c.JSON(http.StatusOK, stations)
}
