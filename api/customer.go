package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/internal/middleware"
)

func (a *API) pointsHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	p, err := a.cfg.Customers.Points(c, userID)
	if errors.Is(err, customer.ErrNotFound) {
		c.JSON(http.StatusOK, customer.LoyaltyPoints{})
		return
	}
	if err != nil {
		internalError(c, "failed to get points", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type profileResponse struct {
	ID       string                 `json:"id"`
	Email    string                 `json:"email,omitempty"`
	Name     string                 `json:"nombre,omitempty"`
	Wallet   customer.Wallet        `json:"billetera"`
	CityPass customer.TransitCard   `json:"citypass"`
	Points   customer.LoyaltyPoints `json:"puntos"`
}

func toProfileResponse(cust *customer.Customer) profileResponse {
	return profileResponse{
		ID:       cust.Auth0ID,
		Email:    cust.Email.String,
		Name:     cust.Name.String,
		Wallet:   cust.Wallet(),
		CityPass: cust.TransitCard(),
		Points:   cust.LoyaltyPoints(),
	}
}

// profileHandler returns the rider's account, creating it on first use.
func (a *API) profileHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	cust, err := a.cfg.Customers.GetOrCreate(c, userID)
	if err != nil {
		internalError(c, "failed to load customer", err)
		return
	}
	c.JSON(http.StatusOK, toProfileResponse(cust))
}

// syncProfileHandler copies the rider's name and email from the identity provider.
func (a *API) syncProfileHandler(c *gin.Context) {
	logger := middleware.GetLogger(c)

	userID, ok := userID(c)
	if !ok {
		return
	}
	if a.cfg.Profiles == nil {
		fail(c, http.StatusServiceUnavailable, "Sincronización de perfil no disponible")
		return
	}

	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || token == "" {
		fail(c, http.StatusUnauthorized, "Autenticación requerida")
		return
	}

	p, err := a.cfg.Profiles.Profile(c, token)
	if err != nil {
		logger.WarnContext(c, "failed to fetch profile", "error", err)
		fail(c, http.StatusBadGateway, "No se pudo obtener el perfil")
		return
	}
	if p.Sub != userID {
		fail(c, http.StatusForbidden, "El perfil no corresponde al usuario")
		return
	}

	if _, err := a.cfg.Customers.GetOrCreate(c, userID); err != nil {
		internalError(c, "failed to load customer", err)
		return
	}
	if err := a.cfg.Customers.UpdateProfile(c, userID, p.Email, p.DisplayName()); err != nil {
		internalError(c, "failed to update profile", err)
		return
	}

	cust, err := a.cfg.Customers.GetOrCreate(c, userID)
	if err != nil {
		internalError(c, "failed to load customer", err)
		return
	}
	c.JSON(http.StatusOK, toProfileResponse(cust))
}

func (a *API) subscriptionHandler(c *gin.Context) {
	userID, ok := userID(c)
	if !ok {
		return
	}

	sub, err := a.cfg.Customers.ActiveSubscription(c, userID)
	if err != nil {
		internalError(c, "failed to get subscription", err)
		return
	}
	if sub == nil {
		fail(c, http.StatusNotFound, "No tienes una suscripción activa")
		return
	}
	c.JSON(http.StatusOK, sub)
}

// consumeSubscriptionHandler spends one plan credit on a trip. The trip is marked paid by
// the confirm route.
func (a *API) consumeSubscriptionHandler(c *gin.Context) {
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

	sub, err := a.cfg.Customers.ConsumeSubscriptionTrip(c, userID, req.TripID)
	if paymentError(c, err) {
		return
	}

	logger.InfoContext(c, "subscription trip consumed", "trip", req.TripID, "remaining", sub.TripsAvailable)
	c.JSON(http.StatusOK, sub)
}
