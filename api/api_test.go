package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/booking"
	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/internal/auth0"
	"github.com/semanticallynull/bikeshare/internal/middleware"
	"github.com/semanticallynull/bikeshare/ride"
)

var fixedNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeBookings struct {
	BookingStore
	created *booking.Reservation
	err     error
}

func (f *fakeBookings) Create(_ context.Context, res *booking.Reservation) error {
	if f.err != nil {
		return f.err
	}
	res.ID = "res-1"
	res.Status = booking.StatusActive
	f.created = res
	return nil
}

func (f *fakeBookings) ActiveByUser(context.Context, string) (*booking.Reservation, error) {
	return f.created, nil
}

type fakeBikes struct {
	BikeStore
	recorded []bike.Telemetry
}

func (f *fakeBikes) RecordTelemetry(_ context.Context, t bike.Telemetry) error {
	if t.BikeID == "BIC-404" {
		return bike.ErrNotFound
	}
	f.recorded = append(f.recorded, t)
	return nil
}

type fakeTrips struct {
	TripStore
	startErr  error
	completed []string

	intentID    string
	markPaidErr error
	cardErr     error
	cardPaid    []string
}

func (f *fakeTrips) Start(_ context.Context, userID, bikeID, serial, endStationID string, _ int) (ride.Trip, error) {
	if f.startErr != nil {
		return ride.Trip{}, f.startErr
	}
	return ride.Trip{ID: "trip-1", BikeID: bikeID, UserID: userID, EndStationID: endStationID, Status: ride.StatusActive}, nil
}

func (f *fakeTrips) CompleteByBike(_ context.Context, bikeID string, _ time.Time, _ ride.Tariff) (*ride.Trip, error) {
	f.completed = append(f.completed, bikeID)
	return &ride.Trip{ID: "trip-1", BikeID: bikeID, Status: ride.StatusCompleted}, nil
}

func (f *fakeTrips) History(context.Context, string) ([]ride.Trip, error) {
	return nil, nil
}

func (f *fakeTrips) RecordedIntent(context.Context, string, string) (string, error) {
	return f.intentID, nil
}

func (f *fakeTrips) MarkPaid(_ context.Context, tripID, _ string) (ride.Trip, error) {
	if f.markPaidErr != nil {
		return ride.Trip{}, f.markPaidErr
	}
	return ride.Trip{ID: tripID, Status: ride.StatusPaid}, nil
}

func (f *fakeTrips) MarkCardPaid(_ context.Context, tripID, _, intentID string, charged int64) (ride.Trip, error) {
	f.cardPaid = append(f.cardPaid, fmt.Sprintf("%s:%d", intentID, charged))
	if f.cardErr != nil {
		return ride.Trip{}, f.cardErr
	}
	return ride.Trip{ID: tripID, Status: ride.StatusPaid}, nil
}

type fakeCustomers struct {
	CustomerStore
	cust    *customer.Customer
	payErr  error
	intents []string
}

func (f *fakeCustomers) GetOrCreate(_ context.Context, auth0ID string) (*customer.Customer, error) {
	if f.cust == nil {
		f.cust = &customer.Customer{ID: uuid.New(), Auth0ID: auth0ID}
	}
	return f.cust, nil
}

func (f *fakeCustomers) AddStripeIDToCustomer(_ context.Context, _, stripeID string) error {
	f.cust.StripeID.String, f.cust.StripeID.Valid = stripeID, true
	return nil
}

func (f *fakeCustomers) UpdateProfile(_ context.Context, _, email, name string) error {
	f.cust.Email.String, f.cust.Email.Valid = email, true
	f.cust.Name.String, f.cust.Name.Valid = name, true
	return nil
}

func (f *fakeCustomers) Points(context.Context, string) (customer.LoyaltyPoints, error) {
	return customer.LoyaltyPoints{}, customer.ErrNotFound
}

func (f *fakeCustomers) PayWithBalance(_ context.Context, _, tripID string, _ int64) (ride.Trip, error) {
	if f.payErr != nil {
		return ride.Trip{ID: tripID, Status: ride.StatusPaid}, f.payErr
	}
	return ride.Trip{ID: tripID, Status: ride.StatusPaid}, nil
}

func (f *fakeCustomers) CheckPayable(_ context.Context, _, _ string, amount int64) error {
	if amount != 3570 {
		return customer.ErrAmountMismatch
	}
	return nil
}

func (f *fakeCustomers) RecordIntent(_ context.Context, _, _, intentID string, _ int64) error {
	f.intents = append(f.intents, intentID)
	return nil
}

type fakeIntents struct {
	customers int
	params    []IntentParams

	status      string
	retrieveErr error
}

func (f *fakeIntents) CreateCustomer(context.Context, string, string) (string, error) {
	f.customers++
	return "cus_1", nil
}

func (f *fakeIntents) CreateIntent(_ context.Context, p IntentParams) (Intent, error) {
	f.params = append(f.params, p)
	return Intent{ID: "pi_1", ClientSecret: "pi_1_secret"}, nil
}

func (f *fakeIntents) RetrieveIntent(_ context.Context, id string) (Intent, error) {
	if f.retrieveErr != nil {
		return Intent{}, f.retrieveErr
	}
	return Intent{ID: id, Amount: 3570, Status: f.status}, nil
}

func headerAuth(c *gin.Context) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	middleware.SetAuth0ID(c, id)
	c.Next()
}

func newTestAPI(cfg Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if cfg.Bookings == nil {
		cfg.Bookings = &fakeBookings{}
	}
	if cfg.Bikes == nil {
		cfg.Bikes = &fakeBikes{}
	}
	if cfg.Trips == nil {
		cfg.Trips = &fakeTrips{}
	}
	if cfg.Customers == nil {
		cfg.Customers = &fakeCustomers{}
	}
	cfg.Auth = headerAuth
	cfg.Tariff = ride.DefaultTariff()
	cfg.Now = func() time.Time { return fixedNow }
	return New(cfg).Router()
}

func do(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var alice = map[string]string{"X-User-ID": "auth0|alice"}

func message(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal error body %q: %v", w.Body.String(), err)
	}
	if body.Status != w.Code {
		t.Errorf("expected status %d in body, got %d", w.Code, body.Status)
	}
	return body.Message
}

func TestHealth(t *testing.T) {
	r := newTestAPI(Config{})

	w := do(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	r := newTestAPI(Config{})

	w := do(r, http.MethodGet, "/nope", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	message(t, w)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	r := newTestAPI(Config{})

	for _, path := range []string{"/stations/getAll", "/booking/reservas/activa", "/users/puntos"} {
		w := do(r, http.MethodGet, path, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected status 401, got %d", path, w.Code)
		}
	}
}

func TestReserveHandler(t *testing.T) {
	bookings := &fakeBookings{}
	r := newTestAPI(Config{Bookings: bookings})

	w := do(r, http.MethodPost, "/booking/reservar", map[string]any{"bikeId": "BIC-001", "estacionId": ""}, alice)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if bookings.created.StationID != nil {
		t.Errorf("expected empty station to be dropped, got %q", *bookings.created.StationID)
	}
	if want := fixedNow.Add(booking.HoldWindow); !bookings.created.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, bookings.created.ExpiresAt)
	}
	if bookings.created.UserID != "auth0|alice" {
		t.Errorf("expected user auth0|alice, got %q", bookings.created.UserID)
	}

	w = do(r, http.MethodPost, "/booking/reservar", map[string]any{}, alice)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without bike, got %d", w.Code)
	}
}

func TestReserveErrors(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{booking.ErrAlreadyReserved, http.StatusConflict, "Ya tienes una reserva activa"},
		{booking.ErrBikeUnavailable, http.StatusConflict, "La bicicleta no está disponible"},
		{booking.ErrBikeNotFound, http.StatusNotFound, "Bicicleta no encontrada"},
		{errors.New("boom"), http.StatusInternalServerError, "Error interno del servidor"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := newTestAPI(Config{Bookings: &fakeBookings{err: tt.err}})

			w := do(r, http.MethodPost, "/booking/reservar", map[string]any{"bikeId": "BIC-001"}, alice)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			if msg := message(t, w); msg != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, msg)
			}
		})
	}
}

func TestReserveScheduledHandler(t *testing.T) {
	bookings := &fakeBookings{}
	r := newTestAPI(Config{Bookings: bookings})

	w := do(r, http.MethodPost, "/booking/reservar-programada", map[string]any{
		"bikeId": "BIC-001", "fechaHoraProgramada": "2025-03-01T02:00:00-05:00",
	}, alice)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for a past time, got %d", w.Code)
	}

	w = do(r, http.MethodPost, "/booking/reservar-programada", map[string]any{
		"bikeId": "BIC-001", "fechaHoraProgramada": "2025-03-01T08:30:00-05:00",
	}, alice)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	at := time.Date(2025, 3, 1, 13, 30, 0, 0, time.UTC)
	if !bookings.created.ScheduledAt.Equal(at) {
		t.Errorf("expected scheduled %s, got %s", at, bookings.created.ScheduledAt)
	}
	if want := at.Add(booking.HoldWindow); !bookings.created.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, bookings.created.ExpiresAt)
	}
}

func TestActiveReservationNone(t *testing.T) {
	r := newTestAPI(Config{})

	w := do(r, http.MethodGet, "/booking/reservas/activa", nil, alice)
	if w.Code != http.StatusOK || w.Body.String() != "null" {
		t.Errorf("expected 200 null, got %d %s", w.Code, w.Body.String())
	}
}

func TestStartTripHandler(t *testing.T) {
	tests := []struct {
		name   string
		serial string
		err    error
		status int
	}{
		{"ok", "SN-00000001", nil, http.StatusCreated},
		{"short serial", "SN-1", nil, http.StatusBadRequest},
		{"multibyte serial counts runes", "ÑÑÑÑÑÑÑÑÑÑÑ", nil, http.StatusCreated},
		{"store failure", "SN-00000001", errors.New("boom"), http.StatusInternalServerError},
		{"no reservation", "SN-00000001", ride.ErrNoReservation, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestAPI(Config{Trips: &fakeTrips{startErr: tt.err}, UnlockEvery: time.Millisecond, UnlockBurst: 10})

			w := do(r, http.MethodPost, "/booking/iniciar-viaje", map[string]any{
				"serialNumber": tt.serial, "bikeId": "BIC-001", "estacionFin": "EST-2",
			}, alice)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestUnlockIsThrottled(t *testing.T) {
	r := newTestAPI(Config{UnlockEvery: time.Hour, UnlockBurst: 2})

	body := map[string]any{"serialNumber": "SN-00000001", "bikeId": "BIC-001", "estacionFin": "EST-2"}
	for i := 0; i < 2; i++ {
		if w := do(r, http.MethodPost, "/booking/iniciar-viaje", body, alice); w.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected status 201, got %d", i, w.Code)
		}
	}
	w := do(r, http.MethodPost, "/booking/iniciar-viaje", body, alice)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}

	bob := map[string]string{"X-User-ID": "auth0|bob"}
	if w := do(r, http.MethodPost, "/booking/iniciar-viaje", body, bob); w.Code != http.StatusCreated {
		t.Errorf("expected other riders unaffected, got %d", w.Code)
	}
}

func TestTripHistoryEmpty(t *testing.T) {
	r := newTestAPI(Config{})

	w := do(r, http.MethodGet, "/booking/viajes/historial", nil, alice)
	if w.Body.String() != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestIngestTelemetry(t *testing.T) {
	bikes := &fakeBikes{}
	trips := &fakeTrips{}
	r := newTestAPI(Config{Bikes: bikes, Trips: trips, DeviceToken: "secret"})
	device := map[string]string{"X-Device-Token": "secret"}

	w := do(r, http.MethodPost, "/bikes/BIC-001/telemetria", map[string]any{"estadoCandado": "Bloqueado"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 without device token, got %d", w.Code)
	}

	w = do(r, http.MethodPost, "/bikes/BIC-001/telemetria", map[string]any{
		"latitud": 4.6, "longitud": -74.08, "estadoCandado": "Desbloqueado",
	}, device)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}
	if len(trips.completed) != 0 {
		t.Errorf("unlocked sample must not complete a trip")
	}
	if !bikes.recorded[0].Timestamp.Equal(fixedNow) {
		t.Errorf("expected missing timestamp to default to now, got %s", bikes.recorded[0].Timestamp)
	}

	w = do(r, http.MethodPost, "/bikes/BIC-001/telemetria", map[string]any{
		"latitud": 4.6, "longitud": -74.08, "estadoCandado": "Bloqueado", "fechaConsulta": "2025-03-01T03:10:00-05:00",
	}, device)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if len(trips.completed) != 1 || trips.completed[0] != "BIC-001" {
		t.Errorf("expected locked sample to complete the trip, got %v", trips.completed)
	}

	w = do(r, http.MethodPost, "/bikes/BIC-404/telemetria", map[string]any{"estadoCandado": "Bloqueado"}, device)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestIngestTelemetryRejectsBadPayloads(t *testing.T) {
	bikes := &fakeBikes{}
	trips := &fakeTrips{}
	r := newTestAPI(Config{Bikes: bikes, Trips: trips, DeviceToken: "secret"})
	device := map[string]string{"X-Device-Token": "secret"}

	for name, body := range map[string]any{
		"unknown lock state":  map[string]any{"estadoCandado": "Abierto"},
		"missing lock state":  map[string]any{"latitud": 4.6, "longitud": -74.08},
		"malformed timestamp": map[string]any{"estadoCandado": "Bloqueado", "fechaConsulta": "ayer"},
		"not an object":       []string{"Bloqueado"},
	} {
		t.Run(name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/bikes/BIC-001/telemetria", body, device)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			if msg := message(t, w); msg != "Telemetría inválida" {
				t.Errorf("unexpected message %q", msg)
			}
		})
	}

	if len(bikes.recorded) != 0 || len(trips.completed) != 0 {
		t.Errorf("rejected samples must not be stored or end trips: %v %v", bikes.recorded, trips.completed)
	}
}

func TestConfirmPaymentVerifiesCharge(t *testing.T) {
	tests := []struct {
		name     string
		trips    *fakeTrips
		intents  *fakeIntents
		status   int
		message  string
		cardPaid []string
	}{
		{
			name:    "subscription credit",
			trips:   &fakeTrips{},
			intents: &fakeIntents{},
			status:  http.StatusOK,
		},
		{
			name:    "nothing recorded",
			trips:   &fakeTrips{markPaidErr: ride.ErrNoPayment},
			intents: &fakeIntents{},
			status:  http.StatusBadRequest,
			message: "No hay un pago registrado para este viaje",
		},
		{
			name:    "card never charged",
			trips:   &fakeTrips{intentID: "pi_1", markPaidErr: ride.ErrNoPayment},
			intents: &fakeIntents{status: "requires_payment_method"},
			status:  http.StatusBadRequest,
			message: "El pago con tarjeta no se ha completado",
		},
		{
			name:     "card charged",
			trips:    &fakeTrips{intentID: "pi_1"},
			intents:  &fakeIntents{status: IntentSucceeded},
			status:   http.StatusOK,
			cardPaid: []string{"pi_1:3570"},
		},
		{
			name:     "card charged a different amount",
			trips:    &fakeTrips{intentID: "pi_1", cardErr: ride.ErrChargeMismatch},
			intents:  &fakeIntents{status: IntentSucceeded},
			status:   http.StatusBadRequest,
			message:  "El monto cobrado no coincide con el total del viaje",
			cardPaid: []string{"pi_1:3570"},
		},
		{
			name:    "processor unreachable",
			trips:   &fakeTrips{intentID: "pi_1"},
			intents: &fakeIntents{retrieveErr: errors.New("timeout")},
			status:  http.StatusBadGateway,
			message: "No se pudo verificar el pago con tarjeta",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestAPI(Config{Trips: tt.trips, Intents: tt.intents})

			w := do(r, http.MethodPost, "/trips/registrar-pago-exitoso", map[string]any{"viajeId": "trip-1"}, alice)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.message != "" {
				if msg := message(t, w); msg != tt.message {
					t.Errorf("expected message %q, got %q", tt.message, msg)
				}
			}
			if fmt.Sprint(tt.trips.cardPaid) != fmt.Sprint(tt.cardPaid) {
				t.Errorf("expected card payments %v, got %v", tt.cardPaid, tt.trips.cardPaid)
			}
		})
	}
}

func TestConfirmCardPaymentUnconfigured(t *testing.T) {
	r := newTestAPI(Config{Trips: &fakeTrips{intentID: "pi_1"}})

	w := do(r, http.MethodPost, "/trips/registrar-pago-exitoso", map[string]any{"viajeId": "trip-1"}, alice)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestPayWithBalanceHandler(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{customer.ErrInsufficientFunds, http.StatusBadRequest, "Saldo insuficiente"},
		{customer.ErrNoCardLinked, http.StatusBadRequest, "El usuario no tiene una CityPass vinculada"},
		{customer.ErrAmountMismatch, http.StatusBadRequest, "El monto no coincide con el total del viaje"},
		{ride.ErrNotEnded, http.StatusConflict, "El viaje aún no ha terminado"},
		{ride.ErrNotFound, http.StatusNotFound, "Viaje no encontrado"},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			r := newTestAPI(Config{Customers: &fakeCustomers{payErr: tt.err}})

			w := do(r, http.MethodPost, "/payments/pay-with-balance", map[string]any{"monto": 3570, "viajeId": "trip-1"}, alice)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			if msg := message(t, w); msg != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, msg)
			}
		})
	}

	t.Run("already paid", func(t *testing.T) {
		r := newTestAPI(Config{Customers: &fakeCustomers{payErr: customer.ErrAlreadyPaid}})

		w := do(r, http.MethodPost, "/payments/pay-with-balance", map[string]any{"monto": 3570, "viajeId": "trip-1"}, alice)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		var resp directPaymentResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Trip.Status != ride.StatusPaid {
			t.Errorf("expected paid trip, got %q", resp.Trip.Status)
		}
	})
}

func TestCreatePaymentIntentHandler(t *testing.T) {
	customers := &fakeCustomers{}
	intents := &fakeIntents{}
	r := newTestAPI(Config{Customers: customers, Intents: intents, Currency: "cop"})

	body := map[string]any{"amount": 3570, "currency": "COP", "metadata": map[string]string{"viajeId": "trip-1"}}
	for i := 0; i < 2; i++ {
		w := do(r, http.MethodPost, "/payments/create-payment-intent", body, alice)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["clientSecret"] != "pi_1_secret" || resp["paymentIntentId"] != "pi_1" {
			t.Errorf("unexpected response %v", resp)
		}
	}

	if intents.customers != 1 {
		t.Errorf("expected one processor customer, got %d", intents.customers)
	}
	p := intents.params[0]
	if p.Currency != "cop" || p.CustomerID != "cus_1" || p.IdempotencyKey != "intent-trip-1-3570" {
		t.Errorf("unexpected intent params %+v", p)
	}
	if len(customers.intents) != 2 {
		t.Errorf("expected intents recorded, got %v", customers.intents)
	}

	w := do(r, http.MethodPost, "/payments/create-payment-intent", map[string]any{
		"amount": 100, "currency": "cop", "metadata": map[string]string{"viajeId": "trip-1"},
	}, alice)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for wrong amount, got %d", w.Code)
	}
	if len(intents.params) != 2 {
		t.Errorf("rejected amount must not reach the processor")
	}
}

func TestCardPaymentsUnconfigured(t *testing.T) {
	r := newTestAPI(Config{})

	w := do(r, http.MethodGet, "/config/stripe-pk", nil, alice)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	w = do(r, http.MethodPost, "/payments/create-payment-intent", map[string]any{
		"amount": 3570, "currency": "cop", "metadata": map[string]string{"viajeId": "trip-1"},
	}, alice)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestPointsWithoutAccount(t *testing.T) {
	r := newTestAPI(Config{})

	w := do(r, http.MethodGet, "/users/puntos", nil, alice)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"saldo":0}` {
		t.Errorf("expected zero points, got %d %s", w.Code, w.Body.String())
	}
}

func TestSyncProfile(t *testing.T) {
	profiles := auth0.NewFakeClient()
	profiles.Add("token-alice", auth0.Profile{Sub: "auth0|alice", Email: "alice@example.com", Name: "Alice"})
	profiles.Add("token-bob", auth0.Profile{Sub: "auth0|bob"})
	customers := &fakeCustomers{}
	r := newTestAPI(Config{Customers: customers, Profiles: profiles})

	w := do(r, http.MethodPost, "/users/perfil/sincronizar", nil, map[string]string{
		"X-User-ID": "auth0|alice", "Authorization": "Bearer token-bob",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403 for another subject, got %d", w.Code)
	}

	w = do(r, http.MethodPost, "/users/perfil/sincronizar", nil, map[string]string{
		"X-User-ID": "auth0|alice", "Authorization": "Bearer token-alice",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp profileResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Email != "alice@example.com" || resp.Name != "Alice" {
		t.Errorf("unexpected profile %+v", resp)
	}
}
