package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/semanticallynull/bikeshare/api"
	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/booking"
	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/internal/middleware"
	"github.com/semanticallynull/bikeshare/ride"
	"github.com/semanticallynull/bikeshare/station"
)

type TestServer struct {
	DB      *sqlx.DB
	Router  *gin.Engine
	Intents *fakeIntents
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sqlx.Connect("pgx", dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	schema, err := os.ReadFile("../sql/schema.sql")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	// Clean up test data before each test
	cleanupTestData(t, db)

	ts := &TestServer{
		DB:      db,
		Intents: &fakeIntents{},
	}

	a := api.New(api.Config{
		Stations:       station.NewRepository(db),
		Bikes:          bike.NewRepository(db),
		Bookings:       booking.NewRepository(db),
		Trips:          ride.NewRepository(db),
		Customers:      customer.NewRepository(db),
		Intents:        ts.Intents,
		Auth:           fakeAuthMiddleware(),
		DeviceToken:    deviceToken,
		Tariff:         ride.DefaultTariff(),
		Currency:       "cop",
		PublishableKey: "pk_test_bikeshare",
		UnlockEvery:    time.Millisecond,
		UnlockBurst:    100,
	})
	ts.Router = a.Router()

	return ts
}

func (ts *TestServer) Close() {
	ts.DB.Close()
}

const deviceToken = "device-secret"

func cleanupTestData(t *testing.T, db *sqlx.DB) {
	t.Helper()

	// Delete in order of dependencies
	for _, table := range []string{
		"payments", "subscription_uses", "payment_intents", "trip_pricing", "trips",
		"reservations", "subscriptions", "customers", "bike_telemetry", "bikes", "stations",
	} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Logf("warning: failed to clean %s: %v", table, err)
		}
	}
}

// fakeAuthMiddleware takes the user ID from X-User-ID, or from the bearer token so the
// rider client can sign in with its user ID.
func fakeAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			userID = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": http.StatusUnauthorized, "message": "Autenticación requerida"})
			return
		}
		middleware.SetAuth0ID(c, userID)
		c.Next()
	}
}

type fakeIntents struct {
	mu        sync.Mutex
	created   []api.IntentParams
	succeeded map[string]bool
}

func (f *fakeIntents) CreateCustomer(context.Context, string, string) (string, error) {
	return "cus_" + uuid.NewString()[:8], nil
}

func (f *fakeIntents) CreateIntent(_ context.Context, p api.IntentParams) (api.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, p)
	id := fmt.Sprintf("pi_%d", len(f.created))
	return api.Intent{ID: id, ClientSecret: id + "_secret_test", Amount: p.Amount, Status: "requires_payment_method"}, nil
}

func (f *fakeIntents) RetrieveIntent(_ context.Context, id string) (api.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	if _, err := fmt.Sscanf(id, "pi_%d", &n); err != nil || n < 1 || n > len(f.created) {
		return api.Intent{}, fmt.Errorf("no such payment intent: %s", id)
	}
	intent := api.Intent{ID: id, Amount: f.created[n-1].Amount, Status: "requires_payment_method"}
	if f.succeeded[id] {
		intent.Status = api.IntentSucceeded
	}
	return intent, nil
}

// Succeed plays the rider's card confirmation at the processor.
func (f *fakeIntents) Succeed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.succeeded == nil {
		f.succeeded = make(map[string]bool)
	}
	f.succeeded[id] = true
}

func (f *fakeIntents) Created() []api.IntentParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.IntentParams(nil), f.created...)
}

// Helper methods for making requests
func (ts *TestServer) GET(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func (ts *TestServer) POST(path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func as(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return v
}

// Helper to create test station
func (ts *TestServer) CreateTestStation(t *testing.T, name string, capacity int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := ts.DB.Exec(`
		INSERT INTO stations (id, name, location, capacity, type)
		VALUES ($1, $2, point(4.60, -74.08), $3, 'bicicletas')
	`, id, name, capacity)
	if err != nil {
		t.Fatalf("failed to create test station: %v", err)
	}
	return id
}

// Helper to create test bike
func (ts *TestServer) CreateTestBike(t *testing.T, id, serial string, stationID string) {
	t.Helper()
	_, err := ts.DB.Exec(`
		INSERT INTO bikes (id, serial, type, status, station_id, location)
		VALUES ($1, $2, 'mecanica', 'disponible', $3, point(4.60, -74.08))
	`, id, serial, stationID)
	if err != nil {
		t.Fatalf("failed to create test bike: %v", err)
	}
}

func (ts *TestServer) CreateTestCustomer(t *testing.T, userID string, balance int64, points int) {
	t.Helper()
	_, err := ts.DB.Exec(`
		INSERT INTO customers (id, auth0_id, balance, points) VALUES ($1, $2, $3, $4)
	`, uuid.New(), userID, balance, points)
	if err != nil {
		t.Fatalf("failed to create test customer: %v", err)
	}
}

func (ts *TestServer) LinkCityPass(t *testing.T, userID string, balance int64) {
	t.Helper()
	_, err := ts.DB.Exec(`UPDATE customers SET citypass_linked = true, citypass_balance = $2 WHERE auth0_id = $1`, userID, balance)
	if err != nil {
		t.Fatalf("failed to link citypass: %v", err)
	}
}

func (ts *TestServer) CreateTestSubscription(t *testing.T, userID string, trips int) {
	t.Helper()
	_, err := ts.DB.Exec(`
		INSERT INTO subscriptions (user_id, plan, trips_available, expires_at)
		VALUES ($1, 'mensual', $2, now() + interval '30 days')
	`, userID, trips)
	if err != nil {
		t.Fatalf("failed to create test subscription: %v", err)
	}
}

// PushTelemetry reports a lock sample the way a bike does.
func (ts *TestServer) PushTelemetry(t *testing.T, bikeID string, locked bool, at time.Time) {
	t.Helper()
	lock := bike.Unlocked
	if locked {
		lock = bike.Locked
	}
	w := ts.POST("/bikes/"+bikeID+"/telemetria", map[string]any{
		"latitud":       4.61,
		"longitud":      -74.07,
		"estadoCandado": lock,
		"fechaConsulta": at.Format(time.RFC3339),
	}, map[string]string{"X-Device-Token": deviceToken})
	if w.Code != http.StatusNoContent {
		t.Fatalf("telemetry rejected: %d %s", w.Code, w.Body.String())
	}
}

// BackdateTrip moves a trip's start into the past so it runs into overtime.
func (ts *TestServer) BackdateTrip(t *testing.T, tripID string, by time.Duration) {
	t.Helper()
	_, err := ts.DB.Exec(`UPDATE trips SET started_at = started_at - $2::interval WHERE id = $1`,
		tripID, fmt.Sprintf("%d seconds", int(by.Seconds())))
	if err != nil {
		t.Fatalf("failed to backdate trip: %v", err)
	}
}

// StartTestTrip reserves bikeID for userID and unlocks it towards endStationID.
func (ts *TestServer) StartTestTrip(t *testing.T, userID, bikeID, serial, endStationID string) ride.Trip {
	t.Helper()
	w := ts.POST("/booking/reservar", map[string]any{"bikeId": bikeID}, as(userID))
	if w.Code != http.StatusCreated {
		t.Fatalf("reserve failed: %d %s", w.Code, w.Body.String())
	}
	w = ts.POST("/booking/iniciar-viaje", map[string]any{
		"serialNumber": serial, "bikeId": bikeID, "estacionFin": endStationID,
	}, as(userID))
	if w.Code != http.StatusCreated {
		t.Fatalf("unlock failed: %d %s", w.Code, w.Body.String())
	}
	return decode[ride.Trip](t, w)
}

// FinishTestTrip starts a trip and locks the bike at the destination.
func (ts *TestServer) FinishTestTrip(t *testing.T, userID, bikeID, serial, endStationID string, ridden time.Duration) ride.Trip {
	t.Helper()
	trip := ts.StartTestTrip(t, userID, bikeID, serial, endStationID)
	if ridden > 0 {
		ts.BackdateTrip(t, trip.ID, ridden)
	}
	ts.PushTelemetry(t, bikeID, true, time.Now())
	return trip
}
