package acceptance

import (
	"net/http"
	"testing"

	"github.com/semanticallynull/bikeshare/customer"
	"github.com/semanticallynull/bikeshare/ride"
)

type paidResponse struct {
	Trip ride.Trip `json:"viaje"`
}

func finishedTrip(t *testing.T, ts *TestServer, userID string) ride.Trip {
	t.Helper()
	station := ts.CreateTestStation(t, "Estación Central", 10)
	ts.CreateTestBike(t, "BIC-001", "SN-00000001", station)
	return ts.FinishTestTrip(t, userID, "BIC-001", "SN-00000001", station, 0)
}

func TestPayWithBalance(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "auth0|alice", 1000, 0)
	trip := finishedTrip(t, ts, "auth0|alice")

	w := ts.POST("/payments/pay-with-balance", map[string]any{"monto": 3570, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if msg := decode[map[string]any](t, w)["message"]; msg != "Saldo insuficiente" {
		t.Errorf("unexpected message %v", msg)
	}

	if _, err := ts.DB.Exec(`UPDATE customers SET balance = 5000 WHERE auth0_id = $1`, "auth0|alice"); err != nil {
		t.Fatalf("failed to top up: %v", err)
	}

	w = ts.POST("/payments/pay-with-balance", map[string]any{"monto": 100, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for wrong amount, got %d", w.Code)
	}

	w = ts.POST("/payments/pay-with-balance", map[string]any{"monto": 3570, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if paid := decode[paidResponse](t, w); paid.Trip.Status != ride.StatusPaid {
		t.Errorf("expected trip %q, got %q", ride.StatusPaid, paid.Trip.Status)
	}

	// Paying again returns the paid trip without charging twice.
	w = ts.POST("/payments/pay-with-balance", map[string]any{"monto": 3570, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 on repeat, got %d", w.Code)
	}

	w = ts.GET("/users/perfil", as("auth0|alice"))
	profile := decode[struct {
		Wallet customer.Wallet        `json:"billetera"`
		Points customer.LoyaltyPoints `json:"puntos"`
	}](t, w)
	if profile.Wallet.Balance != 5000-3570 {
		t.Errorf("expected balance %d, got %d", 5000-3570, profile.Wallet.Balance)
	}
	if profile.Points.Balance != 10 {
		t.Errorf("expected 10 points earned, got %d", profile.Points.Balance)
	}
}

func TestPayWithCityPass(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "auth0|alice", 0, 0)
	trip := finishedTrip(t, ts, "auth0|alice")

	w := ts.POST("/payments/pay-with-citypass", map[string]any{"monto": 3570, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if msg := decode[map[string]any](t, w)["message"]; msg != "El usuario no tiene una CityPass vinculada" {
		t.Errorf("unexpected message %v", msg)
	}

	ts.LinkCityPass(t, "auth0|alice", 10000)

	w = ts.POST("/payments/pay-with-citypass", map[string]any{"monto": 3570, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var balance int64
	if err := ts.DB.Get(&balance, `SELECT citypass_balance FROM customers WHERE auth0_id = $1`, "auth0|alice"); err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if balance != 10000-3570 {
		t.Errorf("expected citypass balance %d, got %d", 10000-3570, balance)
	}
}

func TestRedeemPoints(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "auth0|alice", 5000, 105)
	trip := finishedTrip(t, ts, "auth0|alice")

	w := ts.POST("/payments/redeem-points", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	r := decode[customer.Redemption](t, w)
	if r.DiscountApplied != 1000 || r.DiscountedTotal != 2570 {
		t.Errorf("expected 1000 off 3570, got %+v", r)
	}

	w = ts.POST("/payments/redeem-points", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 on second redemption, got %d", w.Code)
	}

	w = ts.GET("/users/puntos", as("auth0|alice"))
	if pts := decode[customer.LoyaltyPoints](t, w); pts.Balance != 5 {
		t.Errorf("expected 5 points left, got %d", pts.Balance)
	}

	w = ts.GET("/trips/"+trip.ID+"/pricing", as("auth0|alice"))
	if p := decode[ride.Pricing](t, w); p.Payable() != 2570 {
		t.Errorf("expected payable 2570, got %d", p.Payable())
	}

	w = ts.POST("/payments/pay-with-balance", map[string]any{"monto": 2570, "viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Errorf("expected discounted payment accepted, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRedeemWithoutPoints(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	ts.CreateTestCustomer(t, "auth0|alice", 0, 9)
	trip := finishedTrip(t, ts, "auth0|alice")

	w := ts.POST("/payments/redeem-points", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestPayWithCard(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	trip := finishedTrip(t, ts, "auth0|alice")

	w := ts.POST("/trips/registrar-pago-exitoso", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 before any charge, got %d", w.Code)
	}

	w = ts.POST("/payments/create-payment-intent", map[string]any{
		"amount": 3570, "currency": "usd", "metadata": map[string]string{"viajeId": trip.ID},
	}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for wrong currency, got %d", w.Code)
	}

	w = ts.POST("/payments/create-payment-intent", map[string]any{
		"amount": 3570, "currency": "cop", "metadata": map[string]string{"viajeId": trip.ID},
	}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	intent := decode[map[string]string](t, w)
	if intent["clientSecret"] == "" || intent["paymentIntentId"] == "" {
		t.Errorf("expected client secret and intent id, got %v", intent)
	}
	created := ts.Intents.Created()
	if len(created) != 1 || created[0].Amount != 3570 || created[0].TripID != trip.ID {
		t.Errorf("unexpected intents %+v", created)
	}

	w = ts.POST("/trips/registrar-pago-exitoso", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 before the card was charged, got %d: %s", w.Code, w.Body.String())
	}
	var status string
	if err := ts.DB.Get(&status, `SELECT status FROM trips WHERE id = $1`, trip.ID); err != nil {
		t.Fatalf("failed to read trip: %v", err)
	}
	if status != string(ride.StatusCompleted) {
		t.Errorf("uncharged trip must stay %q, got %q", ride.StatusCompleted, status)
	}

	ts.Intents.Succeed(intent["paymentIntentId"])

	w = ts.POST("/trips/registrar-pago-exitoso", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if paid := decode[ride.Trip](t, w); paid.Status != ride.StatusPaid {
		t.Errorf("expected trip %q, got %q", ride.StatusPaid, paid.Status)
	}

	var method string
	if err := ts.DB.Get(&method, `SELECT method FROM payments WHERE trip_id = $1`, trip.ID); err != nil {
		t.Fatalf("failed to read payment: %v", err)
	}
	if method != "tarjeta" {
		t.Errorf("expected card payment, got %q", method)
	}
}

func TestSubscriptionTrip(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	trip := finishedTrip(t, ts, "auth0|alice")

	w := ts.GET("/subscriptions/activa", as("auth0|alice"))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without a subscription, got %d", w.Code)
	}

	ts.CreateTestSubscription(t, "auth0|alice", 2)

	w = ts.GET("/subscriptions/activa", as("auth0|alice"))
	if sub := decode[customer.Subscription](t, w); !sub.Active || sub.TripsAvailable != 2 {
		t.Errorf("expected active subscription with 2 trips, got %+v", sub)
	}

	for i := 0; i < 2; i++ {
		w = ts.POST("/subscriptions/consumir-viaje", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
		if w.Code != http.StatusOK {
			t.Fatalf("consume %d: expected status 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	w = ts.GET("/subscriptions/activa", as("auth0|alice"))
	if sub := decode[customer.Subscription](t, w); sub.TripsAvailable != 1 {
		t.Errorf("expected one credit used, got %d left", sub.TripsAvailable)
	}

	w = ts.POST("/trips/registrar-pago-exitoso", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 before the card was charged, got %d: %s", w.Code, w.Body.String())
	}
	var status string
	if err := ts.DB.Get(&status, `SELECT status FROM trips WHERE id = $1`, trip.ID); err != nil {
		t.Fatalf("failed to read trip: %v", err)
	}
	if status != string(ride.StatusCompleted) {
		t.Errorf("uncharged trip must stay %q, got %q", ride.StatusCompleted, status)
	}

	ts.Intents.Succeed(intent["paymentIntentId"])

	w = ts.POST("/trips/registrar-pago-exitoso", map[string]any{"viajeId": trip.ID}, as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if paid := decode[ride.Trip](t, w); paid.Status != ride.StatusPaid {
		t.Errorf("expected trip %q, got %q", ride.StatusPaid, paid.Status)
	}
}

func TestPublishableKey(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	w := ts.GET("/config/stripe-pk", as("auth0|alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if key := decode[map[string]string](t, w)["publishableKey"]; key != "pk_test_bikeshare" {
		t.Errorf("unexpected key %q", key)
	}
}
