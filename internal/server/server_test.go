package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviqo/walletcore/internal/config"
	"github.com/serviqo/walletcore/internal/gateway"
)

const (
	testAdminSecret   = "admin_test_secret"
	testWebhookSecret = "whsec_server_test"
)

func newTestServer(t *testing.T) (*Server, *gateway.Fake) {
	t.Helper()

	fake := gateway.NewFake()
	cfg := &config.Config{
		Port:                     "0",
		Env:                      "test",
		LogLevel:                 "error",
		WebhookSecret:            testWebhookSecret,
		AdminSecret:              testAdminSecret,
		RateLimitRPS:             100000,
		ProSharePercent:          75,
		InstantCashoutFeePercent: 3,
		CancellationFeePercent:   10,
		HoldDays:                 7,
		AutoReleaseEnabled:       true,
		AutoReleaseInterval:      time.Minute,
		AutoReleaseBatch:         100,
	}

	srv, err := New(cfg, WithGateway(fake))
	require.NoError(t, err)
	t.Cleanup(func() {
		if srv.rateLimiter != nil {
			srv.rateLimiter.Stop()
		}
	})
	return srv, fake
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func ownerBalance(t *testing.T, srv *Server, ownerID string) map[string]any {
	t.Helper()
	w := doJSON(t, srv, http.MethodGet, "/v1/owners/"+ownerID+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	return decode(t, w)["balance"].(map[string]any)
}

func TestHealthAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started.
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	srv, fake := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/bookings", map[string]any{
		"clientId":         "client_http",
		"proId":            "pro_http",
		"amountMinorUnits": 5000,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	bookingID := decode(t, w)["booking"].(map[string]any)["id"].(string)

	// Initialize the gateway charge and complete it out of band.
	w = doJSON(t, srv, http.MethodPost, "/v1/bookings/"+bookingID+"/pay", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ref := decode(t, w)["reference"].(string)
	fake.CompleteCharge(ref)

	w = doJSON(t, srv, http.MethodPost, "/v1/payments/verify", map[string]any{"reference": ref}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/bookings/"+bookingID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	b := decode(t, w)["booking"].(map[string]any)
	assert.Equal(t, "scheduled", b["status"])
	assert.Equal(t, "paid", b["paymentStatus"])

	w = doJSON(t, srv, http.MethodPost, "/v1/bookings/"+bookingID+"/accept", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/bookings/"+bookingID+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// 75% of 5000 lands in the professional's pending balance.
	pro := ownerBalance(t, srv, "pro_http")
	assert.Equal(t, float64(3750), pro["pendingMinorUnits"])
	assert.Equal(t, float64(0), pro["availableMinorUnits"])

	// Admin release moves it to available.
	w = doJSON(t, srv, http.MethodPost, "/admin/bookings/"+bookingID+"/release", nil,
		map[string]string{"X-Admin-Secret": testAdminSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3750), decode(t, w)["releasedMinorUnits"])

	pro = ownerBalance(t, srv, "pro_http")
	assert.Equal(t, float64(0), pro["pendingMinorUnits"])
	assert.Equal(t, float64(3750), pro["availableMinorUnits"])
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/admin/settings", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/admin/bookings/bk_x/release", nil,
		map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestTopupWebhookFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/topups", map[string]any{
		"ownerId":          "client_hook",
		"amountMinorUnits": 2500,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	ref := decode(t, w)["topup"].(map[string]any)["reference"].(string)

	payload := fmt.Sprintf(`{"reference":%q,"amountMinorUnits":2500,"success":true}`, ref)

	// Wrong signature is rejected and moves no money.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(payload))
	req.Header.Set("X-Webhook-Signature", sign("wrong-secret", []byte(payload)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, float64(0), ownerBalance(t, srv, "client_hook")["availableMinorUnits"])

	// Valid signature credits the owner.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(payload))
	req.Header.Set("X-Webhook-Signature", sign(testWebhookSecret, []byte(payload)))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2500), ownerBalance(t, srv, "client_hook")["availableMinorUnits"])

	// Redelivery is acknowledged without double-crediting.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(payload))
	req.Header.Set("X-Webhook-Signature", sign(testWebhookSecret, []byte(payload)))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2500), ownerBalance(t, srv, "client_hook")["availableMinorUnits"])
}

func TestPayoutOverHTTP(t *testing.T) {
	srv, fake := newTestServer(t)

	// Fund the professional through a settled booking, then release.
	w := doJSON(t, srv, http.MethodPost, "/v1/bookings", map[string]any{
		"clientId":         "client_po",
		"proId":            "pro_po",
		"amountMinorUnits": 8000,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	bookingID := decode(t, w)["booking"].(map[string]any)["id"].(string)

	w = doJSON(t, srv, http.MethodPost, "/v1/bookings/"+bookingID+"/pay", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ref := decode(t, w)["reference"].(string)
	fake.CompleteCharge(ref)
	w = doJSON(t, srv, http.MethodPost, "/v1/payments/verify", map[string]any{"reference": ref}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/bookings/"+bookingID+"/accept", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/bookings/"+bookingID+"/complete", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/admin/bookings/"+bookingID+"/release", nil,
		map[string]string{"X-Admin-Secret": testAdminSecret})
	require.Equal(t, http.StatusOK, w.Code)

	// 6000 available; pay out 4000 to a bank account.
	w = doJSON(t, srv, http.MethodPost, "/v1/owners/pro_po/payouts", map[string]any{
		"amountMinorUnits": 4000,
		"bank": map[string]any{
			"accountName":   "Pat Doe",
			"accountNumber": "0123456789",
			"bankCode":      "058",
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	payoutID := decode(t, w)["payout"].(map[string]any)["id"].(string)

	w = doJSON(t, srv, http.MethodGet, "/v1/payouts/"+payoutID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "finalized", decode(t, w)["payout"].(map[string]any)["status"])

	pro := ownerBalance(t, srv, "pro_po")
	assert.Equal(t, float64(2000), pro["availableMinorUnits"])
	assert.Equal(t, float64(4000), pro["withdrawnMinorUnits"])
}

func TestLedgerEntriesEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/topups", map[string]any{
		"ownerId":          "client_entries",
		"amountMinorUnits": 1000,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	ref := decode(t, w)["topup"].(map[string]any)["reference"].(string)

	body := fmt.Sprintf(`{"reference":%q,"amountMinorUnits":1000,"success":true}`, ref)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(body))
	req.Header.Set("X-Webhook-Signature", sign(testWebhookSecret, []byte(body)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/owners/client_entries/entries?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, float64(1), out["count"])
}
