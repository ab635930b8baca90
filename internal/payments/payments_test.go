package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serviqo/walletcore/internal/booking"
	"github.com/serviqo/walletcore/internal/gateway"
	"github.com/serviqo/walletcore/internal/ledger"
	"github.com/serviqo/walletcore/internal/settings"
	"github.com/serviqo/walletcore/internal/wallet"
)

const testWebhookSecret = "whsec_test"

type testEnv struct {
	ledger   *ledger.MemoryStore
	gateway  *gateway.Fake
	bookings *booking.Service
	service  *Service
	handler  *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ledgerStore := ledger.NewMemoryStore()
	provider, err := settings.NewProvider(settings.Snapshot{
		ProSharePercent:          75,
		InstantCashoutFeePercent: 3,
		CancellationFeePercent:   10,
		HoldDays:                 7,
		AutoReleaseBatch:         100,
	})
	require.NoError(t, err)

	walletSvc := wallet.NewService(ledgerStore, provider, slog.Default())
	bookingSvc := booking.NewService(booking.NewMemoryStore(), walletSvc, slog.Default())
	fake := gateway.NewFake()
	svc := NewService(NewMemoryStore(), bookingSvc, walletSvc, fake, slog.Default())

	return &testEnv{
		ledger:   ledgerStore,
		gateway:  fake,
		bookings: bookingSvc,
		service:  svc,
		handler:  NewHandler(svc, testWebhookSecret),
	}
}

func (e *testEnv) balance(t *testing.T, ownerID string) *ledger.Account {
	t.Helper()
	acct, err := e.ledger.GetOrCreateAccount(context.Background(), ownerID)
	require.NoError(t, err)
	return acct
}

func TestVerifyTopup_CreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	topup, redirectURL, err := env.service.InitializeTopup(ctx, "client_1", 2500)
	require.NoError(t, err)
	assert.NotEmpty(t, redirectURL)

	// Verifying before payment is a distinct outcome, not a credit.
	err = env.service.Verify(ctx, topup.Reference)
	assert.ErrorIs(t, err, ErrChargeNotPaid)
	assert.Zero(t, env.balance(t, "client_1").Available)

	env.gateway.CompleteCharge(topup.Reference)
	require.NoError(t, env.service.Verify(ctx, topup.Reference))
	assert.Equal(t, int64(2500), env.balance(t, "client_1").Available)

	// Redelivered verification must not credit again.
	require.NoError(t, env.service.Verify(ctx, topup.Reference))
	assert.Equal(t, int64(2500), env.balance(t, "client_1").Available)
}

func TestVerifyBookingCharge_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := env.bookings.Create(ctx, booking.CreateInput{ClientID: "client_1", ProID: "pro_1", Amount: 5000})
	require.NoError(t, err)

	_, ref, err := env.service.InitializeBookingCharge(ctx, b.ID)
	require.NoError(t, err)
	env.gateway.CompleteCharge(ref)

	require.NoError(t, env.service.Verify(ctx, ref))
	require.NoError(t, env.service.Verify(ctx, ref))

	assert.Equal(t, int64(5000), env.balance(t, ledger.EscrowAccountID).Available,
		"double verification credits escrow exactly once")

	got, err := env.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusScheduled, got.Status)
	assert.Equal(t, booking.PaymentPaid, got.PaymentStatus)
}

func TestInitializeBookingCharge_ReusesReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := env.bookings.Create(ctx, booking.CreateInput{ClientID: "client_1", ProID: "pro_1", Amount: 5000})
	require.NoError(t, err)

	_, ref1, err := env.service.InitializeBookingCharge(ctx, b.ID)
	require.NoError(t, err)
	_, ref2, err := env.service.InitializeBookingCharge(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2, "a retried initialization keeps the same reference")
}

func TestInitializeBookingCharge_AlreadyPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := env.bookings.Create(ctx, booking.CreateInput{ClientID: "client_1", ProID: "pro_1", Amount: 5000})
	require.NoError(t, err)
	_, err = env.bookings.ConfirmPayment(ctx, b.ID, "PAY_direct", 5000)
	require.NoError(t, err)

	_, _, err = env.service.InitializeBookingCharge(ctx, b.ID)
	assert.ErrorIs(t, err, booking.ErrInvalidTransition)
}

func TestVerify_UnknownReference(t *testing.T) {
	env := newTestEnv(t)
	err := env.service.Verify(context.Background(), "REF_nope")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.RegisterWebhookRoutes(router.Group("/"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AppliesPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	topup, _, err := env.service.InitializeTopup(ctx, "client_1", 4000)
	require.NoError(t, err)

	body, _ := json.Marshal(webhookPayload{Reference: topup.Reference, Amount: 4000, Success: true})
	rec := postWebhook(t, env.handler, body, sign(testWebhookSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4000), env.balance(t, "client_1").Available)

	// The gateway retries; the duplicate is acknowledged without crediting.
	rec = postWebhook(t, env.handler, body, sign(testWebhookSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4000), env.balance(t, "client_1").Available)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	topup, _, err := env.service.InitializeTopup(ctx, "client_1", 4000)
	require.NoError(t, err)

	body, _ := json.Marshal(webhookPayload{Reference: topup.Reference, Amount: 4000, Success: true})

	rec := postWebhook(t, env.handler, body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(t, env.handler, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Zero(t, env.balance(t, "client_1").Available, "unsigned webhook must not move money")
}

func TestWebhook_UnknownReferenceAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(webhookPayload{Reference: "REF_stranger", Amount: 100, Success: true})
	rec := postWebhook(t, env.handler, body, sign(testWebhookSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code, "unknown references are acknowledged, not retried forever")
}

func TestWebhook_FailedChargeMarksTopupFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	topup, _, err := env.service.InitializeTopup(ctx, "client_1", 4000)
	require.NoError(t, err)

	body, _ := json.Marshal(webhookPayload{Reference: topup.Reference, Amount: 4000, Success: false})
	rec := postWebhook(t, env.handler, body, sign(testWebhookSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := env.service.topups.GetByReference(ctx, topup.Reference)
	require.NoError(t, err)
	assert.Equal(t, TopupFailed, got.Status)
	assert.Zero(t, env.balance(t, "client_1").Available)
}
