package disbursement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/internal/config"
)

func testConfig() config.MpesaConfig {
	return config.MpesaConfig{
		Environment:        "sandbox",
		ConsumerKey:        "key",
		ConsumerSecret:     "secret",
		ShortCode:          "174379",
		InitiatorName:      "testapi",
		SecurityCredential: "test",
		CallbackBaseURL:    "http://localhost:8080",
	}
}

// railServer fakes the token and B2C endpoints
func railServer(t *testing.T, authCalls *int64, payoutHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(authCalls, 1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", payoutHandler)
	return httptest.NewServer(mux)
}

func TestPayoutSuccess(t *testing.T) {
	var authCalls int64
	txID := uuid.New()

	srv := railServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// 12500.75 KES truncates to 12500; the rail takes integer amounts
		assert.Equal(t, float64(12500), body["Amount"])
		assert.Equal(t, "254712345678", body["PartyB"])
		assert.Equal(t, "174379", body["PartyA"])
		assert.Contains(t, body["Remarks"], txID.String())

		json.NewEncoder(w).Encode(map[string]string{
			"ConversationID": "AG_20260831_1234",
			"ResponseCode":   "0",
		})
	})
	defer srv.Close()

	c := NewMpesaClientWithBaseURL(testConfig(), srv.URL, zap.NewNop())
	result, err := c.Payout(context.Background(), decimal.RequireFromString("12500.75"), "0712345678", txID)
	require.NoError(t, err)
	assert.Equal(t, "AG_20260831_1234", result.ProviderReference)
}

func TestPayoutReusesCachedToken(t *testing.T) {
	var authCalls int64
	srv := railServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ConversationID": "AG_1", "ResponseCode": "0"})
	})
	defer srv.Close()

	c := NewMpesaClientWithBaseURL(testConfig(), srv.URL, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := c.Payout(context.Background(), decimal.NewFromInt(100), "254700000000", uuid.New())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&authCalls))

	// Invalidation forces one re-authentication
	c.InvalidateSession()
	_, err := c.Payout(context.Background(), decimal.NewFromInt(100), "254700000000", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&authCalls))
}

func TestPayoutUnauthorizedIsAuthFailure(t *testing.T) {
	var authCalls int64
	srv := railServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	c := NewMpesaClientWithBaseURL(testConfig(), srv.URL, zap.NewNop())
	_, err := c.Payout(context.Background(), decimal.NewFromInt(100), "254700000000", uuid.New())
	assert.ErrorIs(t, err, payerrors.ErrAuthFailure)
}

func TestPayoutRejected(t *testing.T) {
	var authCalls int64
	srv := railServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "2001",
			"ResponseDescription": "The initiator information is invalid",
		})
	})
	defer srv.Close()

	c := NewMpesaClientWithBaseURL(testConfig(), srv.URL, zap.NewNop())
	_, err := c.Payout(context.Background(), decimal.NewFromInt(100), "254700000000", uuid.New())
	assert.ErrorIs(t, err, payerrors.ErrPayoutRejected)
}

func TestPayoutServerErrorIsTimeout(t *testing.T) {
	var authCalls int64
	srv := railServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	c := NewMpesaClientWithBaseURL(testConfig(), srv.URL, zap.NewNop())
	_, err := c.Payout(context.Background(), decimal.NewFromInt(100), "254700000000", uuid.New())
	assert.ErrorIs(t, err, payerrors.ErrPayoutTimeout)
}

func TestNormalizeAmountTruncates(t *testing.T) {
	assert.Equal(t, int64(99), NormalizeAmount(decimal.RequireFromString("99.99")))
	assert.Equal(t, int64(100), NormalizeAmount(decimal.RequireFromString("100.00")))
	assert.Equal(t, int64(0), NormalizeAmount(decimal.RequireFromString("0.75")))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "254712345678", NormalizePhone("0712345678"))
	assert.Equal(t, "254712345678", NormalizePhone("+254712345678"))
	assert.Equal(t, "254712345678", NormalizePhone("254712345678"))
}
