package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestNewFallsBackToSecretKey(t *testing.T) {
	_, err := New("", "")
	require.ErrorIs(t, err, adapters.ErrInvalidConfig)

	adapter, err := New("", "sk_test_abc")
	require.NoError(t, err)

	payload := []byte(`{"event":"charge.success","data":{"id":1}}`)
	headers := http.Header{}
	headers.Set("x-paystack-signature", sign("sk_test_abc", payload))
	require.NoError(t, adapter.Verify(payload, headers))
}

func TestVerify(t *testing.T) {
	adapter, err := New("whsec", "sk")
	require.NoError(t, err)
	payload := []byte(`{"event":"charge.success","data":{"id":1}}`)

	headers := http.Header{}
	require.ErrorIs(t, adapter.Verify(payload, headers), adapters.ErrInvalidSignature)

	headers.Set("x-paystack-signature", sign("sk", payload))
	require.ErrorIs(t, adapter.Verify(payload, headers), adapters.ErrInvalidSignature)

	headers.Set("x-paystack-signature", sign("whsec", payload))
	require.NoError(t, adapter.Verify(payload, headers))
}

func TestIdentifyDerivesExternalID(t *testing.T) {
	adapter, err := New("whsec", "")
	require.NoError(t, err)

	env, err := adapter.Identify([]byte(`{"event":"charge.success","data":{"id":302961,"reference":"TX-1","amount":10000,"currency":"usd"}}`))
	require.NoError(t, err)
	assert.Equal(t, "charge.success:302961", env.ExternalEventID)
	assert.Equal(t, "TX-1", env.Summary["reference"])
	assert.Equal(t, "USD", env.Summary["currency"])

	env, err = adapter.Identify([]byte(`{"event":"transfer.success","data":{"transfer_code":"TRF_1","amount":5000}}`))
	require.NoError(t, err)
	assert.Equal(t, "transfer.success:TRF_1", env.ExternalEventID)

	_, err = adapter.Identify([]byte(`{"event":"charge.success","data":{}}`))
	require.ErrorIs(t, err, adapters.ErrInvalidPayload)
	_, err = adapter.Identify([]byte(`{"data":{"id":1}}`))
	require.ErrorIs(t, err, adapters.ErrInvalidPayload)
}

func TestParseChargeSuccess(t *testing.T) {
	adapter, err := New("whsec", "")
	require.NoError(t, err)

	payload := mustJSON(t, map[string]any{
		"event": EventChargeSuccess,
		"data": map[string]any{
			"id":        "302961",
			"reference": "TX-1",
			"amount":    10000,
			"currency":  "usd",
			"status":    "success",
			"paid_at":   "2026-05-01T12:00:00.000Z",
			"customer":  map[string]any{"email": "fan@example.com"},
			"metadata": map[string]any{
				"creator_id":       "creator-1",
				"subscriber_id":    "fan-1",
				"subscription_ref": "SUB_1",
				"purpose":          "service",
				"fee_mode":         "absorb",
			},
		},
	})
	ev, err := adapter.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, Provider, ev.Provider)
	assert.Equal(t, "charge.success:302961", ev.ExternalEventID)
	assert.Equal(t, "TX-1", ev.Reference)
	assert.EqualValues(t, 10000, ev.AmountCents)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "creator-1", ev.CreatorID)
	assert.Equal(t, "SUB_1", ev.SubscriptionRef)
	assert.Equal(t, "service", ev.Purpose)
	assert.Equal(t, "absorb", ev.FeeMode)
	assert.False(t, ev.CrossBorder)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParseDisputeResolution(t *testing.T) {
	adapter, err := New("whsec", "")
	require.NoError(t, err)

	cases := map[string]string{
		"merchant-accepted": "lost",
		"declined":          "won",
		"":                  "",
	}
	for resolution, want := range cases {
		payload := mustJSON(t, map[string]any{
			"event": EventDisputeResolve,
			"data": map[string]any{
				"id":            7,
				"refund_amount": 4000,
				"currency":      "NGN",
				"resolution":    resolution,
				"transaction":   map[string]any{"reference": "TX-9", "amount": 10000},
			},
		})
		ev, err := adapter.Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, want, ev.DisputeOutcome, "resolution %q", resolution)
		assert.Equal(t, "7", ev.DisputeID)
		assert.Equal(t, "TX-9", ev.Reference)
		assert.EqualValues(t, 4000, ev.AmountCents)
	}
}

func TestParseSubscriptionEvents(t *testing.T) {
	adapter, err := New("whsec", "")
	require.NoError(t, err)

	disable, err := adapter.Parse(mustJSON(t, map[string]any{
		"event": EventSubscriptionDisable,
		"data": map[string]any{
			"subscription_code": "SUB_1",
			"status":            "complete",
			"plan":              map[string]any{"interval": "monthly", "currency": "NGN", "amount": 500000},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "canceled", disable.Status)
	assert.Equal(t, "SUB_1", disable.SubscriptionRef)
	assert.Equal(t, "month", disable.Interval)

	notRenew, err := adapter.Parse(mustJSON(t, map[string]any{
		"event": EventSubscriptionNotRenew,
		"data": map[string]any{
			"subscription_code": "SUB_1",
			"status":            "non-renewing",
			"next_payment_date": "2026-06-01T00:00:00.000Z",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "active", notRenew.Status)
	assert.True(t, notRenew.CancelAtPeriodEnd)
	require.NotNil(t, notRenew.PeriodEnd)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *notRenew.PeriodEnd)
}

func TestParseTransfer(t *testing.T) {
	adapter, err := New("whsec", "")
	require.NoError(t, err)

	ev, err := adapter.Parse(mustJSON(t, map[string]any{
		"event": EventTransferReversed,
		"data": map[string]any{
			"transfer_code": "TRF_1",
			"reference":     "payout-1",
			"amount":        5000,
			"currency":      "ngn",
			"status":        "reversed",
			"recipient":     map[string]any{"metadata": map[string]any{"creator_id": "creator-1"}},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "TRF_1", ev.TransferCode)
	assert.Equal(t, "creator-1", ev.CreatorID)
	assert.Equal(t, "NGN", ev.Currency)
}

func TestEveryDeclaredTypeParses(t *testing.T) {
	adapter, err := New("whsec", "")
	require.NoError(t, err)
	for _, eventType := range adapter.EventTypes() {
		payload := mustJSON(t, map[string]any{"event": eventType, "data": map[string]any{"id": 1}})
		ev, err := adapter.Parse(payload)
		require.NoError(t, err, eventType)
		assert.Equal(t, eventType, ev.Type)
	}
}

func TestClientInitiateTransfer(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transfer", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{"transfer_code":"TRF_9","status":"pending"}}`))
	}))
	defer server.Close()

	client, err := NewClient("sk_live", server.URL, time.Second)
	require.NoError(t, err)
	result, err := client.InitiateTransfer(context.Background(), adapters.TransferRequest{
		RecipientCode: "RCP_1",
		AmountCents:   5000,
		Currency:      "ngn",
		Reference:     "payout-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "TRF_9", result.TransferCode)
	assert.Equal(t, "Bearer sk_live", gotAuth)
	assert.Equal(t, "RCP_1", gotBody["recipient"])
	assert.Equal(t, "NGN", gotBody["currency"])
}

func TestClientChargeSubscriptionUsesSavedAuthorization(t *testing.T) {
	var charged map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscription/SUB_1":
			_, _ = w.Write([]byte(`{"status":true,"data":{"authorization":{"authorization_code":"AUTH_1"},"customer":{"email":"fan@example.com"}}}`))
		case "/transaction/charge_authorization":
			_ = json.NewDecoder(r.Body).Decode(&charged)
			_, _ = w.Write([]byte(`{"status":true,"data":{"reference":"renew-1","status":"success"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient("sk_live", server.URL, time.Second)
	require.NoError(t, err)
	result, err := client.ChargeSubscription(context.Background(), adapters.ChargeRequest{
		SubscriptionRef: "SUB_1",
		AmountCents:     500000,
		Currency:        "NGN",
		IdempotencyKey:  "renew-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "renew-1", result.Reference)
	assert.Equal(t, "AUTH_1", charged["authorization_code"])
	assert.Equal(t, "fan@example.com", charged["email"])
}

func TestClientGetBalanceWalksPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(`{"status":true,"data":[{"total_amount":9200,"currency":"NGN"}],"meta":{"page":1,"pageCount":2}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":true,"data":[{"total_amount":800,"currency":"NGN"},{"total_amount":100,"currency":"USD"}],"meta":{"page":2,"pageCount":2}}`))
	}))
	defer server.Close()

	client, err := NewClient("sk_live", server.URL, time.Second)
	require.NoError(t, err)
	balance, err := client.GetBalance(context.Background(), adapters.BalanceQuery{Currency: "NGN"})
	require.NoError(t, err)
	assert.EqualValues(t, 10000, balance.AmountCents)
}
