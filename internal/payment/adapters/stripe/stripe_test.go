package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, secret string) (*Adapter, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(fixedNow)
	adapter, err := New(secret, clk)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, clk
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("  ", nil); !errors.Is(err, adapters.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"charge.succeeded","data":{"object":{}}}`)
	adapter, clk := newTestAdapter(t, secret)
	timestamp := clk.Now().Unix()

	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, timestamp))
	if err := adapter.Verify(payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(payload, reqHeader); !errors.Is(err, adapters.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, []byte(`{"tampered":true}`), timestamp))
	if err := adapter.Verify(payload, reqHeader); err == nil {
		t.Fatalf("expected tampered payload to fail")
	}

	reqHeader.Del("Stripe-Signature")
	if err := adapter.Verify(payload, reqHeader); err == nil {
		t.Fatalf("expected missing header to fail")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1"}`)
	adapter, clk := newTestAdapter(t, secret)

	header := http.Header{}
	header.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, clk.Now().Unix()))

	clk.Advance(4 * time.Minute)
	if err := adapter.Verify(payload, header); err != nil {
		t.Fatalf("expected signature inside tolerance, got %v", err)
	}
	clk.Advance(2 * time.Minute)
	if err := adapter.Verify(payload, header); !errors.Is(err, adapters.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to fail, got %v", err)
	}
}

func TestIdentify(t *testing.T) {
	adapter, _ := newTestAdapter(t, "whsec")
	env, err := adapter.Identify([]byte(`{"id":"evt_9","type":"charge.succeeded","data":{"object":{"id":"ch_9","amount":500,"currency":"usd"}}}`))
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if env.ExternalEventID != "evt_9" || env.Type != EventChargeSucceeded {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.Summary["object_id"] != "ch_9" || env.Summary["currency"] != "USD" {
		t.Fatalf("unexpected summary %+v", env.Summary)
	}

	if _, err := adapter.Identify([]byte(`{"type":"charge.succeeded"}`)); !errors.Is(err, adapters.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing id, got %v", err)
	}
	if _, err := adapter.Identify([]byte(`not json`)); !errors.Is(err, adapters.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestParseEvents(t *testing.T) {
	adapter, _ := newTestAdapter(t, "whsec")
	created := fixedNow.Unix()
	metadata := map[string]any{
		"creator_id":       "cr_1",
		"subscriber_id":    "sub_user_1",
		"subscription_ref": "sub_1",
		"purpose":          "service",
		"fee_mode":         "absorb",
		"cross_border":     "true",
	}

	tests := []struct {
		name  string
		event any
		check func(t *testing.T, ev *adapters.Event)
	}{{
		name: "charge.succeeded",
		event: map[string]any{
			"id": "evt_ch", "type": EventChargeSucceeded, "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "ch_1", "amount": 10000, "currency": "usd", "created": created,
				"receipt_email": "fan@example.com", "metadata": metadata,
			}},
		},
		check: func(t *testing.T, ev *adapters.Event) {
			if ev.Reference != "ch_1" || ev.AmountCents != 10000 || ev.Currency != "USD" {
				t.Fatalf("unexpected charge %+v", ev)
			}
			if ev.CreatorID != "cr_1" || ev.SubscriptionRef != "sub_1" || ev.Purpose != "service" || ev.FeeMode != "absorb" || !ev.CrossBorder {
				t.Fatalf("metadata not applied: %+v", ev)
			}
			if ev.SubscriberEmail != "fan@example.com" {
				t.Fatalf("expected receipt email, got %q", ev.SubscriberEmail)
			}
		},
	}, {
		name: "refund.created",
		event: map[string]any{
			"id": "evt_re", "type": EventRefundCreated, "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "re_1", "charge": "ch_1", "amount": 2500, "currency": "usd", "status": "succeeded",
			}},
		},
		check: func(t *testing.T, ev *adapters.Event) {
			if ev.RefundID != "re_1" || ev.Reference != "ch_1" || ev.AmountCents != 2500 {
				t.Fatalf("unexpected refund %+v", ev)
			}
		},
	}, {
		name: "charge.dispute.closed won",
		event: map[string]any{
			"id": "evt_dp", "type": EventDisputeClosed, "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "dp_1", "charge": "ch_1", "amount": 10000, "currency": "usd", "status": "won",
			}},
		},
		check: func(t *testing.T, ev *adapters.Event) {
			if ev.DisputeID != "dp_1" || ev.DisputeOutcome != "won" || ev.Reference != "ch_1" {
				t.Fatalf("unexpected dispute %+v", ev)
			}
		},
	}, {
		name: "charge.dispute.created has no outcome",
		event: map[string]any{
			"id": "evt_dc", "type": EventDisputeCreated, "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "dp_2", "charge": "ch_1", "amount": 10000, "currency": "usd", "status": "needs_response",
			}},
		},
		check: func(t *testing.T, ev *adapters.Event) {
			if ev.DisputeOutcome != "" {
				t.Fatalf("expected empty outcome, got %q", ev.DisputeOutcome)
			}
		},
	}, {
		name: "customer.subscription.updated",
		event: map[string]any{
			"id": "evt_su", "type": EventSubscriptionUpdated, "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "sub_1", "status": "past_due", "current_period_end": created + 3600,
				"cancel_at_period_end": true,
				"plan":                 map[string]any{"amount": 1500, "currency": "usd", "interval": "month"},
			}},
		},
		check: func(t *testing.T, ev *adapters.Event) {
			if ev.SubscriptionRef != "sub_1" || ev.Status != "past_due" || !ev.CancelAtPeriodEnd {
				t.Fatalf("unexpected subscription %+v", ev)
			}
			if ev.PeriodEnd == nil || !ev.PeriodEnd.Equal(fixedNow.Add(time.Hour)) {
				t.Fatalf("unexpected period end %v", ev.PeriodEnd)
			}
			if ev.Interval != "month" || ev.AmountCents != 1500 {
				t.Fatalf("unexpected plan %+v", ev)
			}
		},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			ev, err := adapter.Parse(payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ev.Provider != Provider || ev.ExternalEventID == "" {
				t.Fatalf("missing identity: %+v", ev)
			}
			tt.check(t, ev)
		})
	}
}

func TestClientCreateRefund(t *testing.T) {
	var gotAuth, gotCharge string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/refunds" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		user, _, _ := r.BasicAuth()
		gotAuth = user
		gotCharge = r.PostForm.Get("charge")
		_, _ = w.Write([]byte(`{"id":"re_42","status":"pending"}`))
	}))
	defer server.Close()

	client, err := NewClient("sk_test", server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := client.CreateRefund(context.Background(), adapters.RefundRequest{Reference: "ch_1", AmountCents: 100})
	if err != nil {
		t.Fatalf("create refund: %v", err)
	}
	if result.RefundID != "re_42" || gotAuth != "sk_test" || gotCharge != "ch_1" {
		t.Fatalf("unexpected refund result=%+v auth=%q charge=%q", result, gotAuth, gotCharge)
	}
}

func TestClientClassifiesStatus(t *testing.T) {
	status := http.StatusBadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
	}))
	defer server.Close()

	client, err := NewClient("sk_test", server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.CreateRefund(context.Background(), adapters.RefundRequest{Reference: "ch_1"})
	if !errors.Is(err, adapters.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	status = http.StatusBadGateway
	_, err = client.CreateRefund(context.Background(), adapters.RefundRequest{Reference: "ch_1"})
	if !errors.Is(err, adapters.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestClientGetBalancePaginates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("starting_after") == "" {
			_, _ = w.Write([]byte(`{"data":[{"id":"txn_1","net":9200,"currency":"usd"},{"id":"txn_2","net":500,"currency":"eur"}],"has_more":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"txn_3","net":800,"currency":"usd"}],"has_more":false}`))
	}))
	defer server.Close()

	client, err := NewClient("sk_test", server.URL, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	balance, err := client.GetBalance(context.Background(), adapters.BalanceQuery{
		Currency: "USD",
		From:     fixedNow.Add(-24 * time.Hour),
		To:       fixedNow,
	})
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.AmountCents != 10000 {
		t.Fatalf("expected 10000, got %d", balance.AmountCents)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
