package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/payrail/internal/circuitbreaker"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAdapter struct{ name string }

func (f fakeAdapter) Provider() string { return f.name }
func (f fakeAdapter) Verify([]byte, http.Header) error { return nil }
func (f fakeAdapter) Identify([]byte) (Envelope, error) { return Envelope{}, nil }
func (f fakeAdapter) Parse([]byte) (*Event, error) { return &Event{}, nil }
func (f fakeAdapter) EventTypes() []string { return nil }

func TestRegistry(t *testing.T) {
	registry := NewRegistry(fakeAdapter{name: "Stripe"}, nil, fakeAdapter{name: " paystack "}, fakeAdapter{name: ""})

	assert.True(t, registry.ProviderExists("stripe"))
	assert.True(t, registry.ProviderExists("PAYSTACK"))
	assert.False(t, registry.ProviderExists("adyen"))

	_, err := registry.Get("adyen")
	require.ErrorIs(t, err, ErrProviderNotFound)

	all := registry.All()
	require.Len(t, all, 2)
	assert.Equal(t, " paystack ", all[0].Provider())
	assert.Equal(t, "Stripe", all[1].Provider())

	var nilRegistry *Registry
	_, err = nilRegistry.Get("stripe")
	require.ErrorIs(t, err, ErrProviderNotFound)
}

func TestMetadataUnmarshal(t *testing.T) {
	cases := map[string]string{
		"object":         `{"metadata":{"creator_id":"c1","cross_border":true}}`,
		"encoded string": `{"metadata":"{\"creator_id\":\"c1\",\"cross_border\":\"true\"}"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var v struct {
				Metadata Metadata `json:"metadata"`
			}
			require.NoError(t, json.Unmarshal([]byte(raw), &v))
			assert.Equal(t, "c1", v.Metadata.String("creator_id"))
			assert.True(t, v.Metadata.Bool("cross_border"))
		})
	}

	for _, raw := range []string{`{"metadata":""}`, `{"metadata":null}`, `{}`} {
		var v struct {
			Metadata Metadata `json:"metadata"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &v))
		assert.Equal(t, "", v.Metadata.String("creator_id"))
	}

	md := Metadata{"n": float64(42)}
	assert.Equal(t, "42", md.String("n"))
}

func TestUnixTime(t *testing.T) {
	assert.True(t, UnixTime(0, 0).IsZero())
	assert.Equal(t, time.Unix(10, 0).UTC(), UnixTime(0, 10))
	assert.Equal(t, time.Unix(20, 0).UTC(), UnixTime(20, 10))
}

type countingClient struct {
	calls atomic.Int32
	err   error
}

func (c *countingClient) Provider() string { return "stripe" }
func (c *countingClient) CreateRefund(context.Context, RefundRequest) (RefundResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return RefundResult{}, c.err
	}
	return RefundResult{RefundID: "re_1"}, nil
}
func (c *countingClient) GetBalance(context.Context, BalanceQuery) (Balance, error) {
	c.calls.Add(1)
	return Balance{}, c.err
}
func (c *countingClient) CreateTransferRecipient(context.Context, RecipientRequest) (string, error) {
	c.calls.Add(1)
	return "", c.err
}
func (c *countingClient) InitiateTransfer(context.Context, TransferRequest) (TransferResult, error) {
	c.calls.Add(1)
	return TransferResult{}, c.err
}
func (c *countingClient) ChargeSubscription(context.Context, ChargeRequest) (ChargeResult, error) {
	c.calls.Add(1)
	return ChargeResult{}, c.err
}

func TestGuardedOpensAfterUpstreamFailures(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	breakers := circuitbreaker.New(clk, zap.NewNop())
	inner := &countingClient{err: ErrUpstream}
	guarded := NewGuarded(inner, breakers, circuitbreaker.Settings{FailureThreshold: 3, ResetTimeout: time.Minute, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := guarded.CreateRefund(ctx, RefundRequest{Reference: "ch_1"})
		require.ErrorIs(t, err, ErrUpstream)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breakers.State("stripe"))

	_, err := guarded.GetBalance(ctx, BalanceQuery{})
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.EqualValues(t, 3, inner.calls.Load(), "open circuit must not invoke the client")

	clk.Advance(time.Minute + time.Second)
	inner.err = nil
	result, err := guarded.CreateRefund(ctx, RefundRequest{Reference: "ch_1"})
	require.NoError(t, err)
	assert.Equal(t, "re_1", result.RefundID)
	assert.Equal(t, circuitbreaker.StateClosed, breakers.State("stripe"))
}

func TestGuardedIgnoresRejections(t *testing.T) {
	breakers := circuitbreaker.New(clock.NewFakeClock(time.Now()), zap.NewNop())
	inner := &countingClient{err: ErrRejected}
	guarded := NewGuarded(inner, breakers, circuitbreaker.Settings{FailureThreshold: 2})

	for i := 0; i < 5; i++ {
		_, err := guarded.InitiateTransfer(context.Background(), TransferRequest{})
		require.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breakers.State("stripe"))
	assert.EqualValues(t, 5, inner.calls.Load())
}

func TestClients(t *testing.T) {
	clients := NewClients(&countingClient{}, nil)
	client, err := clients.Get("STRIPE")
	require.NoError(t, err)
	assert.Equal(t, "stripe", client.Provider())

	_, err = clients.Get("paystack")
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, []string{"stripe"}, clients.Providers())
}

func TestHTTPDoerClassification(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Test-Auth"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	doer := NewHTTPDoer(server.URL+"/", time.Second, func(r *http.Request) { r.Header.Set("X-Test-Auth", "token") })
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, doer.Do(context.Background(), http.MethodGet, "/x", nil, "", nil, &out))
	assert.True(t, out.OK)

	for code, want := range map[int]error{
		http.StatusUnprocessableEntity: ErrRejected,
		http.StatusTooManyRequests:     ErrUpstream,
		http.StatusServiceUnavailable:  ErrUpstream,
	} {
		status = code
		err := doer.Do(context.Background(), http.MethodGet, "/x", nil, "", nil, nil)
		assert.True(t, errors.Is(err, want), "status %d: %v", code, err)
	}
}
