package billingretry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dbtest"
	"github.com/smallbiznis/payrail/internal/lock"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/subscription/domain"
	"github.com/smallbiznis/payrail/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chargeClient struct {
	mu      sync.Mutex
	outcome map[string]error
	keys    []string
}

func (c *chargeClient) Provider() string { return "paystack" }

func (c *chargeClient) ChargeSubscription(_ context.Context, req adapters.ChargeRequest) (adapters.ChargeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, req.IdempotencyKey)
	if err := c.outcome[req.SubscriptionRef]; err != nil {
		return adapters.ChargeResult{}, err
	}
	return adapters.ChargeResult{Reference: "ref-" + req.IdempotencyKey, Status: "success"}, nil
}

func (c *chargeClient) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (c *chargeClient) CreateRefund(context.Context, adapters.RefundRequest) (adapters.RefundResult, error) {
	return adapters.RefundResult{}, adapters.ErrUnsupportedCall
}

func (c *chargeClient) GetBalance(context.Context, adapters.BalanceQuery) (adapters.Balance, error) {
	return adapters.Balance{}, adapters.ErrUnsupportedCall
}

func (c *chargeClient) CreateTransferRecipient(context.Context, adapters.RecipientRequest) (string, error) {
	return "", adapters.ErrUnsupportedCall
}

func (c *chargeClient) InitiateTransfer(context.Context, adapters.TransferRequest) (adapters.TransferResult, error) {
	return adapters.TransferResult{}, adapters.ErrUnsupportedCall
}

type harness struct {
	svc    *Service
	clk    *clock.FakeClock
	locker *lock.MemoryLocker
	client *chargeClient
	repo   domain.Repository
	node   *snowflake.Node
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	locker := lock.NewMemoryLocker(clk)
	client := &chargeClient{outcome: map[string]error{}}
	repo := repository.Provide()
	svc := New(db, repo, adapters.NewClients(client), locker, clk, config.BillingRetryConfig{
		Backoff: []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour},
	}, zap.NewNop())
	return &harness{svc: svc, clk: clk, locker: locker, client: client, repo: repo, node: node}
}

func (h *harness) seed(t *testing.T, ref string, status domain.Status, periodEnd time.Time, cancelAtPeriodEnd bool) *domain.Subscription {
	t.Helper()
	now := h.clk.Now()
	sub := &domain.Subscription{
		ID:                h.node.Generate(),
		Provider:          "paystack",
		ProviderRef:       ref,
		CreatorID:         "creator-1",
		SubscriberID:      "fan-1",
		AmountCents:       5000,
		Currency:          "NGN",
		BillingInterval:   "month",
		Purpose:           "service",
		FeeMode:           "absorb",
		Status:            status,
		CurrentPeriodEnd:  &periodEnd,
		CancelAtPeriodEnd: cancelAtPeriodEnd,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, h.repo.Insert(context.Background(), h.svc.db, sub))
	return sub
}

func (h *harness) get(t *testing.T, id snowflake.ID) *domain.Subscription {
	t.Helper()
	sub, err := h.repo.FindByID(context.Background(), h.svc.db, id, false)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

func TestRun_RenewsDueSubscriptionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seed(t, "SUB_1", domain.StatusActive, h.clk.Now().Add(-time.Hour), false)

	sum, err := h.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Renewed)

	got := h.get(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(h.clk.Now().Add(24*time.Hour)))

	// Until the charge webhook moves the period, the row is not charged again.
	sum, err = h.svc.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Renewed)
	assert.Len(t, h.client.calls(), 1)
}

func TestRun_DeclinedRenewalWalksBackoffThenCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seed(t, "SUB_2", domain.StatusActive, h.clk.Now().Add(-time.Hour), false)
	h.client.outcome["SUB_2"] = fmt.Errorf("%w: insufficient funds", adapters.ErrRejected)

	sum, err := h.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PastDue)
	got := h.get(t, sub.ID)
	assert.Equal(t, domain.StatusPastDue, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	for i, wait := range []time.Duration{24 * time.Hour, 72 * time.Hour} {
		h.clk.Advance(wait)
		sum, err = h.svc.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Retried)
		got = h.get(t, sub.ID)
		assert.Equal(t, domain.StatusPastDue, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
	}

	h.clk.Advance(120 * time.Hour)
	sum, err = h.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Canceled)
	got = h.get(t, sub.ID)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.Len(t, h.client.calls(), 4)
	assert.Equal(t, "retry:"+sub.ID.String()+":0", h.client.calls()[1])
}

func TestRun_UpstreamFailureLeavesRowUntouched(t *testing.T) {
	h := newHarness(t)
	sub := h.seed(t, "SUB_3", domain.StatusActive, h.clk.Now().Add(-time.Hour), false)
	h.client.outcome["SUB_3"] = fmt.Errorf("%w: 502", adapters.ErrUpstream)

	sum, err := h.svc.Run(context.Background())
	require.ErrorIs(t, err, adapters.ErrUpstream)
	assert.Equal(t, 1, sum.Failed)

	got := h.get(t, sub.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestRun_CancelsAtPeriodEndWithoutCharging(t *testing.T) {
	h := newHarness(t)
	sub := h.seed(t, "SUB_4", domain.StatusActive, h.clk.Now().Add(-time.Minute), true)
	future := h.seed(t, "SUB_5", domain.StatusActive, h.clk.Now().Add(time.Hour), true)

	sum, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Canceled)
	assert.Equal(t, domain.StatusCanceled, h.get(t, sub.ID).Status)
	assert.Equal(t, domain.StatusActive, h.get(t, future.ID).Status)
	assert.Empty(t, h.client.calls())
}

func TestRun_RespectsLocks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seed(t, "SUB_6", domain.StatusActive, h.clk.Now().Add(-time.Hour), false)

	token, ok, err := h.locker.Acquire(ctx, runLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	sum, err := h.svc.Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	_, err = h.locker.Release(ctx, runLockKey, token)
	require.NoError(t, err)

	// A webhook handler holding the subscription aborts just that row.
	_, ok, err = h.locker.Acquire(ctx, "subscription:paystack:SUB_6", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	sum, err = h.svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Aborted)
	assert.Empty(t, h.client.calls())
	assert.Equal(t, domain.StatusActive, h.get(t, sub.ID).Status)
}
