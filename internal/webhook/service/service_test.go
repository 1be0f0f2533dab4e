package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dbtest"
	"github.com/smallbiznis/payrail/internal/dispatch"
	disputerepository "github.com/smallbiznis/payrail/internal/dispute/repository"
	"github.com/smallbiznis/payrail/internal/eventhandler"
	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/smallbiznis/payrail/internal/lock"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	"github.com/smallbiznis/payrail/internal/payment/adapters/paystack"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	paymentrepository "github.com/smallbiznis/payrail/internal/payment/repository"
	payoutrepository "github.com/smallbiznis/payrail/internal/payout/repository"
	subscriptionrepository "github.com/smallbiznis/payrail/internal/subscription/repository"
	"github.com/smallbiznis/payrail/internal/webhook/domain"
	"github.com/smallbiznis/payrail/internal/webhook/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type pipeline struct {
	db        *gorm.DB
	clk       *clock.FakeClock
	locker    *lock.MemoryLocker
	node      *snowflake.Node
	ledger    *Ledger
	intake    *Intake
	processor *Processor
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := dbtest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	adapter, err := paystack.New(testSecret, "")
	require.NoError(t, err)
	registry := adapters.NewRegistry(adapter)

	payments := paymentrepository.Provide()
	ledger := NewLedger(LedgerParams{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Payments: payments,
	})

	mux := dispatch.NewMux()
	mux.Handle(dispatch.JobNotificationSend, func(context.Context, dispatch.Job) error { return nil })
	dispatcher := dispatch.NewInline(mux, log)

	locker := lock.NewMemoryLocker(clk)
	handlers := eventhandler.NewRegistry(db, locker, 30*time.Second, dispatcher, nil, log)
	eventhandler.RegisterDefaults(handlers, eventhandler.Deps{
		GenID:         node,
		Clock:         clk,
		Fees:          config.NewStaticFeeSchedule(fee.DefaultSchedule()),
		Payments:      payments,
		Subscriptions: subscriptionrepository.Provide(),
		Disputes:      disputerepository.Provide(),
		Payouts:       payoutrepository.Provide(),
		Log:           log,
	})
	require.NoError(t, handlers.Validate(registry))

	processor := NewProcessor(ProcessorParams{
		Ledger:   ledger,
		Adapters: registry,
		Handlers: handlers,
		Clock:    clk,
		Log:      log,
	})
	mux.Handle(dispatch.JobWebhookProcess, processor.Handle)

	intake := NewIntake(IntakeParams{
		Ledger:     ledger,
		Adapters:   registry,
		Dispatcher: dispatcher,
		Clock:      clk,
		Log:        log,
	})
	return &pipeline{db: db, clk: clk, locker: locker, node: node, ledger: ledger, intake: intake, processor: processor}
}

func chargePayload(t *testing.T, id, ref string, metadata map[string]any) []byte {
	t.Helper()
	if metadata == nil {
		metadata = map[string]any{
			"creator_id":    "creator-1",
			"subscriber_id": "fan-1",
			"purpose":       "service",
			"fee_mode":      "absorb",
		}
	}
	b, err := json.Marshal(map[string]any{
		"event": paystack.EventChargeSuccess,
		"data": map[string]any{
			"id":        id,
			"reference": ref,
			"amount":    10000,
			"currency":  "usd",
			"status":    "success",
			"paid_at":   "2026-03-01T11:59:00.000Z",
			"customer":  map[string]any{"email": "fan@example.com"},
			"metadata":  metadata,
		},
	})
	require.NoError(t, err)
	return b
}

func signed(payload []byte) http.Header {
	mac := hmac.New(sha512.New, []byte(testSecret))
	_, _ = mac.Write(payload)
	headers := http.Header{}
	headers.Set("x-paystack-signature", hex.EncodeToString(mac.Sum(nil)))
	return headers
}

func (p *pipeline) count(t *testing.T, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, p.db.Raw(`SELECT COUNT(*) FROM `+table).Scan(&n).Error)
	return n
}

func TestReceive_ProcessesChargeOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	body := chargePayload(t, "302961", "TX-1", nil)

	ack, err := p.intake.Receive(ctx, "Paystack", body, signed(body))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, "charge.success:302961", ack.ExternalEventID)
	assert.Equal(t, domain.StatusProcessed, ack.Status)

	var payment paymentdomain.Payment
	require.NoError(t, p.db.Raw(`SELECT * FROM payments WHERE paystack_ref = ?`, "TX-1").Scan(&payment).Error)
	assert.EqualValues(t, 9200, payment.NetCents)
	assert.EqualValues(t, 800, payment.FeeCents)

	event, err := p.ledger.Get(ctx, ack.EventID)
	require.NoError(t, err)
	require.NotNil(t, event.ProcessedAt)
	require.NotNil(t, event.ProcessingTimeMs)

	again, err := p.intake.Receive(ctx, paystack.Provider, body, signed(body))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, ack.EventID, again.EventID)
	assert.EqualValues(t, 1, p.count(t, "payments"))

	event, err = p.ledger.Get(ctx, ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, 1, event.RetryCount)
}

func TestReceive_RejectsBeforeRecording(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	body := chargePayload(t, "1", "TX-1", nil)

	_, err := p.intake.Receive(ctx, "square", body, signed(body))
	require.ErrorIs(t, err, adapters.ErrProviderNotFound)

	headers := http.Header{}
	headers.Set("x-paystack-signature", "deadbeef")
	_, err = p.intake.Receive(ctx, paystack.Provider, body, headers)
	require.ErrorIs(t, err, adapters.ErrInvalidSignature)

	garbage := []byte(`{"data":{}}`)
	_, err = p.intake.Receive(ctx, paystack.Provider, garbage, signed(garbage))
	require.ErrorIs(t, err, adapters.ErrInvalidPayload)

	assert.Zero(t, p.count(t, "webhook_events"))
}

func TestReceive_ValidationFailureMarksFailed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	body := chargePayload(t, "77", "TX-77", map[string]any{
		"creator_id": "creator-1",
		"fee_mode":   "absorb",
	})

	ack, err := p.intake.Receive(ctx, paystack.Provider, body, signed(body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, ack.Status)

	event, err := p.ledger.Get(ctx, ack.EventID)
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Contains(t, *event.Error, "purpose")
	require.NotNil(t, event.ProcessedAt)
	require.NotNil(t, event.ProcessingTimeMs)
	assert.True(t, event.ProcessedAt.Equal(p.clk.Now()))
	assert.Zero(t, p.count(t, "payments"))

	// A failed row is not terminal, so the redelivery runs again.
	again, err := p.intake.Receive(ctx, paystack.Provider, body, signed(body))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.Equal(t, domain.StatusFailed, again.Status)
}

func TestReceive_LegacyPaymentIsSkipped(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	body := chargePayload(t, "555", "TX-LEGACY", nil)

	extID := "charge.success:555"
	legacy := &paymentdomain.Payment{
		ID:              p.node.Generate(),
		CreatorID:       "creator-1",
		Type:            paymentdomain.TypeCharge,
		Status:          paymentdomain.StatusSucceeded,
		AmountCents:     10000,
		GrossCents:      10000,
		NetCents:        9200,
		FeeCents:        800,
		Currency:        "USD",
		ExternalEventID: &extID,
		CreatedAt:       p.clk.Now(),
	}
	require.NoError(t, legacy.SetRef(paystack.Provider, "TX-LEGACY"))
	_, err := paymentrepository.Provide().Insert(ctx, p.db, legacy)
	require.NoError(t, err)

	ack, err := p.intake.Receive(ctx, paystack.Provider, body, signed(body))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, domain.StatusSkipped, ack.Status)
	assert.EqualValues(t, 1, p.count(t, "payments"))

	event, err := p.ledger.Get(ctx, ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, event.Status)
}

func refundPayload(t *testing.T, id, chargeRef string, amount int64) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"event": paystack.EventRefundProcessed,
		"data": map[string]any{
			"id":                    id,
			"transaction_reference": chargeRef,
			"refund_reference":      "RF-" + id,
			"amount":                amount,
			"currency":              "usd",
			"status":                "processed",
		},
	})
	require.NoError(t, err)
	return b
}

func TestProcessor_LockContentionLeavesRowRetryable(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	body := chargePayload(t, "900", "TX-9", nil)

	event, _, err := p.ledger.RecordEvent(ctx, RecordInput{
		Provider:        paystack.Provider,
		ExternalEventID: "charge.success:900",
		EventType:       paystack.EventChargeSuccess,
		RawPayload:      body,
	})
	require.NoError(t, err)

	token, ok, err := p.locker.Acquire(ctx, "payment:paystack:TX-9", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := ProcessJob(event)
	require.NoError(t, err)
	err = p.processor.Handle(ctx, job)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.NotErrorIs(t, err, dispatch.ErrPermanent)

	stored, err := p.ledger.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.False(t, stored.Status.Terminal())
	assert.Zero(t, p.count(t, "payments"))

	released, err := p.locker.Release(ctx, "payment:paystack:TX-9", token)
	require.NoError(t, err)
	require.True(t, released)

	require.NoError(t, p.processor.Handle(ctx, job))
	stored, err = p.ledger.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, stored.Status)
	assert.EqualValues(t, 1, p.count(t, "payments"))
}

// A refund that arrives while its charge key is held belongs to a different
// event and must still be applied once the key frees up.
func TestReceive_RefundDuringChargeLockIsAppliedLater(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	charge := chargePayload(t, "100", "TX-1", nil)
	_, err := p.intake.Receive(ctx, paystack.Provider, charge, signed(charge))
	require.NoError(t, err)

	token, ok, err := p.locker.Acquire(ctx, "payment:paystack:TX-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	refund := refundPayload(t, "R2", "TX-1", 4000)
	ack, err := p.intake.Receive(ctx, paystack.Provider, refund, signed(refund))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, ack.Status)
	assert.EqualValues(t, 1, p.count(t, "payments"))

	released, err := p.locker.Release(ctx, "payment:paystack:TX-1", token)
	require.NoError(t, err)
	require.True(t, released)

	p.clk.Advance(time.Hour)
	sent, err := p.intake.Redrive(ctx, 5*time.Minute, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	stored, err := p.ledger.Get(ctx, ack.EventID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, stored.Status)

	var refunds int64
	require.NoError(t, p.db.Raw(`SELECT COUNT(*) FROM payments WHERE type = ?`, paymentdomain.TypeRefund).Scan(&refunds).Error)
	assert.EqualValues(t, 1, refunds)

	again, err := p.intake.Receive(ctx, paystack.Provider, refund, signed(refund))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.EqualValues(t, 2, p.count(t, "payments"))
}

func TestProcessor_PermanentFailures(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	job, err := ProcessJob(&domain.Event{ID: p.node.Generate(), Provider: paystack.Provider})
	require.NoError(t, err)
	err = p.processor.Handle(ctx, job)
	require.ErrorIs(t, err, dispatch.ErrPermanent)
	require.ErrorIs(t, err, domain.ErrEventNotFound)

	err = p.processor.Handle(ctx, dispatch.Job{Queue: dispatch.QueueWebhooks, Name: dispatch.JobWebhookProcess})
	require.ErrorIs(t, err, dispatch.ErrPermanent)

	// Envelope fields are present but the charge body fails struct validation.
	bad := []byte(`{"event":"charge.success","data":{"id":1,"reference":"TX-1","amount":100,"currency":"usdollars"}}`)
	event, _, err := p.ledger.RecordEvent(ctx, RecordInput{
		Provider:        paystack.Provider,
		ExternalEventID: "charge.success:1",
		EventType:       paystack.EventChargeSuccess,
		RawPayload:      bad,
	})
	require.NoError(t, err)
	job, err = ProcessJob(event)
	require.NoError(t, err)
	err = p.processor.Handle(ctx, job)
	require.ErrorIs(t, err, dispatch.ErrPermanent)
	require.ErrorIs(t, err, eventhandler.ErrValidation)

	stored, err := p.ledger.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
}

func TestIntake_Replay(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	body := chargePayload(t, "1", "TX-1", nil)
	ack, err := p.intake.Receive(ctx, paystack.Provider, body, signed(body))
	require.NoError(t, err)
	_, err = p.intake.Replay(ctx, ack.EventID)
	require.ErrorIs(t, err, domain.ErrEventAlreadyProcessed)

	_, err = p.intake.Replay(ctx, p.node.Generate())
	require.ErrorIs(t, err, domain.ErrEventNotFound)

	// A row recorded but never dispatched is picked up by replay.
	pending := chargePayload(t, "2", "TX-2", nil)
	event, _, err := p.ledger.RecordEvent(ctx, RecordInput{
		Provider:        paystack.Provider,
		ExternalEventID: "charge.success:2",
		EventType:       paystack.EventChargeSuccess,
		RawPayload:      pending,
	})
	require.NoError(t, err)
	replayed, err := p.intake.Replay(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, replayed.Status)
	assert.EqualValues(t, 2, p.count(t, "payments"))
}

func TestIntake_RedriveStaleRows(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	body := chargePayload(t, "3", "TX-3", nil)
	event, _, err := p.ledger.RecordEvent(ctx, RecordInput{
		Provider:        paystack.Provider,
		ExternalEventID: "charge.success:3",
		EventType:       paystack.EventChargeSuccess,
		RawPayload:      body,
	})
	require.NoError(t, err)

	sent, err := p.intake.Redrive(ctx, 5*time.Minute, 3, 10)
	require.NoError(t, err)
	assert.Zero(t, sent)

	p.clk.Advance(10 * time.Minute)
	sent, err = p.intake.Redrive(ctx, 5*time.Minute, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	stored, err := p.ledger.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}
