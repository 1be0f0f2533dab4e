package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
)

const Provider = "stripe"

// Event types this adapter understands.
const (
	EventChargeSucceeded      = "charge.succeeded"
	EventChargeFailed         = "charge.failed"
	EventRefundCreated        = "refund.created"
	EventDisputeCreated       = "charge.dispute.created"
	EventDisputeClosed        = "charge.dispute.closed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	defaultSignatureTolerance = 5 * time.Minute
)

var errMalformedSignature = errors.New("malformed_signature_header")

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
}

func New(webhookSecret string, clk clock.Clock) (*Adapter, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return nil, adapters.ErrInvalidConfig
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Adapter{
		webhookSecret: secret,
		tolerance:     defaultSignatureTolerance,
		clock:         clk,
	}, nil
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) EventTypes() []string {
	return []string{
		EventChargeSucceeded,
		EventChargeFailed,
		EventRefundCreated,
		EventDisputeCreated,
		EventDisputeClosed,
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
	}
}

func (a *Adapter) Verify(payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return adapters.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return adapters.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return adapters.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.Unix(unix, 0))
	if age > a.tolerance || age < -a.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", adapters.ErrInvalidSignature)
	}

	expected := sign(a.webhookSecret, ts, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return adapters.ErrInvalidSignature
}

func (a *Adapter) Identify(payload []byte) (adapters.Envelope, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return adapters.Envelope{}, adapters.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return adapters.Envelope{}, adapters.ErrInvalidPayload
	}
	var object struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	_ = json.Unmarshal(event.Data.Object, &object)
	return adapters.Envelope{
		ExternalEventID: event.ID,
		Type:            event.Type,
		Summary: map[string]any{
			"object_id": object.ID,
			"amount":    object.Amount,
			"currency":  strings.ToUpper(object.Currency),
			"livemode":  event.Livemode,
		},
	}, nil
}

func (a *Adapter) Parse(payload []byte) (*adapters.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, adapters.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, adapters.ErrInvalidPayload
	}

	out := &adapters.Event{
		Provider:        Provider,
		ExternalEventID: event.ID,
		Type:            event.Type,
		OccurredAt:      adapters.UnixTime(event.Created, 0),
	}

	var err error
	switch event.Type {
	case EventChargeSucceeded, EventChargeFailed:
		err = parseCharge(event, out)
	case EventRefundCreated:
		err = parseRefund(event, out)
	case EventDisputeCreated, EventDisputeClosed:
		err = parseDispute(event, out)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		err = parseSubscription(event, out)
	default:
		// Unknown types still normalize so the router can log and ignore them.
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stripeEvent struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
	Data     stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	ReceiptEmail   string            `json:"receipt_email"`
	FailureMessage string            `json:"failure_message"`
	Metadata       adapters.Metadata `json:"metadata"`
}

type stripeRefund struct {
	ID       string            `json:"id"`
	Charge   string            `json:"charge"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Reason   string            `json:"reason"`
	Status   string            `json:"status"`
	Created  int64             `json:"created"`
	Metadata adapters.Metadata `json:"metadata"`
}

type stripeDispute struct {
	ID       string            `json:"id"`
	Charge   string            `json:"charge"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Reason   string            `json:"reason"`
	Status   string            `json:"status"`
	Created  int64             `json:"created"`
	Metadata adapters.Metadata `json:"metadata"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Created           int64             `json:"created"`
	Plan              stripePlan        `json:"plan"`
	Metadata          adapters.Metadata `json:"metadata"`
}

type stripePlan struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Interval string `json:"interval"`
}

func parseCharge(event stripeEvent, out *adapters.Event) error {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.Reference = charge.ID
	out.AmountCents = charge.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(charge.Currency))
	out.SubscriberEmail = strings.TrimSpace(charge.ReceiptEmail)
	out.Reason = charge.FailureMessage
	out.OccurredAt = adapters.UnixTime(charge.Created, event.Created)
	applyMetadata(out, charge.Metadata)
	out.Summary = map[string]any{"charge": charge.ID, "amount": charge.Amount, "currency": out.Currency}
	return nil
}

func parseRefund(event stripeEvent, out *adapters.Event) error {
	var refund stripeRefund
	if err := json.Unmarshal(event.Data.Object, &refund); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.RefundID = refund.ID
	out.Reference = refund.Charge
	out.AmountCents = refund.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(refund.Currency))
	out.Reason = refund.Reason
	out.Status = refund.Status
	out.OccurredAt = adapters.UnixTime(refund.Created, event.Created)
	applyMetadata(out, refund.Metadata)
	out.Summary = map[string]any{"refund": refund.ID, "charge": refund.Charge, "amount": refund.Amount}
	return nil
}

func parseDispute(event stripeEvent, out *adapters.Event) error {
	var dispute stripeDispute
	if err := json.Unmarshal(event.Data.Object, &dispute); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.DisputeID = dispute.ID
	out.Reference = dispute.Charge
	out.AmountCents = dispute.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(dispute.Currency))
	out.Reason = dispute.Reason
	out.Status = dispute.Status
	out.OccurredAt = adapters.UnixTime(dispute.Created, event.Created)
	if event.Type == EventDisputeClosed {
		switch dispute.Status {
		case "won", "warning_closed":
			out.DisputeOutcome = "won"
		case "lost":
			out.DisputeOutcome = "lost"
		}
	}
	applyMetadata(out, dispute.Metadata)
	out.Summary = map[string]any{"dispute": dispute.ID, "charge": dispute.Charge, "status": dispute.Status}
	return nil
}

func parseSubscription(event stripeEvent, out *adapters.Event) error {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.Reference = sub.ID
	out.AmountCents = sub.Plan.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(sub.Plan.Currency))
	out.Interval = sub.Plan.Interval
	out.Status = mapSubscriptionStatus(sub.Status)
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CurrentPeriodEnd > 0 {
		end := adapters.UnixTime(sub.CurrentPeriodEnd, 0)
		out.PeriodEnd = &end
	}
	out.OccurredAt = adapters.UnixTime(event.Created, sub.Created)
	applyMetadata(out, sub.Metadata)
	// The subscription itself is the reference, not a metadata field.
	out.SubscriptionRef = sub.ID
	out.Summary = map[string]any{"subscription": sub.ID, "status": sub.Status}
	return nil
}

func mapSubscriptionStatus(status string) string {
	switch status {
	case "active", "trialing":
		return "active"
	case "past_due", "unpaid", "incomplete":
		return "past_due"
	case "paused":
		return "paused"
	case "canceled", "incomplete_expired":
		return "canceled"
	default:
		return status
	}
}

func applyMetadata(out *adapters.Event, md adapters.Metadata) {
	out.CreatorID = md.String("creator_id")
	out.SubscriberID = md.String("subscriber_id")
	if email := md.String("subscriber_email"); email != "" && out.SubscriberEmail == "" {
		out.SubscriberEmail = email
	}
	if ref := md.String("subscription_ref"); ref != "" {
		out.SubscriptionRef = ref
	}
	out.Purpose = md.String("purpose")
	out.FeeMode = md.String("fee_mode")
	out.CrossBorder = md.Bool("cross_border")
	if out.Interval == "" {
		out.Interval = md.String("interval")
	}
	if code := md.String("transfer_code"); code != "" {
		out.TransferCode = code
	}
}

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errMalformedSignature
	}
	return timestamp, signatures, nil
}
