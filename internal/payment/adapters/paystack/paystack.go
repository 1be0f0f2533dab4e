package paystack

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/payrail/internal/payment/adapters"
)

const Provider = "paystack"

// Event types this adapter understands.
const (
	EventChargeSuccess         = "charge.success"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
	EventRefundProcessed       = "refund.processed"
	EventDisputeCreate         = "charge.dispute.create"
	EventDisputeResolve        = "charge.dispute.resolve"
	EventSubscriptionCreate    = "subscription.create"
	EventSubscriptionDisable   = "subscription.disable"
	EventSubscriptionNotRenew  = "subscription.not_renew"
	EventTransferSuccess       = "transfer.success"
	EventTransferFailed        = "transfer.failed"
	EventTransferReversed      = "transfer.reversed"
	signatureHeader            = "x-paystack-signature"
	resolutionMerchantAccepted = "merchant-accepted"
	resolutionDeclined         = "declined"
)

type Adapter struct {
	secret string
}

// New builds the adapter. Paystack signs webhooks with the account secret
// key; a dedicated webhook secret takes precedence when configured.
func New(webhookSecret, secretKey string) (*Adapter, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(secretKey)
	}
	if secret == "" {
		return nil, adapters.ErrInvalidConfig
	}
	return &Adapter{secret: secret}, nil
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) EventTypes() []string {
	return []string{
		EventChargeSuccess,
		EventInvoicePaymentFailed,
		EventRefundProcessed,
		EventDisputeCreate,
		EventDisputeResolve,
		EventSubscriptionCreate,
		EventSubscriptionDisable,
		EventSubscriptionNotRenew,
		EventTransferSuccess,
		EventTransferFailed,
		EventTransferReversed,
	}
}

func (a *Adapter) Verify(payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return adapters.ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(a.secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return adapters.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Identify(payload []byte) (adapters.Envelope, error) {
	var event paystackEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return adapters.Envelope{}, adapters.ErrInvalidPayload
	}
	id, err := externalID(event)
	if err != nil {
		return adapters.Envelope{}, err
	}
	var head struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Status    string `json:"status"`
	}
	_ = json.Unmarshal(event.Data, &head)
	return adapters.Envelope{
		ExternalEventID: id,
		Type:            event.Event,
		Summary: map[string]any{
			"reference": head.Reference,
			"amount":    head.Amount,
			"currency":  strings.ToUpper(head.Currency),
			"status":    head.Status,
		},
	}, nil
}

func (a *Adapter) Parse(payload []byte) (*adapters.Event, error) {
	var event paystackEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, adapters.ErrInvalidPayload
	}
	id, err := externalID(event)
	if err != nil {
		return nil, err
	}
	out := &adapters.Event{
		Provider:        Provider,
		ExternalEventID: id,
		Type:            event.Event,
	}

	switch event.Event {
	case EventChargeSuccess:
		err = parseCharge(event.Data, out)
	case EventInvoicePaymentFailed:
		err = parseInvoiceFailed(event.Data, out)
	case EventRefundProcessed:
		err = parseRefund(event.Data, out)
	case EventDisputeCreate, EventDisputeResolve:
		err = parseDispute(event.Event, event.Data, out)
	case EventSubscriptionCreate, EventSubscriptionDisable, EventSubscriptionNotRenew:
		err = parseSubscription(event.Event, event.Data, out)
	case EventTransferSuccess, EventTransferFailed, EventTransferReversed:
		err = parseTransfer(event.Data, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// externalID derives the idempotency key. Paystack has no event id, so the
// event name is combined with the id of the data object.
func externalID(event paystackEvent) (string, error) {
	if strings.TrimSpace(event.Event) == "" || len(event.Data) == 0 {
		return "", adapters.ErrInvalidPayload
	}
	var data struct {
		ID               flexString `json:"id"`
		Reference        string     `json:"reference"`
		TransferCode     string     `json:"transfer_code"`
		SubscriptionCode string     `json:"subscription_code"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return "", adapters.ErrInvalidPayload
	}
	key := string(data.ID)
	for _, fallback := range []string{data.TransferCode, data.SubscriptionCode, data.Reference} {
		if key != "" {
			break
		}
		key = fallback
	}
	if key == "" {
		return "", adapters.ErrInvalidPayload
	}
	return event.Event + ":" + key, nil
}

type paystackEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type paystackCustomer struct {
	Email        string `json:"email"`
	CustomerCode string `json:"customer_code"`
}

type paystackPlan struct {
	PlanCode string `json:"plan_code"`
	Interval string `json:"interval"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paystackTransaction struct {
	ID        flexString        `json:"id"`
	Reference string            `json:"reference"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Message   string            `json:"gateway_response"`
	PaidAt    string            `json:"paid_at"`
	CreatedAt string            `json:"created_at"`
	Customer  paystackCustomer  `json:"customer"`
	Plan      paystackPlan      `json:"plan"`
	Metadata  adapters.Metadata `json:"metadata"`
}

func parseCharge(raw json.RawMessage, out *adapters.Event) error {
	var tx paystackTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.Reference = tx.Reference
	out.AmountCents = tx.Amount
	out.Currency = strings.ToUpper(tx.Currency)
	out.Status = tx.Status
	out.SubscriberEmail = tx.Customer.Email
	out.Interval = tx.Plan.Interval
	out.OccurredAt = parseTime(tx.PaidAt, tx.CreatedAt)
	applyMetadata(out, tx.Metadata)
	out.Summary = map[string]any{"reference": tx.Reference, "amount": tx.Amount, "currency": out.Currency}
	return nil
}

func parseInvoiceFailed(raw json.RawMessage, out *adapters.Event) error {
	var invoice struct {
		InvoiceCode  string              `json:"invoice_code"`
		Amount       int64               `json:"amount"`
		Description  string              `json:"description"`
		CreatedAt    string              `json:"created_at"`
		Subscription struct {
			SubscriptionCode string `json:"subscription_code"`
			NextPaymentDate  string `json:"next_payment_date"`
		} `json:"subscription"`
		Transaction paystackTransaction `json:"transaction"`
		Customer    paystackCustomer    `json:"customer"`
	}
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.Reference = invoice.Transaction.Reference
	if out.Reference == "" {
		out.Reference = invoice.InvoiceCode
	}
	out.AmountCents = invoice.Amount
	out.Currency = strings.ToUpper(invoice.Transaction.Currency)
	out.SubscriberEmail = invoice.Customer.Email
	out.Reason = invoice.Description
	out.OccurredAt = parseTime(invoice.CreatedAt, "")
	applyMetadata(out, invoice.Transaction.Metadata)
	out.SubscriptionRef = invoice.Subscription.SubscriptionCode
	out.Summary = map[string]any{"invoice": invoice.InvoiceCode, "subscription": out.SubscriptionRef}
	return nil
}

func parseRefund(raw json.RawMessage, out *adapters.Event) error {
	var refund struct {
		ID                   flexString        `json:"id"`
		TransactionReference string            `json:"transaction_reference"`
		RefundReference      string            `json:"refund_reference"`
		Amount               int64             `json:"amount"`
		Currency             string            `json:"currency"`
		Status               string            `json:"status"`
		CreatedAt            string            `json:"created_at"`
		Customer             paystackCustomer  `json:"customer"`
		Metadata             adapters.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &refund); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.RefundID = refund.RefundReference
	if out.RefundID == "" {
		out.RefundID = string(refund.ID)
	}
	out.Reference = refund.TransactionReference
	out.AmountCents = refund.Amount
	out.Currency = strings.ToUpper(refund.Currency)
	out.Status = refund.Status
	out.SubscriberEmail = refund.Customer.Email
	out.OccurredAt = parseTime(refund.CreatedAt, "")
	applyMetadata(out, refund.Metadata)
	out.Summary = map[string]any{"refund": out.RefundID, "reference": out.Reference, "amount": refund.Amount}
	return nil
}

func parseDispute(eventType string, raw json.RawMessage, out *adapters.Event) error {
	var dispute struct {
		ID           flexString          `json:"id"`
		RefundAmount int64               `json:"refund_amount"`
		Currency     string              `json:"currency"`
		Status       string              `json:"status"`
		Resolution   string              `json:"resolution"`
		Category     string              `json:"category"`
		CreatedAt    string              `json:"createdAt"`
		Transaction  paystackTransaction `json:"transaction"`
		Customer     paystackCustomer    `json:"customer"`
	}
	if err := json.Unmarshal(raw, &dispute); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.DisputeID = string(dispute.ID)
	out.Reference = dispute.Transaction.Reference
	out.AmountCents = dispute.RefundAmount
	if out.AmountCents == 0 {
		out.AmountCents = dispute.Transaction.Amount
	}
	out.Currency = strings.ToUpper(dispute.Currency)
	if out.Currency == "" {
		out.Currency = strings.ToUpper(dispute.Transaction.Currency)
	}
	out.Status = dispute.Status
	out.Reason = dispute.Category
	out.SubscriberEmail = dispute.Customer.Email
	out.OccurredAt = parseTime(dispute.CreatedAt, "")
	if eventType == EventDisputeResolve {
		switch dispute.Resolution {
		case resolutionMerchantAccepted:
			out.DisputeOutcome = "lost"
		case resolutionDeclined:
			out.DisputeOutcome = "won"
		}
	}
	applyMetadata(out, dispute.Transaction.Metadata)
	out.Summary = map[string]any{"dispute": out.DisputeID, "reference": out.Reference, "resolution": dispute.Resolution}
	return nil
}

func parseSubscription(eventType string, raw json.RawMessage, out *adapters.Event) error {
	var sub struct {
		SubscriptionCode string            `json:"subscription_code"`
		Status           string            `json:"status"`
		Amount           int64             `json:"amount"`
		NextPaymentDate  string            `json:"next_payment_date"`
		CreatedAt        string            `json:"createdAt"`
		Plan             paystackPlan      `json:"plan"`
		Customer         paystackCustomer  `json:"customer"`
		Metadata         adapters.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.Reference = sub.SubscriptionCode
	out.AmountCents = sub.Amount
	if out.AmountCents == 0 {
		out.AmountCents = sub.Plan.Amount
	}
	out.Currency = strings.ToUpper(sub.Plan.Currency)
	out.Interval = normalizeInterval(sub.Plan.Interval)
	out.SubscriberEmail = sub.Customer.Email
	out.OccurredAt = parseTime(sub.CreatedAt, "")
	if next := parseTime(sub.NextPaymentDate, ""); !next.IsZero() {
		out.PeriodEnd = &next
	}
	switch eventType {
	case EventSubscriptionDisable:
		out.Status = "canceled"
	case EventSubscriptionNotRenew:
		out.Status = "active"
		out.CancelAtPeriodEnd = true
	default:
		out.Status = mapSubscriptionStatus(sub.Status)
	}
	applyMetadata(out, sub.Metadata)
	out.SubscriptionRef = sub.SubscriptionCode
	out.Summary = map[string]any{"subscription": sub.SubscriptionCode, "status": sub.Status}
	return nil
}

func parseTransfer(raw json.RawMessage, out *adapters.Event) error {
	var transfer struct {
		TransferCode string            `json:"transfer_code"`
		Reference    string            `json:"reference"`
		Amount       int64             `json:"amount"`
		Currency     string            `json:"currency"`
		Status       string            `json:"status"`
		Reason       string            `json:"reason"`
		CreatedAt    string            `json:"createdAt"`
		UpdatedAt    string            `json:"updatedAt"`
		Metadata     adapters.Metadata `json:"metadata"`
		Recipient    struct {
			Metadata adapters.Metadata `json:"metadata"`
		} `json:"recipient"`
	}
	if err := json.Unmarshal(raw, &transfer); err != nil {
		return adapters.ErrInvalidPayload
	}
	out.TransferCode = transfer.TransferCode
	out.Reference = transfer.Reference
	out.AmountCents = transfer.Amount
	out.Currency = strings.ToUpper(transfer.Currency)
	out.Status = transfer.Status
	out.Reason = transfer.Reason
	out.OccurredAt = parseTime(transfer.UpdatedAt, transfer.CreatedAt)
	md := transfer.Metadata
	if md.String("creator_id") == "" {
		md = transfer.Recipient.Metadata
	}
	applyMetadata(out, md)
	out.TransferCode = transfer.TransferCode
	out.Summary = map[string]any{"transfer": transfer.TransferCode, "status": transfer.Status, "amount": transfer.Amount}
	return nil
}

func mapSubscriptionStatus(status string) string {
	switch status {
	case "active", "non-renewing":
		return "active"
	case "attention":
		return "past_due"
	case "cancelled", "complete":
		return "canceled"
	default:
		return status
	}
}

func normalizeInterval(interval string) string {
	switch interval {
	case "weekly":
		return "week"
	case "annually":
		return "year"
	case "monthly", "":
		return "month"
	default:
		return interval
	}
}

func applyMetadata(out *adapters.Event, md adapters.Metadata) {
	out.CreatorID = md.String("creator_id")
	out.SubscriberID = md.String("subscriber_id")
	if ref := md.String("subscription_ref"); ref != "" {
		out.SubscriptionRef = ref
	}
	out.Purpose = md.String("purpose")
	out.FeeMode = md.String("fee_mode")
	out.CrossBorder = md.Bool("cross_border")
	if code := md.String("transfer_code"); code != "" {
		out.TransferCode = code
	}
}

func parseTime(primary, fallback string) time.Time {
	for _, raw := range []string{primary, fallback} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// flexString accepts ids sent as JSON numbers or strings.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
