package notification

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindPaymentReceipt       Kind = "payment_receipt"
	KindPaymentFailed        Kind = "payment_failed"
	KindRefundIssued         Kind = "refund_issued"
	KindDisputeOpened        Kind = "dispute_opened"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindPayoutFailed         Kind = "payout_failed"
)

var ErrInvalidMessage = errors.New("notification_invalid_message")

// Message is one outbound email. Key identifies the financial effect that
// produced it and is stable across handler retries.
type Message struct {
	Kind    Kind     `json:"kind"`
	Key     string   `json:"key"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

func (m Message) Validate() error {
	if m.Kind == "" || strings.TrimSpace(m.Subject) == "" || len(m.To) == 0 {
		return ErrInvalidMessage
	}
	for _, to := range m.To {
		if !strings.Contains(to, "@") {
			return fmt.Errorf("%w: recipient %q", ErrInvalidMessage, to)
		}
	}
	return nil
}

func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, strings.ToUpper(currency))
}

func PaymentReceipt(to, key string, amountCents int64, currency, reference string) Message {
	return Message{
		Kind:    KindPaymentReceipt,
		Key:     key,
		To:      []string{to},
		Subject: "Payment received",
		Body:    fmt.Sprintf("<p>We received your payment of %s.</p><p>Reference: %s</p>", formatAmount(amountCents, currency), reference),
	}
}

func PaymentFailed(to, key string, amountCents int64, currency, reason string) Message {
	body := fmt.Sprintf("<p>Your payment of %s could not be completed.</p>", formatAmount(amountCents, currency))
	if reason != "" {
		body += fmt.Sprintf("<p>Reason: %s</p>", reason)
	}
	return Message{Kind: KindPaymentFailed, Key: key, To: []string{to}, Subject: "Payment failed", Body: body}
}

func RefundIssued(to, key string, amountCents int64, currency, reference string) Message {
	return Message{
		Kind:    KindRefundIssued,
		Key:     key,
		To:      []string{to},
		Subject: "Refund issued",
		Body:    fmt.Sprintf("<p>A refund of %s was issued for payment %s.</p>", formatAmount(amountCents, currency), reference),
	}
}

func DisputeOpened(to, key string, amountCents int64, currency, disputeID string) Message {
	return Message{
		Kind:    KindDisputeOpened,
		Key:     key,
		To:      []string{to},
		Subject: "Payment disputed",
		Body:    fmt.Sprintf("<p>A dispute of %s was opened (%s).</p>", formatAmount(amountCents, currency), disputeID),
	}
}

func SubscriptionCanceled(to, key, subscriptionRef string) Message {
	return Message{
		Kind:    KindSubscriptionCanceled,
		Key:     key,
		To:      []string{to},
		Subject: "Subscription canceled",
		Body:    fmt.Sprintf("<p>Subscription %s has been canceled.</p>", subscriptionRef),
	}
}

func PayoutFailed(to, key string, amountCents int64, currency, transferCode string) Message {
	return Message{
		Kind:    KindPayoutFailed,
		Key:     key,
		To:      []string{to},
		Subject: "Payout failed",
		Body:    fmt.Sprintf("<p>Payout %s of %s did not complete and was returned to your balance.</p>", transferCode, formatAmount(amountCents, currency)),
	}
}
