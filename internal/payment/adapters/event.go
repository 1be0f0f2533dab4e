package adapters

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is a provider webhook normalized for the event handlers. Type keeps
// the provider's own event name; handlers are registered per (provider, type).
type Event struct {
	Provider        string `validate:"required,oneof=stripe paystack"`
	ExternalEventID string `validate:"required,max=255"`
	Type            string `validate:"required"`

	Reference       string
	AmountCents     int64  `validate:"gte=0"`
	Currency        string `validate:"omitempty,len=3,uppercase"`
	CreatorID       string
	SubscriberID    string
	SubscriberEmail string `validate:"omitempty,email"`
	SubscriptionRef string
	Purpose         string `validate:"omitempty,oneof=personal service business"`
	FeeMode         string `validate:"omitempty,oneof=absorb pass_to_subscriber split"`
	CrossBorder     bool
	Interval        string

	DisputeID      string
	DisputeOutcome string `validate:"omitempty,oneof=won lost"`
	RefundID       string
	TransferCode   string
	Reason         string

	Status            string
	CancelAtPeriodEnd bool
	PeriodEnd         *time.Time

	OccurredAt time.Time
	Summary    map[string]any
}

// Envelope is the minimum needed to record an event before full parsing.
type Envelope struct {
	ExternalEventID string
	Type            string
	Summary         map[string]any
}

// Metadata reads loosely typed provider metadata.
type Metadata map[string]any

// UnmarshalJSON accepts an object, null, an empty string, or a string holding
// an encoded object. Providers send all four.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*m = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" || s[0] != '{' {
			*m = nil
			return nil
		}
		b = []byte(s)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (m Metadata) Bool(key string) bool {
	v, err := strconv.ParseBool(m.String(key))
	return err == nil && v
}

// UnixTime converts a unix timestamp, falling back when it is zero.
func UnixTime(primary, fallback int64) time.Time {
	if primary == 0 {
		primary = fallback
	}
	if primary == 0 {
		return time.Time{}
	}
	return time.Unix(primary, 0).UTC()
}
