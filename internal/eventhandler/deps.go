package eventhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/clock"
	disputedomain "github.com/smallbiznis/payrail/internal/dispute/domain"
	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/smallbiznis/payrail/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/payrail/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/payrail/internal/payout/domain"
	subscriptiondomain "github.com/smallbiznis/payrail/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FeeSource returns the fee schedule in force.
type FeeSource interface {
	Get() fee.Schedule
}

// Deps is shared by every handler.
type Deps struct {
	GenID         *snowflake.Node
	Clock         clock.Clock
	Fees          FeeSource
	Payments      paymentdomain.Repository
	Subscriptions subscriptiondomain.Repository
	Disputes      disputedomain.Repository
	Payouts       payoutdomain.Repository
	// RetryBackoff is the billing retry schedule; the first step is used when a charge fails.
	RetryBackoff       []time.Duration
	AutoBlockThreshold int
	Log                *zap.Logger
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now()
}

func (d Deps) firstRetry() time.Duration {
	if len(d.RetryBackoff) == 0 {
		return 24 * time.Hour
	}
	return d.RetryBackoff[0]
}

func (d Deps) blockThreshold() int {
	if d.AutoBlockThreshold < 1 {
		return 2
	}
	return d.AutoBlockThreshold
}

// remaining is what is still held of a charge after refunds and disputes.
// A won dispute's reversal row gives its amount back.
func (d Deps) remaining(ctx context.Context, tx *gorm.DB, original *paymentdomain.Payment) (int64, error) {
	total := original.AmountCents
	for _, t := range []paymentdomain.Type{paymentdomain.TypeRefund, paymentdomain.TypeDispute, paymentdomain.TypeDisputeReversal} {
		sum, err := d.Payments.SumChildren(ctx, tx, original.ID, t)
		if err != nil {
			return 0, err
		}
		total += sum
	}
	return total, nil
}

func lockKey(kind, provider, ref string) string {
	return kind + ":" + provider + ":" + ref
}

// require fails with ErrValidation naming every empty field.
func require(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
}

// classifyFeeErr maps fee engine errors onto the handler taxonomy.
func classifyFeeErr(err error) error {
	if errors.Is(err, fee.ErrFeeExceedsTotal) {
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// checkBreakdown re-asserts the fee identities before anything is written.
func checkBreakdown(b fee.Breakdown) error {
	if b.CreatorFeeCents+b.SubscriberFeeCents != b.FeeCents {
		return fmt.Errorf("%w: fee split %d+%d != %d", ErrInvariant, b.CreatorFeeCents, b.SubscriberFeeCents, b.FeeCents)
	}
	if b.NetCents+b.CreatorFeeCents != b.AmountCents {
		return fmt.Errorf("%w: net %d + creator fee %d != amount %d", ErrInvariant, b.NetCents, b.CreatorFeeCents, b.AmountCents)
	}
	if b.GrossCents-b.SubscriberFeeCents != b.AmountCents {
		return fmt.Errorf("%w: gross %d - subscriber fee %d != amount %d", ErrInvariant, b.GrossCents, b.SubscriberFeeCents, b.AmountCents)
	}
	if b.NetCents < 0 || b.FeeCents < 0 {
		return fmt.Errorf("%w: negative breakdown", ErrInvariant)
	}
	return nil
}

// negate turns a breakdown into the signed amounts of a reversing row.
func negate(p *paymentdomain.Payment, b fee.Breakdown) {
	p.AmountCents = -b.AmountCents
	p.GrossCents = -b.GrossCents
	p.FeeCents = -b.FeeCents
	p.NetCents = -b.NetCents
	p.CreatorFeeCents = -b.CreatorFeeCents
	p.SubscriberFeeCents = -b.SubscriberFeeCents
	p.ReportingAmountCents = -b.AmountCents
}

func originalOf(p *paymentdomain.Payment) fee.Original {
	return fee.Original{
		AmountCents:        p.AmountCents,
		FeeCents:           p.FeeCents,
		CreatorFeeCents:    p.CreatorFeeCents,
		SubscriberFeeCents: p.SubscriberFeeCents,
		Currency:           p.Currency,
		Mode:               fee.Mode(p.FeeModel),
	}
}

func metadata(values map[string]any) datatypes.JSON {
	raw, err := json.Marshal(values)
	if err != nil || values == nil {
		return datatypes.JSON(`{}`)
	}
	return datatypes.JSON(raw)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func eventID(ev *adapters.Event) *string {
	return optionalString(ev.ExternalEventID)
}
