package fee

import (
	"errors"
	"strings"
)

const bpsScale = 10_000

var (
	ErrInvalidAmount   = errors.New("fee_invalid_amount")
	ErrUnknownPurpose  = errors.New("fee_unknown_purpose")
	ErrInvalidMode     = errors.New("fee_invalid_mode")
	ErrFeeExceedsTotal = errors.New("fee_exceeds_amount")
)

type Input struct {
	AmountCents int64
	Currency    string
	Purpose     Purpose
	Mode        Mode
	CrossBorder bool
}

// Breakdown is the full split of one charge. Amounts are minor units.
type Breakdown struct {
	AmountCents        int64
	FeeCents           int64
	NetCents           int64
	GrossCents         int64
	CreatorFeeCents    int64
	SubscriberFeeCents int64
	Capped             bool
	Floored            bool
	RateBps            int64
	EffectiveRate      float64
	Currency           string
	Mode               Mode
}

// Calculate computes the platform fee for a charge. It performs no I/O.
func Calculate(s Schedule, in Input) (Breakdown, error) {
	if in.AmountCents <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}
	if !in.Mode.Valid() {
		return Breakdown{}, ErrInvalidMode
	}
	rateBps, ok := s.PurposeRatesBps[strings.ToLower(string(in.Purpose))]
	if !ok {
		return Breakdown{}, ErrUnknownPurpose
	}
	currency, rule := s.rule(in.Currency)

	// Surcharge is part of the rate so the cap and floor still bound it.
	if in.CrossBorder {
		rateBps += s.CrossBorderBps
	}

	amount := in.AmountCents
	baseFee := applyBps(amount, rateBps)
	minFee := applyBps(amount, rule.MinRateBps)

	fee := baseFee
	capped, floored := false, false
	if rule.AbsoluteCapCents > 0 && baseFee > rule.AbsoluteCapCents {
		if rule.AbsoluteCapCents >= minFee {
			fee = rule.AbsoluteCapCents
			capped = true
		} else {
			fee = minFee
			floored = true
		}
	}

	multiple := s.MicroMultiple
	if multiple < 1 {
		multiple = 1
	}
	if !capped && rule.FloorCents > 0 && amount > multiple*rule.FloorCents && fee < rule.FloorCents {
		fee = rule.FloorCents
		floored = true
	}
	if fee > amount {
		return Breakdown{}, ErrFeeExceedsTotal
	}

	b := Breakdown{
		AmountCents:   amount,
		FeeCents:      fee,
		Capped:        capped,
		Floored:       floored,
		RateBps:       rateBps,
		EffectiveRate: float64(fee) / float64(amount),
		Currency:      currency,
		Mode:          in.Mode,
	}
	splitByMode(&b, s.SplitCreatorShareBps)
	return b, nil
}

func splitByMode(b *Breakdown, creatorShareBps int64) {
	switch b.Mode {
	case ModeAbsorb:
		b.CreatorFeeCents = b.FeeCents
	case ModePassToSubscriber:
		b.SubscriberFeeCents = b.FeeCents
	case ModeSplit:
		b.CreatorFeeCents = applyBps(b.FeeCents, creatorShareBps)
		b.SubscriberFeeCents = b.FeeCents - b.CreatorFeeCents
	}
	b.NetCents = b.AmountCents - b.CreatorFeeCents
	b.GrossCents = b.AmountCents + b.SubscriberFeeCents
}

// Original is the fee split recorded on a captured payment.
type Original struct {
	AmountCents        int64
	FeeCents           int64
	CreatorFeeCents    int64
	SubscriberFeeCents int64
	Currency           string
	Mode               Mode
}

// Proportional scales the recorded fee split of an original payment to a
// partial amount (refunds, disputes). Current rates are never consulted.
func Proportional(orig Original, portionCents int64) (Breakdown, error) {
	if orig.AmountCents <= 0 || portionCents <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}
	if portionCents > orig.AmountCents {
		return Breakdown{}, ErrFeeExceedsTotal
	}
	if portionCents == orig.AmountCents {
		b := Breakdown{
			AmountCents:        orig.AmountCents,
			FeeCents:           orig.FeeCents,
			CreatorFeeCents:    orig.CreatorFeeCents,
			SubscriberFeeCents: orig.SubscriberFeeCents,
			Currency:           orig.Currency,
			Mode:               orig.Mode,
		}
		b.NetCents = b.AmountCents - b.CreatorFeeCents
		b.GrossCents = b.AmountCents + b.SubscriberFeeCents
		b.EffectiveRate = float64(b.FeeCents) / float64(b.AmountCents)
		return b, nil
	}

	feePortion := roundDiv(orig.FeeCents*portionCents, orig.AmountCents)
	creatorPortion := roundDiv(orig.CreatorFeeCents*portionCents, orig.AmountCents)
	if creatorPortion > feePortion {
		creatorPortion = feePortion
	}
	b := Breakdown{
		AmountCents:        portionCents,
		FeeCents:           feePortion,
		CreatorFeeCents:    creatorPortion,
		SubscriberFeeCents: feePortion - creatorPortion,
		Currency:           orig.Currency,
		Mode:               orig.Mode,
	}
	b.NetCents = b.AmountCents - b.CreatorFeeCents
	b.GrossCents = b.AmountCents + b.SubscriberFeeCents
	b.EffectiveRate = float64(b.FeeCents) / float64(b.AmountCents)
	return b, nil
}

func applyBps(amount, bps int64) int64 {
	return roundDiv(amount*bps, bpsScale)
}

// roundDiv divides non-negative integers rounding half away from zero.
func roundDiv(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return (2*num + den) / (2 * den)
}
