package fee

import (
	"errors"
	"fmt"
	"strings"
)

type Purpose string

const (
	PurposePersonal Purpose = "personal"
	PurposeService  Purpose = "service"
	PurposeBusiness Purpose = "business"
)

type Mode string

const (
	ModeAbsorb           Mode = "absorb"
	ModePassToSubscriber Mode = "pass_to_subscriber"
	ModeSplit            Mode = "split"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAbsorb, ModePassToSubscriber, ModeSplit:
		return true
	default:
		return false
	}
}

// CurrencyRule bounds the percentage fee for one currency. Rates are in basis points.
type CurrencyRule struct {
	MinRateBps       int64 `mapstructure:"minRateBps" yaml:"minRateBps"`
	AbsoluteCapCents int64 `mapstructure:"absoluteCapCents" yaml:"absoluteCapCents"`
	FloorCents       int64 `mapstructure:"floorCents" yaml:"floorCents"`
}

type Schedule struct {
	DefaultCurrency      string                  `mapstructure:"defaultCurrency"`
	PurposeRatesBps      map[string]int64        `mapstructure:"purposeRatesBps"`
	Currencies           map[string]CurrencyRule `mapstructure:"currencies"`
	CrossBorderBps       int64                   `mapstructure:"crossBorderBps"`
	SplitCreatorShareBps int64                   `mapstructure:"splitCreatorShareBps"`
	MicroMultiple        int64                   `mapstructure:"microMultiple"`
}

func DefaultSchedule() Schedule {
	return Schedule{
		DefaultCurrency: "USD",
		PurposeRatesBps: map[string]int64{
			string(PurposePersonal): 1000,
			string(PurposeService):  800,
			string(PurposeBusiness): 500,
		},
		Currencies: map[string]CurrencyRule{
			"USD": {MinRateBps: 300, AbsoluteCapCents: 50_000, FloorCents: 50},
			"GHS": {MinRateBps: 300, AbsoluteCapCents: 50_000, FloorCents: 50},
			"ZAR": {MinRateBps: 300, AbsoluteCapCents: 100_000, FloorCents: 500},
			"NGN": {MinRateBps: 300, AbsoluteCapCents: 500_000, FloorCents: 5_000},
			"KES": {MinRateBps: 300, AbsoluteCapCents: 500_000, FloorCents: 5_000},
		},
		CrossBorderBps:       150,
		SplitCreatorShareBps: 5000,
		MicroMultiple:        2,
	}
}

// Normalize upper-cases currency codes and lower-cases purposes. Config
// loaders fold map keys to lower case, so every loaded schedule goes through here.
func (s Schedule) Normalize() Schedule {
	out := s
	out.DefaultCurrency = strings.ToUpper(strings.TrimSpace(s.DefaultCurrency))
	out.PurposeRatesBps = make(map[string]int64, len(s.PurposeRatesBps))
	for k, v := range s.PurposeRatesBps {
		out.PurposeRatesBps[strings.ToLower(strings.TrimSpace(k))] = v
	}
	out.Currencies = make(map[string]CurrencyRule, len(s.Currencies))
	for k, v := range s.Currencies {
		out.Currencies[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

func (s Schedule) Validate() error {
	var errs []error
	if s.DefaultCurrency == "" {
		errs = append(errs, errors.New("fees.defaultCurrency is required"))
	} else if _, ok := s.Currencies[s.DefaultCurrency]; !ok {
		errs = append(errs, fmt.Errorf("fees.currencies has no entry for default currency %s", s.DefaultCurrency))
	}
	if len(s.PurposeRatesBps) == 0 {
		errs = append(errs, errors.New("fees.purposeRatesBps cannot be empty"))
	}
	for purpose, bps := range s.PurposeRatesBps {
		if bps < 0 || bps > bpsScale {
			errs = append(errs, fmt.Errorf("fees.purposeRatesBps.%s out of range", purpose))
		}
	}
	for code, rule := range s.Currencies {
		if rule.MinRateBps < 0 || rule.AbsoluteCapCents < 0 || rule.FloorCents < 0 {
			errs = append(errs, fmt.Errorf("fees.currencies.%s has negative values", code))
		}
	}
	if s.CrossBorderBps < 0 {
		errs = append(errs, errors.New("fees.crossBorderBps cannot be negative"))
	}
	if s.SplitCreatorShareBps < 0 || s.SplitCreatorShareBps > bpsScale {
		errs = append(errs, errors.New("fees.splitCreatorShareBps out of range"))
	}
	if s.MicroMultiple < 1 {
		errs = append(errs, errors.New("fees.microMultiple must be at least 1"))
	}
	return errors.Join(errs...)
}

func (s Schedule) rule(currency string) (string, CurrencyRule) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if rule, ok := s.Currencies[code]; ok {
		return code, rule
	}
	return s.DefaultCurrency, s.Currencies[s.DefaultCurrency]
}
