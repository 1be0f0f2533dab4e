package config

import (
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/payrail/internal/fee"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FeeScheduleHolder serves the current fee schedule and swaps it when fees.yml changes.
type FeeScheduleHolder struct {
	current atomic.Value // holds fee.Schedule
}

func NewStaticFeeSchedule(s fee.Schedule) *FeeScheduleHolder {
	holder := &FeeScheduleHolder{}
	holder.current.Store(s.Normalize())
	return holder
}

func NewFeeScheduleHolder(cfg Config, log *zap.Logger) (*FeeScheduleHolder, error) {
	log = log.Named("config.fees")
	v := viper.New()

	if path := strings.TrimSpace(cfg.FeesConfig); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fees")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/payrail")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAYRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := fee.DefaultSchedule()
	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	schedule := defaults
	if fileLoaded {
		loaded, err := unmarshalSchedule(v, defaults)
		if err != nil {
			return nil, err
		}
		schedule = loaded
	}
	schedule = schedule.Normalize()
	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	holder := &FeeScheduleHolder{}
	holder.current.Store(schedule)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := unmarshalSchedule(v, defaults)
			if err != nil {
				log.Warn("fee schedule reload failed", zap.String("file", filepath.Base(e.Name)), zap.Error(err))
				return
			}
			updated = updated.Normalize()
			if err := updated.Validate(); err != nil {
				log.Warn("invalid fee schedule ignored", zap.String("file", filepath.Base(e.Name)), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("fee schedule reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

// unmarshalSchedule overlays the file's fees section on top of defaults.
func unmarshalSchedule(v *viper.Viper, defaults fee.Schedule) (fee.Schedule, error) {
	out := defaults
	out.PurposeRatesBps = nil
	out.Currencies = nil
	if err := v.UnmarshalKey("fees", &out); err != nil {
		return fee.Schedule{}, err
	}
	if len(out.PurposeRatesBps) == 0 {
		out.PurposeRatesBps = defaults.PurposeRatesBps
	}
	if len(out.Currencies) == 0 {
		out.Currencies = defaults.Currencies
	}
	return out, nil
}

func (h *FeeScheduleHolder) Get() fee.Schedule {
	return h.current.Load().(fee.Schedule)
}
