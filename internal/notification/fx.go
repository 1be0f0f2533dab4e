package notification

import (
	"github.com/smallbiznis/payrail/internal/circuitbreaker"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/smallbiznis/payrail/internal/dispatch"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notification",
	fx.Provide(NewFromConfig),
	fx.Provide(provideSender),
	fx.Invoke(registerJob),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if !cfg.SMTP.Enabled() {
		log.Named("notification").Info("smtp not configured, notifications are dropped")
		return &NoOpProvider{}
	}
	return NewSMTP(SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
}

type senderParams struct {
	fx.In

	Provider   Provider
	Breakers   *circuitbreaker.Registry
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func provideSender(p senderParams) *Sender {
	return NewSender(p.Provider, p.Breakers, p.ObsMetrics, p.Log)
}

func registerJob(mux *dispatch.Mux, sender *Sender) {
	mux.Handle(dispatch.JobNotificationSend, sender.Handle)
}
