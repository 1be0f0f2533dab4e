package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payrail/internal/alert/domain"
	"github.com/smallbiznis/payrail/internal/clock"
	"github.com/smallbiznis/payrail/internal/dispatch"
	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("alert.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

type Input struct {
	Kind     domain.Kind
	Severity domain.Severity
	Provider string
	Message  string
	Details  map[string]any
}

// Raise persists an alert. It logs instead of failing when the write fails,
// so observers never break the path that raised them.
func (s *Service) Raise(ctx context.Context, in Input) *domain.Alert {
	details, err := json.Marshal(in.Details)
	if err != nil || in.Details == nil {
		details = []byte(`{}`)
	}
	alert := &domain.Alert{
		ID:        s.genID.Generate(),
		Kind:      in.Kind,
		Severity:  in.Severity,
		Message:   in.Message,
		Details:   datatypes.JSON(details),
		CreatedAt: s.clock.Now(),
	}
	if in.Provider != "" {
		provider := in.Provider
		alert.Provider = &provider
	}

	fields := []zap.Field{
		zap.String("kind", string(in.Kind)),
		zap.String("severity", string(in.Severity)),
		zap.String("provider", in.Provider),
		zap.String("message", in.Message),
	}
	switch in.Severity {
	case domain.SeverityError:
		s.log.Error("alert.raised", fields...)
	case domain.SeverityWarning:
		s.log.Warn("alert.raised", fields...)
	default:
		s.log.Info("alert.raised", fields...)
	}

	if err := s.repo.Insert(ctx, s.db, alert); err != nil {
		s.log.Error("alert.persist.failed", append(fields, zap.Error(err))...)
		return alert
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAlert(ctx, string(in.Kind), string(in.Severity))
	}
	return alert
}

func (s *Service) List(ctx context.Context, f domain.Filter) ([]domain.Alert, error) {
	return s.repo.List(ctx, s.db, f)
}

// DispatchExhausted is registered on the dispatch queue for dead-lettered jobs.
func (s *Service) DispatchExhausted(ctx context.Context, job dispatch.Job, err error) {
	details := map[string]any{
		"job_id":   job.ID,
		"queue":    job.Queue,
		"job":      job.Name,
		"attempts": job.Attempts,
		"error":    errString(err),
		"at":       s.clock.Now().Format(time.RFC3339),
	}
	s.Raise(context.WithoutCancel(ctx), Input{
		Kind:     domain.KindDispatchExhausted,
		Severity: domain.SeverityError,
		Message:  "dispatch job exhausted its attempts",
		Details:  details,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
