package dispatch

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/payrail/internal/observability/metrics"
	"go.uber.org/zap"
)

// Dispatcher hands a job to its handler, either now or through a queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Inline runs the handler on the caller's goroutine.
type Inline struct {
	mux *Mux
	log *zap.Logger
}

func NewInline(mux *Mux, log *zap.Logger) *Inline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inline{mux: mux, log: log.Named("dispatch.inline")}
}

func (d *Inline) Dispatch(ctx context.Context, job Job) error {
	if job.Attempts < 1 {
		job.Attempts = 1
	}
	err := d.mux.Run(ctx, job)
	result := obsmetrics.DispatchResultInline
	if err != nil {
		result = obsmetrics.DispatchResultRetry
		if errors.Is(err, ErrPermanent) {
			result = obsmetrics.DispatchResultDropped
		}
		d.log.Warn("dispatch.inline.failed",
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Error(err),
		)
	}
	obsmetrics.Pipeline().IncDispatchJob(job.Queue, job.Name, result)
	return err
}

// Queued enqueues jobs and falls back to inline execution when the queue
// backend refuses the job.
type Queued struct {
	queue    *Queue
	fallback *Inline
	log      *zap.Logger
}

func NewQueued(queue *Queue, fallback *Inline, log *zap.Logger) *Queued {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queued{queue: queue, fallback: fallback, log: log.Named("dispatch.queued")}
}

func (d *Queued) Dispatch(ctx context.Context, job Job) error {
	err := d.queue.Enqueue(ctx, job)
	if err == nil {
		return nil
	}
	d.log.Warn("dispatch.enqueue.fallback_inline",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("job", job.Name),
		zap.Error(err),
	)
	return d.fallback.Dispatch(ctx, job)
}
