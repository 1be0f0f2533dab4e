package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	promoteInterval = time.Second
	recoverInterval = time.Minute
)

// Pool runs consumers for every configured queue plus the maintenance loop
// that promotes delayed retries and recovers stuck jobs.
type Pool struct {
	queue       *Queue
	concurrency map[string]int
	log         *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(queue *Queue, concurrency map[string]int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		queue:       queue,
		concurrency: concurrency,
		log:         log.Named("dispatch.pool"),
	}
}

func (p *Pool) queues() []string {
	out := make([]string, 0, len(p.concurrency))
	for name := range p.concurrency {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	for _, name := range p.queues() {
		n := p.concurrency[name]
		p.log.Info("dispatch.pool.start", zap.String("queue", name), zap.Int("concurrency", n))
		p.wg.Add(1)
		go func(name string, n int) {
			defer p.wg.Done()
			p.queue.Consume(ctx, name, n)
		}(name, n)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintain(ctx)
	}()
}

func (p *Pool) maintain(ctx context.Context) {
	promote := time.NewTicker(promoteInterval)
	defer promote.Stop()
	stuck := time.NewTicker(recoverInterval)
	defer stuck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			for _, name := range p.queues() {
				if _, err := p.queue.PromoteDue(ctx, name); err != nil && ctx.Err() == nil {
					p.log.Warn("dispatch.promote.failed", zap.String("queue", name), zap.Error(err))
				}
			}
		case <-stuck.C:
			for _, name := range p.queues() {
				if _, err := p.queue.RequeueStuck(ctx, name); err != nil && ctx.Err() == nil {
					p.log.Warn("dispatch.recover.failed", zap.String("queue", name), zap.Error(err))
				}
			}
		}
	}
}

// Stop cancels consumers and waits for in-flight jobs until ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("dispatch.pool.stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
