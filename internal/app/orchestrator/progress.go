package orchestrator

import (
	"context"
	"sync"

	"taskrunner/internal/shared/async"
	"taskrunner/internal/shared/logging"
)

// progressWriter persists intermediate run state from one goroutine so
// writes for a task never reorder. Only the newest pending payload is kept:
// each payload is a full snapshot, so an older one carries nothing the
// newer lacks.
type progressWriter struct {
	write  func(ctx context.Context, fields map[string]any) error
	logger logging.Logger

	mu      sync.Mutex
	pending map[string]any
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newProgressWriter(ctx context.Context, write func(context.Context, map[string]any) error, logger logging.Logger) *progressWriter {
	p := &progressWriter{
		write:  write,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	async.Go(logger, "orchestrator.progress", func() {
		defer close(p.done)
		p.loop(ctx)
	})
	return p
}

// Submit queues fields for writing without blocking the caller.
func (p *progressWriter) Submit(fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = fields
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close flushes the pending payload and waits for the writer to exit.
func (p *progressWriter) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.wake)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *progressWriter) loop(ctx context.Context) {
	for range p.wake {
		p.flush(ctx)
	}
	p.flush(ctx)
}

func (p *progressWriter) flush(ctx context.Context) {
	p.mu.Lock()
	fields := p.pending
	p.pending = nil
	p.mu.Unlock()
	if fields == nil || ctx.Err() != nil {
		return
	}
	if err := p.write(ctx, fields); err != nil {
		p.logger.Warn("Progress write failed: %v", err)
	}
}
