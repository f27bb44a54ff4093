package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"replybot/pkg/bus"
	"replybot/pkg/pipeline"
)

// workerPool drains the inbound queue with a fixed number of goroutines.
// Events for different senders run in parallel; per-key ordering of shared
// state is enforced inside the conversation store and dispatcher.
type workerPool struct {
	bus       *bus.MessageBus
	processor Processor
	size      int
	log       *slog.Logger

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newWorkerPool(mb *bus.MessageBus, processor Processor, size int, log *slog.Logger) *workerPool {
	return &workerPool{
		bus:       mb,
		processor: processor,
		size:      max(1, size),
		log:       log.With("component", "gateway.workers"),
		outcomes:  make(map[string]uint64),
	}
}

// Run blocks until ctx ends and every worker has finished its current event.
func (p *workerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for id := range p.size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, id)
		}()
	}

	p.log.Info("Workers started", "workers", p.size)
	wg.Wait()
}

func (p *workerPool) work(ctx context.Context, id int) {
	for {
		event, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		// An accepted event runs to the end of its own time budget even
		// when shutdown starts mid-run.
		out := p.process(context.WithoutCancel(ctx), event)
		p.record(out.Status)
		p.log.Debug("Event processed", "worker", id, "event_id", event.ID, "status", out.Status)
	}
}

func (p *workerPool) process(ctx context.Context, event bus.InboundEvent) (out pipeline.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("Pipeline panicked", "event_id", event.ID, "panic", fmt.Sprint(rec))
			out = pipeline.Outcome{Channel: event.Channel, State: pipeline.StateAborted, Status: pipeline.StatusAborted}
		}
	}()
	return p.processor.Process(ctx, event)
}

func (p *workerPool) record(status pipeline.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[string(status)]++
}

// Outcomes returns processed-event counts keyed by status.
func (p *workerPool) Outcomes() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]uint64, len(p.outcomes))
	for status, n := range p.outcomes {
		out[status] = n
	}
	return out
}
