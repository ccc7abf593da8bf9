package process

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/KamaTechOrg/BSDFlow/internal/domain"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBatch    = 100
	defaultWorkerCount  = 4
)

// Pool periodically sweeps running instances and attempts their current
// step. Advance already serializes per instance, so overlapping sweeps are
// harmless; a stale listing just turns into a no-op attempt.
type Pool struct {
	Engine   *Engine
	Workers  int
	Interval time.Duration
	Batch    int
}

func NewPool(e *Engine) *Pool {
	return &Pool{
		Engine:   e,
		Workers:  defaultWorkerCount,
		Interval: defaultPollInterval,
		Batch:    defaultPollBatch,
	}
}

// Run blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	workers := p.Workers
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	batch := p.Batch
	if batch <= 0 {
		batch = defaultPollBatch
	}

	jobs := make(chan domain.EventRef)
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for ev := range jobs {
				p.attempt(ctx, ev)
			}
			done <- struct{}{}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.sweep(ctx, jobs, batch)
		select {
		case <-ctx.Done():
			close(jobs)
			for i := 0; i < workers; i++ {
				<-done
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) sweep(ctx context.Context, jobs chan<- domain.EventRef, batch int) {
	items, err := p.Engine.Repo.ListRunnable(ctx, batch)
	if err != nil {
		log.Printf("worker: list runnable failed: %v", err)
		return
	}
	for _, ev := range items {
		select {
		case jobs <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) attempt(ctx context.Context, ev domain.EventRef) {
	_, err := p.Engine.Advance(ctx, ev.Tenant, ev.ID, "worker")
	if err == nil {
		return
	}
	// A raced advance is expected when an API caller hits the same instance.
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return
	}
	log.Printf("worker: advance %s/%s failed: %v", ev.Tenant, ev.ID, err)
}
