package processor

import (
	"context"
	"time"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/observability"
)

type WorkerConfig struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	BatchSize         int
	ReconcileLimit    int
}

// RunWorker processes batches until ctx is cancelled. A full batch is followed
// immediately by another; otherwise the worker sleeps for PollInterval. Reconcile
// runs every ReconcileInterval; a zero interval disables it.
func RunWorker(ctx context.Context, p *Processor, cfg WorkerConfig) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}
	log := p.log.With("component", "processor.worker")
	log.Info("worker started", "poll_interval", interval, "batch_size", batchSize, "reconcile_interval", cfg.ReconcileInterval)
	defer log.Info("worker stopped")

	lastReconcile := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := p.ProcessBatch(ctx, batchSize)
		if err != nil {
			log.Error("process batch", "error", err)
		}
		p.refreshQueueDepth(ctx)

		if cfg.ReconcileInterval > 0 && time.Since(lastReconcile) >= cfg.ReconcileInterval {
			if _, err := p.Reconcile(ctx, cfg.ReconcileLimit); err != nil {
				log.Error("reconcile", "error", err)
			}
			lastReconcile = time.Now()
		}

		if err == nil && res.Claimed >= batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (p *Processor) refreshQueueDepth(ctx context.Context) {
	counts, err := p.queue.CountByStatus(ctx)
	if err != nil {
		p.log.Debug("count queue entries", "error", err)
		return
	}
	for status, n := range counts {
		observability.SetQueueDepth(string(status), n)
	}
}
