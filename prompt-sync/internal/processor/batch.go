package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/events"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/lock"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/observability"
)

// ProcessBatch claims up to limit pending entries and regenerates each claimed
// tenant once. Every claimed entry is terminal when ProcessBatch returns; an
// error is returned only when nothing could be claimed.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	entries, err := p.queue.ClaimPending(ctx, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("claim pending: %w", err)
	}
	result := BatchResult{Claimed: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}
	p.log.Info("batch claimed", "entries", len(entries))

	// Claimed entries are finished even if the caller goes away.
	work := context.WithoutCancel(ctx)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, group := range groupByTenant(entries) {
		g.Go(func() error {
			out := p.processGroup(work, group)
			mu.Lock()
			result.merge(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.log.Info("batch finished",
		"claimed", result.Claimed,
		"processed", result.Processed,
		"failed", result.Failed,
		"coalesced", result.Coalesced,
		"requeued", result.Requeued,
	)
	return result, nil
}

func (r *BatchResult) merge(o BatchResult) {
	r.Processed += o.Processed
	r.Failed += o.Failed
	r.Coalesced += o.Coalesced
	r.Requeued += o.Requeued
	r.Syncs = append(r.Syncs, o.Syncs...)
	r.Errors = append(r.Errors, o.Errors...)
}

// groupByTenant keeps first-claimed order both across and within groups.
func groupByTenant(entries []models.QueueEntry) [][]models.QueueEntry {
	index := map[string]int{}
	var groups [][]models.QueueEntry
	for _, e := range entries {
		i, ok := index[e.TenantID]
		if !ok {
			i = len(groups)
			index[e.TenantID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

// processGroup regenerates one tenant on behalf of all of its claimed entries.
// The snapshot is read after the tenant lock is held, so it covers every trigger
// in the group.
func (p *Processor) processGroup(ctx context.Context, group []models.QueueEntry) BatchResult {
	tenantID := group[0].TenantID
	log := p.log.With("tenant_id", tenantID, "entry_id", group[0].ID)
	if len(group) > 1 {
		reasons := make([]string, 0, len(group))
		for _, e := range group {
			reasons = append(reasons, e.Reason)
		}
		log.Info("coalescing entries", "entries", len(group), "reasons", reasons)
	}

	var out BatchResult
	out.Coalesced = len(group) - 1

	artifact, syncResult, err := p.safeRegenerate(ctx, tenantID)
	if err == nil {
		out.Syncs = append(out.Syncs, syncResult)
		for _, e := range group {
			if ferr := p.finalize(ctx, e, nil, ""); ferr != nil {
				out.Errors = append(out.Errors, itemError(e, StepFinalize, ferr))
				continue
			}
			out.Processed++
			observability.RecordBatchItem("completed")
		}
		log.Info("regeneration completed", "version", artifact.Version, "sync", syncResult.Status)
		return out
	}

	if errors.Is(err, lock.ErrLockTimeout) {
		if requeued, ok := p.coalesceBusy(ctx, log, group); ok {
			return requeued
		}
	}
	reason := err.Error()
	step, _ := FailedStep(err)
	log.Warn("regeneration failed", "step", step, "error", err)

	for _, e := range group {
		out.Errors = append(out.Errors, itemError(e, step, err))
		if ferr := p.finalize(ctx, e, err, reason); ferr != nil {
			out.Errors = append(out.Errors, itemError(e, StepFinalize, ferr))
			continue
		}
		out.Failed++
		observability.RecordBatchItem("failed")
	}
	p.publish(ctx, events.Event{
		Type:       events.TypeEntryFailed,
		TenantID:   tenantID,
		OccurredAt: p.now(),
		Attributes: map[string]string{"step": string(step), "reason": reason},
	})
	return out
}

// coalesceBusy hands a busy tenant's group over to a fresh pending entry and
// completes the group. ok is false when the fresh entry could not be enqueued;
// the group must then fail so the trigger stays visible.
func (p *Processor) coalesceBusy(ctx context.Context, log *logger.Logger, group []models.QueueEntry) (BatchResult, bool) {
	latest := group[len(group)-1]
	fresh, err := p.queue.Enqueue(ctx, latest.TenantID, latest.Reason)
	if err != nil {
		log.Error("requeue after lock timeout failed", "error", err)
		return BatchResult{}, false
	}
	out := BatchResult{Requeued: 1}
	for _, e := range group {
		if ferr := p.finalize(ctx, e, nil, ""); ferr != nil {
			out.Errors = append(out.Errors, itemError(e, StepFinalize, ferr))
			continue
		}
		out.Processed++
		out.Coalesced++
		observability.RecordBatchItem("coalesced")
	}
	log.Info("tenant busy, coalesced into fresh entry", "entries", len(group), "coalesced_into", fresh.ID)
	return out, true
}

// finalize retries the terminal transition a few times; an entry left in
// processing would never be picked up again.
func (p *Processor) finalize(ctx context.Context, e models.QueueEntry, cause error, reason string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		stepCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
		if cause == nil {
			err = p.queue.MarkCompleted(stepCtx, e.ID)
		} else {
			err = p.queue.MarkFailed(stepCtx, e.ID, reason)
		}
		cancel()
		if err == nil {
			return nil
		}
		p.log.Warn("finalize entry failed", "entry_id", e.ID, "attempt", attempt+1, "error", err)
	}
	return err
}

func itemError(e models.QueueEntry, step Step, err error) ItemError {
	return ItemError{EntryID: e.ID, TenantID: e.TenantID, Step: step, Error: err.Error()}
}
