package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/lock"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/observability"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

// Reconcile re-runs synchronization alone for tenants whose remote agent is
// behind their latest artifact. Nothing is regenerated.
func (p *Processor) Reconcile(ctx context.Context, limit int) (ReconcileResult, error) {
	if limit <= 0 {
		limit = p.cfg.ReconcileLimit
	}
	drifts, err := p.bindings.ListDrift(ctx, store.DriftFilter{Limit: limit})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list drift: %w", err)
	}

	var (
		mu     sync.Mutex
		result ReconcileResult
	)
	work := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, d := range drifts {
		if d.Gap <= 0 || d.LatestVersion <= 0 {
			continue
		}
		g.Go(func() error {
			res, busy := p.reconcileTenant(work, d)
			mu.Lock()
			defer mu.Unlock()
			result.Checked++
			if busy {
				result.Busy++
				observability.RecordReconcile("busy")
				return nil
			}
			result.Results = append(result.Results, res)
			switch res.Status {
			case models.SyncStatusSynced:
				result.Synced++
			case models.SyncStatusSkipped:
				result.Skipped++
			default:
				result.Failed++
			}
			observability.RecordReconcile(string(res.Status))
			return nil
		})
	}
	_ = g.Wait()

	if result.Checked > 0 {
		p.log.Info("reconcile finished", "checked", result.Checked, "synced", result.Synced, "failed", result.Failed, "busy", result.Busy)
	}
	return result, nil
}

// reconcileTenant reports busy when a regeneration holds the tenant; that
// regeneration syncs on its own.
func (p *Processor) reconcileTenant(ctx context.Context, d models.TenantDrift) (models.SyncResult, bool) {
	ctx, span := observability.StartSpan(ctx, "prompt_sync.reconcile", d.TenantID)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	release, err := p.locker.Acquire(ctx, d.TenantID)
	if errors.Is(err, lock.ErrLockTimeout) {
		return models.SyncResult{}, true
	}
	if err != nil {
		return models.SyncResult{
			Status:        models.SyncStatusFailed,
			TenantID:      d.TenantID,
			SyncedVersion: d.SyncedVersion,
			Error:         fmt.Sprintf("lock: %v", err),
		}, false
	}
	defer release()

	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	latest, err := p.artifacts.Latest(lookupCtx, d.TenantID)
	cancel()
	if err != nil {
		return models.SyncResult{
			Status:        models.SyncStatusFailed,
			TenantID:      d.TenantID,
			SyncedVersion: d.SyncedVersion,
			Error:         fmt.Sprintf("load latest artifact: %v", err),
		}, false
	}
	return p.sync(ctx, d.TenantID, latest), false
}
