package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/events"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/observability"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/snapshot"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

// ProcessDirect runs one regeneration for tenantID without touching the queue.
// The work is not cancelled when ctx is; each step is bounded by its own timeout.
func (p *Processor) ProcessDirect(ctx context.Context, tenantID, reason string) (DirectResult, error) {
	if tenantID == "" {
		return DirectResult{}, errors.New("tenant id required")
	}
	p.log.Info("direct regeneration", "tenant_id", tenantID, "reason", reason)
	artifact, syncResult, err := p.safeRegenerate(context.WithoutCancel(ctx), tenantID)
	if err != nil {
		return DirectResult{}, err
	}
	return DirectResult{Artifact: artifact, Sync: syncResult}, nil
}

func (p *Processor) safeRegenerate(ctx context.Context, tenantID string) (artifact models.GeneratedArtifact, syncResult models.SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("regeneration panicked", "tenant_id", tenantID, "panic", r, "stack", string(debug.Stack()))
			err = &StepError{Step: StepPanic, TenantID: tenantID, Err: fmt.Errorf("%v", r)}
		}
	}()
	return p.regenerate(ctx, tenantID)
}

// regenerate holds the tenant lock from before the snapshot is read until the
// remote agent has been updated, so a later trigger always builds from newer
// configuration than an earlier one.
func (p *Processor) regenerate(ctx context.Context, tenantID string) (models.GeneratedArtifact, models.SyncResult, error) {
	ctx, span := observability.StartSpan(ctx, "prompt_sync.regenerate", tenantID)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	log := p.log.With("tenant_id", tenantID)

	started := time.Now()
	release, err := p.locker.Acquire(ctx, tenantID)
	observability.ObserveStep(string(StepLock), started, err)
	if err != nil {
		err = &StepError{Step: StepLock, TenantID: tenantID, Err: err}
		return models.GeneratedArtifact{}, models.SyncResult{}, err
	}
	defer release()

	snap, err := p.buildSnapshot(ctx, tenantID)
	if err != nil {
		return models.GeneratedArtifact{}, models.SyncResult{}, err
	}
	fingerprint, err := snapshot.Fingerprint(snap)
	if err != nil {
		err = &StepError{Step: StepSnapshot, TenantID: tenantID, Err: fmt.Errorf("fingerprint: %w", err)}
		return models.GeneratedArtifact{}, models.SyncResult{}, err
	}

	content, err := p.generate(ctx, snap)
	if err != nil {
		return models.GeneratedArtifact{}, models.SyncResult{}, err
	}

	artifact, err := p.persist(ctx, tenantID, content, fingerprint)
	if err != nil {
		return models.GeneratedArtifact{}, models.SyncResult{}, err
	}
	log.Info("artifact persisted", "version", artifact.Version, "snapshot_hash", fingerprint)

	key := p.archive(ctx, artifact)
	attrs := map[string]string{"snapshot_hash": fingerprint}
	if key != "" {
		attrs["archive_key"] = key
	}
	p.publish(ctx, events.Event{
		Type:       events.TypeArtifactGenerated,
		TenantID:   tenantID,
		Version:    artifact.Version,
		OccurredAt: artifact.GeneratedAt,
		Attributes: attrs,
	})

	syncResult := p.sync(ctx, tenantID, artifact)
	return artifact, syncResult, nil
}

func (p *Processor) buildSnapshot(ctx context.Context, tenantID string) (models.ConfigurationSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SnapshotTimeout)
	defer cancel()
	started := time.Now()
	snap, err := p.snapshots.Build(ctx, tenantID)
	observability.ObserveStep(string(StepSnapshot), started, err)
	if err != nil {
		return models.ConfigurationSnapshot{}, &StepError{Step: StepSnapshot, TenantID: tenantID, Err: err}
	}
	return snap, nil
}

func (p *Processor) generate(ctx context.Context, snap models.ConfigurationSnapshot) (models.GeneratedContent, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()
	started := time.Now()
	content, err := p.generator.Generate(ctx, snap)
	observability.ObserveStep(string(StepGeneration), started, err)
	if err != nil {
		return models.GeneratedContent{}, &StepError{Step: StepGeneration, TenantID: snap.TenantID, Err: err}
	}
	return content, nil
}

// persist stores content under a new version. Persist is not idempotent, so when
// it reports failure the latest artifact is checked for this exact content before
// the failure is believed. Only a version newer than the one stored before this
// attempt counts: an identical earlier artifact is not this attempt's write.
func (p *Processor) persist(ctx context.Context, tenantID string, content models.GeneratedContent, fingerprint string) (models.GeneratedArtifact, error) {
	priorVersion, priorKnown := p.latestVersion(ctx, tenantID)

	started := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	artifact, err := p.artifacts.Persist(writeCtx, tenantID, content, fingerprint)
	cancel()
	observability.ObserveStep(string(StepPersist), started, err)
	if err == nil {
		return artifact, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	latest, lerr := p.artifacts.Latest(checkCtx, tenantID)
	if priorKnown && lerr == nil && latest.Version > priorVersion &&
		latest.SnapshotHash == fingerprint && latest.Content() == content {
		p.log.Warn("persist reported failure but the artifact is stored", "tenant_id", tenantID, "version", latest.Version, "error", err)
		return latest, nil
	}
	return models.GeneratedArtifact{}, &StepError{Step: StepPersist, TenantID: tenantID, Err: err}
}

// latestVersion reports the newest stored version, 0 when there is none.
// ok is false when the store could not be read.
func (p *Processor) latestVersion(ctx context.Context, tenantID string) (version int64, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()
	latest, err := p.artifacts.Latest(ctx, tenantID)
	switch {
	case err == nil:
		return latest.Version, true
	case errors.Is(err, store.ErrNotFound):
		return 0, true
	default:
		p.log.Warn("read latest version before persist failed", "tenant_id", tenantID, "error", err)
		return 0, false
	}
}

func (p *Processor) archive(ctx context.Context, artifact models.GeneratedArtifact) string {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ArchiveTimeout)
	defer cancel()
	key, err := p.archiver.Archive(ctx, artifact)
	if err != nil {
		p.log.Warn("archive artifact failed", "tenant_id", artifact.TenantID, "version", artifact.Version, "error", err)
		return ""
	}
	return key
}

func (p *Processor) sync(ctx context.Context, tenantID string, artifact models.GeneratedArtifact) models.SyncResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SyncTimeout)
	defer cancel()
	started := time.Now()
	res := p.syncer.Sync(ctx, tenantID, artifact)
	var err error
	if res.Status == models.SyncStatusFailed {
		err = errors.New(res.Error)
	}
	observability.ObserveStep("sync", started, err)
	observability.RecordSync(string(res.Status))
	return res
}

func (p *Processor) publish(ctx context.Context, ev events.Event) {
	if err := p.events.Publish(ctx, ev); err != nil {
		p.log.Warn("publish event failed", "type", ev.Type, "tenant_id", ev.TenantID, "error", err)
	}
}
