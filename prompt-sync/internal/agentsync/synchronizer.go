// Package agentsync pushes generated prompts to the tenant's remote voice agent.
package agentsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/agentplatform"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/events"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

type Synchronizer struct {
	bindings  store.BindingStore
	artifacts store.ArtifactStore
	platform agentplatform.Client
	events   events.Publisher
	log      *logger.Logger
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Synchronizer)

func WithEvents(p events.Publisher) Option {
	return func(s *Synchronizer) { s.events = p }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Synchronizer) { s.log = l }
}

// WithTimeout bounds the whole remote exchange of one Sync call.
func WithTimeout(d time.Duration) Option {
	return func(s *Synchronizer) { s.timeout = d }
}

func New(bindings store.BindingStore, artifacts store.ArtifactStore, platform agentplatform.Client, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		bindings:  bindings,
		artifacts: artifacts,
		platform: platform,
		events:   events.NopPublisher{},
		log:      logger.Nop(),
		timeout:  30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type stageError struct {
	stage models.SyncStage
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

// Sync never returns an error: failures are recorded and reported in the result.
func (s *Synchronizer) Sync(ctx context.Context, tenantID string, artifact models.GeneratedArtifact) models.SyncResult {
	result := models.SyncResult{TenantID: tenantID, ArtifactVersion: artifact.Version}
	log := s.log.With("tenant_id", tenantID, "version", artifact.Version)

	binding, err := s.bindings.GetBinding(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("no remote agent bound, skipping sync")
		result.Status = models.SyncStatusSkipped
		return result
	}
	if err != nil {
		return s.fail(ctx, log, result, &stageError{stage: models.SyncStageResolve, err: fmt.Errorf("load binding: %w", err)})
	}
	result.SyncedVersion = binding.SyncedVersion
	if binding.SyncedVersion >= artifact.Version {
		log.Info("remote agent already runs this or a newer version", "synced_version", binding.SyncedVersion)
		result.Status = models.SyncStatusSynced
		return result
	}

	// The remote always receives the newest artifact, whichever version triggered the sync.
	pushed := artifact
	if latest, err := s.artifacts.Latest(ctx, tenantID); err == nil && latest.Version > artifact.Version {
		log.Info("newer artifact exists, pushing it instead", "latest_version", latest.Version)
		pushed = latest
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("load latest artifact failed, pushing requested version", "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	instructionSetID, err := s.pushArtifact(callCtx, binding, pushed)
	if err != nil {
		return s.fail(ctx, log, result, err)
	}

	advanced, err := s.bindings.MarkSynced(ctx, tenantID, pushed.Version, instructionSetID)
	if err != nil {
		return s.fail(ctx, log, result, &stageError{stage: models.SyncStagePush, err: fmt.Errorf("record synced version: %w", err)})
	}
	if advanced {
		result.SyncedVersion = pushed.Version
	} else {
		// A newer version was recorded while this push was in flight, so the remote
		// may now hold older content than the binding claims.
		current, err := s.bindings.GetBinding(ctx, tenantID)
		if err != nil {
			return s.fail(ctx, log, result, &stageError{stage: models.SyncStageResolve, err: fmt.Errorf("reload binding: %w", err)})
		}
		result.SyncedVersion = current.SyncedVersion
		if current.SyncedVersion > pushed.Version {
			if err := s.restore(callCtx, log, current); err != nil {
				return s.fail(ctx, log, result, err)
			}
		}
	}
	result.Status = models.SyncStatusSynced
	s.publish(ctx, log, events.Event{
		Type:       events.TypeAgentSynced,
		TenantID:   tenantID,
		Version:    pushed.Version,
		OccurredAt: s.now(),
		Attributes: map[string]string{"agent_id": binding.AgentID},
	})
	log.Info("remote agent synced", "agent_id", binding.AgentID)
	return result
}

func (s *Synchronizer) pushArtifact(ctx context.Context, binding models.RemoteAgentBinding, artifact models.GeneratedArtifact) (string, error) {
	instructionSetID, err := s.push(ctx, binding.AgentID, agentplatform.InstructionUpdate{Prompt: artifact.PrimaryContent})
	if err != nil {
		return "", err
	}
	if binding.SecondaryAgentID != "" && artifact.SecondaryContent != "" {
		if _, err := s.push(ctx, binding.SecondaryAgentID, agentplatform.InstructionUpdate{Prompt: artifact.SecondaryContent}); err != nil {
			return "", err
		}
	}
	return instructionSetID, nil
}

// restore re-pushes the artifact the binding records as synced.
func (s *Synchronizer) restore(ctx context.Context, log *logger.Logger, binding models.RemoteAgentBinding) error {
	artifact, err := s.artifacts.GetArtifact(ctx, binding.TenantID, binding.SyncedVersion)
	if err != nil {
		return &stageError{stage: models.SyncStageResolve, err: fmt.Errorf("load synced artifact v%d: %w", binding.SyncedVersion, err)}
	}
	if _, err := s.pushArtifact(ctx, binding, artifact); err != nil {
		return err
	}
	log.Warn("overlapping push detected, restored synced version", "synced_version", binding.SyncedVersion)
	return nil
}

func (s *Synchronizer) push(ctx context.Context, agentID string, update agentplatform.InstructionUpdate) (string, error) {
	agent, err := s.platform.GetAgent(ctx, agentID)
	if err != nil {
		return "", &stageError{stage: models.SyncStageResolve, err: fmt.Errorf("agent %s: %w", agentID, err)}
	}
	if err := s.platform.UpdateInstructionSet(ctx, agent.InstructionSetID, update); err != nil {
		return "", &stageError{stage: models.SyncStagePush, err: fmt.Errorf("instruction set %s: %w", agent.InstructionSetID, err)}
	}
	return agent.InstructionSetID, nil
}

func (s *Synchronizer) fail(ctx context.Context, log *logger.Logger, result models.SyncResult, err error) models.SyncResult {
	stage := models.SyncStagePush
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	result.Status = models.SyncStatusFailed
	result.Error = err.Error()

	failure := models.SyncFailure{
		TenantID:        result.TenantID,
		ArtifactVersion: result.ArtifactVersion,
		Stage:           stage,
		Error:           err.Error(),
		OccurredAt:      s.now(),
	}
	if recErr := s.bindings.RecordSyncFailure(ctx, failure); recErr != nil {
		log.Error("record sync failure", "error", recErr)
	}
	s.publish(ctx, log, events.Event{
		Type:       events.TypeSyncFailed,
		TenantID:   result.TenantID,
		Version:    result.ArtifactVersion,
		OccurredAt: failure.OccurredAt,
		Attributes: map[string]string{"stage": string(stage), "error": failure.Error},
	})
	log.Warn("remote agent sync failed", "stage", stage, "error", err)
	return result
}

func (s *Synchronizer) publish(ctx context.Context, log *logger.Logger, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", "type", ev.Type, "error", err)
	}
}
