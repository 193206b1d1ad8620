// Package processor drives queued regenerations through snapshot, generation,
// persistence and remote synchronization.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/archive"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/events"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/generation"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/lock"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

type SnapshotBuilder interface {
	Build(ctx context.Context, tenantID string) (models.ConfigurationSnapshot, error)
}

type Syncer interface {
	Sync(ctx context.Context, tenantID string, artifact models.GeneratedArtifact) models.SyncResult
}

type Config struct {
	BatchSize         int
	MaxConcurrency    int
	ReconcileLimit    int
	SnapshotTimeout   time.Duration
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
	SyncTimeout       time.Duration
	ArchiveTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.ReconcileLimit <= 0 {
		c.ReconcileLimit = 100
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = 15 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 120 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of a Processor. Archiver, Events and Log are optional.
type Deps struct {
	Queue     store.QueueStore
	Artifacts store.ArtifactStore
	Bindings  store.BindingStore
	Snapshots SnapshotBuilder
	Generator generation.Generator
	Syncer    Syncer
	Locker    lock.Locker
	Archiver  archive.Archiver
	Events    events.Publisher
	Log       *logger.Logger
}

type Processor struct {
	queue     store.QueueStore
	artifacts store.ArtifactStore
	bindings  store.BindingStore
	snapshots SnapshotBuilder
	generator generation.Generator
	syncer    Syncer
	locker    lock.Locker
	archiver  archive.Archiver
	events    events.Publisher
	log       *logger.Logger
	cfg       Config
	now       func() time.Time
}

func New(deps Deps, cfg Config) (*Processor, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("processor: queue store required")
	case deps.Artifacts == nil:
		return nil, errors.New("processor: artifact store required")
	case deps.Bindings == nil:
		return nil, errors.New("processor: binding store required")
	case deps.Snapshots == nil:
		return nil, errors.New("processor: snapshot builder required")
	case deps.Generator == nil:
		return nil, errors.New("processor: generator required")
	case deps.Syncer == nil:
		return nil, errors.New("processor: syncer required")
	case deps.Locker == nil:
		return nil, errors.New("processor: locker required")
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.NopArchiver{}
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return &Processor{
		queue:     deps.Queue,
		artifacts: deps.Artifacts,
		bindings:  deps.Bindings,
		snapshots: deps.Snapshots,
		generator: deps.Generator,
		syncer:    deps.Syncer,
		locker:    deps.Locker,
		archiver:  deps.Archiver,
		events:    deps.Events,
		log:       deps.Log.With("component", "processor"),
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

type Step string

const (
	StepLock       Step = "lock"
	StepSnapshot   Step = "snapshot"
	StepGeneration Step = "generation"
	StepPersist    Step = "persist"
	StepFinalize   Step = "finalize"
	StepPanic      Step = "panic"
)

// StepError names the regeneration step that failed. Its message is used as the
// queue entry's failure reason.
type StepError struct {
	Step     Step
	TenantID string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step recorded in err, if any.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}

type ItemError struct {
	EntryID  uuid.UUID `json:"entryId"`
	TenantID string    `json:"tenantId"`
	Step     Step      `json:"step"`
	Error    string    `json:"error"`
}

type BatchResult struct {
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	// Coalesced counts completed entries served by another entry: a regeneration in the
	// same batch, or the fresh entry requeued when the tenant was busy.
	Coalesced int                 `json:"coalesced"`
	Requeued  int                 `json:"requeued"`
	Syncs     []models.SyncResult `json:"syncs,omitempty"`
	Errors    []ItemError         `json:"errors,omitempty"`
}

type DirectResult struct {
	Artifact models.GeneratedArtifact `json:"artifact"`
	Sync     models.SyncResult        `json:"sync"`
}

type ReconcileResult struct {
	Checked int                 `json:"checked"`
	Synced  int                 `json:"synced"`
	Failed  int                 `json:"failed"`
	Skipped int                 `json:"skipped"`
	Busy    int                 `json:"busy"`
	Results []models.SyncResult `json:"results,omitempty"`
}
