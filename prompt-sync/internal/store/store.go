package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a queue entry is asked to finish before it was claimed.
	ErrInvalidTransition = errors.New("invalid queue transition")
)

// PersistenceError wraps a failed artifact write so callers can tell it apart from other failures.
type PersistenceError struct {
	TenantID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist artifact for tenant %s: %v", e.TenantID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type QueueStore interface {
	Enqueue(ctx context.Context, tenantID, reason string) (models.QueueEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (models.QueueEntry, error)
	ListPending(ctx context.Context, limit int) ([]models.QueueEntry, error)
	// ClaimPending moves up to limit of the oldest pending entries to processing and returns them.
	// Concurrent callers never receive the same entry.
	ClaimPending(ctx context.Context, limit int) ([]models.QueueEntry, error)
	// MarkProcessing reports whether the caller won the pending->processing transition.
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error)
}

type ArtifactStore interface {
	// Persist allocates the tenant's next version and stores content under it atomically.
	Persist(ctx context.Context, tenantID string, content models.GeneratedContent, snapshotHash string) (models.GeneratedArtifact, error)
	Latest(ctx context.Context, tenantID string) (models.GeneratedArtifact, error)
	GetArtifact(ctx context.Context, tenantID string, version int64) (models.GeneratedArtifact, error)
	ListVersions(ctx context.Context, tenantID string, limit int) ([]models.GeneratedArtifact, error)
}

type DriftFilter struct {
	// IncludeInSync also returns tenants whose synced version matches the latest artifact.
	IncludeInSync bool
	Limit         int
}

type BindingStore interface {
	GetBinding(ctx context.Context, tenantID string) (models.RemoteAgentBinding, error)
	UpsertBinding(ctx context.Context, b models.RemoteAgentBinding) (models.RemoteAgentBinding, error)
	// MarkSynced advances the synced version only when version is greater than the stored one.
	MarkSynced(ctx context.Context, tenantID string, version int64, instructionSetID string) (bool, error)
	RecordSyncFailure(ctx context.Context, f models.SyncFailure) error
	ListSyncFailures(ctx context.Context, tenantID string, limit int) ([]models.SyncFailure, error)
	ListDrift(ctx context.Context, filter DriftFilter) ([]models.TenantDrift, error)
	GetDrift(ctx context.Context, tenantID string) (models.TenantDrift, error)
}

type Store interface {
	QueueStore
	ArtifactStore
	BindingStore
	Ping(ctx context.Context) error
}

var (
	_ Store = (*PGStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
