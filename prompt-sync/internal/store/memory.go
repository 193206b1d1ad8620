package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

// MemoryStore is a process-local Store used for tests and single-instance development.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]models.QueueEntry
	order     []uuid.UUID
	artifacts map[string][]models.GeneratedArtifact
	bindings  map[string]models.RemoteAgentBinding
	failures  []models.SyncFailure
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   map[uuid.UUID]models.QueueEntry{},
		artifacts: map[string][]models.GeneratedArtifact{},
		bindings:  map[string]models.RemoteAgentBinding{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Enqueue(ctx context.Context, tenantID, reason string) (models.QueueEntry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return models.QueueEntry{}, fmt.Errorf("tenant id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := models.QueueEntry{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Reason:    reason,
		Status:    models.QueueStatusPending,
		CreatedAt: m.now(),
	}
	m.entries[entry.ID] = entry
	m.order = append(m.order, entry.ID)
	return entry, nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, id uuid.UUID) (models.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[id]
	if !ok {
		return models.QueueEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *MemoryStore) ListPending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	limit = clampLimit(limit, 50, 1000)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QueueEntry
	for _, id := range m.order {
		if len(out) == limit {
			break
		}
		if e := m.entries[id]; e.Status == models.QueueStatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) ClaimPending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	limit = clampLimit(limit, 25, 1000)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.QueueEntry
	for _, id := range m.order {
		if len(out) == limit {
			break
		}
		e := m.entries[id]
		if e.Status != models.QueueStatusPending {
			continue
		}
		e.Status = models.QueueStatusProcessing
		m.entries[id] = e
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != models.QueueStatusPending {
		return false, nil
	}
	e.Status = models.QueueStatusProcessing
	m.entries[id] = e
	return true, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return m.finalize(id, models.QueueStatusCompleted, nil)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return m.finalize(id, models.QueueStatusFailed, &reason)
}

func (m *MemoryStore) finalize(id uuid.UUID, status models.QueueStatus, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	switch {
	case e.Status.Terminal():
		return nil
	case e.Status != models.QueueStatusProcessing:
		return fmt.Errorf("entry %s is %s: %w", id, e.Status, ErrInvalidTransition)
	}
	now := m.now()
	e.Status = status
	e.ProcessedAt = &now
	e.ErrorMessage = reason
	m.entries[id] = e
	return nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := emptyCounts()
	for _, e := range m.entries {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) Persist(ctx context.Context, tenantID string, content models.GeneratedContent, snapshotHash string) (models.GeneratedArtifact, error) {
	if tenantID == "" {
		return models.GeneratedArtifact{}, &PersistenceError{TenantID: tenantID, Err: fmt.Errorf("tenant id required")}
	}
	if content.Primary == "" {
		return models.GeneratedArtifact{}, &PersistenceError{TenantID: tenantID, Err: fmt.Errorf("primary content required")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.artifacts[tenantID]
	var next int64 = 1
	if n := len(history); n > 0 {
		next = history[n-1].Version + 1
	}
	a := models.GeneratedArtifact{
		TenantID:          tenantID,
		Version:           next,
		PrimaryContent:    content.Primary,
		SecondaryContent:  content.Secondary,
		SecondaryLanguage: content.SecondaryLanguage,
		SnapshotHash:      snapshotHash,
		GeneratedAt:       m.now(),
	}
	m.artifacts[tenantID] = append(history, a)
	return a, nil
}

func (m *MemoryStore) Latest(ctx context.Context, tenantID string) (models.GeneratedArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.artifacts[tenantID]
	if len(history) == 0 {
		return models.GeneratedArtifact{}, ErrNotFound
	}
	return history[len(history)-1], nil
}

func (m *MemoryStore) GetArtifact(ctx context.Context, tenantID string, version int64) (models.GeneratedArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.artifacts[tenantID] {
		if a.Version == version {
			return a, nil
		}
	}
	return models.GeneratedArtifact{}, ErrNotFound
}

func (m *MemoryStore) ListVersions(ctx context.Context, tenantID string, limit int) ([]models.GeneratedArtifact, error) {
	limit = clampLimit(limit, 20, 500)
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.artifacts[tenantID]
	out := make([]models.GeneratedArtifact, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (m *MemoryStore) GetBinding(ctx context.Context, tenantID string) (models.RemoteAgentBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[tenantID]
	if !ok {
		return models.RemoteAgentBinding{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) UpsertBinding(ctx context.Context, in models.RemoteAgentBinding) (models.RemoteAgentBinding, error) {
	if in.TenantID == "" || in.AgentID == "" {
		return models.RemoteAgentBinding{}, fmt.Errorf("tenant id and agent id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[in.TenantID]
	if !ok {
		b = models.RemoteAgentBinding{TenantID: in.TenantID}
	}
	b.AgentID = in.AgentID
	b.SecondaryAgentID = in.SecondaryAgentID
	m.bindings[in.TenantID] = b
	return b, nil
}

func (m *MemoryStore) MarkSynced(ctx context.Context, tenantID string, version int64, instructionSetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	if b.SyncedVersion >= version {
		return false, nil
	}
	now := m.now()
	b.SyncedVersion = version
	b.InstructionSetID = instructionSetID
	b.SyncedAt = &now
	b.LastSyncError = nil
	b.LastSyncErrorAt = nil
	m.bindings[tenantID] = b
	return true, nil
}

func (m *MemoryStore) RecordSyncFailure(ctx context.Context, f models.SyncFailure) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.OccurredAt.IsZero() {
		f.OccurredAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	if b, ok := m.bindings[f.TenantID]; ok {
		msg, at := f.Error, f.OccurredAt
		b.LastSyncError = &msg
		b.LastSyncErrorAt = &at
		m.bindings[f.TenantID] = b
	}
	return nil
}

func (m *MemoryStore) ListSyncFailures(ctx context.Context, tenantID string, limit int) ([]models.SyncFailure, error) {
	limit = clampLimit(limit, 20, 500)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SyncFailure
	for i := len(m.failures) - 1; i >= 0 && len(out) < limit; i-- {
		if m.failures[i].TenantID == tenantID {
			out = append(out, m.failures[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDrift(ctx context.Context, filter DriftFilter) ([]models.TenantDrift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TenantDrift
	for tenantID := range m.bindings {
		d := m.driftLocked(tenantID)
		if d.Gap > 0 || filter.IncludeInSync {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gap != out[j].Gap {
			return out[i].Gap > out[j].Gap
		}
		return out[i].TenantID < out[j].TenantID
	})
	if limit := clampLimit(filter.Limit, 100, 5000); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetDrift(ctx context.Context, tenantID string) (models.TenantDrift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.bindings[tenantID]; !ok {
		return models.TenantDrift{}, ErrNotFound
	}
	return m.driftLocked(tenantID), nil
}

func (m *MemoryStore) driftLocked(tenantID string) models.TenantDrift {
	b := m.bindings[tenantID]
	var latest int64
	if history := m.artifacts[tenantID]; len(history) > 0 {
		latest = history[len(history)-1].Version
	}
	return models.TenantDrift{
		TenantID:      tenantID,
		LatestVersion: latest,
		SyncedVersion: b.SyncedVersion,
		Gap:           latest - b.SyncedVersion,
		SyncedAt:      b.SyncedAt,
		LastSyncError: b.LastSyncError,
	}
}
