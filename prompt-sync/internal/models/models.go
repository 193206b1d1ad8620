package models

import (
	"time"

	"github.com/google/uuid"
)

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueStatuses lists every lifecycle state in transition order.
var QueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusProcessing,
	QueueStatusCompleted,
	QueueStatusFailed,
}

// Terminal reports whether no further transition is allowed from s.
func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

type QueueEntry struct {
	ID           uuid.UUID   `json:"id"`
	TenantID     string      `json:"tenantId"`
	Reason       string      `json:"reason"`
	Status       QueueStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	ProcessedAt  *time.Time  `json:"processedAt,omitempty"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
}

// GeneratedContent is the output of one content generation call.
type GeneratedContent struct {
	Primary           string `json:"primary"`
	Secondary         string `json:"secondary,omitempty"`
	SecondaryLanguage string `json:"secondaryLanguage,omitempty"`
}

// HasSecondary reports whether a secondary-language variant was produced.
func (c GeneratedContent) HasSecondary() bool {
	return c.Secondary != "" && c.SecondaryLanguage != ""
}

type GeneratedArtifact struct {
	TenantID          string    `json:"tenantId"`
	Version           int64     `json:"version"`
	PrimaryContent    string    `json:"primaryContent"`
	SecondaryContent  string    `json:"secondaryContent,omitempty"`
	SecondaryLanguage string    `json:"secondaryLanguage,omitempty"`
	SnapshotHash      string    `json:"snapshotHash"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

func (a GeneratedArtifact) Content() GeneratedContent {
	return GeneratedContent{
		Primary:           a.PrimaryContent,
		Secondary:         a.SecondaryContent,
		SecondaryLanguage: a.SecondaryLanguage,
	}
}

type RemoteAgentBinding struct {
	TenantID         string     `json:"tenantId"`
	AgentID          string     `json:"agentId"`
	SecondaryAgentID string     `json:"secondaryAgentId,omitempty"`
	InstructionSetID string     `json:"instructionSetId,omitempty"`
	SyncedVersion    int64      `json:"syncedVersion"`
	SyncedAt         *time.Time `json:"syncedAt,omitempty"`
	LastSyncError    *string    `json:"lastSyncError,omitempty"`
	LastSyncErrorAt  *time.Time `json:"lastSyncErrorAt,omitempty"`
}

type SyncStage string

const (
	SyncStageResolve SyncStage = "resolve"
	SyncStagePush    SyncStage = "push"
)

type SyncFailure struct {
	ID              uuid.UUID `json:"id"`
	TenantID        string    `json:"tenantId"`
	ArtifactVersion int64     `json:"artifactVersion"`
	Stage           SyncStage `json:"stage"`
	Error           string    `json:"error"`
	OccurredAt      time.Time `json:"occurredAt"`
}

type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusSkipped SyncStatus = "skipped"
	SyncStatusFailed  SyncStatus = "failed"
)

type SyncResult struct {
	Status          SyncStatus `json:"status"`
	TenantID        string     `json:"tenantId"`
	ArtifactVersion int64      `json:"artifactVersion"`
	SyncedVersion   int64      `json:"syncedVersion"`
	Error           string     `json:"error,omitempty"`
}

// TenantDrift is the gap between what was generated and what the remote agent runs.
type TenantDrift struct {
	TenantID      string     `json:"tenantId"`
	LatestVersion int64      `json:"latestVersion"`
	SyncedVersion int64      `json:"syncedVersion"`
	Gap           int64      `json:"gap"`
	SyncedAt      *time.Time `json:"syncedAt,omitempty"`
	LastSyncError *string    `json:"lastSyncError,omitempty"`
}

type QueueStats struct {
	Counts map[QueueStatus]int64 `json:"counts"`
	Total  int64                 `json:"total"`
}
