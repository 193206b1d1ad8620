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

const bindingColumns = `tenant_id, agent_id, secondary_agent_id, instruction_set_id, synced_version, synced_at, last_sync_error, last_sync_error_at`

func (s *PGStore) GetBinding(ctx context.Context, tenantID string) (models.RemoteAgentBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM agent_bindings WHERE tenant_id=$1`
	b, err := scanBinding(s.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RemoteAgentBinding{}, ErrNotFound
		}
		return models.RemoteAgentBinding{}, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

func (s *PGStore) UpsertBinding(ctx context.Context, in models.RemoteAgentBinding) (models.RemoteAgentBinding, error) {
	if in.TenantID == "" || in.AgentID == "" {
		return models.RemoteAgentBinding{}, fmt.Errorf("tenant id and agent id required")
	}
	query := `
		INSERT INTO agent_bindings (tenant_id, agent_id, secondary_agent_id, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET agent_id=EXCLUDED.agent_id, secondary_agent_id=EXCLUDED.secondary_agent_id, updated_at=NOW()
		RETURNING ` + bindingColumns
	b, err := scanBinding(s.db.QueryRowContext(ctx, query, in.TenantID, in.AgentID, nullIfEmpty(in.SecondaryAgentID)))
	if err != nil {
		return models.RemoteAgentBinding{}, fmt.Errorf("upsert binding: %w", err)
	}
	return b, nil
}

func (s *PGStore) MarkSynced(ctx context.Context, tenantID string, version int64, instructionSetID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_bindings
		SET synced_version=$2, instruction_set_id=$3, synced_at=NOW(),
			last_sync_error=NULL, last_sync_error_at=NULL, updated_at=NOW()
		WHERE tenant_id=$1 AND synced_version < $2`, tenantID, version, nullIfEmpty(instructionSetID))
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetBinding(ctx, tenantID); err != nil {
		return false, err
	}
	return false, nil
}

// RecordSyncFailure appends to the failure history and stamps the binding in one transaction.
func (s *PGStore) RecordSyncFailure(ctx context.Context, f models.SyncFailure) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.OccurredAt.IsZero() {
		f.OccurredAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_failures (id, tenant_id, artifact_version, stage, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.TenantID, f.ArtifactVersion, string(f.Stage), f.Error, f.OccurredAt); err != nil {
		return fmt.Errorf("insert sync failure: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_bindings
		SET last_sync_error=$2, last_sync_error_at=$3, updated_at=NOW()
		WHERE tenant_id=$1`, f.TenantID, f.Error, f.OccurredAt); err != nil {
		return fmt.Errorf("stamp binding error: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync failure: %w", err)
	}
	return nil
}

func (s *PGStore) ListSyncFailures(ctx context.Context, tenantID string, limit int) ([]models.SyncFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, artifact_version, stage, error, occurred_at
		FROM sync_failures
		WHERE tenant_id=$1
		ORDER BY occurred_at DESC
		LIMIT $2`, tenantID, clampLimit(limit, 20, 500))
	if err != nil {
		return nil, fmt.Errorf("list sync failures: %w", err)
	}
	defer rows.Close()
	var out []models.SyncFailure
	for rows.Next() {
		var f models.SyncFailure
		var stage string
		if err := rows.Scan(&f.ID, &f.TenantID, &f.ArtifactVersion, &stage, &f.Error, &f.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan sync failure: %w", err)
		}
		f.Stage = models.SyncStage(stage)
		out = append(out, f)
	}
	return out, rows.Err()
}

const driftQuery = `
	SELECT b.tenant_id, COALESCE(p.latest_version, 0), b.synced_version, b.synced_at, b.last_sync_error
	FROM agent_bindings b
	LEFT JOIN (
		SELECT tenant_id, MAX(version) AS latest_version
		FROM generated_prompts
		GROUP BY tenant_id
	) p ON p.tenant_id = b.tenant_id`

func (s *PGStore) ListDrift(ctx context.Context, filter DriftFilter) ([]models.TenantDrift, error) {
	query := driftQuery + `
	WHERE $1 OR COALESCE(p.latest_version, 0) > b.synced_version
	ORDER BY COALESCE(p.latest_version, 0) - b.synced_version DESC, b.tenant_id
	LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, filter.IncludeInSync, clampLimit(filter.Limit, 100, 5000))
	if err != nil {
		return nil, fmt.Errorf("list drift: %w", err)
	}
	defer rows.Close()
	var out []models.TenantDrift
	for rows.Next() {
		d, err := scanDrift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) GetDrift(ctx context.Context, tenantID string) (models.TenantDrift, error) {
	d, err := scanDrift(s.db.QueryRowContext(ctx, driftQuery+` WHERE b.tenant_id=$1`, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TenantDrift{}, ErrNotFound
		}
		return models.TenantDrift{}, fmt.Errorf("get drift: %w", err)
	}
	return d, nil
}

func scanDrift(row rowScanner) (models.TenantDrift, error) {
	var (
		d        models.TenantDrift
		syncedAt sql.NullTime
		lastErr  sql.NullString
	)
	if err := row.Scan(&d.TenantID, &d.LatestVersion, &d.SyncedVersion, &syncedAt, &lastErr); err != nil {
		return models.TenantDrift{}, err
	}
	d.Gap = d.LatestVersion - d.SyncedVersion
	d.SyncedAt = nullTimePtr(syncedAt)
	d.LastSyncError = nullStringPtr(lastErr)
	return d, nil
}

func scanBinding(row rowScanner) (models.RemoteAgentBinding, error) {
	var (
		b           models.RemoteAgentBinding
		secondary   sql.NullString
		instruction sql.NullString
		syncedAt    sql.NullTime
		lastErr     sql.NullString
		lastErrAt   sql.NullTime
	)
	if err := row.Scan(&b.TenantID, &b.AgentID, &secondary, &instruction, &b.SyncedVersion, &syncedAt, &lastErr, &lastErrAt); err != nil {
		return models.RemoteAgentBinding{}, err
	}
	b.SecondaryAgentID = secondary.String
	b.InstructionSetID = instruction.String
	b.SyncedAt = nullTimePtr(syncedAt)
	b.LastSyncError = nullStringPtr(lastErr)
	b.LastSyncErrorAt = nullTimePtr(lastErrAt)
	return b, nil
}
