package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

const (
	artifactColumns = `tenant_id, version, primary_content, secondary_content, secondary_language, snapshot_hash, generated_at`

	// uniqueViolation is the SQLSTATE raised when two writers allocate the same version.
	uniqueViolation = "23505"

	persistAttempts = 3
)

// Persist computes max(version)+1 inside the INSERT. The (tenant_id, version) unique
// key rejects a concurrent writer that computed the same number; that writer retries.
func (s *PGStore) Persist(ctx context.Context, tenantID string, content models.GeneratedContent, snapshotHash string) (models.GeneratedArtifact, error) {
	if tenantID == "" {
		return models.GeneratedArtifact{}, &PersistenceError{TenantID: tenantID, Err: fmt.Errorf("tenant id required")}
	}
	if content.Primary == "" {
		return models.GeneratedArtifact{}, &PersistenceError{TenantID: tenantID, Err: fmt.Errorf("primary content required")}
	}
	query := `
		INSERT INTO generated_prompts (tenant_id, version, primary_content, secondary_content, secondary_language, snapshot_hash, generated_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, NOW()
		FROM generated_prompts
		WHERE tenant_id = $1
		RETURNING ` + artifactColumns

	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		row := s.db.QueryRowContext(ctx, query,
			tenantID,
			content.Primary,
			nullIfEmpty(content.Secondary),
			nullIfEmpty(content.SecondaryLanguage),
			snapshotHash,
		)
		artifact, err := scanArtifact(row)
		if err == nil {
			return artifact, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			break
		}
	}
	return models.GeneratedArtifact{}, &PersistenceError{TenantID: tenantID, Err: lastErr}
}

func (s *PGStore) Latest(ctx context.Context, tenantID string) (models.GeneratedArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM generated_prompts WHERE tenant_id=$1 ORDER BY version DESC LIMIT 1`
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GeneratedArtifact{}, ErrNotFound
		}
		return models.GeneratedArtifact{}, fmt.Errorf("latest artifact: %w", err)
	}
	return artifact, nil
}

func (s *PGStore) GetArtifact(ctx context.Context, tenantID string, version int64) (models.GeneratedArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM generated_prompts WHERE tenant_id=$1 AND version=$2`
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, tenantID, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.GeneratedArtifact{}, ErrNotFound
		}
		return models.GeneratedArtifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return artifact, nil
}

func (s *PGStore) ListVersions(ctx context.Context, tenantID string, limit int) ([]models.GeneratedArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM generated_prompts WHERE tenant_id=$1 ORDER BY version DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, tenantID, clampLimit(limit, 20, 500))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	var out []models.GeneratedArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, artifact)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (models.GeneratedArtifact, error) {
	var (
		a         models.GeneratedArtifact
		secondary sql.NullString
		lang      sql.NullString
	)
	if err := row.Scan(&a.TenantID, &a.Version, &a.PrimaryContent, &secondary, &lang, &a.SnapshotHash, &a.GeneratedAt); err != nil {
		return models.GeneratedArtifact{}, err
	}
	a.SecondaryContent = secondary.String
	a.SecondaryLanguage = lang.String
	a.GeneratedAt = a.GeneratedAt.UTC()
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
