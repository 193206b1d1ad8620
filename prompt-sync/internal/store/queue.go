package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

const queueColumns = `id, tenant_id, reason, status, created_at, processed_at, error_message`

func (s *PGStore) Enqueue(ctx context.Context, tenantID, reason string) (models.QueueEntry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return models.QueueEntry{}, fmt.Errorf("tenant id required")
	}
	query := `
		INSERT INTO regeneration_queue (id, tenant_id, reason, status, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
		RETURNING ` + queueColumns
	entry, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, uuid.New(), tenantID, reason))
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("enqueue: %w", err)
	}
	return entry, nil
}

func (s *PGStore) GetEntry(ctx context.Context, id uuid.UUID) (models.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM regeneration_queue WHERE id=$1`
	entry, err := scanQueueEntry(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, ErrNotFound
		}
		return models.QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

func (s *PGStore) ListPending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM regeneration_queue
		WHERE status='pending'
		ORDER BY created_at, id
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit, 50, 1000))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return collectQueueEntries(rows)
}

func (s *PGStore) ClaimPending(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	query := `
		UPDATE regeneration_queue
		SET status='processing'
		WHERE id IN (
			SELECT id FROM regeneration_queue
			WHERE status='pending'
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns
	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit, 25, 1000))
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()
	entries, err := collectQueueEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *PGStore) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE regeneration_queue SET status='processing' WHERE id=$1 AND status='pending'`, id)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.queueStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE regeneration_queue
		SET status='completed', processed_at=NOW(), error_message=NULL
		WHERE id=$1 AND status='processing'`, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return s.checkFinalized(ctx, id, res)
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE regeneration_queue
		SET status='failed', processed_at=NOW(), error_message=$2
		WHERE id=$1 AND status='processing'`, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.checkFinalized(ctx, id, res)
}

// checkFinalized treats an already-terminal entry as success so finalization can be retried.
func (s *PGStore) checkFinalized(ctx context.Context, id uuid.UUID, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize rows: %w", err)
	}
	if n == 1 {
		return nil
	}
	status, err := s.queueStatus(ctx, id)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}
	return fmt.Errorf("entry %s is %s: %w", id, status, ErrInvalidTransition)
}

func (s *PGStore) queueStatus(ctx context.Context, id uuid.UUID) (models.QueueStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM regeneration_queue WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("queue status: %w", err)
	}
	return models.QueueStatus(status), nil
}

func (s *PGStore) CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM regeneration_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	counts := emptyCounts()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

func emptyCounts() map[models.QueueStatus]int64 {
	counts := make(map[models.QueueStatus]int64, len(models.QueueStatuses))
	for _, st := range models.QueueStatuses {
		counts[st] = 0
	}
	return counts
}

func collectQueueEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanQueueEntry(row rowScanner) (models.QueueEntry, error) {
	var (
		entry       models.QueueEntry
		status      string
		processedAt sql.NullTime
		errMsg      sql.NullString
	)
	if err := row.Scan(&entry.ID, &entry.TenantID, &entry.Reason, &status, &entry.CreatedAt, &processedAt, &errMsg); err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = models.QueueStatus(status)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.ProcessedAt = nullTimePtr(processedAt)
	entry.ErrorMessage = nullStringPtr(errMsg)
	return entry, nil
}
