package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

var queueCols = []string{"id", "tenant_id", "reason", "status", "created_at", "processed_at", "error_message"}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGEnqueue(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO regeneration_queue").
		WithArgs(sqlmock.AnyArg(), "tenant-1", "hours changed").
		WillReturnRows(sqlmock.NewRows(queueCols).AddRow(id.String(), "tenant-1", "hours changed", "pending", now, nil, nil))

	entry, err := st.Enqueue(context.Background(), " tenant-1 ", "hours changed")
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, models.QueueStatusPending, entry.Status)
	assert.Nil(t, entry.ProcessedAt)
	assert.Nil(t, entry.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGEnqueueRejectsEmptyTenant(t *testing.T) {
	st, mock := newMockStore(t)
	_, err := st.Enqueue(context.Background(), "  ", "x")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGClaimPendingOrdersByCreatedAt(t *testing.T) {
	st, mock := newMockStore(t)
	older := time.Now().UTC().Add(-time.Minute)
	newer := older.Add(30 * time.Second)
	idOld, idNew := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE regeneration_queue\s+SET status='processing'\s+WHERE id IN \(\s+SELECT id FROM regeneration_queue`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(queueCols).
			AddRow(idNew.String(), "t-2", "b", "processing", newer, nil, nil).
			AddRow(idOld.String(), "t-1", "a", "processing", older, nil, nil))

	entries, err := st.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, idOld, entries[0].ID)
	assert.Equal(t, idNew, entries[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkProcessingLosesRace(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE regeneration_queue SET status='processing' WHERE id=\$1 AND status='pending'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM regeneration_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))

	won, err := st.MarkProcessing(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkCompletedIsNoopOnTerminalEntry(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE regeneration_queue\s+SET status='completed'`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM regeneration_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	require.NoError(t, st.MarkCompleted(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkFailedRequiresClaim(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE regeneration_queue\s+SET status='failed'`).
		WithArgs(id, "snapshot: tenant missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM regeneration_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

	err := st.MarkFailed(context.Background(), id, "snapshot: tenant missing")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkFailedUnknownEntry(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE regeneration_queue`).
		WithArgs(id, "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM regeneration_queue").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := st.MarkFailed(context.Background(), id, "boom")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCountByStatusFillsMissingStatuses(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, COUNT\\(\\*\\) FROM regeneration_queue GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("failed", 1))

	counts, err := st.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.QueueStatusPending])
	assert.Equal(t, int64(1), counts[models.QueueStatusFailed])
	assert.Equal(t, int64(0), counts[models.QueueStatusProcessing])
	assert.Equal(t, int64(0), counts[models.QueueStatusCompleted])
	require.NoError(t, mock.ExpectationsWereMet())
}
