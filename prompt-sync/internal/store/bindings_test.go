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

var bindingCols = []string{"tenant_id", "agent_id", "secondary_agent_id", "instruction_set_id", "synced_version", "synced_at", "last_sync_error", "last_sync_error_at"}

func TestPGMarkSyncedAdvances(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE agent_bindings\s+SET synced_version=\$2.*WHERE tenant_id=\$1 AND synced_version < \$2`).
		WithArgs("t-1", int64(5), "llm-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	advanced, err := st.MarkSynced(context.Background(), "t-1", 5, "llm-1")
	require.NoError(t, err)
	assert.True(t, advanced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkSyncedNeverMovesBackwards(t *testing.T) {
	st, mock := newMockStore(t)
	syncedAt := time.Now().UTC()

	mock.ExpectExec(`UPDATE agent_bindings`).
		WithArgs("t-1", int64(3), "llm-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM agent_bindings WHERE tenant_id=\\$1").
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(bindingCols).AddRow("t-1", "agent-1", nil, "llm-1", 7, syncedAt, nil, nil))

	advanced, err := st.MarkSynced(context.Background(), "t-1", 3, "llm-1")
	require.NoError(t, err)
	assert.False(t, advanced)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkSyncedUnknownTenant(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE agent_bindings`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM agent_bindings").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(bindingCols))

	_, err := st.MarkSynced(context.Background(), "ghost", 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRecordSyncFailureIsTransactional(t *testing.T) {
	st, mock := newMockStore(t)
	f := models.SyncFailure{
		ID:              uuid.New(),
		TenantID:        "t-1",
		ArtifactVersion: 4,
		Stage:           models.SyncStagePush,
		Error:           "platform unavailable: 503",
		OccurredAt:      time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sync_failures").
		WithArgs(f.ID, "t-1", int64(4), "push", f.Error, f.OccurredAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE agent_bindings\s+SET last_sync_error=\$2`).
		WithArgs("t-1", f.Error, f.OccurredAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.RecordSyncFailure(context.Background(), f))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGListDriftComputesGap(t *testing.T) {
	st, mock := newMockStore(t)
	errMsg := "push failed"

	mock.ExpectQuery(`SELECT b.tenant_id, COALESCE\(p.latest_version, 0\), b.synced_version.*LEFT JOIN`).
		WithArgs(false, 100).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "latest", "synced_version", "synced_at", "last_sync_error"}).
			AddRow("t-2", 9, 4, nil, errMsg).
			AddRow("t-1", 3, 2, time.Now().UTC(), nil))

	drift, err := st.ListDrift(context.Background(), DriftFilter{})
	require.NoError(t, err)
	require.Len(t, drift, 2)
	assert.Equal(t, int64(5), drift[0].Gap)
	require.NotNil(t, drift[0].LastSyncError)
	assert.Equal(t, errMsg, *drift[0].LastSyncError)
	assert.Equal(t, int64(1), drift[1].Gap)
	assert.NotNil(t, drift[1].SyncedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetDriftNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`FROM agent_bindings b.*WHERE b.tenant_id=\$1`).
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "latest", "synced_version", "synced_at", "last_sync_error"}))

	_, err := st.GetDrift(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
