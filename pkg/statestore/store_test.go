package statestore

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-sh/castellan/pkg/models"
	"github.com/castellan-sh/castellan/pkg/statecrypt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := NewStore(filepath.Join(dir, "state"), filepath.Join(dir, "castellan.key"), logger)
	require.NoError(t, err)

	return store
}

func testExecution(id string) *models.Execution {
	return &models.Execution{
		ID:         id,
		WorkflowID: "wf-test",
		Status:     models.ExecutionStatusCompleted,
		StartTime:  time.Now().UTC(),
		Steps: []*models.StepExecution{
			{Index: 0, Name: "scan_hosts", Type: models.StepTypeScan, Status: models.StepStatusCompleted},
		},
	}
}

func testDefinition(id string) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Name:    "cve_patch",
		Trigger: &models.Trigger{Type: "manual"},
		Steps: []*models.StepSpec{
			{Name: "scan_hosts", Type: models.StepTypeScan},
			{Name: "notify_team", Type: models.StepTypeNotify},
		},
	}
}

func TestSaveLoadExecutionState(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-1")))

	loaded, err := store.LoadExecutionState(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "exec-1", loaded.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, loaded.Status)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "scan_hosts", loaded.Steps[0].Name)
}

func TestLoadExecutionStateAbsent(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadExecutionState(t.Context(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestExecutionStateEncryptedOnDisk(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	execution := testExecution("exec-enc")
	execution.Error = "patched CVE-2024-0001 on web-01"
	require.NoError(t, store.SaveExecutionState(ctx, execution))

	body, err := os.ReadFile(filepath.Join(store.root, executionsDir, "exec-enc"+executionExt))
	require.NoError(t, err)

	assert.NotContains(t, string(body), "CVE-2024-0001")
	assert.Contains(t, string(body), `"algorithm": "aes-256-gcm"`)
}

func TestSaveExecutionStateTooLarge(t *testing.T) {
	store := newTestStore(t)
	store.maxStateBytes = 64

	execution := testExecution("exec-big")
	execution.Error = strings.Repeat("x", 256)

	err := store.SaveExecutionState(t.Context(), execution)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateTooLarge)

	loaded, loadErr := store.LoadExecutionState(t.Context(), "exec-big")
	require.NoError(t, loadErr)
	assert.Nil(t, loaded)
}

func TestLoadExecutionStateCorrupted(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-corrupt")))

	path := filepath.Join(store.root, executionsDir, "exec-corrupt"+executionExt)
	require.NoError(t, os.WriteFile(path, []byte("not an envelope"), 0600))

	_, err := store.LoadExecutionState(ctx, "exec-corrupt")
	require.Error(t, err)
	assert.ErrorIs(t, err, statecrypt.ErrStateCorrupted)
}

func TestSaveLoadWorkflowDefinition(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveWorkflowDefinition(ctx, testDefinition("wf-1")))

	loaded, err := store.LoadWorkflowDefinition(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "cve_patch", loaded.Name)
	assert.Len(t, loaded.Steps, 2)

	absent, err := store.LoadWorkflowDefinition(ctx, "wf-missing")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestSnapshotLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	execution := testExecution("exec-snap")

	firstID, err := store.CreateSnapshot(ctx, "exec-snap", 0, execution)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(firstID, "exec-snap-0-"))

	time.Sleep(2 * time.Millisecond)

	secondID, err := store.CreateSnapshot(ctx, "exec-snap", 1, execution)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	_, err = store.CreateSnapshot(ctx, "exec-other", 0, testExecution("exec-other"))
	require.NoError(t, err)

	all, err := store.ListSnapshots(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	filtered, err := store.ListSnapshots(ctx, "exec-snap")
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	var restored models.Execution

	require.NoError(t, store.RestoreSnapshot(ctx, firstID, &restored))
	assert.Equal(t, "exec-snap", restored.ID)

	require.NoError(t, store.DeleteSnapshot(ctx, firstID))

	err = store.RestoreSnapshot(ctx, firstID, &restored)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestDeleteExecutionStateCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-del")))

	_, err := store.CreateSnapshot(ctx, "exec-del", 0, testExecution("exec-del"))
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	_, err = store.CreateSnapshot(ctx, "exec-del", 1, testExecution("exec-del"))
	require.NoError(t, err)

	keptID, err := store.CreateSnapshot(ctx, "exec-kept", 0, testExecution("exec-kept"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteExecutionState(ctx, "exec-del"))

	loaded, err := store.LoadExecutionState(ctx, "exec-del")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	remaining, err := store.ListSnapshots(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{keptID}, remaining)
}

func TestListExecutionsSorted(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"exec-b", "exec-a", "exec-c"} {
		require.NoError(t, store.SaveExecutionState(ctx, testExecution(id)))
	}

	ids, err := store.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-a", "exec-b", "exec-c"}, ids)
}

func TestCleanupSparesWorkflowsAndFreshRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-old")))
	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-fresh")))
	require.NoError(t, store.SaveWorkflowDefinition(ctx, testDefinition("wf-old")))

	oldSnapID, err := store.CreateSnapshot(ctx, "exec-old", 0, testExecution("exec-old"))
	require.NoError(t, err)

	stale := time.Now().AddDate(0, 0, -40)
	for _, path := range []string{
		filepath.Join(store.root, executionsDir, "exec-old"+executionExt),
		filepath.Join(store.root, snapshotsDir, oldSnapID+snapshotExt),
		filepath.Join(store.root, workflowsDir, "wf-old"+workflowExt),
	} {
		require.NoError(t, os.Chtimes(path, stale, stale))
	}

	deleted, err := store.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	gone, err := store.LoadExecutionState(ctx, "exec-old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.LoadExecutionState(ctx, "exec-fresh")
	require.NoError(t, err)
	assert.NotNil(t, kept)

	workflows, err := store.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-old"}, workflows)
}

func TestGetStateStatistics(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-1")))
	require.NoError(t, store.SaveExecutionState(ctx, testExecution("exec-2")))
	require.NoError(t, store.SaveWorkflowDefinition(ctx, testDefinition("wf-1")))

	_, err := store.CreateSnapshot(ctx, "exec-1", 0, testExecution("exec-1"))
	require.NoError(t, err)

	stats, err := store.GetStateStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Executions)
	assert.Equal(t, 1, stats.Workflows)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Positive(t, stats.TotalBytes)
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.HealthCheck(t.Context()))
}
