package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/castellan-sh/castellan/pkg/models"
	"github.com/castellan-sh/castellan/pkg/statecrypt"
)

const (
	executionsDir = "executions"
	workflowsDir  = "workflows"
	snapshotsDir  = "snapshots"

	executionExt = ".state"
	workflowExt  = ".def"
	snapshotExt  = ".snap"
)

// defaultMaxStateBytes is the serialized-size ceiling for execution
// state. Anything larger fails fast instead of attempting a partial
// write.
const defaultMaxStateBytes = 50 << 20

// Store is the file-backed encrypted state layer. It assumes a single
// writer per record id; cross-process locking is out of scope.
type Store struct {
	root          string
	cipher        *statecrypt.Cipher
	logger        *slog.Logger
	maxStateBytes int
}

// NewStore opens (creating if needed) the state root and the key file.
func NewStore(root, keyFile string, logger *slog.Logger) (*Store, error) {
	root = strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{executionsDir, workflowsDir, snapshotsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	cipher, err := statecrypt.NewCipherFromKeyFile(keyFile)
	if err != nil {
		return nil, err
	}

	return &Store{
		root:          root,
		cipher:        cipher,
		logger:        logger.With("module", "statestore"),
		maxStateBytes: defaultMaxStateBytes,
	}, nil
}

// Cipher exposes the store's encryption primitives so the engine can
// protect in-memory execution fields with the same key.
func (s *Store) Cipher() *statecrypt.Cipher {
	return s.cipher
}

// HealthCheck verifies the state root exists.
func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// SaveExecutionState encrypts and writes one execution record.
func (s *Store) SaveExecutionState(_ context.Context, execution *models.Execution) error {
	const op = "SaveExecutionState"

	serialized, err := json.Marshal(execution)
	if err != nil {
		return newStateError(op, execution.ID, err)
	}

	if len(serialized) > s.maxStateBytes {
		return newStateError(op, execution.ID,
			fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrStateTooLarge, len(serialized), s.maxStateBytes))
	}

	if err := s.writeBlob(executionsDir, execution.ID+executionExt, execution); err != nil {
		return newStateError(op, execution.ID, err)
	}

	return nil
}

// LoadExecutionState returns the stored execution, or nil when no state
// exists for the id. Corruption is reported, never silently treated as
// absence.
func (s *Store) LoadExecutionState(_ context.Context, executionID string) (*models.Execution, error) {
	var execution models.Execution

	found, err := s.readBlob(executionsDir, executionID+executionExt, &execution)
	if err != nil {
		return nil, newStateError("LoadExecutionState", executionID, err)
	}

	if !found {
		return nil, nil
	}

	return &execution, nil
}

// SaveWorkflowDefinition encrypts and writes one workflow definition.
func (s *Store) SaveWorkflowDefinition(_ context.Context, definition *models.WorkflowDefinition) error {
	if err := s.writeBlob(workflowsDir, definition.ID+workflowExt, definition); err != nil {
		return newStateError("SaveWorkflowDefinition", definition.ID, err)
	}

	return nil
}

// LoadWorkflowDefinition returns the stored definition, or nil when
// absent.
func (s *Store) LoadWorkflowDefinition(_ context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	var definition models.WorkflowDefinition

	found, err := s.readBlob(workflowsDir, workflowID+workflowExt, &definition)
	if err != nil {
		return nil, newStateError("LoadWorkflowDefinition", workflowID, err)
	}

	if !found {
		return nil, nil
	}

	return &definition, nil
}

// CreateSnapshot stores a point-in-time copy of execution state. The
// returned id encodes the execution id, step index and creation time so
// snapshots are listable by execution prefix.
func (s *Store) CreateSnapshot(_ context.Context, executionID string, stepIndex int, state any) (string, error) {
	snapshotID := fmt.Sprintf("%s-%d-%d", executionID, stepIndex, time.Now().UnixMilli())

	if err := s.writeBlob(snapshotsDir, snapshotID+snapshotExt, state); err != nil {
		return "", newStateError("CreateSnapshot", snapshotID, err)
	}

	s.logger.Debug("Created snapshot", "snapshot_id", snapshotID, "execution_id", executionID)

	return snapshotID, nil
}

// RestoreSnapshot decrypts a snapshot into out.
func (s *Store) RestoreSnapshot(_ context.Context, snapshotID string, out any) error {
	const op = "RestoreSnapshot"

	found, err := s.readBlob(snapshotsDir, snapshotID+snapshotExt, out)
	if err != nil {
		return newStateError(op, snapshotID, err)
	}

	if !found {
		return newStateError(op, snapshotID, ErrSnapshotNotFound)
	}

	return nil
}

// ListExecutions enumerates ids of persisted execution records.
func (s *Store) ListExecutions(_ context.Context) ([]string, error) {
	return s.listIDs(executionsDir, executionExt, "")
}

// ListWorkflows enumerates ids of persisted workflow definitions.
func (s *Store) ListWorkflows(_ context.Context) ([]string, error) {
	return s.listIDs(workflowsDir, workflowExt, "")
}

// ListSnapshots enumerates snapshot ids, optionally filtered to one
// execution.
func (s *Store) ListSnapshots(_ context.Context, executionID string) ([]string, error) {
	prefix := ""
	if executionID != "" {
		prefix = executionID + "-"
	}

	return s.listIDs(snapshotsDir, snapshotExt, prefix)
}

// DeleteExecutionState removes an execution record and cascades to
// every snapshot taken from it.
func (s *Store) DeleteExecutionState(ctx context.Context, executionID string) error {
	const op = "DeleteExecutionState"

	if err := s.remove(executionsDir, executionID+executionExt); err != nil {
		return newStateError(op, executionID, err)
	}

	snapshots, err := s.ListSnapshots(ctx, executionID)
	if err != nil {
		return newStateError(op, executionID, err)
	}

	for _, snapshotID := range snapshots {
		if err := s.remove(snapshotsDir, snapshotID+snapshotExt); err != nil {
			return newStateError(op, snapshotID, err)
		}
	}

	return nil
}

// DeleteWorkflowDefinition removes a single workflow definition.
func (s *Store) DeleteWorkflowDefinition(_ context.Context, workflowID string) error {
	if err := s.remove(workflowsDir, workflowID+workflowExt); err != nil {
		return newStateError("DeleteWorkflowDefinition", workflowID, err)
	}

	return nil
}

// DeleteSnapshot removes a single snapshot.
func (s *Store) DeleteSnapshot(_ context.Context, snapshotID string) error {
	if err := s.remove(snapshotsDir, snapshotID+snapshotExt); err != nil {
		return newStateError("DeleteSnapshot", snapshotID, err)
	}

	return nil
}

// Statistics summarizes record counts and on-disk usage.
type Statistics struct {
	Executions int   `json:"executions"`
	Workflows  int   `json:"workflows"`
	Snapshots  int   `json:"snapshots"`
	TotalBytes int64 `json:"total_bytes"`
}

// GetStateStatistics counts records per namespace and sums file sizes.
func (s *Store) GetStateStatistics(_ context.Context) (*Statistics, error) {
	stats := &Statistics{}

	counts := map[string]*int{
		executionsDir: &stats.Executions,
		workflowsDir:  &stats.Workflows,
		snapshotsDir:  &stats.Snapshots,
	}

	for dir, count := range counts {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return nil, newStateError("GetStateStatistics", dir, err)
		}

		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}

			*count++
			stats.TotalBytes += info.Size()
		}
	}

	return stats, nil
}

// Cleanup deletes execution and snapshot files whose modification time
// is older than the threshold and returns how many were removed.
// Workflow definitions are not time-bounded artifacts and are never
// cleaned up.
func (s *Store) Cleanup(_ context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	deleted := 0

	for _, dir := range []string{executionsDir, snapshotsDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return deleted, newStateError("Cleanup", dir, err)
		}

		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}

			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(s.root, dir, entry.Name())); err != nil {
					return deleted, newStateError("Cleanup", entry.Name(), err)
				}

				deleted++
			}
		}
	}

	s.logger.Info("Retention cleanup finished", "older_than_days", olderThanDays, "deleted", deleted)

	return deleted, nil
}

func (s *Store) writeBlob(dir, name string, payload any) error {
	blob, err := s.cipher.Encrypt(payload)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(s.root, dir, name), data, 0600)
}

// readBlob returns false with no error when the file does not exist, so
// callers can distinguish "no prior state" from corruption.
func (s *Store) readBlob(dir, name string, out any) (bool, error) {
	body, err := os.ReadFile(filepath.Clean(filepath.Join(s.root, dir, name)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	var blob statecrypt.EncryptedBlob
	if err := json.Unmarshal(body, &blob); err != nil {
		return false, fmt.Errorf("%w: malformed envelope file", statecrypt.ErrStateCorrupted)
	}

	if err := s.cipher.DecryptInto(&blob, out); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) listIDs(dir, ext, prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, newStateError("List", dir, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ext) {
			continue
		}

		id := strings.TrimSuffix(name, ext)
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}

		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

func (s *Store) remove(dir, name string) error {
	err := os.Remove(filepath.Join(s.root, dir, name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return err
}
