// Package overlay applies queued fakes onto the live filesystem and undoes
// them. Application is best-effort: a failure local to one entry never aborts
// the batch, because a partially-faked environment is more useful to a test
// than an aborted run. Every touched file is snapshotted through the backup
// collaborator first, so revert is all-or-nothing per namespace.
//
// Only files are snapshotted. Directories created while applying a fake
// (destination parents, tree extraction skeletons) are left in place by
// revert: an empty directory cannot change a report's content, and removing
// one that another process started using would be worse than keeping it.
package overlay

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/testfold/reportcache/internal/backup"
	"github.com/testfold/reportcache/internal/fakes"
	"github.com/testfold/reportcache/internal/filesystem"
)

// Status classifies the outcome of applying one queue entry.
type Status string

const (
	// StatusApplied means the fake is in place.
	StatusApplied Status = "Applied"
	// StatusBackupFailed means the entry was skipped because its destination
	// could not be snapshotted; nothing was installed.
	StatusBackupFailed Status = "BackupFailed"
	// StatusCopyFailed means the payload could not be installed; the
	// destination may be left inconsistent.
	StatusCopyFailed Status = "CopyFailed"
	// StatusSkipped means the entry's kind is unknown.
	StatusSkipped Status = "Skipped"
)

// Outcome is the per-entry result of an apply pass.
type Outcome struct {
	Entry  fakes.Entry
	Status Status
	Err    error
}

// Manager applies and reverts the fake queue.
type Manager struct {
	queue     *fakes.Queue
	backer    backup.Backer
	fs        filesystem.FileSystem
	logger    *slog.Logger
	namespace string
	fakeRoot  string
}

// NewManager creates a Manager. Tree fakes extract into fakeRoot.
func NewManager(queue *fakes.Queue, backer backup.Backer, fsys filesystem.FileSystem, logger *slog.Logger, namespace, fakeRoot string) *Manager {
	return &Manager{
		queue:     queue,
		backer:    backer,
		fs:        fsys,
		logger:    logger,
		namespace: namespace,
		fakeRoot:  fakeRoot,
	}
}

// ApplyAll walks the queue in order and applies each entry, collecting one
// outcome per entry. The returned error covers only the queue read itself;
// per-entry failures are reported in the outcomes.
func (m *Manager) ApplyAll() ([]Outcome, error) {
	entries, err := m.queue.Entries()
	if err != nil {
		return nil, fmt.Errorf("reading fake queue: %w", err)
	}
	outcomes := make([]Outcome, 0, len(entries))
	for _, entry := range entries {
		switch entry.Kind {
		case fakes.KindCommand, fakes.KindFile:
			outcomes = append(outcomes, m.applyPayload(entry))
		case fakes.KindTree:
			outcomes = append(outcomes, m.applyTree(entry))
		default:
			m.logger.Warn("Skipping fake with unknown kind", "kind", string(entry.Kind))
			outcomes = append(outcomes, Outcome{Entry: entry, Status: StatusSkipped})
		}
	}
	return outcomes, nil
}

// applyPayload installs a Command or File fake: snapshot the destination in
// clean mode (absence is a restorable state), create the parent directory if
// absent, copy the payload over the destination, and for commands mark it
// executable.
func (m *Manager) applyPayload(entry fakes.Entry) Outcome {
	if err := m.backer.Backup(entry.Destination, m.namespace, true); err != nil {
		m.logger.Error("Backup failed, skipping fake", "kind", string(entry.Kind), "destination", entry.Destination, "error", err)
		return Outcome{Entry: entry, Status: StatusBackupFailed, Err: err}
	}

	if err := m.install(entry.Source, entry.Destination); err != nil {
		m.logger.Error("Failed to install fake", "kind", string(entry.Kind), "source", entry.Source, "destination", entry.Destination, "error", err)
		// No chmod on a failed copy; the batch continues either way.
		return Outcome{Entry: entry, Status: StatusCopyFailed, Err: err}
	}

	if entry.Kind == fakes.KindCommand {
		if err := m.fs.Chmod(entry.Destination, 0o755); err != nil {
			m.logger.Error("Failed to mark fake command executable", "destination", entry.Destination, "error", err)
			return Outcome{Entry: entry, Status: StatusCopyFailed, Err: err}
		}
	}

	m.logger.Info("Fake applied", "kind", string(entry.Kind), "destination", entry.Destination)
	return Outcome{Entry: entry, Status: StatusApplied}
}

func (m *Manager) install(source, destination string) error {
	data, err := m.fs.ReadFile(source)
	if err != nil {
		return fmt.Errorf("reading payload '%s': %w", source, err)
	}
	if err := m.fs.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("creating parent of '%s': %w", destination, err)
	}
	if err := m.fs.WriteFile(destination, data, fs.FileMode(0o644)); err != nil {
		return fmt.Errorf("writing '%s': %w", destination, err)
	}
	return nil
}

// RevertAll clears the queue and restores every path snapshotted under this
// namespace. The queue is cleared unconditionally before the restore, so the
// next run starts from an empty queue regardless of the restore's outcome.
func (m *Manager) RevertAll() error {
	if err := m.queue.Reset(); err != nil {
		m.logger.Error("Failed to clear fake queue during revert", "error", err)
	}
	if err := m.backer.RestoreAll(m.namespace); err != nil {
		return fmt.Errorf("restoring namespace '%s': %w", m.namespace, err)
	}
	m.logger.Info("Fakes reverted", "namespace", m.namespace)
	return nil
}
