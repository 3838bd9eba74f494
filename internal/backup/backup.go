// Package backup implements the snapshot-and-revert collaborator consumed by
// the overlay manager. The contract is deliberately narrow: back up one path
// under a namespace, restore everything under a namespace.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/testfold/reportcache/internal/filesystem"
)

// Backer is the backup/restore contract. In clean mode the absence of the
// path is itself a restorable prior state: restoring "did not exist"
// uninstalls the faked file.
type Backer interface {
	Backup(path, namespace string, clean bool) error
	RestoreAll(namespace string) error
}

// SnapshotBacker stores snapshots under dir/<namespace>/. Each snapshot is a
// data file named by a fresh ID plus one manifest line recording the original
// path, whether it existed, and its mode.
type SnapshotBacker struct {
	dir    string
	fs     filesystem.FileSystem
	logger *slog.Logger
}

// NewSnapshotBacker creates a Backer rooted at dir.
func NewSnapshotBacker(dir string, fsys filesystem.FileSystem, logger *slog.Logger) *SnapshotBacker {
	return &SnapshotBacker{dir: dir, fs: fsys, logger: logger}
}

func (b *SnapshotBacker) namespaceDir(namespace string) string {
	return filepath.Join(b.dir, namespace)
}

func (b *SnapshotBacker) manifestPath(namespace string) string {
	return filepath.Join(b.namespaceDir(namespace), "manifest")
}

// Backup snapshots path under namespace. Without clean mode a missing path is
// an error; with it the snapshot records the non-existence.
func (b *SnapshotBacker) Backup(path, namespace string, clean bool) error {
	nsDir := b.namespaceDir(namespace)
	if err := b.fs.MkdirAll(nsDir, 0o755); err != nil {
		return fmt.Errorf("creating backup namespace dir '%s': %w", nsDir, err)
	}

	id := uuid.NewString()
	existed := true
	var mode fs.FileMode = 0o644

	info, err := b.fs.Stat(path)
	switch {
	case err == nil:
		if info.IsDir() {
			return fmt.Errorf("backing up '%s': directories are not snapshottable", path)
		}
		mode = info.Mode()
		data, err := b.fs.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading '%s' for backup: %w", path, err)
		}
		if err := b.fs.WriteFile(filepath.Join(nsDir, id+".data"), data, 0o644); err != nil {
			return fmt.Errorf("writing backup data for '%s': %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if !clean {
			return fmt.Errorf("backing up '%s': %w", path, err)
		}
		existed = false
	default:
		return fmt.Errorf("backing up '%s': %w", path, err)
	}

	line := fmt.Sprintf("%s %d %04o %s\n", id, boolToInt(existed), mode.Perm(), path)
	if err := b.appendManifest(namespace, line); err != nil {
		return err
	}
	b.logger.Debug("Path backed up", "path", path, "namespace", namespace, "existed", existed)
	return nil
}

// RestoreAll reverts every path snapshotted under namespace, newest first so
// that when a path was backed up more than once the original state wins. On
// full success the namespace's snapshots are discarded.
func (b *SnapshotBacker) RestoreAll(namespace string) error {
	data, err := b.fs.ReadFile(b.manifestPath(namespace))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			b.logger.Debug("Nothing to restore", "namespace", namespace)
			return nil
		}
		return fmt.Errorf("reading backup manifest for '%s': %w", namespace, err)
	}

	lines := splitLines(string(data))
	var restoreErrs []string
	for i := len(lines) - 1; i >= 0; i-- {
		id, existed, mode, path, err := parseManifestLine(lines[i])
		if err != nil {
			b.logger.Warn("Skipping malformed backup manifest line", "line", lines[i], "error", err)
			continue
		}
		if err := b.restoreOne(namespace, id, existed, mode, path); err != nil {
			b.logger.Error("Restore failed", "path", path, "namespace", namespace, "error", err)
			restoreErrs = append(restoreErrs, err.Error())
		} else {
			b.logger.Debug("Path restored", "path", path, "namespace", namespace)
		}
	}

	if len(restoreErrs) > 0 {
		return fmt.Errorf("restoring namespace '%s': %s", namespace, strings.Join(restoreErrs, "; "))
	}
	if err := b.fs.RemoveAll(b.namespaceDir(namespace)); err != nil {
		return fmt.Errorf("discarding snapshots for '%s': %w", namespace, err)
	}
	return nil
}

func (b *SnapshotBacker) restoreOne(namespace, id string, existed bool, mode fs.FileMode, path string) error {
	if !existed {
		if err := b.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing '%s': %w", path, err)
		}
		return nil
	}
	data, err := b.fs.ReadFile(filepath.Join(b.namespaceDir(namespace), id+".data"))
	if err != nil {
		return fmt.Errorf("reading snapshot for '%s': %w", path, err)
	}
	if err := b.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("recreating parent of '%s': %w", path, err)
	}
	if err := b.fs.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("restoring '%s': %w", path, err)
	}
	// WriteFile does not change the mode of a pre-existing file.
	if err := b.fs.Chmod(path, mode); err != nil {
		return fmt.Errorf("restoring mode of '%s': %w", path, err)
	}
	return nil
}

func (b *SnapshotBacker) appendManifest(namespace, line string) error {
	path := b.manifestPath(namespace)
	existing, err := b.fs.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading backup manifest '%s': %w", path, err)
	}
	if err := b.fs.WriteFile(path, append(existing, []byte(line)...), 0o644); err != nil {
		return fmt.Errorf("appending to backup manifest '%s': %w", path, err)
	}
	return nil
}

func parseManifestLine(line string) (id string, existed bool, mode fs.FileMode, path string, err error) {
	fields := strings.SplitN(line, " ", 4)
	if len(fields) != 4 {
		return "", false, 0, "", fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	modeBits, perr := strconv.ParseUint(fields[2], 8, 32)
	if perr != nil {
		return "", false, 0, "", fmt.Errorf("bad mode field %q: %w", fields[2], perr)
	}
	return fields[0], fields[1] == "1", fs.FileMode(modeBits), fields[3], nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
