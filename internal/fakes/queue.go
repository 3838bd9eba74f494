// Package fakes maintains the ordered queue of pending filesystem
// substitutions. The queue is a flat line-oriented scratch file; entries are
// appended in arrival order, consumed (read, not removed) by the overlay
// manager, and cleared on harness initialization or a successful revert.
package fakes

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/testfold/reportcache/internal/filesystem"
)

// ErrUsage marks argument-shape failures: wrong count, empty arguments, or a
// source path that cannot be canonicalized. No queue state is mutated when it
// is returned.
var ErrUsage = errors.New("usage error")

// Queue is the file-backed fake queue.
type Queue struct {
	path   string
	fs     filesystem.FileSystem
	logger *slog.Logger
}

// NewQueue creates a queue persisted at path.
func NewQueue(path string, fsys filesystem.FileSystem, logger *slog.Logger) *Queue {
	return &Queue{path: path, fs: fsys, logger: logger}
}

// EnqueueCommand appends a command substitution. fakePath must exist and is
// canonicalized immediately; the working directory or the payload itself may
// change before the fake is applied.
func (q *Queue) EnqueueCommand(fakePath, destPath string) error {
	return q.enqueuePair(KindCommand, fakePath, destPath)
}

// EnqueueFile appends a file substitution.
func (q *Queue) EnqueueFile(fakePath, destPath string) error {
	return q.enqueuePair(KindFile, fakePath, destPath)
}

func (q *Queue) enqueuePair(kind Kind, fakePath, destPath string) error {
	if strings.TrimSpace(fakePath) == "" || strings.TrimSpace(destPath) == "" {
		q.logger.Error("Enqueue rejected: empty argument", "kind", string(kind))
		return fmt.Errorf("%w: enqueue %s requires a fake path and a destination path", ErrUsage, kind)
	}
	source, err := q.canonicalize(fakePath)
	if err != nil {
		q.logger.Error("Enqueue rejected: cannot canonicalize fake path", "kind", string(kind), "path", fakePath, "error", err)
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	// Only the source is normalized: a destination that does not exist yet
	// cannot be canonicalized.
	entry := Entry{Kind: kind, Source: source, Destination: destPath}
	if err := q.appendLine(entry.Serialize()); err != nil {
		return err
	}
	q.logger.Info("Fake queued", "kind", string(kind), "source", source, "destination", destPath)
	return nil
}

// EnqueueTree appends a tree substitution backed by an archive.
func (q *Queue) EnqueueTree(archivePath string) error {
	if strings.TrimSpace(archivePath) == "" {
		q.logger.Error("Enqueue rejected: empty archive path", "kind", string(KindTree))
		return fmt.Errorf("%w: enqueue tree requires an archive path", ErrUsage)
	}
	archive, err := q.canonicalize(archivePath)
	if err != nil {
		q.logger.Error("Enqueue rejected: cannot canonicalize archive path", "path", archivePath, "error", err)
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	entry := Entry{Kind: KindTree, ArchivePath: archive}
	if err := q.appendLine(entry.Serialize()); err != nil {
		return err
	}
	q.logger.Info("Fake queued", "kind", string(KindTree), "archive", archive)
	return nil
}

// canonicalize resolves path to absolute form and requires it to exist.
func (q *Queue) canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving '%s': %w", path, err)
	}
	if _, err := q.fs.Stat(abs); err != nil {
		return "", fmt.Errorf("path '%s' does not exist: %w", abs, err)
	}
	return abs, nil
}

// Reset truncates the queue to empty. Called once per harness initialization
// and as a side effect of revert.
func (q *Queue) Reset() error {
	if err := q.fs.WriteFile(q.path, nil, 0o644); err != nil {
		return fmt.Errorf("resetting fake queue '%s': %w", q.path, err)
	}
	q.logger.Debug("Fake queue reset", "path", q.path)
	return nil
}

// Raw returns the queue file's serialized contents. A missing file reads as
// empty: the fingerprint of "no fakes" must not depend on whether Reset ever
// ran.
func (q *Queue) Raw() (string, error) {
	data, err := q.fs.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading fake queue '%s': %w", q.path, err)
	}
	return string(data), nil
}

// Entries parses the queue in order. Malformed lines are skipped with a
// logged warning rather than failing the run; the overlay manager must
// tolerate partial or corrupt entries.
func (q *Queue) Entries() ([]Entry, error) {
	raw, err := q.Raw()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := ParseLine(line)
		if err != nil {
			q.logger.Warn("Skipping malformed fake queue line", "line", line, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *Queue) appendLine(line string) error {
	existing, err := q.fs.ReadFile(q.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading fake queue '%s': %w", q.path, err)
	}
	updated := append(existing, []byte(line+"\n")...)
	if err := q.fs.WriteFile(q.path, updated, 0o644); err != nil {
		return fmt.Errorf("appending to fake queue '%s': %w", q.path, err)
	}
	return nil
}
