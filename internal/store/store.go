// Package store is the durable home of generated artifacts: a directory of
// artifact files plus side files, and an append-only line database with one
// record per generated artifact.
package store

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/testfold/reportcache/internal/filesystem"
	"github.com/testfold/reportcache/internal/fingerprint"
)

// Side file suffixes stored alongside each artifact.
const (
	SuffixChecksum = ".md5"
	SuffixFakeList = ".fakelist"
	SuffixParams   = ".params"
	SuffixOutput   = ".output"
	SuffixListing  = ".listing"
)

// LatestMarkerName is the symbolic marker pointing at the most recently
// produced artifact. It exists for the downstream watchdog, which only ever
// needs "the latest one", and is independent of the database records.
const LatestMarkerName = "lastreport"

var sideSuffixes = []string{SuffixChecksum, SuffixFakeList, SuffixParams, SuffixOutput, SuffixListing}

// Record is one durable row: a reuse counter, the fingerprint and the
// artifact's filename within the store.
type Record struct {
	ReuseCount  int
	Fingerprint fingerprint.Fingerprint
	Filename    string
}

// Line renders the record in the database's line format.
func (r Record) Line() string {
	return fmt.Sprintf("%d %s %s %s %s",
		r.ReuseCount, r.Fingerprint.ParamHash, r.Fingerprint.Namespace, r.Fingerprint.FakeHash, r.Filename)
}

// ParseRecord decodes one database line.
func ParseRecord(line string) (Record, error) {
	fields := strings.SplitN(line, " ", 5)
	if len(fields) != 5 {
		return Record{}, fmt.Errorf("malformed database line %q: expected 5 fields", line)
	}
	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("malformed reuse count in %q: %w", line, err)
	}
	return Record{
		ReuseCount: count,
		Fingerprint: fingerprint.Fingerprint{
			ParamHash: fields[1],
			Namespace: fields[2],
			FakeHash:  fields[3],
		},
		Filename: fields[4],
	}, nil
}

// Listing is the human-inspection view of the store.
type Listing struct {
	Files   []string `yaml:"files" toml:"files"`
	Records []string `yaml:"records" toml:"records"`
}

// Store manages the artifact directory and the database file.
type Store struct {
	dir    string
	dbPath string
	fs     filesystem.FileSystem
	logger *slog.Logger
}

// New creates a Store over dir and dbPath.
func New(dir, dbPath string, fsys filesystem.FileSystem, logger *slog.Logger) *Store {
	return &Store{dir: dir, dbPath: dbPath, fs: fsys, logger: logger}
}

// Init ensures the store directory exists.
func (s *Store) Init() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory '%s': %w", s.dir, err)
	}
	return nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// ArtifactPath returns the absolute path of a stored artifact.
func (s *Store) ArtifactPath(name string) string { return filepath.Join(s.dir, name) }

// Records reads every database row, skipping malformed lines with a warning.
func (s *Store) Records() ([]Record, error) {
	data, err := s.fs.ReadFile(s.dbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading database '%s': %w", s.dbPath, err)
	}
	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			s.logger.Warn("Skipping malformed database line", "line", line, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Lookup finds the record whose fingerprint matches exactly. On a hit the
// record's reuse counter is incremented and persisted; the returned record
// carries the updated count. A miss returns nil. A record whose artifact
// file has disappeared out-of-band is dropped and reported as a miss, so
// the caller regenerates instead of handing out a dangling path.
func (s *Store) Lookup(fp fingerprint.Fingerprint) (*Record, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Fingerprint == fp {
			if _, err := s.fs.Stat(s.ArtifactPath(records[i].Filename)); err != nil {
				s.logger.Warn("Cached artifact is missing, dropping its record", "artifact", records[i].Filename, "error", err)
				remaining := append(records[:i:i], records[i+1:]...)
				if err := s.rewrite(remaining); err != nil {
					return nil, err
				}
				return nil, nil
			}
			records[i].ReuseCount++
			if err := s.rewrite(records); err != nil {
				return nil, err
			}
			hit := records[i]
			s.logger.Info("Cache hit", "fingerprint", fp.String(), "artifact", hit.Filename, "reuse_count", hit.ReuseCount)
			return &hit, nil
		}
	}
	s.logger.Debug("Cache miss", "fingerprint", fp.String())
	return nil, nil
}

// Append adds one record to the database. Existing lines are never rewritten
// or deleted except via PurgeAll and the reuse-counter bump in Lookup.
func (s *Store) Append(rec Record) error {
	existing, err := s.fs.ReadFile(s.dbPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading database '%s': %w", s.dbPath, err)
	}
	updated := append(existing, []byte(rec.Line()+"\n")...)
	if err := s.fs.WriteFile(s.dbPath, updated, 0o644); err != nil {
		return fmt.Errorf("appending to database '%s': %w", s.dbPath, err)
	}
	s.logger.Info("Record appended", "artifact", rec.Filename, "fingerprint", rec.Fingerprint.String())
	return nil
}

// rewrite replaces the database contents atomically (temp file + rename).
func (s *Store) rewrite(records []Record) error {
	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(rec.Line())
		sb.WriteString("\n")
	}
	tmp := s.dbPath + ".tmp"
	if err := s.fs.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing temporary database '%s': %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.dbPath); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing database '%s': %w", s.dbPath, err)
	}
	return nil
}

// PurgeAll empties the store directory and truncates the database.
// Irreversible. The deletion set comes from the directory itself, not from
// the database records: orphaned artifacts and corrupt records must not
// survive a purge.
func (s *Store) PurgeAll() error {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("listing store directory '%s': %w", s.dir, err)
	}
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		if entry.IsDir() {
			err = s.fs.RemoveAll(path)
		} else {
			err = s.fs.Remove(path)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove store file during purge", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if err := s.fs.WriteFile(s.dbPath, nil, 0o644); err != nil {
		return fmt.Errorf("truncating database '%s': %w", s.dbPath, err)
	}
	s.logger.Info("Store purged", "files_removed", removed)
	return nil
}

// List returns the store directory contents plus the raw database rows, for
// human inspection.
func (s *Store) List() (Listing, error) {
	listing := Listing{Files: []string{}, Records: []string{}}
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return listing, fmt.Errorf("listing store directory '%s': %w", s.dir, err)
	}
	for _, entry := range entries {
		listing.Files = append(listing.Files, entry.Name())
	}
	records, err := s.Records()
	if err != nil {
		return listing, err
	}
	for _, rec := range records {
		listing.Records = append(listing.Records, rec.Line())
	}
	return listing, nil
}

// AdmitArtifact relocates the generated artifact (and its checksum side file,
// when the tool produced one) into the store. Filenames within the store are
// unique; a colliding name gets a fresh suffix. When no checksum came along,
// one is computed here so every record keeps its full side-file set.
func (s *Store) AdmitArtifact(artifactPath, checksumPath string) (string, error) {
	name := filepath.Base(artifactPath)
	renamed := false
	if _, err := s.fs.Stat(s.ArtifactPath(name)); err == nil {
		name = uniqueName(name)
		renamed = true
		s.logger.Debug("Artifact name collision, renamed", "name", name)
	}
	if err := s.moveFile(artifactPath, s.ArtifactPath(name)); err != nil {
		return "", fmt.Errorf("relocating artifact '%s': %w", artifactPath, err)
	}

	checksumDest := s.ArtifactPath(name + SuffixChecksum)
	if checksumPath != "" {
		if renamed {
			// The tool's checksum line names the original file and no
			// longer verifies against the renamed artifact.
			if err := s.fs.Remove(checksumPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("Failed to discard stale checksum file", "path", checksumPath, "error", err)
			}
		} else if err := s.moveFile(checksumPath, checksumDest); err == nil {
			return name, nil
		} else {
			s.logger.Warn("Failed to relocate checksum file, recomputing", "path", checksumPath)
		}
	}
	data, err := s.fs.ReadFile(s.ArtifactPath(name))
	if err != nil {
		return "", fmt.Errorf("reading artifact for checksum: %w", err)
	}
	sum := md5.Sum(data)
	content := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), name)
	if err := s.fs.WriteFile(checksumDest, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing checksum file: %w", err)
	}
	return name, nil
}

// moveFile renames, falling back to copy-and-remove for cross-device moves.
func (s *Store) moveFile(src, dst string) error {
	if err := s.fs.Rename(src, dst); err == nil {
		return nil
	}
	data, err := s.fs.ReadFile(src)
	if err != nil {
		return err
	}
	if err := s.fs.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	return s.fs.Remove(src)
}

// RefreshLatest points the latest-artifact marker at name.
func (s *Store) RefreshLatest(name string) error {
	marker := filepath.Join(s.dir, LatestMarkerName)
	if err := s.fs.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing latest-artifact marker: %w", err)
	}
	if err := s.fs.Symlink(name, marker); err != nil {
		return fmt.Errorf("updating latest-artifact marker: %w", err)
	}
	return nil
}

// Latest resolves the latest-artifact marker to a store filename.
func (s *Store) Latest() (string, error) {
	target, err := s.fs.Readlink(filepath.Join(s.dir, LatestMarkerName))
	if err != nil {
		return "", fmt.Errorf("resolving latest-artifact marker: %w", err)
	}
	return filepath.Base(target), nil
}

// WriteSideFiles freezes the invocation context next to the artifact: the raw
// parameter string, the fake manifest active at generation time, and the
// tool's captured output.
func (s *Store) WriteSideFiles(name, params, fakeManifest string, output []byte) error {
	if err := s.fs.WriteFile(s.ArtifactPath(name+SuffixParams), []byte(params+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing params side file: %w", err)
	}
	if err := s.fs.WriteFile(s.ArtifactPath(name+SuffixFakeList), []byte(fakeManifest), 0o644); err != nil {
		return fmt.Errorf("writing fake manifest side file: %w", err)
	}
	if err := s.fs.WriteFile(s.ArtifactPath(name+SuffixOutput), output, 0o644); err != nil {
		return fmt.Errorf("writing output side file: %w", err)
	}
	return nil
}

// WriteListing stores the artifact's precomputed file listing: the entry
// count on the first line, then one entry name per line.
func (s *Store) WriteListing(name string, entries []string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", len(entries))
	for _, entry := range entries {
		sb.WriteString(entry)
		sb.WriteString("\n")
	}
	if err := s.fs.WriteFile(s.ArtifactPath(name+SuffixListing), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing listing side file: %w", err)
	}
	return nil
}

// LatestListing returns the precomputed listing text of the most recent
// artifact. The artifact archive itself is never reopened here.
func (s *Store) LatestListing() (string, error) {
	name, err := s.Latest()
	if err != nil {
		return "", err
	}
	data, err := s.fs.ReadFile(s.ArtifactPath(name + SuffixListing))
	if err != nil {
		return "", fmt.Errorf("reading listing for '%s': %w", name, err)
	}
	return string(data), nil
}

func uniqueName(name string) string {
	suffix := uuid.NewString()[:8]
	if idx := strings.Index(name, "."); idx > 0 {
		return name[:idx] + "-" + suffix + name[idx:]
	}
	return name + "-" + suffix
}
