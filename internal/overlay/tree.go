package overlay

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/testfold/reportcache/internal/fakes"
)

// applyTree extracts the entry's archive into the fake root, snapshotting
// each regular file before it is overwritten so tree fakes revert under the
// same namespaced-backup discipline as the other kinds. Directories are
// created but not snapshotted; revert removes the extracted files and keeps
// the directory skeleton (see the package comment). Per-file failures are
// logged and skipped; only an unreadable archive fails the entry.
func (m *Manager) applyTree(entry fakes.Entry) Outcome {
	data, err := m.fs.ReadFile(entry.ArchivePath)
	if err != nil {
		m.logger.Error("Failed to read tree archive", "archive", entry.ArchivePath, "error", err)
		return Outcome{Entry: entry, Status: StatusCopyFailed, Err: err}
	}

	var reader io.Reader = bytes.NewReader(data)
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			m.logger.Error("Failed to open tree archive gzip stream", "archive", entry.ArchivePath, "error", err)
			return Outcome{Entry: entry, Status: StatusCopyFailed, Err: err}
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	extracted := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			m.logger.Error("Failed to read tree archive entry", "archive", entry.ArchivePath, "error", err)
			return Outcome{Entry: entry, Status: StatusCopyFailed, Err: fmt.Errorf("reading tar stream of '%s': %w", entry.ArchivePath, err)}
		}

		target := sanitizeTarget(m.fakeRoot, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := m.fs.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				m.logger.Warn("Failed to create directory from tree archive", "path", target, "error", err)
			}
		case tar.TypeReg:
			if err := m.extractFile(tr, hdr, target); err != nil {
				m.logger.Warn("Failed to extract file from tree archive", "path", target, "error", err)
				continue
			}
			extracted++
		default:
			m.logger.Debug("Skipping unsupported tree archive entry type", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}

	m.logger.Info("Tree fake applied", "archive", entry.ArchivePath, "root", m.fakeRoot, "files", extracted)
	return Outcome{Entry: entry, Status: StatusApplied}
}

func (m *Manager) extractFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := m.backer.Backup(target, m.namespace, true); err != nil {
		return fmt.Errorf("backing up '%s': %w", target, err)
	}
	content, err := io.ReadAll(tr)
	if err != nil {
		return fmt.Errorf("reading archived content of '%s': %w", hdr.Name, err)
	}
	if err := m.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of '%s': %w", target, err)
	}
	if err := m.fs.WriteFile(target, content, fs.FileMode(hdr.Mode).Perm()); err != nil {
		return fmt.Errorf("writing '%s': %w", target, err)
	}
	return nil
}

// sanitizeTarget joins an archive member name onto the fake root. Rooting
// the cleaned name at "/" first means ".." components cannot escape the root.
func sanitizeTarget(root, name string) string {
	return filepath.Join(root, filepath.Clean("/"+name))
}
