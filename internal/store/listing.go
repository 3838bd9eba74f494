package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/testfold/reportcache/internal/filesystem"
)

// ListArchive reads a tar (optionally gzip-compressed) artifact and returns
// its entry names in archive order. The result is computed once at
// generation time and stored as the .listing side file; later assertions
// consult that file, not the archive.
func ListArchive(fsys filesystem.FileSystem, path string) ([]string, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact '%s': %w", path, err)
	}

	var reader io.Reader = bytes.NewReader(data)
	if isGzip(data) {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream of '%s': %w", path, err)
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	var entries []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar stream of '%s': %w", path, err)
		}
		entries = append(entries, hdr.Name)
	}
	return entries, nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
