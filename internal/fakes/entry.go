package fakes

import (
	"fmt"
	"strings"
)

// Kind discriminates the fake variants.
type Kind string

const (
	// KindCommand substitutes an executable; the destination is made executable.
	KindCommand Kind = "CMD"
	// KindFile substitutes a regular file.
	KindFile Kind = "FILE"
	// KindTree substitutes a whole directory tree from an archive.
	KindTree Kind = "TREE"
)

// Entry is one queued filesystem substitution. Command and File entries carry
// Source and Destination; Tree entries carry ArchivePath. The colon-delimited
// form only exists at the storage boundary of the queue file.
type Entry struct {
	Kind        Kind
	Source      string
	Destination string
	ArchivePath string
}

// Serialize renders the entry in the queue file's line format.
func (e Entry) Serialize() string {
	if e.Kind == KindTree {
		return fmt.Sprintf("%s:%s", e.Kind, e.ArchivePath)
	}
	return fmt.Sprintf("%s:%s:%s", e.Kind, e.Source, e.Destination)
}

// ParseLine decodes one queue file line. Lines with fewer than two fields are
// malformed; unknown kinds parse successfully and are left for the overlay
// manager to skip.
func ParseLine(line string) (Entry, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("malformed fake entry %q: expected at least 2 fields", line)
	}
	kind := Kind(fields[0])
	if kind == KindTree {
		return Entry{Kind: kind, ArchivePath: fields[1]}, nil
	}
	if len(fields) < 3 {
		return Entry{}, fmt.Errorf("malformed fake entry %q: %s requires source and destination", line, kind)
	}
	return Entry{Kind: kind, Source: fields[1], Destination: fields[2]}, nil
}
