package fakes

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfold/reportcache/internal/filesystem"
)

const queuePath = "/state/fakequeue"

func newTestQueue(t *testing.T) (*Queue, *filesystem.MockFileSystem) {
	t.Helper()
	fs := filesystem.NewMockFileSystem()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(queuePath, fs, logger), fs
}

func TestEnqueueCommandAppendsOneLine(t *testing.T) {
	q, fs := newTestQueue(t)
	fs.AddFile("/payloads/fakecmd", []byte("#!/bin/sh\n"), 0o755)

	require.NoError(t, q.EnqueueCommand("/payloads/fakecmd", "/usr/bin/realcmd"))

	data, err := fs.ReadFile(queuePath)
	require.NoError(t, err)
	assert.Equal(t, "CMD:/payloads/fakecmd:/usr/bin/realcmd\n", string(data))
}

func TestEnqueueFileAppendsInArrivalOrder(t *testing.T) {
	q, fs := newTestQueue(t)
	fs.AddFile("/payloads/a", []byte("a"), 0o644)
	fs.AddFile("/payloads/b", []byte("b"), 0o644)

	require.NoError(t, q.EnqueueFile("/payloads/a", "/etc/a.conf"))
	require.NoError(t, q.EnqueueFile("/payloads/b", "/etc/b.conf"))

	data, err := fs.ReadFile(queuePath)
	require.NoError(t, err)
	assert.Equal(t, "FILE:/payloads/a:/etc/a.conf\nFILE:/payloads/b:/etc/b.conf\n", string(data))
}

func TestEnqueueTreeAppendsSingleArgumentForm(t *testing.T) {
	q, fs := newTestQueue(t)
	fs.AddFile("/payloads/tree.tar.gz", []byte("archive"), 0o644)

	require.NoError(t, q.EnqueueTree("/payloads/tree.tar.gz"))

	data, err := fs.ReadFile(queuePath)
	require.NoError(t, err)
	assert.Equal(t, "TREE:/payloads/tree.tar.gz\n", string(data))
}

func TestEnqueueRejectsEmptyArguments(t *testing.T) {
	q, fs := newTestQueue(t)

	assert.ErrorIs(t, q.EnqueueCommand("", "/usr/bin/realcmd"), ErrUsage)
	assert.ErrorIs(t, q.EnqueueFile("/payloads/a", "  "), ErrUsage)
	assert.ErrorIs(t, q.EnqueueTree(""), ErrUsage)

	// No queue mutation on usage errors.
	assert.False(t, fs.Exists(queuePath))
}

func TestEnqueueRejectsMissingSource(t *testing.T) {
	q, fs := newTestQueue(t)

	err := q.EnqueueCommand("/payloads/nope", "/usr/bin/realcmd")
	assert.ErrorIs(t, err, ErrUsage)
	assert.False(t, fs.Exists(queuePath))
}

func TestResetTruncatesQueue(t *testing.T) {
	q, fs := newTestQueue(t)
	fs.AddFile("/payloads/a", []byte("a"), 0o644)
	require.NoError(t, q.EnqueueFile("/payloads/a", "/etc/a.conf"))

	require.NoError(t, q.Reset())

	data, err := fs.ReadFile(queuePath)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestRawMissingFileReadsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	raw, err := q.Raw()
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestEntriesSkipsMalformedLines(t *testing.T) {
	q, fs := newTestQueue(t)
	fs.AddFile(queuePath, []byte("garbage\nCMD:/payloads/a:/usr/bin/a\n\nTREE:/payloads/t.tar\n"), 0o644)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindCommand, entries[0].Kind)
	assert.Equal(t, "/payloads/a", entries[0].Source)
	assert.Equal(t, "/usr/bin/a", entries[0].Destination)
	assert.Equal(t, KindTree, entries[1].Kind)
	assert.Equal(t, "/payloads/t.tar", entries[1].ArchivePath)
}

func TestEntriesKeepsUnknownKindsForTheOverlay(t *testing.T) {
	q, fs := newTestQueue(t)
	fs.AddFile(queuePath, []byte("BOGUS:/a:/b\n"), 0o644)

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Kind("BOGUS"), entries[0].Kind)
}

func TestParseLineRoundTrip(t *testing.T) {
	cases := []Entry{
		{Kind: KindCommand, Source: "/p/a", Destination: "/d/a"},
		{Kind: KindFile, Source: "/p/b", Destination: "/d/b"},
		{Kind: KindTree, ArchivePath: "/p/tree.tar"},
	}
	for _, want := range cases {
		got, err := ParseLine(want.Serialize())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseLineRejectsTooFewFields(t *testing.T) {
	_, err := ParseLine("CMD")
	assert.Error(t, err)
	_, err = ParseLine("FILE:/only-source")
	assert.Error(t, err)
}
