package overlay

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfold/reportcache/internal/backup"
	"github.com/testfold/reportcache/internal/fakes"
	"github.com/testfold/reportcache/internal/filesystem"
)

const queuePath = "/state/fakequeue"

// stubBacker records backup requests and fails on demand.
type stubBacker struct {
	backups    []string
	failPaths  map[string]error
	restoreErr error
	restored   []string
}

func newStubBacker() *stubBacker {
	return &stubBacker{failPaths: make(map[string]error)}
}

func (s *stubBacker) Backup(path, namespace string, clean bool) error {
	if err, ok := s.failPaths[path]; ok {
		return err
	}
	s.backups = append(s.backups, path)
	return nil
}

func (s *stubBacker) RestoreAll(namespace string) error {
	s.restored = append(s.restored, namespace)
	return s.restoreErr
}

func newTestManager(t *testing.T) (*Manager, *fakes.Queue, *filesystem.MockFileSystem, *stubBacker) {
	t.Helper()
	mfs := filesystem.NewMockFileSystem()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := fakes.NewQueue(queuePath, mfs, logger)
	backer := newStubBacker()
	m := NewManager(queue, backer, mfs, logger, "ns", "/fakeroot")
	return m, queue, mfs, backer
}

func TestApplyCommandCopiesAndMarksExecutable(t *testing.T) {
	m, queue, mfs, backer := newTestManager(t)
	mfs.AddFile("/payloads/fakecmd", []byte("#!/bin/sh\nexit 0\n"), 0o644)
	require.NoError(t, queue.EnqueueCommand("/payloads/fakecmd", "/usr/bin/realcmd"))

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusApplied, outcomes[0].Status)

	data, err := mfs.ReadFile("/usr/bin/realcmd")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\nexit 0\n", string(data))

	mode, ok := mfs.Mode("/usr/bin/realcmd")
	require.True(t, ok)
	assert.Equal(t, uint32(0o755), uint32(mode.Perm()))

	assert.Equal(t, []string{"/usr/bin/realcmd"}, backer.backups)
}

func TestApplyFileCreatesMissingParentAndKeepsPlainMode(t *testing.T) {
	m, queue, mfs, _ := newTestManager(t)
	mfs.AddFile("/payloads/a.conf", []byte("setting=1\n"), 0o644)
	require.NoError(t, queue.EnqueueFile("/payloads/a.conf", "/etc/newdir/a.conf"))

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusApplied, outcomes[0].Status)

	assert.True(t, mfs.Exists("/etc/newdir/a.conf"))
	mode, ok := mfs.Mode("/etc/newdir/a.conf")
	require.True(t, ok)
	assert.Equal(t, uint32(0o644), uint32(mode.Perm()))
}

func TestBackupFailureSkipsEntryButBatchContinues(t *testing.T) {
	m, queue, mfs, backer := newTestManager(t)
	mfs.AddFile("/payloads/a", []byte("a"), 0o644)
	mfs.AddFile("/payloads/b", []byte("b"), 0o644)
	require.NoError(t, queue.EnqueueFile("/payloads/a", "/etc/a.conf"))
	require.NoError(t, queue.EnqueueFile("/payloads/b", "/etc/b.conf"))

	backer.failPaths["/etc/a.conf"] = errors.New("snapshot refused")

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusBackupFailed, outcomes[0].Status)
	assert.Equal(t, StatusApplied, outcomes[1].Status)

	// The skipped entry's destination was never written.
	assert.False(t, mfs.Exists("/etc/a.conf"))
	assert.True(t, mfs.Exists("/etc/b.conf"))
}

func TestCopyFailureIsReportedAndBatchContinues(t *testing.T) {
	m, queue, mfs, _ := newTestManager(t)
	mfs.AddFile("/payloads/a", []byte("a"), 0o644)
	mfs.AddFile("/payloads/b", []byte("b"), 0o644)
	require.NoError(t, queue.EnqueueFile("/payloads/a", "/etc/a.conf"))
	require.NoError(t, queue.EnqueueFile("/payloads/b", "/etc/b.conf"))

	mfs.FailWith("WriteFile", "/etc/a.conf", errors.New("read-only filesystem"))

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusCopyFailed, outcomes[0].Status)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, StatusApplied, outcomes[1].Status)
}

func TestUnknownKindIsSkipped(t *testing.T) {
	m, _, mfs, _ := newTestManager(t)
	mfs.AddFile(queuePath, []byte("BOGUS:/a:/b\n"), 0o644)

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusSkipped, outcomes[0].Status)
}

func TestRevertClearsQueueEvenWhenRestoreFails(t *testing.T) {
	m, queue, mfs, backer := newTestManager(t)
	mfs.AddFile("/payloads/a", []byte("a"), 0o644)
	require.NoError(t, queue.EnqueueFile("/payloads/a", "/etc/a.conf"))

	backer.restoreErr = errors.New("restore exploded")

	err := m.RevertAll()
	require.Error(t, err)

	raw, rawErr := queue.Raw()
	require.NoError(t, rawErr)
	assert.Empty(t, raw, "queue must be empty regardless of the restore outcome")
	assert.Equal(t, []string{"ns"}, backer.restored)
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestApplyTreeExtractsIntoFakeRootWithBackups(t *testing.T) {
	m, queue, mfs, backer := newTestManager(t)
	archive := buildTarGz(t, map[string]string{
		"etc/faked.conf":    "from tree\n",
		"usr/share/payload": "blob",
	})
	mfs.AddFile("/payloads/tree.tar.gz", archive, 0o644)
	require.NoError(t, queue.EnqueueTree("/payloads/tree.tar.gz"))

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusApplied, outcomes[0].Status)

	data, err := mfs.ReadFile("/fakeroot/etc/faked.conf")
	require.NoError(t, err)
	assert.Equal(t, "from tree\n", string(data))
	assert.True(t, mfs.Exists("/fakeroot/usr/share/payload"))

	// Each extracted file was snapshotted before being written.
	assert.ElementsMatch(t, []string{"/fakeroot/etc/faked.conf", "/fakeroot/usr/share/payload"}, backer.backups)
}

func TestApplyTreeMemberNamesCannotEscapeFakeRoot(t *testing.T) {
	m, queue, mfs, _ := newTestManager(t)
	archive := buildTarGz(t, map[string]string{
		"../../escape.txt": "nope",
	})
	mfs.AddFile("/payloads/tree.tar.gz", archive, 0o644)
	require.NoError(t, queue.EnqueueTree("/payloads/tree.tar.gz"))

	_, err := m.ApplyAll()
	require.NoError(t, err)

	assert.False(t, mfs.Exists("/escape.txt"))
	assert.True(t, mfs.Exists("/fakeroot/escape.txt"))
}

func TestRevertRemovesExtractedFilesButKeepsDirectorySkeleton(t *testing.T) {
	mfs := filesystem.NewMockFileSystem()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := fakes.NewQueue(queuePath, mfs, logger)
	backer := backup.NewSnapshotBacker("/state/backups", mfs, logger)
	m := NewManager(queue, backer, mfs, logger, "ns", "/fakeroot")

	archive := buildTarGz(t, map[string]string{
		"etc/newdir/faked.conf": "from tree\n",
	})
	mfs.AddFile("/payloads/tree.tar.gz", archive, 0o644)
	require.NoError(t, queue.EnqueueTree("/payloads/tree.tar.gz"))

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, StatusApplied, outcomes[0].Status)
	require.True(t, mfs.Exists("/fakeroot/etc/newdir/faked.conf"))

	require.NoError(t, m.RevertAll())

	// The extracted file is gone; the directories it forced into existence
	// stay (only files are snapshotted).
	assert.False(t, mfs.Exists("/fakeroot/etc/newdir/faked.conf"))
	assert.True(t, mfs.Exists("/fakeroot/etc/newdir"))
}

func TestApplyTreeUnreadableArchiveFailsTheEntryOnly(t *testing.T) {
	m, queue, mfs, _ := newTestManager(t)
	mfs.AddFile("/payloads/tree.tar.gz", []byte("not an archive"), 0o644)
	mfs.AddFile("/payloads/a", []byte("a"), 0o644)
	require.NoError(t, queue.EnqueueTree("/payloads/tree.tar.gz"))
	require.NoError(t, queue.EnqueueFile("/payloads/a", "/etc/a.conf"))

	outcomes, err := m.ApplyAll()
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusCopyFailed, outcomes[0].Status)
	assert.Equal(t, StatusApplied, outcomes[1].Status)
}
