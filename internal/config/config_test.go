package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOptions(t *testing.T) *Options {
	t.Helper()
	return &Options{
		Root:      filepath.Join(t.TempDir(), "state"),
		Tool:      "reporttool",
		Namespace: DefaultNamespace,
		FakeRoot:  "/",
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validOptions(t).ValidateConfig())
}

func TestValidateConfigRejectsEmptyRoot(t *testing.T) {
	opts := validOptions(t)
	opts.Root = "  "
	err := opts.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage root")
}

func TestValidateConfigRequiresExistingRootParent(t *testing.T) {
	opts := validOptions(t)
	opts.Root = filepath.Join(t.TempDir(), "missing", "state")
	err := opts.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exist")
}

func TestValidateConfigRejectsEmptyNamespace(t *testing.T) {
	opts := validOptions(t)
	opts.Namespace = ""
	assert.Error(t, opts.ValidateConfig())
}

func TestValidateConfigRejectsEmptyFakeRoot(t *testing.T) {
	opts := validOptions(t)
	opts.FakeRoot = ""
	assert.Error(t, opts.ValidateConfig())
}

func TestValidateConfigRejectsBadMarkerPattern(t *testing.T) {
	opts := validOptions(t)
	opts.ArtifactMarker = "saved in :["
	err := opts.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifactMarker")
}

func TestValidateConfigRejectsNegativeDebounce(t *testing.T) {
	opts := validOptions(t)
	opts.Watch.Debounce = -time.Second
	assert.Error(t, opts.ValidateConfig())
}

func TestValidateConfigReportsAllProblemsAtOnce(t *testing.T) {
	opts := &Options{}
	err := opts.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage root")
	assert.Contains(t, err.Error(), "namespace")
	assert.Contains(t, err.Error(), "fakeRoot")
}

func TestDerivedPathsLiveUnderRoot(t *testing.T) {
	opts := &Options{Root: "/state"}
	assert.Equal(t, "/state/fakequeue", opts.QueueFile())
	assert.Equal(t, "/state/harness.log", opts.LogFile())
	assert.Equal(t, "/state/reports.db", opts.DBFile())
	assert.Equal(t, "/state/reports", opts.StoreDir())
	assert.Equal(t, "/state/backups", opts.BackupDir())
}

func TestMarkerRegexpDefaultsAndOverrides(t *testing.T) {
	opts := &Options{}
	assert.True(t, opts.MarkerRegexp().MatchString("Your report has been generated and saved in:"))
	assert.False(t, opts.MarkerRegexp().MatchString("unrelated chatter"))

	opts.ArtifactMarker = `archive written to`
	assert.True(t, opts.MarkerRegexp().MatchString("archive written to /tmp"))
}
