package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfold/reportcache/internal/config"
)

// setFlag sets a persistent flag for the test and restores it afterwards.
func setFlag(t *testing.T, name, value string) {
	t.Helper()
	flag := rootCmd.PersistentFlags().Lookup(name)
	require.NotNil(t, flag, "unknown flag --%s", name)
	previous := flag.Value.String()
	require.NoError(t, rootCmd.PersistentFlags().Set(name, value))
	t.Cleanup(func() {
		_ = rootCmd.PersistentFlags().Set(name, previous)
		flag.Changed = false
	})
}

func TestFlagValuesSurviveConfigMerge(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setFlag(t, "root", "/state")
	setFlag(t, "fake-root", "/custom/fakeroot")
	setFlag(t, "artifact-marker", "CUSTOM-MARKER")

	initConfig()

	var got config.Options
	require.NoError(t, viper.Unmarshal(&got))
	assert.Equal(t, "/state", got.Root)
	assert.Equal(t, "/custom/fakeroot", got.FakeRoot)
	assert.Equal(t, "CUSTOM-MARKER", got.ArtifactMarker)
}

func TestConfigMergeKeepsDefaultsWhenFlagsUntouched(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	initConfig()

	var got config.Options
	require.NoError(t, viper.Unmarshal(&got))
	assert.Equal(t, "/", got.FakeRoot)
	assert.Equal(t, config.DefaultArtifactMarker, got.ArtifactMarker)
	assert.Equal(t, config.DefaultNamespace, got.Namespace)
}
