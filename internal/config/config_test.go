package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtsched/alsasource/internal/config"
)

func TestLoadPrecedenceCLIBeatsFileBeatsDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alsasourced.toml")

	require.NoError(t, os.WriteFile(path, []byte(`
device = "hw:1,0"
fragments = 8
`), 0o644))

	opts := config.Defaults()
	opts.Config = path

	cmd := &cobra.Command{Run: func(*cobra.Command, []string) {}}
	config.BindFlags(cmd, &opts)

	require.NoError(t, cmd.Flags().Set("device", "hw:2,0"))

	require.NoError(t, config.Load(&opts, cmd))

	assert.Equal(t, "hw:2,0", opts.Device, "CLI-set flag must win over the file")
	assert.Equal(t, 8, opts.Fragments, "file value should apply where CLI left the flag unset")
}

func TestLoadEnvAppliesWhenUnsetByCLIOrFile(t *testing.T) {
	t.Setenv(config.EnvPrefix+"LOG_LEVEL", "debug")

	opts := config.Defaults()

	cmd := &cobra.Command{Run: func(*cobra.Command, []string) {}}
	config.BindFlags(cmd, &opts)

	require.NoError(t, config.Load(&opts, cmd))

	assert.Equal(t, "debug", opts.LogLevel)
}

func TestLoadIgnoresMissingConfigFile(t *testing.T) {
	opts := config.Defaults()
	opts.Config = filepath.Join(t.TempDir(), "does-not-exist.toml")

	require.NoError(t, config.Load(&opts, nil))
	assert.Equal(t, config.Defaults().Fragments, opts.Fragments)
}
