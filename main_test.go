package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-agentmesh/agentmesh/lib/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateConfig(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	viper.Reset()
	config.CfgFile = ""
	t.Cleanup(func() {
		viper.Reset()
		config.CfgFile = ""
	})
	return home
}

func TestIDCommandCreatesIdentity(t *testing.T) {
	home := isolateConfig(t)

	rootCmd.SetArgs([]string{"id"})
	require.NoError(t, rootCmd.Execute())

	base := filepath.Join(home, config.AGENTMESH_BASE_DIR)
	_, err := os.Stat(filepath.Join(base, "config.yaml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(base, "data", "identity", "node.key"))
	assert.NoError(t, err)
}

func TestReloadConfig(t *testing.T) {
	isolateConfig(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  name: planner\n"), 0o600))
	config.CfgFile = path
	require.NoError(t, config.InitConfig())
	require.NoError(t, reloadConfig())

	require.NoError(t, os.WriteFile(path, []byte("delivery:\n  max_attempts: 0\n"), 0o600))
	assert.Error(t, reloadConfig())
}
