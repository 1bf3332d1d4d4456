package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withHome(t *testing.T, home string) {
	t.Setenv("HOME", home)
	t.Setenv("CIDX_SERVER_URL", "")
	t.Setenv("CIDX_TOKEN", "")
	t.Setenv("CIDX_TIMEOUT", "")
	t.Setenv("CIDX_LOG_LEVEL", "")
	t.Setenv("MCPB_SERVER_URL", "")
	t.Setenv("MCPB_TOKEN", "")
	t.Setenv("MCPB_TIMEOUT", "")
	t.Setenv("MCPB_LOG_LEVEL", "")
}

func writeConfigFile(t *testing.T, home string, fc fileConfig, perm os.FileMode) {
	dir := filepath.Join(home, dotMcpbDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(fc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), data, perm))
}

func TestLoad_DefaultsWhenNoFileOrEnv(t *testing.T) {
	withHome(t, t.TempDir())
	cfg, warning, err := Load()
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)
	writeConfigFile(t, home, fileConfig{ServerURL: "https://cidx.example.com", Timeout: 60, LogLevel: "debug"}, 0o600)

	cfg, warning, err := Load()
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, "https://cidx.example.com", cfg.ServerURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "file", cfg.Source["server_url"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)
	writeConfigFile(t, home, fileConfig{ServerURL: "https://from-file.example.com"}, 0o600)
	t.Setenv("CIDX_SERVER_URL", "https://from-env.example.com")

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.ServerURL)
	assert.Equal(t, "env:CIDX_SERVER_URL", cfg.Source["server_url"])
}

func TestLoad_LegacyMcpbEnvHasLowerPrecedenceThanCidx(t *testing.T) {
	withHome(t, t.TempDir())
	t.Setenv("MCPB_SERVER_URL", "https://legacy.example.com")
	t.Setenv("CIDX_SERVER_URL", "https://current.example.com")

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://current.example.com", cfg.ServerURL)
}

func TestLoad_WarnsOnLoosePermissions(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)
	writeConfigFile(t, home, fileConfig{ServerURL: "https://cidx.example.com"}, 0o644)

	_, warning, err := Load()
	require.NoError(t, err)
	assert.Contains(t, warning, "0600")
}

func TestLoad_RejectsNonHTTPSNonLocalhost(t *testing.T) {
	withHome(t, t.TempDir())
	t.Setenv("CIDX_SERVER_URL", "http://cidx.example.com")

	_, _, err := Load()
	require.Error(t, err)
}

func TestLoad_AllowsHTTPOnLocalhost(t *testing.T) {
	withHome(t, t.TempDir())
	t.Setenv("CIDX_SERVER_URL", "http://localhost:8080")

	_, _, err := Load()
	require.NoError(t, err)
}

func TestLoad_RejectsTimeoutOutOfRange(t *testing.T) {
	withHome(t, t.TempDir())
	t.Setenv("CIDX_TIMEOUT", "301")

	_, _, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsUnknownLogLevel(t *testing.T) {
	withHome(t, t.TempDir())
	t.Setenv("CIDX_LOG_LEVEL", "verbose")

	_, _, err := Load()
	require.Error(t, err)
}

func TestSaveToken_PreservesOtherFieldsAndChmods(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)
	writeConfigFile(t, home, fileConfig{ServerURL: "https://cidx.example.com", LogLevel: "debug"}, 0o600)

	require.NoError(t, SaveToken("new-token"))

	cfg, _, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "new-token", cfg.Token)
	assert.Equal(t, "https://cidx.example.com", cfg.ServerURL)

	path, err := Path()
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMasked_ShowsOnlyLastThreeCharsOfToken(t *testing.T) {
	cfg := Config{Token: "abcdefg123"}
	assert.Equal(t, "***123", cfg.Masked().Token)
}
