package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/btle-transfer/transport"
	"github.com/user/btle-transfer/util"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(util.DataDirEnv, dir)
	t.Setenv(LogLevelEnv, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "inbox.db"), cfg.InboxPath())
	assert.Equal(t, -35, cfg.Central.MinRSSI)
	assert.Equal(t, -15, cfg.Central.MaxRSSI)
	assert.Equal(t, 20, cfg.Peripheral.MTU)
	assert.Equal(t, transport.TransferServiceUUID, cfg.Peripheral.ServiceUUID)
}

func TestLoad_OverlaysOnlyDefinedKeys(t *testing.T) {
	t.Setenv(LogLevelEnv, "")
	path := writeConfig(t, `
log_level = "debug"
status_addr = "127.0.0.1:9120"

[central]
min_rssi = -60

[peripheral]
mtu = 182
local_name = "desk"

[simulation]
queue_depth = 2
seed = 42
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9120", cfg.StatusAddr)
	assert.Equal(t, -60, cfg.Central.MinRSSI)
	assert.Equal(t, -15, cfg.Central.MaxRSSI, "max_rssi was not in the file")
	assert.True(t, cfg.Central.AllowDuplicates)
	assert.Equal(t, 182, cfg.Peripheral.MTU)
	assert.Equal(t, "desk", cfg.Peripheral.LocalName)
	assert.Equal(t, 2, cfg.Simulation.QueueDepth)
	assert.Equal(t, 2, cfg.Simulation.DrainInterval)
	assert.True(t, cfg.Simulation.Deterministic)
	assert.EqualValues(t, 42, cfg.Simulation.Seed)
}

func TestLoad_FalseBooleanIsHonored(t *testing.T) {
	path := writeConfig(t, "[central]\nallow_duplicates = false\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Central.AllowDuplicates)
}

func TestLoad_CustomUUIDs(t *testing.T) {
	svc := uuid.New()
	path := writeConfig(t, "[central]\nservice_uuid = \""+svc.String()+"\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, svc, cfg.Central.ServiceUUID)
	assert.Equal(t, transport.TransferCharacteristicUUID, cfg.Central.CharacteristicUUID)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad uuid", "[peripheral]\nservice_uuid = \"not-a-uuid\"\n"},
		{"inverted band", "[central]\nmin_rssi = -10\nmax_rssi = -40\n"},
		{"mtu below sentinel", "[peripheral]\nmtu = 2\n"},
		{"unknown key", "colour = \"blue\"\n"},
		{"bad syntax", "log_level = \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(LogLevelEnv, "trace")
	t.Setenv(util.DataDirEnv, dir)
	path := writeConfig(t, "log_level = \"warn\"\ndata_dir = \"/elsewhere\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestInboxPath_Explicit(t *testing.T) {
	cfg := Default()
	cfg.Inbox = "/tmp/custom.db"
	assert.Equal(t, "/tmp/custom.db", cfg.InboxPath())
}
