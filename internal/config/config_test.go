package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost:8936", cfg.Listen)
	assert.Equal(t, 32, cfg.Hub.MaxConnectionsPerAccount)
	assert.Equal(t, 256, cfg.Hub.OutboundQueueSize)
	assert.Equal(t, "static", cfg.Auth.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	data := `{
		"listen": "0.0.0.0:9000",
		"hub": {
			"max_connections_per_account": 4,
			"outbound_queue_size": 10,
			"backpressure_strikes": 3,
			"inactivity_timeout_seconds": 30,
			"idle_group_grace_seconds": 5,
			"sweep_interval_seconds": 1
		},
		"auth": {
			"mode": "static",
			"tokens": {"tok-1": "acct-1"}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 4, cfg.Hub.MaxConnectionsPerAccount)
	assert.Equal(t, 10, cfg.Hub.OutboundQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Hub.InactivityTimeout())
	assert.Equal(t, "acct-1", cfg.Auth.Tokens["tok-1"])
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Mode = "remote"
	assert.Error(t, cfg.Validate(), "remote mode without verify_url")

	cfg.Auth.VerifyURL = "http://localhost:9999/verify"
	assert.NoError(t, cfg.Validate())

	cfg.Hub.OutboundQueueSize = 0
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "hub.json")

	cfg := DefaultConfig()
	cfg.Listen = "127.0.0.1:7777"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", loaded.Listen)
}
