package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proptalk "github.com/proptalk/proptalk/sdk/golang"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, proptalk.DefaultBaseURL, cfg.Server.BaseURL)
	assert.True(t, cfg.Session.AutoReconnect)
	assert.Equal(t, "5s", cfg.Session.SendTimeout)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
base_url = "http://localhost:3000"
token = "file-token"

[session]
join_timeout = "3s"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("PROPTALK_SERVER_TOKEN", "env-token")
	t.Setenv("PROPTALK_SESSION_AUTO_RECONNECT", "false")

	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Server.BaseURL)
	assert.Equal(t, "env-token", cfg.Server.Token)
	assert.Equal(t, "3s", cfg.Session.JoinTimeout)
	assert.False(t, cfg.Session.AutoReconnect)
	assert.Equal(t, "10s", cfg.Session.DedupeWindow, "untouched keys keep defaults")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.base_url", envKey("PROPTALK_SERVER_BASE_URL"))
	assert.Equal(t, "session.read_debounce", envKey("PROPTALK_SESSION_READ_DEBOUNCE"))
	assert.Equal(t, "log.level", envKey("PROPTALK_LOG_LEVEL"))
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := loadConfigFrom("")
	require.NoError(t, err)
	cfg.Server.Token = "secret-token"
	cfg.Cache.Path = "/tmp/proptalk-cache"

	require.NoError(t, saveConfigTo(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSetConfigValue(t *testing.T) {
	cfg, err := loadConfigFrom("")
	require.NoError(t, err)

	require.NoError(t, setConfigValue(cfg, "server.token", "abc"))
	require.NoError(t, setConfigValue(cfg, "session.read_debounce", "250ms"))
	require.NoError(t, setConfigValue(cfg, "cache.enabled", "false"))
	require.NoError(t, setConfigValue(cfg, "log.level", "debug"))

	assert.Equal(t, "abc", cfg.Server.Token)
	assert.Equal(t, "250ms", cfg.Session.ReadDebounce)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Run("rejects", func(t *testing.T) {
		for _, tc := range []struct{ key, value string }{
			{"token", "abc"},
			{"server.nope", "x"},
			{"session.send_timeout", "soon"},
			{"session.auto_reconnect", "maybe"},
			{"bogus.field", "x"},
		} {
			assert.Error(t, setConfigValue(cfg, tc.key, tc.value), tc.key)
		}
		assert.Equal(t, "abc", cfg.Server.Token)
	})
}

func TestSessionConfig(t *testing.T) {
	cfg, err := loadConfigFrom("")
	require.NoError(t, err)

	scfg, err := cfg.sessionConfig()
	require.NoError(t, err)
	assert.True(t, scfg.AutoReconnect)
	assert.Equal(t, 25*time.Second, scfg.HeartbeatInterval)
	assert.Equal(t, 400*time.Millisecond, scfg.ReadDebounce)

	cfg.Session.JoinTimeout = "forever"
	_, err = cfg.sessionConfig()
	assert.ErrorContains(t, err, "session.join_timeout")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	masked := maskKey("pt_live_0123456789abcdef")
	assert.NotContains(t, masked, "0123456789")
}
