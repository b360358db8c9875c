package main

import (
	"path/filepath"
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/require"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

func TestSetConfigValue(t *testing.T) {
	var cfg Config
	require.NoError(t, setConfigValue(&cfg, "default.user_id", "u-student"))
	require.NoError(t, setConfigValue(&cfg, "default.transport", "sse"))
	require.NoError(t, setConfigValue(&cfg, "server.demo", "true"))
	require.NoError(t, setConfigValue(&cfg, "server.redis_url", "redis://localhost:6379/0"))

	require.Equal(t, "u-student", cfg.Default.UserID)
	require.Equal(t, "sse", cfg.Default.Transport)
	require.True(t, cfg.Server.Demo)
	require.Equal(t, "redis://localhost:6379/0", cfg.Server.RedisURL)

	require.Error(t, setConfigValue(&cfg, "user_id", "x"))
	require.Error(t, setConfigValue(&cfg, "default.transport", "carrier-pigeon"))
	require.Error(t, setConfigValue(&cfg, "server.demo", "maybe"))
	require.Error(t, setConfigValue(&cfg, "default.nope", "x"))
	require.Error(t, setConfigValue(&cfg, "auth.token", "x"))
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("MSGSYNC_HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, Config{}, *cfg)

	cfg.Default.UserID = "u-lecturer"
	cfg.Default.BaseURL = "http://localhost:9090"
	cfg.Server.Addr = ":9090"
	require.NoError(t, saveConfig(cfg))

	loaded, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, *cfg, *loaded)
}

func TestRenderConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MSGSYNC_HOME", home)
	path, err := configPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "config.toml"), path)

	out, err := renderConfig(path, true, &Config{Default: ConfigDefault{UserID: "u-student"}})
	require.NoError(t, err)
	header, _, _ := strings.Cut(out, "\n")
	require.Equal(t, "# "+path+" (MSGSYNC_HOME)", header)
	require.Contains(t, out, "not created yet")

	var eff Config
	require.NoError(t, toml.Unmarshal([]byte(out), &eff))
	require.Equal(t, "u-student", eff.Default.UserID)
	require.Equal(t, msgsync.DefaultBaseURL, eff.Default.BaseURL)
	require.Equal(t, "ws", eff.Default.Transport)
	require.Equal(t, ":8080", eff.Server.Addr)

	require.NoError(t, saveConfig(&Config{Default: ConfigDefault{UserID: "u-student", Transport: "sse"}}))
	out, err = renderConfig(path, false, &Config{Default: ConfigDefault{Transport: "sse"}})
	require.NoError(t, err)
	require.NotContains(t, out, "not created yet")
	require.NotContains(t, out, "MSGSYNC_HOME")
	require.NoError(t, toml.Unmarshal([]byte(out), &eff))
	require.Equal(t, "sse", eff.Default.Transport)
}
