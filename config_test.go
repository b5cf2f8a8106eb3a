package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() Config {
	cfg := defaultConfig()
	cfg.Streamers = []string{"alice"}
	cfg.TwitchClientID = "id"
	cfg.TwitchClientSecret = "secret"
	cfg.LineChannelAccessToken = "line"
	return cfg
}

func TestLoadConfig_WritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(dir, "", "")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.FileExists(t, defaultConfigPath(dir))

	// The generated file must load back to the same settings.
	again, err := loadConfig(dir, "", "")
	require.NoError(t, err)
	assert.Equal(t, cfg.CycleTimeout, again.CycleTimeout)
	assert.Equal(t, cfg.LineBroadcastURL, again.LineBroadcastURL)
}

func TestLoadConfig_FileSecretsAndEnvLayering(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TWITCH_CLIENT_ID", "from-env")
	t.Setenv("TWITCH_CLIENT_SECRET", "env-secret")
	t.Setenv("GOLIVE_STREAMERS", "")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	secretsPath := filepath.Join(dir, "secrets.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
[server]
poll_interval_seconds = 120
upstream_timeout_seconds = 3

[twitch]
streamers = ["Alice", " bob ", "alice", ""]

[line]
enabled = false

[discord]
enabled = true
channel_id = "123"

[state]
backend = "SQLite"
`), 0o644))
	require.NoError(t, os.WriteFile(secretsPath, []byte(`
twitch_client_id = "from-secrets"
discord_bot_token = "bot"
`), 0o644))

	cfg, err := loadConfig(dir, configPath, secretsPath)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Streamers)
	assert.Equal(t, 2*time.Minute, cfg.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, defaultCycleTimeout, cfg.CycleTimeout)
	assert.False(t, cfg.LineEnabled)
	assert.True(t, cfg.DiscordEnabled)
	assert.Equal(t, "123", cfg.DiscordChannelID)
	assert.Equal(t, stateBackendSQLite, cfg.StateBackend)
	assert.Equal(t, "from-secrets", cfg.TwitchClientID)
	assert.Equal(t, "env-secret", cfg.TwitchClientSecret)
	assert.Equal(t, "bot", cfg.DiscordBotToken)
	require.NoError(t, validateConfig(cfg))
}

func TestLoadConfig_BadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nlisten = "), 0o644))
	_, err := loadConfig(dir, path, "")
	assert.Error(t, err)
}

func TestApplyEnvConfig_StreamersList(t *testing.T) {
	cfg := defaultConfig()
	env := map[string]string{"GOLIVE_STREAMERS": "a,b"}
	applyEnvConfig(&cfg, func(k string) string { return env[k] })
	assert.Equal(t, []string{"a", "b"}, cfg.Streamers)
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, validateConfig(validTestConfig()))

	cases := map[string]func(*Config){
		"no streamers":   func(c *Config) { c.Streamers = nil },
		"no twitch id":   func(c *Config) { c.TwitchClientID = "" },
		"no channels":    func(c *Config) { c.LineEnabled = false },
		"no line token":  func(c *Config) { c.LineChannelAccessToken = "" },
		"discord no id":  func(c *Config) { c.DiscordEnabled = true; c.DiscordBotToken = "x" },
		"bad backend":    func(c *Config) { c.StateBackend = "redis" },
		"backup no keys": func(c *Config) { c.BackblazeBackupEnabled = true; c.BackblazeBucket = "b" },
		"too many streamers": func(c *Config) {
			c.Streamers = make([]string, helixMaxLogins+1)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validTestConfig()
			mutate(&cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestRuntimeOverrides(t *testing.T) {
	fs := flag.NewFlagSet("golive", flag.ContinueOnError)
	o, err := parseRuntimeOverrides(fs, []string{"-bind", "127.0.0.1", "-streamers", "X, y", "-debug", "-state-backend", "sqlite", "-poll-interval", "30s"})
	require.NoError(t, err)

	cfg := validTestConfig()
	cfg.LogStdout = true
	require.NoError(t, applyRuntimeOverrides(&cfg, o))
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, []string{"x", "y"}, cfg.Streamers)
	assert.True(t, cfg.LogDebug)
	assert.True(t, cfg.LogStdout, "unset bool flags must not override config")
	assert.Equal(t, stateBackendSQLite, cfg.StateBackend)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)

	fs = flag.NewFlagSet("golive", flag.ContinueOnError)
	o, err = parseRuntimeOverrides(fs, []string{"-bind", "127.0.0.1", "-listen", ":7000"})
	require.NoError(t, err)
	cfg = validTestConfig()
	require.NoError(t, applyRuntimeOverrides(&cfg, o))
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, time.Duration(0), cfg.PollInterval)

	fs = flag.NewFlagSet("golive", flag.ContinueOnError)
	o, err = parseRuntimeOverrides(fs, []string{"-state-backend", "redis"})
	require.NoError(t, err)
	assert.Error(t, applyRuntimeOverrides(&cfg, o))
}

func TestRewriteConfigFile_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := validTestConfig()
	require.NoError(t, rewriteConfigFile(path, cfg))

	cfg.ListenAddr = ":9999"
	require.NoError(t, rewriteConfigFile(path, cfg))
	assert.FileExists(t, path+".bak")

	fc, ok, err := loadConfigFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, fc.Server.Listen)
	assert.Equal(t, ":9999", *fc.Server.Listen)
}

func TestEnsureExampleFiles(t *testing.T) {
	dir := t.TempDir()
	ensureExampleFiles(dir)
	assert.FileExists(t, filepath.Join(dir, "config", "examples", "config.toml.example"))
	assert.FileExists(t, filepath.Join(dir, "config", "examples", "secrets.toml.example"))
}

func TestFormatAttrs_QuotesSpacedValues(t *testing.T) {
	got := formatAttrs([]any{"component", "monitor", "error", "twitch down", "n", 3, "dangling"})
	assert.Equal(t, `component=monitor error="twitch down" n=3 dangling`, got)
}
