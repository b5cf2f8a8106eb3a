package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir          = "data"
	defaultListenAddr       = ":8080"
	defaultTwitchAuthURL    = "https://id.twitch.tv/oauth2/token"
	defaultTwitchHelixURL   = "https://api.twitch.tv/helix"
	defaultLineBroadcastURL = "https://api.line.me/v2/bot/message/broadcast"
	defaultCycleTimeout     = 60 * time.Second
	defaultUpstreamTimeout  = 10 * time.Second
	defaultManualChecksHour = 12
	// Backups are cheap (one small file) but B2 bills per transaction.
	defaultBackblazeBackupIntervalSeconds = 6 * 60 * 60
)

type Config struct {
	ListenAddr string
	DataDir    string

	// Streamers are the tracked Twitch logins, lower-cased, in the order
	// they are checked and reported.
	Streamers      []string
	TwitchAuthURL  string
	TwitchHelixURL string

	LineEnabled      bool
	LineBroadcastURL string

	DiscordEnabled   bool
	DiscordChannelID string

	// StateBackend is "json" (single file, the default) or "sqlite".
	StateBackend string

	// PollInterval runs cycles internally as well; zero leaves scheduling
	// to the external cron caller hitting /check.
	PollInterval    time.Duration
	CycleTimeout    time.Duration
	UpstreamTimeout time.Duration

	// ManualChecksPerHour caps forced checks per caller; 0 disables.
	ManualChecksPerHour int

	BackblazeBackupEnabled         bool
	BackblazeBucket                string
	BackblazePrefix                string
	BackblazeBackupIntervalSeconds int

	LogDebug  bool
	LogStdout bool

	// Secrets. Only ever read from secrets.toml or the environment.
	TwitchClientID          string
	TwitchClientSecret      string
	LineChannelAccessToken  string
	DiscordBotToken         string
	BackblazeAccountID      string
	BackblazeApplicationKey string
}

type serverFileConfig struct {
	Listen              *string `toml:"listen,omitempty"`
	DataDir             *string `toml:"data_dir,omitempty"`
	PollIntervalSeconds *int    `toml:"poll_interval_seconds,omitempty" comment:"0 = only run cycles when /check or /status is called"`
	CycleTimeoutSeconds *int    `toml:"cycle_timeout_seconds,omitempty"`
	UpstreamTimeoutSec  *int    `toml:"upstream_timeout_seconds,omitempty"`
	ManualChecksPerHour *int    `toml:"manual_checks_per_hour,omitempty" comment:"per-caller cap on /status, 0 = unlimited"`
}

type twitchFileConfig struct {
	Streamers []string `toml:"streamers,omitempty" comment:"Twitch logins to watch"`
	AuthURL   *string  `toml:"auth_url,omitempty"`
	HelixURL  *string  `toml:"helix_url,omitempty"`
}

type lineFileConfig struct {
	Enabled      *bool   `toml:"enabled,omitempty"`
	BroadcastURL *string `toml:"broadcast_url,omitempty"`
}

type discordFileConfig struct {
	Enabled   *bool   `toml:"enabled,omitempty"`
	ChannelID *string `toml:"channel_id,omitempty"`
}

type stateFileConfig struct {
	Backend *string `toml:"backend,omitempty" comment:"json or sqlite"`
}

type backupFileConfig struct {
	BackblazeEnabled *bool   `toml:"backblaze_enabled,omitempty"`
	Bucket           *string `toml:"bucket,omitempty"`
	Prefix           *string `toml:"prefix,omitempty"`
	IntervalSeconds  *int    `toml:"interval_seconds,omitempty"`
}

type loggingFileConfig struct {
	Debug  *bool `toml:"debug,omitempty"`
	Stdout *bool `toml:"stdout,omitempty"`
}

type fileConfig struct {
	Server  serverFileConfig  `toml:"server"`
	Twitch  twitchFileConfig  `toml:"twitch"`
	Line    lineFileConfig    `toml:"line"`
	Discord discordFileConfig `toml:"discord"`
	State   stateFileConfig   `toml:"state"`
	Backup  backupFileConfig  `toml:"backup"`
	Logging loggingFileConfig `toml:"logging"`
}

// secretsConfig keeps credentials out of config.toml so that file can be
// shared or committed. Values here override the environment.
type secretsConfig struct {
	TwitchClientID          string `toml:"twitch_client_id"`
	TwitchClientSecret      string `toml:"twitch_client_secret"`
	LineChannelAccessToken  string `toml:"line_channel_access_token"`
	DiscordBotToken         string `toml:"discord_bot_token"`
	BackblazeAccountID      string `toml:"backblaze_account_id"`
	BackblazeApplicationKey string `toml:"backblaze_application_key"`
}

// defaultConfig is the base both for loading and for example generation.
func defaultConfig() Config {
	return Config{
		ListenAddr:                     defaultListenAddr,
		DataDir:                        defaultDataDir,
		TwitchAuthURL:                  defaultTwitchAuthURL,
		TwitchHelixURL:                 defaultTwitchHelixURL,
		LineEnabled:                    true,
		LineBroadcastURL:               defaultLineBroadcastURL,
		DiscordEnabled:                 false,
		StateBackend:                   stateBackendJSON,
		PollInterval:                   0,
		CycleTimeout:                   defaultCycleTimeout,
		UpstreamTimeout:                defaultUpstreamTimeout,
		ManualChecksPerHour:            defaultManualChecksHour,
		BackblazeBackupIntervalSeconds: defaultBackblazeBackupIntervalSeconds,
	}
}

func defaultConfigPath(dataDir string) string {
	if strings.TrimSpace(dataDir) == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "config", "config.toml")
}

func defaultSecretsPath(dataDir string) string {
	if strings.TrimSpace(dataDir) == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "config", "secrets.toml")
}

// loadConfig layers defaults, config.toml, the environment and
// secrets.toml, in that order. A missing config.toml is created from
// defaults; a missing secrets.toml is fine when the environment carries
// the credentials.
func loadConfig(dataDir, configPath, secretsPath string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(dataDir) != "" {
		cfg.DataDir = strings.TrimSpace(dataDir)
	}

	if configPath == "" {
		configPath = defaultConfigPath(cfg.DataDir)
	}
	fc, ok, err := loadConfigFile(configPath)
	if err != nil {
		return cfg, err
	}
	if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
		logger.Info("created default config file", "component", "config", "path", configPath)
	}

	applyEnvConfig(&cfg, os.Getenv)

	if secretsPath == "" {
		secretsPath = defaultSecretsPath(cfg.DataDir)
	}
	sc, ok, err := loadSecretsFile(secretsPath)
	if err != nil {
		return cfg, err
	}
	if ok {
		applySecretsConfig(&cfg, *sc)
	}

	cfg.Streamers = normalizeStreamers(cfg.Streamers)
	return cfg, nil
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var sc secretsConfig
	if err := toml.Unmarshal(data, &sc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &sc, true, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Server.Listen != nil {
		cfg.ListenAddr = strings.TrimSpace(*fc.Server.Listen)
	}
	if fc.Server.DataDir != nil && strings.TrimSpace(*fc.Server.DataDir) != "" {
		cfg.DataDir = strings.TrimSpace(*fc.Server.DataDir)
	}
	if fc.Server.PollIntervalSeconds != nil {
		cfg.PollInterval = secondsOr(*fc.Server.PollIntervalSeconds, 0)
	}
	if fc.Server.CycleTimeoutSeconds != nil {
		cfg.CycleTimeout = secondsOr(*fc.Server.CycleTimeoutSeconds, defaultCycleTimeout)
	}
	if fc.Server.UpstreamTimeoutSec != nil {
		cfg.UpstreamTimeout = secondsOr(*fc.Server.UpstreamTimeoutSec, defaultUpstreamTimeout)
	}

	if fc.Server.ManualChecksPerHour != nil {
		cfg.ManualChecksPerHour = *fc.Server.ManualChecksPerHour
	}

	if fc.Twitch.Streamers != nil {
		cfg.Streamers = append([]string(nil), fc.Twitch.Streamers...)
	}
	if fc.Twitch.AuthURL != nil {
		cfg.TwitchAuthURL = strings.TrimSpace(*fc.Twitch.AuthURL)
	}
	if fc.Twitch.HelixURL != nil {
		cfg.TwitchHelixURL = strings.TrimSpace(*fc.Twitch.HelixURL)
	}

	if fc.Line.Enabled != nil {
		cfg.LineEnabled = *fc.Line.Enabled
	}
	if fc.Line.BroadcastURL != nil {
		cfg.LineBroadcastURL = strings.TrimSpace(*fc.Line.BroadcastURL)
	}

	if fc.Discord.Enabled != nil {
		cfg.DiscordEnabled = *fc.Discord.Enabled
	}
	if fc.Discord.ChannelID != nil {
		cfg.DiscordChannelID = strings.TrimSpace(*fc.Discord.ChannelID)
	}

	if fc.State.Backend != nil {
		cfg.StateBackend = strings.ToLower(strings.TrimSpace(*fc.State.Backend))
	}

	if fc.Backup.BackblazeEnabled != nil {
		cfg.BackblazeBackupEnabled = *fc.Backup.BackblazeEnabled
	}
	if fc.Backup.Bucket != nil {
		cfg.BackblazeBucket = strings.TrimSpace(*fc.Backup.Bucket)
	}
	if fc.Backup.Prefix != nil {
		cfg.BackblazePrefix = strings.TrimSpace(*fc.Backup.Prefix)
	}
	if fc.Backup.IntervalSeconds != nil {
		cfg.BackblazeBackupIntervalSeconds = *fc.Backup.IntervalSeconds
	}

	if fc.Logging.Debug != nil {
		cfg.LogDebug = *fc.Logging.Debug
	}
	if fc.Logging.Stdout != nil {
		cfg.LogStdout = *fc.Logging.Stdout
	}
}

// applyEnvConfig reads the variables a container platform typically
// injects. PORT follows the usual PaaS convention.
func applyEnvConfig(cfg *Config, getenv func(string) string) {
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		cfg.ListenAddr = ":" + strings.TrimPrefix(port, ":")
	}
	if v := strings.TrimSpace(getenv("GOLIVE_STREAMERS")); v != "" {
		cfg.Streamers = strings.Split(v, ",")
	}
	setIfPresent := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setIfPresent(&cfg.TwitchClientID, "TWITCH_CLIENT_ID")
	setIfPresent(&cfg.TwitchClientSecret, "TWITCH_CLIENT_SECRET")
	setIfPresent(&cfg.LineChannelAccessToken, "LINE_CHANNEL_ACCESS_TOKEN")
	setIfPresent(&cfg.DiscordBotToken, "DISCORD_BOT_TOKEN")
	setIfPresent(&cfg.BackblazeAccountID, "B2_ACCOUNT_ID")
	setIfPresent(&cfg.BackblazeApplicationKey, "B2_APPLICATION_KEY")
}

func applySecretsConfig(cfg *Config, sc secretsConfig) {
	setIfSet := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	setIfSet(&cfg.TwitchClientID, sc.TwitchClientID)
	setIfSet(&cfg.TwitchClientSecret, sc.TwitchClientSecret)
	setIfSet(&cfg.LineChannelAccessToken, sc.LineChannelAccessToken)
	setIfSet(&cfg.DiscordBotToken, sc.DiscordBotToken)
	setIfSet(&cfg.BackblazeAccountID, sc.BackblazeAccountID)
	setIfSet(&cfg.BackblazeApplicationKey, sc.BackblazeApplicationKey)
}

// normalizeStreamers lower-cases and trims logins and drops blanks and
// duplicates, keeping first-seen order.
func normalizeStreamers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		login := normalizeLogin(s)
		if login == "" {
			continue
		}
		if _, dup := seen[login]; dup {
			continue
		}
		seen[login] = struct{}{}
		out = append(out, login)
	}
	return out
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return errors.New("server listen address is empty")
	}
	if len(cfg.Streamers) == 0 {
		return errors.New("no streamers configured ([twitch].streamers or GOLIVE_STREAMERS)")
	}
	if len(cfg.Streamers) > helixMaxLogins {
		return fmt.Errorf("%d streamers configured; at most %d are supported", len(cfg.Streamers), helixMaxLogins)
	}
	if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
		return errors.New("twitch_client_id and twitch_client_secret are required")
	}
	if cfg.TwitchAuthURL == "" || cfg.TwitchHelixURL == "" {
		return errors.New("twitch auth_url and helix_url must not be empty")
	}
	if !cfg.LineEnabled && !cfg.DiscordEnabled {
		return errors.New("no notification channel enabled ([line] or [discord])")
	}
	if cfg.LineEnabled && cfg.LineChannelAccessToken == "" {
		return errors.New("line is enabled but line_channel_access_token is missing")
	}
	if cfg.DiscordEnabled && (cfg.DiscordBotToken == "" || cfg.DiscordChannelID == "") {
		return errors.New("discord is enabled but discord_bot_token or [discord].channel_id is missing")
	}
	switch cfg.StateBackend {
	case stateBackendJSON, stateBackendSQLite:
	default:
		return fmt.Errorf("unknown [state].backend %q", cfg.StateBackend)
	}
	if cfg.PollInterval < 0 {
		return errors.New("poll_interval_seconds must be >= 0")
	}
	if cfg.BackblazeBackupEnabled && (cfg.BackblazeBucket == "" || cfg.BackblazeAccountID == "" || cfg.BackblazeApplicationKey == "") {
		return errors.New("backblaze backups enabled but bucket or credentials are missing")
	}
	return nil
}

// Effective is the loggable view of cfg with secrets reduced to flags.
func (cfg Config) Effective() map[string]any {
	return map[string]any{
		"listen":            cfg.ListenAddr,
		"data_dir":          cfg.DataDir,
		"streamers":         strings.Join(cfg.Streamers, ","),
		"line_enabled":      cfg.LineEnabled,
		"discord_enabled":   cfg.DiscordEnabled,
		"state_backend":     cfg.StateBackend,
		"poll_interval":     cfg.PollInterval.String(),
		"cycle_timeout":     cfg.CycleTimeout.String(),
		"upstream_timeout":  cfg.UpstreamTimeout.String(),
		"backblaze_enabled": cfg.BackblazeBackupEnabled,
		"twitch_secret_set": cfg.TwitchClientSecret != "",
		"line_token_set":    cfg.LineChannelAccessToken != "",
		"discord_token_set": cfg.DiscordBotToken != "",
	}
}
