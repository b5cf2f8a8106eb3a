package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

var secretsConfigExample = []byte(`# Generated secrets example (copy to secrets.toml and fill in)
# Environment variables of the same name in upper case also work.

twitch_client_id = ""
twitch_client_secret = ""
line_channel_access_token = ""

# discord_bot_token = ""
# backblaze_account_id = ""
# backblaze_application_key = ""
`)

func ensureExampleFiles(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	examplesDir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(examplesDir, 0o755); err != nil {
		logger.Warn("create examples directory failed", "component", "config", "dir", examplesDir, "error", err)
		return
	}
	ensureExampleFile(filepath.Join(examplesDir, "config.toml.example"), exampleConfigBytes())
	ensureExampleFile(filepath.Join(examplesDir, "secrets.toml.example"), secretsConfigExample)
}

func ensureExampleFile(path string, contents []byte) {
	if len(contents) == 0 {
		return
	}
	if err := writeFileAtomic(path, contents, 0o644); err != nil {
		logger.Warn("write example config failed", "component", "config", "path", path, "error", err)
	}
}

func exampleConfigBytes() []byte {
	cfg := defaultConfig()
	cfg.Streamers = []string{"some_streamer", "another_streamer"}
	data, err := encodeConfig(cfg)
	if err != nil {
		logger.Warn("encode config example failed", "component", "config", "error", err)
		return nil
	}
	return append([]byte("# Generated config example (copy to config.toml and edit as needed)\n\n"), data...)
}

// buildFileConfig is the inverse of applyFileConfig. Secrets are never
// written here.
func buildFileConfig(cfg Config) fileConfig {
	pollSeconds := int(cfg.PollInterval.Seconds())
	cycleSeconds := int(cfg.CycleTimeout.Seconds())
	upstreamSeconds := int(cfg.UpstreamTimeout.Seconds())
	return fileConfig{
		Server: serverFileConfig{
			Listen:              &cfg.ListenAddr,
			DataDir:             &cfg.DataDir,
			PollIntervalSeconds: &pollSeconds,
			CycleTimeoutSeconds: &cycleSeconds,
			UpstreamTimeoutSec:  &upstreamSeconds,
			ManualChecksPerHour: &cfg.ManualChecksPerHour,
		},
		Twitch: twitchFileConfig{
			Streamers: append([]string{}, cfg.Streamers...),
			AuthURL:   &cfg.TwitchAuthURL,
			HelixURL:  &cfg.TwitchHelixURL,
		},
		Line: lineFileConfig{
			Enabled:      &cfg.LineEnabled,
			BroadcastURL: &cfg.LineBroadcastURL,
		},
		Discord: discordFileConfig{
			Enabled:   &cfg.DiscordEnabled,
			ChannelID: &cfg.DiscordChannelID,
		},
		State: stateFileConfig{
			Backend: &cfg.StateBackend,
		},
		Backup: backupFileConfig{
			BackblazeEnabled: &cfg.BackblazeBackupEnabled,
			Bucket:           &cfg.BackblazeBucket,
			Prefix:           &cfg.BackblazePrefix,
			IntervalSeconds:  &cfg.BackblazeBackupIntervalSeconds,
		},
		Logging: loggingFileConfig{
			Debug:  &cfg.LogDebug,
			Stdout: &cfg.LogStdout,
		},
	}
}

func encodeConfig(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(buildFileConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// rewriteConfigFile writes cfg to path, keeping the previous file as
// path.bak.
func rewriteConfigFile(path string, cfg Config) error {
	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	bakPath := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(bakPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", bakPath, err)
		}
		if err := os.Link(path, bakPath); err != nil {
			return fmt.Errorf("link %s to %s: %w", path, bakPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return writeFileAtomic(path, data, 0o644)
}
