package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	proptalk "github.com/proptalk/proptalk/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.proptalk/config.toml.
type Config struct {
	Server  ConfigServer  `koanf:"server" toml:"server"`
	Session ConfigSession `koanf:"session" toml:"session"`
	Cache   ConfigCache   `koanf:"cache" toml:"cache"`
	Log     ConfigLog     `koanf:"log" toml:"log"`
}

// ConfigServer holds the endpoint and credentials.
type ConfigServer struct {
	BaseURL string `koanf:"base_url" toml:"base_url"`
	Token   string `koanf:"token" toml:"token"`
}

// ConfigSession tunes the realtime session. Durations use Go syntax ("10s").
type ConfigSession struct {
	AutoReconnect     bool   `koanf:"auto_reconnect" toml:"auto_reconnect"`
	HeartbeatInterval string `koanf:"heartbeat_interval" toml:"heartbeat_interval"`
	JoinTimeout       string `koanf:"join_timeout" toml:"join_timeout"`
	SendTimeout       string `koanf:"send_timeout" toml:"send_timeout"`
	ReadDebounce      string `koanf:"read_debounce" toml:"read_debounce"`
	DedupeWindow      string `koanf:"dedupe_window" toml:"dedupe_window"`
}

// ConfigCache controls the local message cache.
type ConfigCache struct {
	Enabled bool   `koanf:"enabled" toml:"enabled"`
	Path    string `koanf:"path" toml:"path"`
}

// ConfigLog controls CLI logging.
type ConfigLog struct {
	Level string `koanf:"level" toml:"level"`
}

var defaultValues = map[string]any{
	"server.base_url":            proptalk.DefaultBaseURL,
	"session.auto_reconnect":     true,
	"session.heartbeat_interval": "25s",
	"session.join_timeout":       "10s",
	"session.send_timeout":       "5s",
	"session.read_debounce":      "400ms",
	"session.dedupe_window":      "10s",
	"cache.enabled":              true,
	"log.level":                  "warn",
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.proptalk, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".proptalk")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file in use.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// envKey maps PROPTALK_SERVER_BASE_URL to server.base_url.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "PROPTALK_"))
	return strings.Replace(s, "_", ".", 1)
}

// loadConfigFrom layers defaults, the TOML file at path (if present) and
// PROPTALK_* environment variables.
func loadConfigFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config: %w", err)
			}
		}
	}
	if err := k.Load(env.Provider("PROPTALK_", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFrom(path)
}

// saveConfigTo writes cfg to path as TOML.
func saveConfigTo(path string, cfg *Config) error {
	data, err := gotoml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return saveConfigTo(path, cfg)
}

// setConfigValue sets a config field using dot notation (e.g. "server.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.token)")
	}
	section, field := parts[0], parts[1]

	duration := func(dst *string) error {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		*dst = value
		return nil
	}
	boolean := func(dst *bool) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "session":
		switch field {
		case "auto_reconnect":
			return boolean(&cfg.Session.AutoReconnect)
		case "heartbeat_interval":
			return duration(&cfg.Session.HeartbeatInterval)
		case "join_timeout":
			return duration(&cfg.Session.JoinTimeout)
		case "send_timeout":
			return duration(&cfg.Session.SendTimeout)
		case "read_debounce":
			return duration(&cfg.Session.ReadDebounce)
		case "dedupe_window":
			return duration(&cfg.Session.DedupeWindow)
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	case "cache":
		switch field {
		case "enabled":
			return boolean(&cfg.Cache.Enabled)
		case "path":
			cfg.Cache.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, session, cache, log)", section)
	}
	return nil
}

// sessionConfig converts the [session] section into library settings.
func (c *Config) sessionConfig() (*proptalk.Config, error) {
	out := &proptalk.Config{AutoReconnect: c.Session.AutoReconnect}
	for _, d := range []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", c.Session.HeartbeatInterval, &out.HeartbeatInterval},
		{"join_timeout", c.Session.JoinTimeout, &out.JoinTimeout},
		{"send_timeout", c.Session.SendTimeout, &out.SendTimeout},
		{"read_debounce", c.Session.ReadDebounce, &out.ReadDebounce},
		{"dedupe_window", c.Session.DedupeWindow, &out.DedupeWindow},
	} {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return nil, fmt.Errorf("session.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return out, nil
}

// cachePath returns the cache directory, defaulting to ~/.proptalk/cache.
func (c *Config) cachePath() (string, error) {
	if c.Cache.Path != "" {
		return c.Cache.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage proptalk configuration",
	Long:  "View or modify the proptalk CLI configuration stored in ~/.proptalk/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after defaults and PROPTALK_* environment variables are applied. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Server.Token != "" {
			shown.Server.Token = maskKey(shown.Server.Token)
		}
		data, err := gotoml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: proptalk config set session.send_timeout 8s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
