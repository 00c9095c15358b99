package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvWSURL    = "GALATEA_WS_URL"
	EnvAPIURL   = "GALATEA_API_URL"
	EnvAssetURL = "GALATEA_ASSET_URL"
	EnvLanguage = "GALATEA_LANGUAGE"
	EnvLogLevel = "GALATEA_LOG_LEVEL"
)

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load env file %q: %w", path, err)
}

// Load reads the YAML configuration file at path, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the GALATEA_* variables found by lookup.
// Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvWSURL, &cfg.Server.WSURL)
	set(EnvAPIURL, &cfg.Server.APIURL)
	set(EnvAssetURL, &cfg.Server.AssetURL)

	var lang, level string
	set(EnvLanguage, &lang)
	set(EnvLogLevel, &level)
	if lang != "" {
		cfg.Client.Language = Language(lang)
	}
	if level != "" {
		cfg.Client.LogLevel = LogLevel(level)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if err := checkURL(cfg.Server.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("server.ws_url: %w", err))
	}
	if err := checkURL(cfg.Server.APIURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("server.api_url: %w", err))
	}
	if cfg.Server.AssetURL != "" {
		if err := checkURL(cfg.Server.AssetURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("server.asset_url: %w", err))
		}
	}

	// Client
	if !cfg.Client.Language.IsValid() {
		errs = append(errs, fmt.Errorf("client.language %q is invalid; valid values: zh, en", cfg.Client.Language))
	}
	if !cfg.Client.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("client.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Client.LogLevel))
	}
	if cfg.Client.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("client.heartbeat_interval must be positive, got %s", cfg.Client.HeartbeatInterval))
	}
	if cfg.Client.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.request_timeout must be positive, got %s", cfg.Client.RequestTimeout))
	}
	if cfg.Client.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("client.read_limit must be positive, got %d", cfg.Client.ReadLimit))
	}

	// Audio
	if !cfg.Audio.Player.IsValid() {
		errs = append(errs, fmt.Errorf("audio.player %q is invalid; valid values: command, timed, none", cfg.Audio.Player))
	}
	if cfg.Audio.Player == PlayerCommand && len(cfg.Audio.Command) == 0 {
		errs = append(errs, errors.New("audio.command is required when audio.player is command"))
	}

	// Avatar
	if cfg.Avatar.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("avatar.max_failures must not be negative, got %d", cfg.Avatar.MaxFailures))
	}
	if cfg.Avatar.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("avatar.reset_timeout must not be negative, got %s", cfg.Avatar.ResetTimeout))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
}
