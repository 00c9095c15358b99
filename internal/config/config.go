// Package config provides the configuration schema and loader for the
// Galatea client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Language selects the localisation requested from the server.
type Language string

const (
	LanguageZh Language = "zh"
	LanguageEn Language = "en"
)

// IsValid reports whether l is a supported language.
func (l Language) IsValid() bool {
	return l == LanguageZh || l == LanguageEn
}

// PlayerKind selects how audio segments are played.
type PlayerKind string

const (
	// PlayerCommand pipes each WAV segment to an external program.
	PlayerCommand PlayerKind = "command"
	// PlayerTimed plays nothing and waits for the segment's duration.
	PlayerTimed PlayerKind = "timed"
	// PlayerNone discards audio on arrival.
	PlayerNone PlayerKind = "none"
)

// IsValid reports whether p is a recognised player kind.
func (p PlayerKind) IsValid() bool {
	switch p {
	case PlayerCommand, PlayerTimed, PlayerNone:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded with
// [Load] or [LoadFromReader], which start from [Default].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Client      ClientConfig      `yaml:"client"`
	Audio       AudioConfig       `yaml:"audio"`
	Avatar      AvatarConfig      `yaml:"avatar"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Journal     JournalConfig     `yaml:"journal"`
}

// ServerConfig locates the Galatea server.
type ServerConfig struct {
	// WSURL is the WebSocket endpoint (ws:// or wss://).
	WSURL string `yaml:"ws_url"`

	// APIURL is the base of the HTTP API, e.g. "http://localhost:8000/api/v1".
	APIURL string `yaml:"api_url"`

	// AssetURL is prefixed to relative avatar URLs. Empty means the scheme
	// and host of APIURL.
	AssetURL string `yaml:"asset_url"`
}

// ClientConfig holds behaviour settings of the client itself.
type ClientConfig struct {
	Language Language `yaml:"language"`
	LogLevel LogLevel `yaml:"log_level"`

	// EnableAudio asks the server to synthesise speech for replies.
	EnableAudio bool `yaml:"enable_audio"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	// ReadLimit caps the size of one inbound WebSocket frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

// AudioConfig selects the playback backend.
type AudioConfig struct {
	Player PlayerKind `yaml:"player"`

	// Command is the argv of the external player when Player is "command".
	// The WAV file is written to its stdin.
	Command []string `yaml:"command"`
}

// AvatarConfig controls the external 3D avatar process.
type AvatarConfig struct {
	// AutoLaunch starts the avatar on start-up when it is not running.
	AutoLaunch bool `yaml:"auto_launch"`

	// MaxFailures and ResetTimeout tune the circuit breaker around voice and
	// avatar switching.
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DiagnosticsConfig configures the local health and metrics endpoint.
type DiagnosticsConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics.
	// Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// JournalConfig configures the local transcript journal.
type JournalConfig struct {
	// Path of the SQLite database. Empty disables the journal.
	Path string `yaml:"path"`
}

// Default returns the configuration used for every field a file or the
// environment does not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:    "ws://localhost:8000/api/v1/ws/web",
			APIURL:   "http://localhost:8000/api/v1",
			AssetURL: "http://localhost:8000",
		},
		Client: ClientConfig{
			Language:          LanguageZh,
			LogLevel:          LogInfo,
			EnableAudio:       true,
			HeartbeatInterval: 30 * time.Second,
			RequestTimeout:    15 * time.Second,
			ReadLimit:         16 << 20,
		},
		Audio: AudioConfig{
			Player:  PlayerCommand,
			Command: []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-"},
		},
		Avatar: AvatarConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}
