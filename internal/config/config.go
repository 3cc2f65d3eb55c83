// Package config loads server settings from (in increasing priority) built-in
// defaults, an optional TOML settings file, an optional .env file, and process
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
	Admin   AdminConfig   `toml:"admin"`
	Limits  LimitsConfig  `toml:"limits"`
}

// ServerConfig mirrors the keyed settings file schema.
type ServerConfig struct {
	Port                    int    `toml:"port" env:"COOP_PORT"`
	MaxLobbies              int    `toml:"max_lobbies" env:"COOP_MAX_LOBBIES"`
	MaxPlayersPerLobby      int    `toml:"max_players_per_lobby" env:"COOP_MAX_PLAYERS_PER_LOBBY"`
	ClientTimeoutSeconds    int    `toml:"client_timeout_seconds" env:"COOP_CLIENT_TIMEOUT_SECONDS"`
	LobbyIdleTimeoutSeconds int    `toml:"lobby_idle_timeout_seconds" env:"COOP_LOBBY_IDLE_TIMEOUT_SECONDS"`
	EnablePersistence       bool   `toml:"enable_persistence" env:"COOP_ENABLE_PERSISTENCE"`
	PersistenceDir          string `toml:"persistence_dir" env:"COOP_PERSISTENCE_DIR"`
}

type LoggingConfig struct {
	Level  string `toml:"level" env:"COOP_LOG_LEVEL"`
	Format string `toml:"format" env:"COOP_LOG_FORMAT"`
}

// AdminConfig controls the HTTP listener for /health and /metrics.
// An empty address disables the listener entirely.
type AdminConfig struct {
	Addr string `toml:"addr" env:"COOP_ADMIN_ADDR"`
}

// LimitsConfig tunes the handshake rate limiter and the handler worker pool.
type LimitsConfig struct {
	HandshakeRateLimit   bool    `toml:"handshake_rate_limit" env:"COOP_HANDSHAKE_RATE_LIMIT"`
	HandshakeIPBurst     int     `toml:"handshake_ip_burst" env:"COOP_HANDSHAKE_IP_BURST"`
	HandshakeIPRate      float64 `toml:"handshake_ip_rate" env:"COOP_HANDSHAKE_IP_RATE"`
	HandshakeGlobalBurst int     `toml:"handshake_global_burst" env:"COOP_HANDSHAKE_GLOBAL_BURST"`
	HandshakeGlobalRate  float64 `toml:"handshake_global_rate" env:"COOP_HANDSHAKE_GLOBAL_RATE"`
	WorkerCount          int     `toml:"worker_count" env:"COOP_WORKER_COUNT"`
	WorkerQueueSize      int     `toml:"worker_queue_size" env:"COOP_WORKER_QUEUE_SIZE"`
}

// Default returns the built-in defaults. These match the values a missing
// settings file implies.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                    8756,
			MaxLobbies:              100,
			MaxPlayersPerLobby:      16,
			ClientTimeoutSeconds:    60,
			LobbyIdleTimeoutSeconds: 300,
			EnablePersistence:       true,
			PersistenceDir:          "./lobbies",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Admin: AdminConfig{
			Addr: "",
		},
		Limits: LimitsConfig{
			HandshakeRateLimit:   true,
			HandshakeIPBurst:     10,
			HandshakeIPRate:      2.0,
			HandshakeGlobalBurst: 100,
			HandshakeGlobalRate:  50.0,
			WorkerCount:          0, // 0 = GOMAXPROCS * 2, resolved by the server
			WorkerQueueSize:      1024,
		},
	}
}

// Load builds the effective configuration.
// Priority: environment variables > .env file > settings file > defaults.
// A missing settings file is not an error; a malformed one is.
func Load(path string, logger *zerolog.Logger) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings file %s: %w", path, err)
		}
		if logger != nil {
			logger.Info().Str("path", path).Msg("Loaded settings file")
		}
	case errors.Is(err, fs.ErrNotExist):
		if logger != nil {
			logger.Info().Str("path", path).Msg("No settings file found, using defaults")
		}
	default:
		return cfg, fmt.Errorf("read settings file %s: %w", path, err)
	}

	// .env is a development convenience; absence is fine.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded .env file")
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums. Invalid configuration is fatal at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxLobbies < 1 {
		return fmt.Errorf("max_lobbies must be > 0, got %d", c.Server.MaxLobbies)
	}
	if c.Server.MaxPlayersPerLobby < 1 {
		return fmt.Errorf("max_players_per_lobby must be > 0, got %d", c.Server.MaxPlayersPerLobby)
	}
	if c.Server.ClientTimeoutSeconds < 1 {
		return fmt.Errorf("client_timeout_seconds must be > 0, got %d", c.Server.ClientTimeoutSeconds)
	}
	if c.Server.LobbyIdleTimeoutSeconds < 1 {
		return fmt.Errorf("lobby_idle_timeout_seconds must be > 0, got %d", c.Server.LobbyIdleTimeoutSeconds)
	}
	if c.Server.EnablePersistence && c.Server.PersistenceDir == "" {
		return fmt.Errorf("persistence_dir must be set when persistence is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("logging format must be one of: json, pretty (got: %s)", c.Logging.Format)
	}

	if c.Limits.WorkerCount < 0 {
		return fmt.Errorf("worker_count must be >= 0, got %d", c.Limits.WorkerCount)
	}
	if c.Limits.WorkerQueueSize < 1 {
		return fmt.Errorf("worker_queue_size must be > 0, got %d", c.Limits.WorkerQueueSize)
	}
	return nil
}

func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.Server.ClientTimeoutSeconds) * time.Second
}

func (c *Config) LobbyIdleTimeout() time.Duration {
	return time.Duration(c.Server.LobbyIdleTimeoutSeconds) * time.Second
}

// LogConfig emits the effective configuration as one structured line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Server.Port).
		Int("max_lobbies", c.Server.MaxLobbies).
		Int("max_players_per_lobby", c.Server.MaxPlayersPerLobby).
		Int("client_timeout_seconds", c.Server.ClientTimeoutSeconds).
		Int("lobby_idle_timeout_seconds", c.Server.LobbyIdleTimeoutSeconds).
		Bool("enable_persistence", c.Server.EnablePersistence).
		Str("persistence_dir", c.Server.PersistenceDir).
		Str("admin_addr", c.Admin.Addr).
		Str("log_level", c.Logging.Level).
		Str("log_format", c.Logging.Format).
		Msg("Server configuration loaded")
}
