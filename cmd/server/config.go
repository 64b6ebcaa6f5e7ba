package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"go-tunnel/proxy"

	"go.uber.org/zap"
)

const defaultConfigPath = "go_tunnel.json"

type ServerConfig struct {
	Addr             string `json:"addr"`
	AdminAddr        string `json:"admin_addr"`
	ConnectPath      string `json:"connect_path"`
	RequestTimeoutMs int    `json:"request_timeout_ms"`
	PingIntervalMs   int    `json:"ping_interval_ms"`
	IdleTimeoutMs    int    `json:"idle_timeout_ms"`
	MaxMessageBytes  int64  `json:"max_message_bytes"`
	Debug            bool   `json:"debug"`
}

// defaultConfig returns the settings used when go_tunnel.json is missing or
// invalid.
func defaultConfig() *ServerConfig {
	return &ServerConfig{
		Addr:             ":8080",
		AdminAddr:        "",
		ConnectPath:      "/__tunnel/connect",
		RequestTimeoutMs: 0, // wait for the client until it disconnects
		PingIntervalMs:   15000,
		IdleTimeoutMs:    45000,
		MaxMessageBytes:  32 << 20,
	}
}

// loadConfig reads the JSON config at path, falling back to defaults on any
// error and fixing up invalid fields one by one.
func loadConfig(path string, logger *zap.Logger) *ServerConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("no config file, using defaults", zap.String("path", path), zap.Error(err))
		return defaultConfig()
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		logger.Warn("invalid config file, using defaults", zap.String("path", path), zap.Error(err))
		return defaultConfig()
	}

	validateConfig(cfg, logger)
	return cfg
}

func validateConfig(cfg *ServerConfig, logger *zap.Logger) {
	def := defaultConfig()

	if cfg.Addr == "" {
		logger.Warn("addr is empty, falling back", zap.String("addr", def.Addr))
		cfg.Addr = def.Addr
	}

	if !strings.HasPrefix(cfg.ConnectPath, "/") {
		logger.Warn("connect_path does not start with '/', fixing", zap.String("connect_path", cfg.ConnectPath))
		cfg.ConnectPath = "/" + cfg.ConnectPath
	}

	if cfg.RequestTimeoutMs < 0 {
		logger.Warn("request_timeout_ms is invalid, falling back",
			zap.Int("request_timeout_ms", cfg.RequestTimeoutMs), zap.Int("default", def.RequestTimeoutMs))
		cfg.RequestTimeoutMs = def.RequestTimeoutMs
	}

	if cfg.PingIntervalMs <= 0 {
		logger.Warn("ping_interval_ms is invalid, falling back",
			zap.Int("ping_interval_ms", cfg.PingIntervalMs), zap.Int("default", def.PingIntervalMs))
		cfg.PingIntervalMs = def.PingIntervalMs
	}

	if cfg.IdleTimeoutMs < 0 {
		logger.Warn("idle_timeout_ms is invalid, falling back",
			zap.Int("idle_timeout_ms", cfg.IdleTimeoutMs), zap.Int("default", def.IdleTimeoutMs))
		cfg.IdleTimeoutMs = def.IdleTimeoutMs
	}
	if cfg.IdleTimeoutMs > 0 && cfg.IdleTimeoutMs <= cfg.PingIntervalMs {
		logger.Warn("idle_timeout_ms must exceed ping_interval_ms, raising it",
			zap.Int("idle_timeout_ms", cfg.IdleTimeoutMs), zap.Int("ping_interval_ms", cfg.PingIntervalMs))
		cfg.IdleTimeoutMs = 3 * cfg.PingIntervalMs
	}

	if cfg.MaxMessageBytes <= 0 {
		logger.Warn("max_message_bytes is invalid, falling back",
			zap.Int64("max_message_bytes", cfg.MaxMessageBytes), zap.Int64("default", def.MaxMessageBytes))
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
}

func (c *ServerConfig) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *ServerConfig) wsConfig(logger *zap.Logger) proxy.WSConfig {
	return proxy.WSConfig{
		PingInterval:    time.Duration(c.PingIntervalMs) * time.Millisecond,
		IdleTimeout:     time.Duration(c.IdleTimeoutMs) * time.Millisecond,
		MaxMessageBytes: c.MaxMessageBytes,
		Logger:          logger,
	}
}
