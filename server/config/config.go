// Package config loads the server daemon configuration from the
// environment and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stegoshare/backend/internal/validation"
)

// Config holds server daemon configuration.
type Config struct {
	SelfIP          string
	SaveDir         string
	ServicePort     uint16
	HeartbeatPort   uint16
	PeerIPs         []string
	DatabaseURL     string
	ObservAddress   string
	CoverPath       string
	HeartbeatPeriod time.Duration
	UploadPortLo    uint16
	UploadPortHi    uint16
}

// Default ports; overridable through the environment.
const (
	DefaultServicePort   = 8081
	DefaultHeartbeatPort = 8085
)

// Load reads configuration from the environment, honoring a .env file in
// the working directory when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SelfIP:          envOr("SELF_IP", "127.0.0.1"),
		SaveDir:         os.Getenv("SAVE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		ObservAddress:   envOr("OBSERV_ADDR", "127.0.0.1:8083"),
		CoverPath:       os.Getenv("COVER_PATH"),
		ServicePort:     DefaultServicePort,
		HeartbeatPort:   DefaultHeartbeatPort,
		HeartbeatPeriod: 2 * time.Second,
		UploadPortLo:    12348,
		UploadPortHi:    25000,
	}

	if cfg.SaveDir == "" {
		return nil, fmt.Errorf("SAVE_DIR is not set")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	if v := os.Getenv("LISTENING_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return nil, fmt.Errorf("LISTENING_PORT: %w", err)
		}
		cfg.ServicePort = port
	}
	if v := os.Getenv("HEARTBEAT_PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return nil, fmt.Errorf("HEARTBEAT_PORT: %w", err)
		}
		cfg.HeartbeatPort = port
	}
	if v := os.Getenv("HEARTBEAT_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("HEARTBEAT_PERIOD: %w", err)
		}
		cfg.HeartbeatPeriod = d
	}

	// The static peer list: two well-known slots plus an optional
	// comma-separated overflow. The election protocol is agnostic to
	// count.
	for _, key := range []string{"FIRST_SERVER_IP", "SECOND_SERVER_IP"} {
		if v := os.Getenv(key); v != "" && v != cfg.SelfIP {
			cfg.PeerIPs = append(cfg.PeerIPs, v)
		}
	}
	if v := os.Getenv("EXTRA_SERVER_IPS"); v != "" {
		for _, ip := range strings.Split(v, ",") {
			ip = strings.TrimSpace(ip)
			if ip != "" && ip != cfg.SelfIP {
				cfg.PeerIPs = append(cfg.PeerIPs, ip)
			}
		}
	}

	if err := validation.ValidateAddr(cfg.ObservAddress); err != nil {
		return nil, fmt.Errorf("OBSERV_ADDR: %w", err)
	}
	for _, ip := range cfg.PeerIPs {
		if err := validation.ValidateHost(ip); err != nil {
			return nil, fmt.Errorf("peer %q: %w", ip, err)
		}
	}

	return cfg, nil
}

// PeerHeartbeatAddrs returns the heartbeat endpoints of all peers.
func (c *Config) PeerHeartbeatAddrs() []string {
	addrs := make([]string, 0, len(c.PeerIPs))
	for _, ip := range c.PeerIPs {
		addrs = append(addrs, fmt.Sprintf("%s:%d", ip, c.HeartbeatPort))
	}
	return addrs
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parsePort(v string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	return uint16(n), nil
}
