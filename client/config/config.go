// Package config loads the client configuration from the environment
// and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/stegoshare/backend/internal/validation"
)

// Config holds client configuration.
type Config struct {
	SaveDir       string
	PeerImagesDir string
	ServicePort   uint16
	ServerIPs     []string
}

// Load reads configuration from the environment, honoring a .env file in
// the working directory when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SaveDir: os.Getenv("SAVE_DIR"),
	}
	if cfg.SaveDir == "" {
		return nil, fmt.Errorf("SAVE_DIR is not set")
	}
	cfg.PeerImagesDir = envOr("PEER_IMAGES_DIR", "../Peer_Images")

	portStr := os.Getenv("LISTENING_PORT")
	if portStr == "" {
		return nil, fmt.Errorf("LISTENING_PORT is not set")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("LISTENING_PORT: invalid port %q", portStr)
	}
	cfg.ServicePort = uint16(port)

	for _, key := range []string{"FIRST_SERVER_IP", "SECOND_SERVER_IP"} {
		if v := os.Getenv(key); v != "" {
			cfg.ServerIPs = append(cfg.ServerIPs, v)
		}
	}
	if v := os.Getenv("EXTRA_SERVER_IPS"); v != "" {
		for _, ip := range strings.Split(v, ",") {
			ip = strings.TrimSpace(ip)
			if ip != "" {
				cfg.ServerIPs = append(cfg.ServerIPs, ip)
			}
		}
	}
	if len(cfg.ServerIPs) == 0 {
		return nil, fmt.Errorf("no server addresses configured")
	}
	for _, ip := range cfg.ServerIPs {
		if err := validation.ValidateHost(ip); err != nil {
			return nil, fmt.Errorf("server %q: %w", ip, err)
		}
	}
	return cfg, nil
}

// ServerAddrs returns the service endpoints of all configured servers.
func (c *Config) ServerAddrs() []string {
	addrs := make([]string, 0, len(c.ServerIPs))
	for _, ip := range c.ServerIPs {
		addrs = append(addrs, fmt.Sprintf("%s:%d", ip, c.ServicePort))
	}
	return addrs
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
