package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Tunnel holds the knobs shared by both roles.
type Tunnel struct {
	Subflows           int    `json:"subflows"`
	FrameSizeBytes     int    `json:"frame_size_bytes"`
	StreamWindowBytes  int64  `json:"stream_window_bytes"`
	SessionWindowBytes int64  `json:"session_window_bytes"`
	HeartbeatMS        int    `json:"heartbeat_ms"`
	WriteTimeoutMS     int    `json:"write_timeout_ms"`
	DialTimeoutMS      int    `json:"dial_timeout_ms"`
	Plaintext          bool   `json:"plaintext"`
	TLSCertFile        string `json:"tls_cert_file"`
	TLSKeyFile         string `json:"tls_key_file"`
	TLSInsecure        bool   `json:"tls_insecure"`
}

// Warmup configures the per-subflow padding pacer on the client.
type Warmup struct {
	Enabled        bool    `json:"enabled"`
	BandwidthMbps  float64 `json:"bandwidth_mbps"`
	TotalBytes     int64   `json:"total_bytes"`
	ChunkSizeBytes int     `json:"chunk_size_bytes"`
}

// Client is the client-role section.
type Client struct {
	ServerAddr string `json:"server_addr"`
	SocksAddr  string `json:"socks_addr"`
}

// Server is the server-role section.
type Server struct {
	ListenAddr string `json:"listen_addr"`
}

// Admin configures the local HTTP surface for health, metrics and window
// control.
type Admin struct {
	Addr      string `json:"addr"`
	Dashboard bool   `json:"dashboard"`
}

type Config struct {
	Role   string `json:"role"`
	Tunnel Tunnel `json:"tunnel"`
	Warmup Warmup `json:"warmup"`
	Client Client `json:"client"`
	Server Server `json:"server"`
	Admin  Admin  `json:"admin"`

	role              string
	heartbeat         time.Duration
	writeTimeout      time.Duration
	dialTimeout       time.Duration
	warmupBytesPerSec int
}

const (
	RoleClient = "client"
	RoleServer = "server"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validateAndDerive(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validateAndDerive() error {
	c.role = strings.ToLower(strings.TrimSpace(c.Role))
	switch c.role {
	case RoleClient:
		if c.Client.ServerAddr == "" {
			return errors.New("client.server_addr is required")
		}
		if c.Client.SocksAddr == "" {
			return errors.New("client.socks_addr is required")
		}
	case RoleServer:
		if c.Server.ListenAddr == "" {
			return errors.New("server.listen_addr is required")
		}
	default:
		return fmt.Errorf("role must be %q or %q, got %q", RoleClient, RoleServer, c.Role)
	}

	if c.Tunnel.Subflows < 0 {
		return errors.New("tunnel.subflows must be >= 0")
	}
	if c.Tunnel.FrameSizeBytes < 0 {
		return errors.New("tunnel.frame_size_bytes must be >= 0")
	}
	if c.Tunnel.StreamWindowBytes < 0 {
		return errors.New("tunnel.stream_window_bytes must be >= 0")
	}
	if c.Tunnel.SessionWindowBytes < 0 {
		return errors.New("tunnel.session_window_bytes must be >= 0")
	}
	if c.Tunnel.SessionWindowBytes > 0 && c.Tunnel.StreamWindowBytes > c.Tunnel.SessionWindowBytes {
		return errors.New("tunnel.stream_window_bytes cannot exceed tunnel.session_window_bytes")
	}
	if !c.Tunnel.Plaintext && c.role == RoleServer {
		if c.Tunnel.TLSCertFile == "" || c.Tunnel.TLSKeyFile == "" {
			return errors.New("tunnel.tls_cert_file and tunnel.tls_key_file are required unless plaintext")
		}
	}

	if c.Warmup.Enabled {
		if c.Warmup.BandwidthMbps <= 0 {
			return errors.New("warmup.bandwidth_mbps must be > 0 when warmup is enabled")
		}
		bps := int(c.Warmup.BandwidthMbps * 1_000_000 / 8)
		if bps <= 0 {
			return errors.New("derived warmup bytes per second <= 0")
		}
		c.warmupBytesPerSec = bps
		if c.Warmup.ChunkSizeBytes < 0 {
			return errors.New("warmup.chunk_size_bytes must be >= 0")
		}
		if c.Warmup.TotalBytes < 0 {
			return errors.New("warmup.total_bytes must be >= 0")
		}
	}

	c.heartbeat = durationFromMS(c.Tunnel.HeartbeatMS)
	c.writeTimeout = durationFromMS(c.Tunnel.WriteTimeoutMS)
	c.dialTimeout = durationFromMS(c.Tunnel.DialTimeoutMS)
	return nil
}

func durationFromMS(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Config) IsClient() bool {
	return c.role == RoleClient
}

func (c *Config) Heartbeat() time.Duration {
	return c.heartbeat
}

func (c *Config) WriteTimeout() time.Duration {
	return c.writeTimeout
}

func (c *Config) DialTimeout() time.Duration {
	return c.dialTimeout
}

// WarmupBytesPerSecond is the per-subflow padding rate derived from the
// configured megabits figure.
func (c *Config) WarmupBytesPerSecond() int {
	return c.warmupBytesPerSec
}
