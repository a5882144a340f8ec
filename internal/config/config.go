package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully resolved daemon configuration. Router identifies this
// instance, Peers describes the fleet it exchanges advertisements with.
type Config struct {
	Service ServiceConfig        `koanf:"service"`
	Router  RouterConfig         `koanf:"router"`
	Peers   map[string]PeerEntry `koanf:"peers"`
	Audit   AuditConfig          `koanf:"audit"`
}

type ServiceConfig struct {
	LogLevel               string `koanf:"log_level"`
	HTTPListen             string `koanf:"http_listen"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// RouterConfig is the ConfigRecord described by the daemon design: the
// router's own identity plus the timers governing the routing table.
type RouterConfig struct {
	ID                     int    `koanf:"id"`
	BindAddress            string `koanf:"bind_address"`
	IncomingPorts          []int  `koanf:"incoming_ports"`
	PeriodicUpdateSeconds  int    `koanf:"periodic_update_seconds"`
	TimeoutSeconds         int    `koanf:"timeout_seconds"`
	GarbageCollectSeconds  int    `koanf:"garbage_collection_seconds"`
	PollTimeoutMs          int    `koanf:"poll_timeout_ms"`
}

// PeerEntry describes one configured neighbor, keyed by its router ID in
// the Peers map (the map key is parsed as the peer's identity).
type PeerEntry struct {
	OutgoingPort int `koanf:"outgoing_port"`
	LinkMetric   int `koanf:"link_metric"`
}

type AuditConfig struct {
	Enabled         bool   `koanf:"enabled"`
	PostgresDSN     string `koanf:"postgres_dsn"`
	BufferSize      int    `koanf:"buffer_size"`
	BatchSize       int    `koanf:"batch_size"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
	Compress        bool   `koanf:"compress"`
	RetentionDays   int    `koanf:"retention_days"`
}

// Peer is the runtime-resolved form of PeerEntry, with the router ID
// parsed out of the config map key and validated into range.
type Peer struct {
	PeerID       int
	OutgoingPort int
	LinkMetric   int
}

// Load reads configuration from a YAML file, overlaid with environment
// variables (prefix RIPD_, "__" as the nesting separator, e.g.
// RIPD_ROUTER__TIMEOUT_SECONDS), applies defaults, and validates the
// result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("RIPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RIPD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			HTTPListen:             ":8080",
			ShutdownTimeoutSeconds: 10,
		},
		Router: RouterConfig{
			BindAddress:           "127.0.0.1",
			PeriodicUpdateSeconds: 30,
			TimeoutSeconds:        180,
			GarbageCollectSeconds: 120,
			PollTimeoutMs:         500,
		},
		Audit: AuditConfig{
			BufferSize:      256,
			BatchSize:       100,
			FlushIntervalMs: 1000,
			Compress:        true,
			RetentionDays:   30,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvedPeers returns the configured peers as a slice, with router
// identities parsed out of the map keys. Load has already validated that
// every key parses as a valid router ID.
func (c *Config) ResolvedPeers() []Peer {
	peers := make([]Peer, 0, len(c.Peers))
	for key, entry := range c.Peers {
		id, err := parsePeerID(key)
		if err != nil {
			continue
		}
		peers = append(peers, Peer{
			PeerID:       id,
			OutgoingPort: entry.OutgoingPort,
			LinkMetric:   entry.LinkMetric,
		})
	}
	return peers
}

func parsePeerID(key string) (int, error) {
	var id int
	_, err := fmt.Sscanf(key, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("config: peer key %q is not a router id: %w", key, err)
	}
	return id, nil
}

func (c *Config) Validate() error {
	if c.Router.ID <= 0 || c.Router.ID > 65535 {
		return fmt.Errorf("config: router.id must be in [1,65535] (got %d)", c.Router.ID)
	}
	if len(c.Router.IncomingPorts) == 0 {
		return fmt.Errorf("config: router.incoming_ports is required")
	}
	for _, port := range c.Router.IncomingPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("config: router.incoming_ports contains invalid port %d", port)
		}
	}
	if c.Router.PeriodicUpdateSeconds <= 0 {
		return fmt.Errorf("config: router.periodic_update_seconds must be > 0 (got %d)", c.Router.PeriodicUpdateSeconds)
	}
	if c.Router.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: router.timeout_seconds must be > 0 (got %d)", c.Router.TimeoutSeconds)
	}
	if c.Router.GarbageCollectSeconds <= 0 {
		return fmt.Errorf("config: router.garbage_collection_seconds must be > 0 (got %d)", c.Router.GarbageCollectSeconds)
	}
	if c.Router.PollTimeoutMs <= 0 {
		return fmt.Errorf("config: router.poll_timeout_ms must be > 0 (got %d)", c.Router.PollTimeoutMs)
	}

	peers := c.ResolvedPeers()
	if len(peers) != len(c.Peers) {
		return fmt.Errorf("config: peers map contains a key that is not a valid router id")
	}
	seenPorts := make(map[int]bool, len(peers))
	for _, p := range peers {
		if p.PeerID <= 0 || p.PeerID > 65535 {
			return fmt.Errorf("config: peer id %d out of range [1,65535]", p.PeerID)
		}
		if p.PeerID == c.Router.ID {
			return fmt.Errorf("config: peer id %d collides with this router's own id", p.PeerID)
		}
		if p.OutgoingPort < 1 || p.OutgoingPort > 65535 {
			return fmt.Errorf("config: peer %d outgoing_port %d out of range", p.PeerID, p.OutgoingPort)
		}
		if p.LinkMetric < 1 || p.LinkMetric > 15 {
			return fmt.Errorf("config: peer %d link_metric must be in [1,15] (got %d)", p.PeerID, p.LinkMetric)
		}
		if seenPorts[p.OutgoingPort] {
			return fmt.Errorf("config: duplicate peer outgoing_port %d", p.OutgoingPort)
		}
		seenPorts[p.OutgoingPort] = true
	}

	if c.Service.HTTPListen == "" {
		return fmt.Errorf("config: service.http_listen is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}

	if c.Audit.Enabled {
		if c.Audit.PostgresDSN == "" {
			return fmt.Errorf("config: audit.postgres_dsn is required when audit.enabled is true")
		}
		if c.Audit.BufferSize <= 0 {
			return fmt.Errorf("config: audit.buffer_size must be > 0 (got %d)", c.Audit.BufferSize)
		}
		if c.Audit.BatchSize <= 0 {
			return fmt.Errorf("config: audit.batch_size must be > 0 (got %d)", c.Audit.BatchSize)
		}
		if c.Audit.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: audit.flush_interval_ms must be > 0 (got %d)", c.Audit.FlushIntervalMs)
		}
		if c.Audit.RetentionDays <= 0 {
			return fmt.Errorf("config: audit.retention_days must be > 0 (got %d)", c.Audit.RetentionDays)
		}
	}

	return nil
}

// PeriodicUpdateInterval is the RouterConfig.PeriodicUpdateSeconds as a
// time.Duration, for convenient use by the daemon loop.
func (r RouterConfig) PeriodicUpdateInterval() time.Duration {
	return time.Duration(r.PeriodicUpdateSeconds) * time.Second
}

func (r RouterConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func (r RouterConfig) GarbageCollectWindow() time.Duration {
	return time.Duration(r.GarbageCollectSeconds) * time.Second
}

func (r RouterConfig) PollTimeout() time.Duration {
	return time.Duration(r.PollTimeoutMs) * time.Millisecond
}
