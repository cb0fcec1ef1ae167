// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates broker configuration from YAML.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a broker node.
type Config struct {
	NodeID  string        `yaml:"node_id"`
	Server  ServerConfig  `yaml:"server"`
	Broker  BrokerConfig  `yaml:"broker"`
	Session SessionConfig `yaml:"session"`
	Limits  LimitsConfig  `yaml:"limits"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Cluster ClusterConfig `yaml:"cluster"`
	Otel    OtelConfig    `yaml:"otel"`
}

// ServerConfig holds listener configuration. An empty address disables
// that listener; tcp_addr is the only one required.
type ServerConfig struct {
	TCPAddr        string `yaml:"tcp_addr"`
	WSAddr         string `yaml:"ws_addr"`
	WSPath         string `yaml:"ws_path"`
	QUICAddr       string `yaml:"quic_addr"`
	HealthAddr     string `yaml:"health_addr"`
	MaxConnections int    `yaml:"max_connections"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
	TLSCAFile     string `yaml:"tls_ca_file"`
	TLSClientAuth string `yaml:"tls_client_auth"` // none, request, require

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BrokerConfig holds message handling configuration.
type BrokerConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryPolicy   string        `yaml:"retry_policy"` // retain, drop, disconnect
	MaxInflight   uint16        `yaml:"max_inflight"`
	SysInterval   time.Duration `yaml:"sys_interval"`
	MaxPacketSize uint32        `yaml:"max_packet_size"`
}

// SessionConfig holds per-session queue configuration.
type SessionConfig struct {
	OfflineQueueSize   int    `yaml:"offline_queue_size"`
	OfflineQueuePolicy string `yaml:"offline_queue_policy"` // drop_new, drop_oldest
}

// LimitsConfig holds rate limiting configuration. Zero rates disable the
// corresponding limiter.
type LimitsConfig struct {
	ConnectionsPerSecond float64 `yaml:"connections_per_second"` // per source IP
	ConnectionBurst      int     `yaml:"connection_burst"`
	MessagesPerSecond    float64 `yaml:"messages_per_second"` // per client
	MessageBurst         int     `yaml:"message_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger
	Dir  string `yaml:"dir"`
}

// PeerConfig describes one remote cluster member.
type PeerConfig struct {
	RaftAddr string `yaml:"raft_addr"`
	RPCURL   string `yaml:"rpc_url"`
}

// ClusterConfig holds raft clustering configuration.
type ClusterConfig struct {
	Enabled      bool                  `yaml:"enabled"`
	RaftBindAddr string                `yaml:"raft_bind_addr"`
	RPCBindAddr  string                `yaml:"rpc_bind_addr"`
	DataDir      string                `yaml:"data_dir"`
	Token        string                `yaml:"token"`
	Bootstrap    bool                  `yaml:"bootstrap"`
	Peers        map[string]PeerConfig `yaml:"peers"`

	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
}

// OtelConfig holds OpenTelemetry export configuration.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the default configuration for a standalone node.
func Default() *Config {
	return &Config{
		NodeID: "driftmq-1",
		Server: ServerConfig{
			TCPAddr:         "0.0.0.0:1883",
			WSPath:          "/mqtt",
			TLSClientAuth:   "none",
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			RetryInterval: 20 * time.Second,
			MaxRetries:    3,
			RetryPolicy:   "retain",
			MaxInflight:   1024,
			SysInterval:   10 * time.Second,
		},
		Session: SessionConfig{
			OfflineQueueSize:   1000,
			OfflineQueuePolicy: "drop_oldest",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
		Cluster: ClusterConfig{
			HeartbeatTimeout:  time.Second,
			ElectionTimeout:   3 * time.Second,
			SnapshotInterval:  5 * time.Minute,
			SnapshotThreshold: 8192,
		},
		Otel: OtelConfig{
			ServiceName: "driftmq",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// omitted values. An empty filename returns the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}

	if c.Server.TLSEnabled || c.Server.QUICAddr != "" {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}
	if c.Server.TLSEnabled {
		switch c.Server.TLSClientAuth {
		case "none", "request", "require":
		default:
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}
		if c.Server.TLSClientAuth != "none" && c.Server.TLSCAFile == "" {
			return fmt.Errorf("server.tls_ca_file required when tls_client_auth is %q", c.Server.TLSClientAuth)
		}
	}

	if c.Broker.RetryInterval < time.Second {
		return fmt.Errorf("broker.retry_interval must be at least 1 second")
	}
	switch c.Broker.RetryPolicy {
	case "retain", "drop", "disconnect":
	default:
		return fmt.Errorf("broker.retry_policy must be one of: retain, drop, disconnect")
	}

	if c.Session.OfflineQueueSize < 0 {
		return fmt.Errorf("session.offline_queue_size cannot be negative")
	}
	switch c.Session.OfflineQueuePolicy {
	case "drop_new", "drop_oldest":
	default:
		return fmt.Errorf("session.offline_queue_policy must be drop_new or drop_oldest")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir required when type is badger")
		}
	default:
		return fmt.Errorf("storage.type must be memory or badger")
	}

	if c.Limits.ConnectionsPerSecond < 0 || c.Limits.MessagesPerSecond < 0 {
		return fmt.Errorf("limits rates cannot be negative")
	}

	if c.Cluster.Enabled {
		if c.Cluster.RaftBindAddr == "" {
			return fmt.Errorf("cluster.raft_bind_addr required when clustering is enabled")
		}
		if c.Cluster.RPCBindAddr == "" {
			return fmt.Errorf("cluster.rpc_bind_addr required when clustering is enabled")
		}
		if c.Cluster.DataDir == "" {
			return fmt.Errorf("cluster.data_dir required when clustering is enabled")
		}
		for id, peer := range c.Cluster.Peers {
			if peer.RaftAddr == "" || peer.RPCURL == "" {
				return fmt.Errorf("cluster.peers[%s] needs both raft_addr and rpc_url", id)
			}
		}
	}

	if c.Otel.Enabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when otel is enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
		}
	}

	return nil
}

// TLS builds a tls.Config from the server settings, or returns nil when
// TLS is not enabled.
func (s ServerConfig) TLS() (*tls.Config, error) {
	if !s.TLSEnabled && s.QUICAddr == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(s.TLSCertFile, s.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch s.TLSClientAuth {
	case "request":
		cfg.ClientAuth = tls.RequestClientCert
	case "require":
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if s.TLSCAFile != "" {
		caData, err := os.ReadFile(s.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificates found in %s", s.TLSCAFile)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
