// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Command broker runs a DriftMQ node.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/driftmq/driftmq/broker"
	"github.com/driftmq/driftmq/cluster"
	"github.com/driftmq/driftmq/config"
	"github.com/driftmq/driftmq/ratelimit"
	"github.com/driftmq/driftmq/server/health"
	"github.com/driftmq/driftmq/server/otel"
	"github.com/driftmq/driftmq/server/quic"
	"github.com/driftmq/driftmq/server/tcp"
	"github.com/driftmq/driftmq/server/websocket"
	"github.com/driftmq/driftmq/session"
	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/storage/badgerkv"
	"github.com/driftmq/driftmq/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend.
	var kv storage.KV
	switch cfg.Storage.Type {
	case "badger":
		bkv, err := badgerkv.Open(badgerkv.Config{Dir: cfg.Storage.Dir})
		if err != nil {
			return fmt.Errorf("open badger storage: %w", err)
		}
		kv = bkv
	default:
		kv = memory.New()
	}
	st := storage.New(kv)
	defer st.Close()

	// Metrics.
	var opts []broker.Option
	if cfg.Otel.Enabled {
		shutdown, err := otel.InitProvider(cfg.Otel, cfg.NodeID)
		if err != nil {
			return fmt.Errorf("init otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("otel shutdown", "error", err)
			}
		}()

		metrics, err := broker.NewMetrics()
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		opts = append(opts, broker.WithMetrics(metrics))
	}

	// Rate limiting.
	var connLimiter *ratelimit.ConnLimiter
	if cfg.Limits.ConnectionsPerSecond > 0 {
		burst := cfg.Limits.ConnectionBurst
		if burst <= 0 {
			burst = 10
		}
		connLimiter = ratelimit.NewConnLimiter(cfg.Limits.ConnectionsPerSecond, burst)
		defer connLimiter.Close()
	}
	if cfg.Limits.MessagesPerSecond > 0 {
		burst := cfg.Limits.MessageBurst
		if burst <= 0 {
			burst = 100
		}
		opts = append(opts, broker.WithRateLimit(
			ratelimit.NewClientLimiter(cfg.Limits.MessagesPerSecond, burst)))
	}

	// Cluster membership.
	var cl *cluster.Cluster
	var brokerCluster broker.Cluster
	if cfg.Cluster.Enabled {
		peers := make(map[string]cluster.Peer, len(cfg.Cluster.Peers))
		for id, p := range cfg.Cluster.Peers {
			peers[id] = cluster.Peer{RaftAddr: p.RaftAddr, RPCURL: p.RPCURL}
		}
		cl, err = cluster.New(cluster.Config{
			NodeID:            cfg.NodeID,
			RaftBindAddr:      cfg.Cluster.RaftBindAddr,
			RPCBindAddr:       cfg.Cluster.RPCBindAddr,
			DataDir:           cfg.Cluster.DataDir,
			Token:             cfg.Cluster.Token,
			Bootstrap:         cfg.Cluster.Bootstrap,
			Peers:             peers,
			HeartbeatTimeout:  cfg.Cluster.HeartbeatTimeout,
			ElectionTimeout:   cfg.Cluster.ElectionTimeout,
			SnapshotInterval:  cfg.Cluster.SnapshotInterval,
			SnapshotThreshold: cfg.Cluster.SnapshotThreshold,
		}, st.Retained, logger)
		if err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		brokerCluster = cl
	} else {
		brokerCluster = broker.NewStandalone(cfg.NodeID, st.Retained)
	}

	// Broker core.
	b := broker.New(broker.Config{
		NodeID:           cfg.NodeID,
		RetryInterval:    cfg.Broker.RetryInterval,
		MaxRetries:       cfg.Broker.MaxRetries,
		RetryPolicy:      broker.RetryPolicy(cfg.Broker.RetryPolicy),
		MaxInflight:      cfg.Broker.MaxInflight,
		OfflineQueueSize: cfg.Session.OfflineQueueSize,
		OfflineQueuePolicy: func() session.OverflowPolicy {
			if cfg.Session.OfflineQueuePolicy == "drop_new" {
				return session.DropNew
			}
			return session.DropOldest
		}(),
		SysInterval:   cfg.Broker.SysInterval,
		MaxPacketSize: cfg.Broker.MaxPacketSize,
	}, st, brokerCluster, logger, opts...)
	defer b.Close()

	if cl != nil {
		wireCluster(ctx, cl, b, logger)
	}

	// Listeners.
	tlsConfig, err := cfg.Server.TLS()
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}

	var wg sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("listener failed", "listener", name, "error", err)
				stop()
			}
		}()
	}

	tcpSrv := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
		ConnLimiter:     connLimiter,
		TLSConfig: func() *tls.Config {
			if cfg.Server.TLSEnabled {
				return tlsConfig
			}
			return nil
		}(),
	}, b, logger)
	serve("tcp", tcpSrv.Listen)

	if cfg.Server.WSAddr != "" {
		wsSrv := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			ConnLimiter:     connLimiter,
		}, b, logger)
		serve("websocket", wsSrv.Listen)
	}

	if cfg.Server.QUICAddr != "" {
		quicSrv := quic.New(quic.Config{
			Address:         cfg.Server.QUICAddr,
			TLSConfig:       tlsConfig,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			ConnLimiter:     connLimiter,
		}, b, logger)
		serve("quic", quicSrv.Listen)
	}

	if cfg.Server.HealthAddr != "" {
		healthSrv := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, cl, logger)
		serve("health", healthSrv.Listen)
	}

	logger.Info("broker started", "node_id", cfg.NodeID, "tcp", cfg.Server.TCPAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	if cl != nil {
		if err := cl.Close(); err != nil {
			logger.Error("cluster shutdown", "error", err)
		}
	}
	return nil
}

// wireCluster connects cluster callbacks to the broker: forwarded
// publishes fan out locally, and remote takeovers disconnect the local
// session.
func wireCluster(ctx context.Context, cl *cluster.Cluster, b *broker.Broker, logger *slog.Logger) {
	cl.SetOnRemotePublish(b.HandleRemotePublish)

	cl.SetOnTakeover(func(clientID string) (bool, error) {
		sess := b.Sessions().Get(clientID)
		if sess == nil || !sess.IsConnected() {
			return false, nil
		}
		if err := sess.Disconnect(false); err != nil {
			return false, err
		}
		return true, nil
	})

	b.Sessions().SetOnSessionCreate(func(sess *session.Session) {
		claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := cl.ClaimSession(claimCtx, sess.ID); err != nil {
			logger.Warn("session claim failed", "client_id", sess.ID, "error", err)
		}
	})
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
