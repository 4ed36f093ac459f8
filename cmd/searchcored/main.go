// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main provides the entry point for searchcored, the replicated
// search-core write-path node.
//
// Orchestration order is grounded on the teacher's cmd/ratelimiter-api/
// main.go: parse configuration, construct every component, start
// background loops, start the HTTP listener, block on an OS signal, then
// shut down in reverse order — generalized here from flag.* to a
// viper-backed layered config and from a single Store/Worker pair to the
// full indexer/replication/auth/ratelimit/metrics/resource stack.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimbus-labs/searchcore/auth"
	"github.com/nimbus-labs/searchcore/consensus"
	"github.com/nimbus-labs/searchcore/consensus/raftengine"
	"github.com/nimbus-labs/searchcore/indexer"
	"github.com/nimbus-labs/searchcore/internal/config"
	"github.com/nimbus-labs/searchcore/internal/lifecycle"
	"github.com/nimbus-labs/searchcore/kvstore/boltkv"
	"github.com/nimbus-labs/searchcore/metrics"
	"github.com/nimbus-labs/searchcore/ratelimit"
	"github.com/nimbus-labs/searchcore/replication"
	"github.com/nimbus-labs/searchcore/resource"
)

// version is set at build time via -ldflags; "dev" for local builds.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "searchcored",
		Short: "Replicated search-core write-path node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the searchcored version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the searchcored node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	_ = zc.Level.UnmarshalText([]byte(level)) // invalid level leaves zc's info default
	return zc.Build()
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("searchcored: build logger: %w", err)
	}
	defer log.Sync()

	log.Info("searchcored: starting", zap.String("node_id", cfg.Node.ID), zap.String("version", version))

	kv, err := boltkv.Open(cfg.Store.DataDir, cfg.Store.FileName)
	if err != nil {
		return fmt.Errorf("searchcored: open kv store: %w", err)
	}
	defer kv.Close()

	res := resource.New(resource.Config{
		DataDir:              cfg.Store.DataDir,
		MaxDiskUsedPercent:   cfg.Resource.MaxDiskUsedPercent,
		MaxMemoryUsedPercent: cfg.Resource.MaxMemoryUsedPercent,
		CacheTTL:             cfg.Resource.CacheTTL,
	}, log)

	authMgr := auth.New(kv, cfg.Auth.BootstrapKey, log)
	if err := authMgr.Init(); err != nil {
		return fmt.Errorf("searchcored: init auth manager: %w", err)
	}

	var banMirror ratelimit.BanMirror
	if cfg.RateLimit.RedisMirrorAddr != "" {
		banMirror = ratelimit.NewRedisBanMirror(cfg.RateLimit.RedisMirrorAddr, log)
	}
	rateMgr := ratelimit.New(kv, banMirror, log)
	if err := rateMgr.Init(); err != nil {
		return fmt.Errorf("searchcored: init ratelimit manager: %w", err)
	}

	appMetrics := metrics.New(cfg.Metrics.WindowSeconds, log)
	appMetrics.StartRotation(time.Duration(cfg.Metrics.WindowSeconds) * time.Second)
	defer appMetrics.Stop()

	peers := make([]consensus.PeerID, 0, len(cfg.Node.Peers))
	for _, p := range cfg.Node.Peers {
		peers = append(peers, consensus.PeerID(p))
	}
	engine := raftengine.New(raftengine.Options{
		LocalID:         consensus.PeerID(cfg.Node.ID),
		BindAddr:        cfg.Node.BindAddr,
		DataDir:         cfg.Raft.DataDir,
		SnapshotRetain:  cfg.Raft.SnapshotRetain,
		ElectionTimeout: cfg.Raft.ElectionTimeout,
		Bootstrap:       cfg.Node.Bootstrap,
		Peers:           peers,
	})

	server := lifecycle.NewServer(lifecycle.Dependencies{
		Engine:    engine,
		KV:        kv,
		Auth:      authMgr,
		RateLimit: rateMgr,
		Metrics:   appMetrics,
		Resource:  res,
		Log:       log,
		ReplicationConfig: replication.Config{
			ForwardTimeout: cfg.HTTP.ForwardTimeout,
			ReadyTimeout:   cfg.HTTP.ReadyTimeout,
		},
		IndexerConfig: indexer.Config{
			NumWorkers:    cfg.Indexer.NumWorkers,
			GCInterval:    cfg.Indexer.GCInterval,
			GCPruneMaxAge: cfg.Indexer.GCPruneMaxAge,
		},
	})

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.HTTP.ReadyTimeout+5*time.Second)
	defer cancelStart()
	if err := server.Start(startCtx); err != nil {
		return fmt.Errorf("searchcored: start server: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	go func() {
		log.Info("searchcored: listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("searchcored: http server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("searchcored: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("searchcored: http shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("searchcored: replication shutdown error", zap.Error(err))
	}

	log.Info("searchcored: stopped")
	return nil
}
