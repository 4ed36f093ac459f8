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

// Package config loads the node-lifecycle parameters spec.md §4.2
// describes (peering endpoint, API port, election timeout, snapshot
// params, raft dir, node list) from a layered source: config file, then
// environment variables, then explicit overrides — via
// github.com/spf13/viper, replacing the teacher's flat flag.* calls now
// that the parameter set is hierarchical rather than a dozen top-level
// flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Node holds this process's Raft/cluster identity.
type Node struct {
	ID        string   `mapstructure:"id"`
	BindAddr  string   `mapstructure:"bind_addr"`
	Peers     []string `mapstructure:"peers"`
	Bootstrap bool     `mapstructure:"bootstrap"`
}

// Raft holds consensus timing/snapshot knobs.
type Raft struct {
	DataDir          string        `mapstructure:"data_dir"`
	ElectionTimeout  time.Duration `mapstructure:"election_timeout"`
	SnapshotRetain   int           `mapstructure:"snapshot_retain"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// HTTP holds the API-facing listener and leader-forward settings.
type HTTP struct {
	Addr           string        `mapstructure:"addr"`
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
}

// Store holds the embedded KV store's on-disk location.
type Store struct {
	DataDir  string `mapstructure:"data_dir"`
	FileName string `mapstructure:"file_name"`
}

// Indexer holds BatchedIndexer tuning, per spec.md §4.1/§3.
type Indexer struct {
	NumWorkers    int           `mapstructure:"num_workers"`
	GCInterval    time.Duration `mapstructure:"gc_interval"`
	GCPruneMaxAge time.Duration `mapstructure:"gc_prune_max_age"`
}

// Resource holds the disk/memory pressure ceilings, per spec.md §4.6.
type Resource struct {
	MaxDiskUsedPercent   int           `mapstructure:"max_disk_used_percent"`
	MaxMemoryUsedPercent int           `mapstructure:"max_memory_used_percent"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
}

// Metrics holds AppMetrics window cadence, per spec.md §4.5.
type Metrics struct {
	WindowSeconds float64 `mapstructure:"window_seconds"`
}

// Auth holds the bootstrap admin key used to seed auth.Manager.
type Auth struct {
	BootstrapKey string `mapstructure:"bootstrap_key"`
}

// RateLimit holds the optional Redis ban-mirror address.
type RateLimit struct {
	RedisMirrorAddr string `mapstructure:"redis_mirror_addr"`
}

// Config is the root, hierarchical configuration object for searchcored.
type Config struct {
	Node      Node      `mapstructure:"node"`
	Raft      Raft      `mapstructure:"raft"`
	HTTP      HTTP      `mapstructure:"http"`
	Store     Store     `mapstructure:"store"`
	Indexer   Indexer   `mapstructure:"indexer"`
	Resource  Resource  `mapstructure:"resource"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Auth      Auth      `mapstructure:"auth"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	LogLevel  string    `mapstructure:"log_level"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("node.bind_addr", "127.0.0.1:7000")
	v.SetDefault("node.bootstrap", false)
	v.SetDefault("raft.data_dir", "./data/raft")
	v.SetDefault("raft.election_timeout", 1*time.Second)
	v.SetDefault("raft.snapshot_retain", 2)
	v.SetDefault("raft.snapshot_interval", 5*time.Minute)
	v.SetDefault("http.addr", ":8108")
	v.SetDefault("http.forward_timeout", 10*time.Second)
	v.SetDefault("http.ready_timeout", 30*time.Second)
	v.SetDefault("store.data_dir", "./data/kv")
	v.SetDefault("store.file_name", "searchcore.db")
	v.SetDefault("indexer.num_workers", 4)
	v.SetDefault("indexer.gc_interval", 30*time.Second)
	v.SetDefault("indexer.gc_prune_max_age", 10*time.Minute)
	v.SetDefault("resource.max_disk_used_percent", 100)
	v.SetDefault("resource.max_memory_used_percent", 100)
	v.SetDefault("resource.cache_ttl", 5*time.Second)
	v.SetDefault("metrics.window_seconds", 10.0)
	v.SetDefault("log_level", "info")
}

// Load builds a Config from (in ascending precedence) viper's registered
// defaults, a config file at path (if non-empty and present), and
// environment variables prefixed SEARCHCORE_ with "." replaced by "_".
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("searchcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("config: stat %s: %w", path, statErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = cfg.Node.BindAddr
	}
	return &cfg, nil
}
