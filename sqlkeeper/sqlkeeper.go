// Copyright 2023 SQLKeeper Authors
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

// Package sqlkeeper provides an embeddable handle keeper for file-backed stores.
package sqlkeeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sqlkeeper/sqlkeeper/internal/gateway"
	"github.com/sqlkeeper/sqlkeeper/internal/pool"
	"github.com/sqlkeeper/sqlkeeper/internal/shutdown"
	"github.com/sqlkeeper/sqlkeeper/internal/util/logging"
)

// Config represents keeper configuration.
//
// Zero durations and counts select the documented defaults.
type Config struct {
	// Base directory for store files. Required.
	Dir string

	// Layout version subdirectory under Dir.
	// If empty, "v1" is used.
	Version string

	// How long an unused handle stays open.
	IdleTimeout time.Duration

	// Total attempt budget for one operation.
	MaxRetries uint64

	// Pause between attempts.
	RetryDelay time.Duration

	// How often stale handles are swept.
	SweepInterval time.Duration

	// Age past which a sweep closes a handle.
	StaleThreshold time.Duration

	// Delay after draining for in-flight closes.
	ShutdownGrace time.Duration

	// Logger to use. If nil, the global logger is used.
	Logger *zap.Logger
}

// Keeper represents an instance of the embeddable handle keeper.
type Keeper struct {
	config *Config

	r *pool.Registry
	g *gateway.Gateway
	s *pool.Sweeper
	c *shutdown.Coordinator
}

// New creates a new instance of the embeddable handle keeper.
func New(config *Config) (*Keeper, error) {
	if config.Dir == "" {
		return nil, errors.New("Dir is empty")
	}

	version := config.Version
	if version == "" {
		version = "v1"
	}

	l := config.Logger
	if l == nil {
		l = logger
	}

	r, err := pool.New(&pool.NewOpts{
		Dir:         config.Dir,
		Version:     version,
		IdleTimeout: config.IdleTimeout,
		L:           l.Named("pool"),
	})
	if err != nil {
		return nil, err
	}

	g := gateway.New(&gateway.NewOpts{
		Pool:       r,
		Dir:        config.Dir,
		Version:    version,
		MaxRetries: config.MaxRetries,
		RetryDelay: config.RetryDelay,
		L:          l.Named("gateway"),
	})

	s := pool.NewSweeper(r, &pool.SweeperOpts{
		Interval:       config.SweepInterval,
		StaleThreshold: config.StaleThreshold,
		L:              l.Named("sweeper"),
	})

	c := shutdown.New(r, config.ShutdownGrace, l.Named("shutdown"))

	return &Keeper{
		config: config,
		r:      r,
		g:      g,
		s:      s,
		c:      c,
	}, nil
}

// Run runs background maintenance until ctx is done,
// then drains all handles.
//
// When this method returns, every tracked handle is evicted.
func (k *Keeper) Run(ctx context.Context) {
	k.s.Run(ctx)
	k.c.Shutdown()
}

// QueryOne executes a statement against the named store
// and returns the first matching row, or nil.
func (k *Keeper) QueryOne(ctx context.Context, name, query string, args ...any) (map[string]any, error) {
	return k.g.QueryOne(ctx, name, query, args...)
}

// QueryAll executes a statement against the named store
// and returns all matching rows in order.
func (k *Keeper) QueryAll(ctx context.Context, name, query string, args ...any) ([]map[string]any, error) {
	return k.g.QueryAll(ctx, name, query, args...)
}

// Exec executes a statement against the named store
// and returns the number of affected rows.
func (k *Keeper) Exec(ctx context.Context, name, query string, args ...any) (int64, error) {
	return k.g.Exec(ctx, name, query, args...)
}

// Evict closes the named store's handle if one is open.
func (k *Keeper) Evict(name string) {
	k.r.Evict(name)
}

// Status returns the current state of all tracked handles, sorted by name.
func (k *Keeper) Status() []pool.HandleStatus {
	return k.r.Snapshot()
}

// MetricsCollector returns the keeper's Prometheus collector.
func (k *Keeper) MetricsCollector() prometheus.Collector {
	return k.r
}

// Close drains all handles and releases the keeper's resources.
func (k *Keeper) Close() {
	k.c.Shutdown()
	k.r.Close()
}

// logger is a global logger used when Config.Logger is not set.
var logger *zap.Logger

// Initialize the global logger there to avoid creating too many issues for zap users that initialize it in their
// `main()` functions. It is still not a full solution; eventually, we should remove the usage of the global logger.
func init() {
	logging.Setup(zap.ErrorLevel, "console", "")
	logger = zap.L()
}
