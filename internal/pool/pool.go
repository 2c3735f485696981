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

// Package pool maintains at most one live SQLite handle per store name.
//
// A handle is opened on the first acquire, kept while it is being used,
// and closed by the idle timer, an explicit eviction, the stale sweeper,
// or the full drain during shutdown.
package pool

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/sqlkeeper/sqlkeeper/internal/resolver"
	"github.com/sqlkeeper/sqlkeeper/internal/util/fsql"
	"github.com/sqlkeeper/sqlkeeper/internal/util/lazyerrors"
	"github.com/sqlkeeper/sqlkeeper/internal/util/observability"
	"github.com/sqlkeeper/sqlkeeper/internal/util/resource"
	"github.com/sqlkeeper/sqlkeeper/internal/util/state"
)

// DefaultIdleTimeout is how long an unused handle stays open.
const DefaultIdleTimeout = 30 * time.Second

// pragmas are store-level durability and concurrency settings applied to every handle.
const pragmas = "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"

// Parts of Prometheus metric names.
const (
	namespace = "sqlkeeper"
	subsystem = "pool"
)

// NewOpts represents Registry configuration.
//
//nolint:vet // for readability
type NewOpts struct {
	Dir         string
	Version     string
	IdleTimeout time.Duration
	L           *zap.Logger
	SP          *state.Provider // optional
}

// Registry maps store names to handle records.
//
// It must be constructed explicitly and injected where needed;
// there is no process-wide instance.
//
//nolint:vet // for readability
type Registry struct {
	opts *NewOpts

	rw      sync.RWMutex
	records map[string]*record

	closes sync.WaitGroup

	token *resource.Token
}

// record is a single tracked handle.
//
// Owned exclusively by Registry; all fields are protected by Registry.rw.
type record struct {
	db       *fsql.DB
	lastUsed time.Time
	idle     *time.Timer
	open     bool
	uses     uint64
}

// HandleStatus describes one tracked handle for monitoring.
type HandleStatus struct {
	Name     string
	LastUsed time.Time
	Age      time.Duration
	Open     bool
}

// New creates a registry for stores in `<opts.Dir>/<opts.Version>/`.
//
// Handles are opened lazily by Acquire.
func New(opts *NewOpts) (*Registry, error) {
	if opts.Dir == "" {
		return nil, lazyerrors.New("dir is required")
	}

	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	r := &Registry{
		opts:    opts,
		records: make(map[string]*record),
		token:   resource.NewToken(),
	}

	resource.Track(r, r.token)

	return r, nil
}

// Acquire returns the open handle for the given store name, opening a new one on miss.
//
// On every successful acquire the idle timer is rearmed.
// Concurrent misses for the same name cannot create two handles:
// creation happens under the registry lock.
func (r *Registry) Acquire(ctx context.Context, name string) (*fsql.DB, error) {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	if rec := r.records[name]; rec != nil && rec.open {
		rec.idle.Stop()
		rec.lastUsed = time.Now()
		rec.uses++
		rec.idle = r.idleTimer(name, rec)

		return rec.db, nil
	}

	db, err := r.openDB(ctx, name)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	rec := &record{
		db:       db,
		lastUsed: time.Now(),
		open:     true,
	}
	rec.idle = r.idleTimer(name, rec)
	r.records[name] = rec

	r.opts.L.Debug("Handle opened.", zap.String("name", name))

	return db, nil
}

// IsOpen reports whether an open handle for the given name is tracked.
func (r *Registry) IsOpen(name string) bool {
	r.rw.RLock()
	defer r.rw.RUnlock()

	rec := r.records[name]

	return rec != nil && rec.open
}

// Evict closes and removes the handle with the given name. It is idempotent.
//
// The entry is removed from the registry immediately;
// the underlying close runs in the background, and its error is only logged.
func (r *Registry) Evict(name string) {
	r.rw.Lock()
	defer r.rw.Unlock()

	rec := r.records[name]
	if rec == nil {
		return
	}

	r.evictLocked(name, rec)
}

// DrainAll evicts every tracked handle. Used during shutdown.
func (r *Registry) DrainAll() {
	r.rw.Lock()
	defer r.rw.Unlock()

	for name, rec := range r.records {
		r.evictLocked(name, rec)
	}
}

// Close drains the registry, waits for background closes to finish,
// and frees all resources.
func (r *Registry) Close() {
	r.DrainAll()
	r.closes.Wait()

	resource.Untrack(r, r.token)
}

// Snapshot returns the status of every tracked handle, sorted by name.
func (r *Registry) Snapshot() []HandleStatus {
	r.rw.RLock()
	defer r.rw.RUnlock()

	names := maps.Keys(r.records)
	slices.Sort(names)

	now := time.Now()
	res := make([]HandleStatus, len(names))

	for i, name := range names {
		rec := r.records[name]
		res[i] = HandleStatus{
			Name:     name,
			Open:     rec.open,
			LastUsed: rec.lastUsed,
			Age:      now.Sub(rec.lastUsed),
		}
	}

	return res
}

// idleTimer arms a timer that evicts the record after the idle timeout.
//
// The use counter is captured so that a timer that fired concurrently
// with a rearm cannot evict the record it no longer owns.
func (r *Registry) idleTimer(name string, rec *record) *time.Timer {
	uses := rec.uses

	return time.AfterFunc(r.opts.IdleTimeout, func() {
		r.rw.Lock()
		defer r.rw.Unlock()

		if cur := r.records[name]; cur != rec || rec.uses != uses || !rec.open {
			return
		}

		r.evictLocked(name, rec)

		r.opts.L.Debug("Closed idle handle.", zap.String("name", name))
	})
}

// evictLocked stops the idle timer, removes the record,
// and closes the handle in the background.
//
// The caller must hold rw for writing.
func (r *Registry) evictLocked(name string, rec *record) {
	rec.idle.Stop()
	rec.open = false
	delete(r.records, name)

	db := rec.db
	r.closes.Add(1)

	go func() {
		defer r.closes.Done()

		if err := db.Close(); err != nil {
			r.opts.L.Error("Failed to close handle.", zap.String("name", name), zap.Error(err))
			return
		}

		r.opts.L.Debug("Handle closed.", zap.String("name", name))
	}()
}

// openDB opens an existing store or creates a new one.
//
// The parent directory must exist; creating it is the caller's precondition.
func (r *Registry) openDB(ctx context.Context, name string) (*fsql.DB, error) {
	p, err := resolver.Resolve(r.opts.Dir, r.opts.Version, name)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	uri := "file:" + p + "?" + pragmas

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	// one registry handle must mean exactly one session
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	if sp := r.opts.SP; sp != nil {
		if err := sp.Update(func(s *state.State) {
			if s.EngineVersion != "" {
				return
			}

			row := db.QueryRowContext(ctx, "SELECT sqlite_version()")
			if err := row.Scan(&s.EngineVersion); err != nil {
				r.opts.L.Error("Failed to query SQLite version.", zap.Error(err))
			}
		}); err != nil {
			r.opts.L.Error("Failed to update state.", zap.Error(err))
		}
	}

	return fsql.WrapDB(db, name, r.opts.L), nil
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.rw.RLock()
	defer r.rw.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "handles"),
			"The current number of tracked handles.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(len(r.records)),
	)

	for _, rec := range r.records {
		rec.db.Collect(ch)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Registry)(nil)
)
