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

package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper defaults.
const (
	DefaultSweepInterval  = time.Minute
	DefaultStaleThreshold = 5 * time.Minute
)

// SweeperOpts represents Sweeper configuration.
type SweeperOpts struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	L              *zap.Logger
}

// Sweeper periodically evicts handles unused beyond the stale threshold.
type Sweeper struct {
	r    *Registry
	opts *SweeperOpts
}

// NewSweeper creates a sweeper over the given registry.
func NewSweeper(r *Registry, opts *SweeperOpts) *Sweeper {
	if opts.Interval == 0 {
		opts.Interval = DefaultSweepInterval
	}

	if opts.StaleThreshold == 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}

	return &Sweeper{
		r:    r,
		opts: opts,
	}
}

// Run sweeps on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.opts.L.Info(
		"Sweeper started.",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("threshold", s.opts.StaleThreshold),
	)

	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.opts.L.Info("Sweeper stopped.")
			return

		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep evicts every handle unused longer than the stale threshold.
//
// Evicted handles close in the background,
// so a slow close never delays the next scheduled sweep.
func (s *Sweeper) Sweep() {
	for _, st := range s.r.Snapshot() {
		if st.Age <= s.opts.StaleThreshold {
			continue
		}

		s.r.Evict(st.Name)

		s.opts.L.Info("Closed stale idle handle.", zap.String("name", st.Name), zap.Duration("age", st.Age))
	}
}
