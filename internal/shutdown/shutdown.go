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

// Package shutdown drains the handle registry on termination.
package shutdown

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace is the delay after draining that lets in-flight
// handle closes finish before the process exits.
const DefaultGrace = 100 * time.Millisecond

// Registry is the drainable part of the pool registry.
type Registry interface {
	DrainAll()
}

// Coordinator runs the teardown path exactly once,
// no matter how many signals or callers race into it.
type Coordinator struct {
	registry Registry
	grace    time.Duration
	l        *zap.Logger
	once     sync.Once
}

// New creates a new Coordinator. Zero grace means DefaultGrace.
func New(registry Registry, grace time.Duration, l *zap.Logger) *Coordinator {
	if grace == 0 {
		grace = DefaultGrace
	}

	return &Coordinator{
		registry: registry,
		grace:    grace,
		l:        l,
	}
}

// Run blocks until ctx is canceled, then performs the drain.
func (c *Coordinator) Run(ctx context.Context) {
	<-ctx.Done()
	c.Shutdown()
}

// Shutdown drains the registry and waits the grace delay.
// Subsequent calls return immediately.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.l.Info("Shutting down, draining handles.")
		c.registry.DrainAll()
		c.l.Info("Drain complete.")

		time.Sleep(c.grace)
	})
}
