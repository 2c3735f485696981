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

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/sqlkeeper/sqlkeeper/internal/gateway"
	"github.com/sqlkeeper/sqlkeeper/internal/pool"
)

// pingStore is the throwaway store used by the startup self-check.
const pingStore = "_ping.db"

// ping runs one statement through the whole stack to verify
// that the storage directory is writable and the engine responds.
//
// The probe handle is evicted afterwards so it does not linger
// in the registry.
func ping(ctx context.Context, g *gateway.Gateway, registry *pool.Registry, l *zap.Logger) error {
	row, err := g.QueryOne(ctx, pingStore, "SELECT sqlite_version() AS version")
	if err != nil {
		return err
	}

	l.Sugar().Infof("Ping successful, engine version %v.", row["version"])

	registry.Evict(pingStore)

	return nil
}
