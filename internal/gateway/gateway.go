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

// Package gateway is the front door for store operations.
//
// It acquires a handle from the pool, executes one statement,
// and retries on session-invalidity failures after evicting the stale handle.
// It is the sole retry boundary: callers see either a result
// or exactly one typed error.
package gateway

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sqlkeeper/sqlkeeper/internal/resolver"
	"github.com/sqlkeeper/sqlkeeper/internal/util/fsql"
	"github.com/sqlkeeper/sqlkeeper/internal/util/lazyerrors"
	"github.com/sqlkeeper/sqlkeeper/internal/util/observability"
)

// Retry defaults.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// Mode selects the shape of an operation result.
type Mode int

// Operation modes.
const (
	_ Mode = iota
	ModeSingle
	ModeAll
	ModeWrite
)

// Pool provides handles to the gateway.
type Pool interface {
	Acquire(ctx context.Context, name string) (*fsql.DB, error)
	Evict(name string)
}

// Result is the uniform shape of an operation result.
//
// Exactly one field is populated, depending on the mode:
// Row for ModeSingle (nil when no row matched),
// Rows for ModeAll (ordered, possibly empty),
// RowsAffected for ModeWrite.
type Result struct {
	Row          map[string]any
	Rows         []map[string]any
	RowsAffected int64
}

// NewOpts represents Gateway configuration.
//
//nolint:vet // for readability
type NewOpts struct {
	Pool       Pool
	Dir        string
	Version    string
	MaxRetries uint64
	RetryDelay time.Duration
	L          *zap.Logger
}

// Gateway executes statements against pooled handles with bounded retries.
type Gateway struct {
	opts *NewOpts
}

// New creates a new Gateway.
func New(opts *NewOpts) *Gateway {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	return &Gateway{
		opts: opts,
	}
}

// QueryOne executes a statement and returns the first matching row, or nil.
func (g *Gateway) QueryOne(ctx context.Context, name, query string, args ...any) (map[string]any, error) {
	res, err := g.Operate(ctx, name, query, args, ModeSingle)
	if err != nil {
		return nil, err
	}

	return res.Row, nil
}

// QueryAll executes a statement and returns all matching rows in order.
func (g *Gateway) QueryAll(ctx context.Context, name, query string, args ...any) ([]map[string]any, error) {
	res, err := g.Operate(ctx, name, query, args, ModeAll)
	if err != nil {
		return nil, err
	}

	return res.Rows, nil
}

// Exec executes a statement and returns the number of affected rows.
func (g *Gateway) Exec(ctx context.Context, name, query string, args ...any) (int64, error) {
	res, err := g.Operate(ctx, name, query, args, ModeWrite)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected, nil
}

// Operate executes one statement against the store with the given name.
//
// Failures whose message matches a session-invalidity marker evict the handle
// and retry on a fresh one, up to the attempt budget;
// once the budget is exhausted, ErrorCodeConnectionExhausted wraps the last
// ErrorCodeSessionInvalid failure.
// Any other failure propagates immediately as ErrorCodeOperationFailed,
// with no retry and the handle left untouched.
//
// Cancellation of ctx between attempts is the one exception:
// it returns the context's error instead of a typed one.
func (g *Gateway) Operate(ctx context.Context, name, query string, args []any, mode Mode) (*Result, error) {
	defer observability.FuncCall(ctx)()

	ctx, span := otel.Tracer("gateway").Start(ctx, "Operate")
	span.SetAttributes(attribute.String("store", name))
	defer span.End()

	if err := g.ensureDir(); err != nil {
		return nil, NewError(ErrorCodeDirectoryUnavailable, err)
	}

	var res *Result

	attempt := func() error {
		db, err := g.opts.Pool.Acquire(ctx, name)
		if err == nil {
			res, err = execute(ctx, db, query, args, mode)
		}

		if err == nil {
			return nil
		}

		if !transient(err) {
			return backoff.Permanent(NewError(ErrorCodeOperationFailed, err))
		}

		g.opts.Pool.Evict(name)
		g.opts.L.Warn("Session invalid; handle evicted.", zap.String("name", name), zap.Error(err))

		return NewError(ErrorCodeSessionInvalid, err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.opts.RetryDelay), g.opts.MaxRetries-1),
		ctx,
	)

	if err := backoff.Retry(attempt, b); err != nil {
		var gerr *Error

		switch {
		case !errors.As(err, &gerr):
			// context canceled between attempts
			return nil, lazyerrors.Error(err)

		case gerr.Code() == ErrorCodeSessionInvalid:
			return nil, NewError(ErrorCodeConnectionExhausted, gerr)

		default:
			return nil, gerr
		}
	}

	return res, nil
}

// ensureDir creates the parent storage directory if it does not exist.
func (g *Gateway) ensureDir() error {
	dir, err := resolver.Dir(g.opts.Dir, g.opts.Version)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// execute runs a single statement on the given handle
// and maps the engine result to the uniform shape.
func execute(ctx context.Context, db *fsql.DB, query string, args []any, mode Mode) (*Result, error) {
	switch mode {
	case ModeWrite:
		sqlRes, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}

		ra, err := sqlRes.RowsAffected()
		if err != nil {
			return nil, err
		}

		return &Result{RowsAffected: ra}, nil

	case ModeSingle, ModeAll:
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}

		defer rows.Close() //nolint:errcheck // no way to handle that error

		all, err := scanRows(rows)
		if err != nil {
			return nil, err
		}

		if mode == ModeAll {
			return &Result{Rows: all}, nil
		}

		res := new(Result)
		if len(all) > 0 {
			res.Row = all[0]
		}

		return res, nil

	default:
		panic("unknown operation mode")
	}
}

// scanRows reads all rows into column-keyed maps.
func scanRows(rows *fsql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var res []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = values[i]
		}

		res = append(res, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return res, nil
}
