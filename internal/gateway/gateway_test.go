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

package gateway

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlkeeper/sqlkeeper/internal/pool"
	"github.com/sqlkeeper/sqlkeeper/internal/util/fsql"
	"github.com/sqlkeeper/sqlkeeper/internal/util/testutil"
)

// openTestDB opens a live handle over a fresh store file.
func openTestDB(t *testing.T, name string) *fsql.DB {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)

	db, err := sql.Open("sqlite", "file:"+p)
	require.NoError(t, err)

	fdb := fsql.WrapDB(db, name, testutil.Logger(t))
	t.Cleanup(func() { _ = fdb.Close() })

	return fdb
}

// closedTestDB returns a handle whose session is already dead;
// every operation on it fails with a "closed" message.
func closedTestDB(t *testing.T, name string) *fsql.DB {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)

	db, err := sql.Open("sqlite", "file:"+p)
	require.NoError(t, err)

	fdb := fsql.WrapDB(db, name, testutil.Logger(t))
	require.NoError(t, fdb.Close())

	return fdb
}

// scriptedPool hands out prepared handles in order, repeating the last one.
type scriptedPool struct {
	dbs      []*fsql.DB
	acquires int
	evicts   int
}

func (p *scriptedPool) Acquire(_ context.Context, _ string) (*fsql.DB, error) {
	i := p.acquires
	if i >= len(p.dbs) {
		i = len(p.dbs) - 1
	}

	p.acquires++

	return p.dbs[i], nil
}

func (p *scriptedPool) Evict(_ string) {
	p.evicts++
}

// check interfaces
var (
	_ Pool = (*scriptedPool)(nil)
	_ Pool = (*pool.Registry)(nil)
)

func TestRetryExhausted(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	p := &scriptedPool{dbs: []*fsql.DB{
		closedTestDB(t, "1.db"),
		closedTestDB(t, "2.db"),
		closedTestDB(t, "3.db"),
		openTestDB(t, "4.db"),
	}}

	g := New(&NewOpts{
		Pool:       p,
		Dir:        t.TempDir(),
		Version:    "v1",
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		L:          testutil.Logger(t),
	})

	_, err := g.QueryOne(ctx, "a.db", "SELECT 1")

	assert.True(t, ErrorCodeIs(err, ErrorCodeConnectionExhausted), "%v", err)
	assert.True(t, ErrorCodeIs(err.(*Error).Unwrap(), ErrorCodeSessionInvalid), "%v", err)
	assert.Contains(t, err.Error(), "closed")

	// the budget allows exactly three attempts; the fourth handle is never acquired
	assert.Equal(t, 3, p.acquires)
	assert.Equal(t, 3, p.evicts)
}

func TestRetrySucceeds(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	live := openTestDB(t, "4.db")

	_, err := live.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = live.ExecContext(ctx, "INSERT INTO t (id, v) VALUES (?, ?)", 1, "hello")
	require.NoError(t, err)

	p := &scriptedPool{dbs: []*fsql.DB{
		closedTestDB(t, "1.db"),
		closedTestDB(t, "2.db"),
		closedTestDB(t, "3.db"),
		live,
	}}

	g := New(&NewOpts{
		Pool:       p,
		Dir:        t.TempDir(),
		Version:    "v1",
		MaxRetries: 4,
		RetryDelay: time.Millisecond,
		L:          testutil.Logger(t),
	})

	row, err := g.QueryOne(ctx, "a.db", "SELECT v FROM t WHERE id = ?", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "hello"}, row)

	assert.Equal(t, 4, p.acquires)
	assert.Equal(t, 3, p.evicts)
}

func TestNonTransient(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	live := openTestDB(t, "a.db")

	_, err := live.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = live.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)

	p := &scriptedPool{dbs: []*fsql.DB{live}}

	g := New(&NewOpts{
		Pool:    p,
		Dir:     t.TempDir(),
		Version: "v1",
		L:       testutil.Logger(t),
	})

	// duplicate primary key must fail on the first attempt, with the handle untouched
	_, err = g.Exec(ctx, "a.db", "INSERT INTO t (id) VALUES (1)")

	assert.True(t, ErrorCodeIs(err, ErrorCodeOperationFailed), "%v", err)
	assert.Equal(t, 1, p.acquires)
	assert.Zero(t, p.evicts)
}

func TestDirectoryUnavailable(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	// a regular file in place of the base directory makes MkdirAll fail
	base := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o666))

	g := New(&NewOpts{
		Pool:    &scriptedPool{dbs: []*fsql.DB{openTestDB(t, "a.db")}},
		Dir:     base,
		Version: "v1",
		L:       testutil.Logger(t),
	})

	_, err := g.QueryOne(ctx, "a.db", "SELECT 1")
	assert.True(t, ErrorCodeIs(err, ErrorCodeDirectoryUnavailable), "%v", err)
}

func TestContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(testutil.Ctx(t), 50*time.Millisecond)
	defer cancel()

	g := New(&NewOpts{
		Pool:       &scriptedPool{dbs: []*fsql.DB{closedTestDB(t, "1.db")}},
		Dir:        t.TempDir(),
		Version:    "v1",
		MaxRetries: 100,
		RetryDelay: time.Second,
		L:          testutil.Logger(t),
	})

	_, err := g.QueryOne(ctx, "a.db", "SELECT 1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()

	for msg, expected := range map[string]bool{
		"sql: database is closed":       true,
		"driver: bad connection misuse": true,
		"connection is not open":        true,
		"UNIQUE constraint failed: t.x": false,
		"syntax error":                  false,
	} {
		assert.Equal(t, expected, transient(errors.New(msg)), msg)
	}
}

func TestModes(t *testing.T) {
	t.Parallel()
	ctx := testutil.Ctx(t)

	dir := t.TempDir()

	r, err := pool.New(&pool.NewOpts{
		Dir:     dir,
		Version: "v1",
		L:       testutil.Logger(t),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	g := New(&NewOpts{
		Pool:    r,
		Dir:     dir,
		Version: "v1",
		L:       testutil.Logger(t),
	})

	affected, err := g.Exec(ctx, "a.db", "CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	assert.Zero(t, affected)

	for i, v := range []string{"one", "two", "three"} {
		affected, err = g.Exec(ctx, "a.db", "INSERT INTO t (id, v) VALUES (?, ?)", i+1, v)
		require.NoError(t, err)
		assert.EqualValues(t, 1, affected)
	}

	row, err := g.QueryOne(ctx, "a.db", "SELECT v FROM t WHERE id = ?", 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "two"}, row)

	// no match yields nil row, not an error
	row, err = g.QueryOne(ctx, "a.db", "SELECT v FROM t WHERE id = ?", 42)
	require.NoError(t, err)
	assert.Nil(t, row)

	rows, err := g.QueryAll(ctx, "a.db", "SELECT id, v FROM t ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, map[string]any{"id": int64(1), "v": "one"}, rows[0])
	assert.Equal(t, map[string]any{"id": int64(3), "v": "three"}, rows[2])

	affected, err = g.Exec(ctx, "a.db", "UPDATE t SET v = ? WHERE id = ?", "none", 42)
	require.NoError(t, err)
	assert.Zero(t, affected)
}
