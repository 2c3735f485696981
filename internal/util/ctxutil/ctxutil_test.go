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

package ctxutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDelay(t *testing.T) {
	t.Parallel()

	t.Run("CancelBeforeDone", func(t *testing.T) {
		t.Parallel()

		done := make(chan struct{})
		ctx, cancel := WithDelay(done, time.Hour)
		cancel()

		<-ctx.Done()
		assert.Equal(t, context.Canceled, ctx.Err())
	})

	t.Run("DoneThenDelay", func(t *testing.T) {
		t.Parallel()

		done := make(chan struct{})
		ctx, cancel := WithDelay(done, 10*time.Millisecond)
		defer cancel()

		close(done)

		<-ctx.Done()
		assert.Equal(t, context.Canceled, ctx.Err())
	})
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("Elapsed", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		Sleep(context.Background(), 10*time.Millisecond)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("Canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		Sleep(ctx, time.Hour)
		assert.Less(t, time.Since(start), time.Minute)
	})
}
