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

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestCircularBuffer(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewCircularBuffer(0) })

	cb := NewCircularBuffer(3)
	assert.Empty(t, cb.Get())

	for _, msg := range []string{"one", "two", "three", "four"} {
		cb.append(&zapcore.Entry{Message: msg})
	}

	entries := cb.Get()
	require.Len(t, entries, 3)

	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "three", entries[1].Message)
	assert.Equal(t, "four", entries[2].Message)
}
