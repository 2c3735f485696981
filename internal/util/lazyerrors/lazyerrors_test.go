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

package lazyerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	err := New("boom")
	assert.Contains(t, err.Error(), "lazyerrors.TestNew")
	assert.Contains(t, err.Error(), "boom")
}

func TestError(t *testing.T) {
	t.Parallel()

	orig := errors.New("inner")
	err := Error(orig)

	assert.Contains(t, err.Error(), "lazyerrors.TestError")
	assert.Contains(t, err.Error(), "inner")
	assert.True(t, errors.Is(err, orig))

	assert.Panics(t, func() { _ = Error(nil) })
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	orig := errors.New("inner")
	err := Errorf("outer: %w", orig)

	assert.Contains(t, err.Error(), "lazyerrors.TestErrorf")
	assert.True(t, errors.Is(err, orig))
}

func TestUnwrapAll(t *testing.T) {
	t.Parallel()

	assert.Nil(t, UnwrapAll(nil))

	orig := errors.New("inner")
	wrapped := Error(fmt.Errorf("mid: %w", Error(orig)))

	require.Equal(t, orig, UnwrapAll(wrapped))
}
