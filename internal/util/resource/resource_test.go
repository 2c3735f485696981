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

package resource

import (
	"runtime/pprof"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tracked struct {
	token *Token
}

func TestTrackUntrack(t *testing.T) {
	obj := &tracked{token: NewToken()}

	Track(obj, obj.token)

	p := pprof.Lookup("sqlkeeper/resource.tracked")
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Count())

	Untrack(obj, obj.token)
	assert.Equal(t, 0, p.Count())
}

func TestTrackNil(t *testing.T) {
	obj := &tracked{token: NewToken()}

	assert.Panics(t, func() { Track[tracked](nil, obj.token) })
	assert.Panics(t, func() { Track(obj, nil) })
}
