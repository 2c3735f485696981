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
	"sync"

	"go.uber.org/zap/zapcore"
)

// RecentEntries implements zap logging entries interception
// and stores the last 1024 entries in a ring buffer in memory.
var RecentEntries = NewCircularBuffer(1024)

// circularBuffer is a ring buffer of log entries.
type circularBuffer struct {
	mu      sync.RWMutex
	entries []*zapcore.Entry
	index   int
}

// NewCircularBuffer creates a new circular buffer for log entries with the given size.
func NewCircularBuffer(size int) *circularBuffer {
	if size < 1 {
		panic("buffer size must be at least 1")
	}

	return &circularBuffer{
		entries: make([]*zapcore.Entry, size),
	}
}

// append adds an entry to the buffer, overwriting the oldest one if the buffer is full.
func (cb *circularBuffer) append(entry *zapcore.Entry) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.entries[cb.index] = entry
	cb.index = (cb.index + 1) % len(cb.entries)
}

// Get returns stored entries from the oldest to the newest.
func (cb *circularBuffer) Get() []zapcore.Entry {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	res := make([]zapcore.Entry, 0, len(cb.entries))

	for n := range cb.entries {
		i := (cb.index + n) % len(cb.entries)
		if e := cb.entries[i]; e != nil {
			res = append(res, *e)
		}
	}

	return res
}
