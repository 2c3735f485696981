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

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Provider provides access to SQLKeeper process state.
type Provider struct {
	filename string

	rw sync.RWMutex
	s  *State
}

// NewProvider creates a new Provider that stores state in the given file.
//
// If filename is empty, the state is not persisted.
// All errors (missing file, invalid permissions, invalid JSON, etc)
// are handled by regenerating the state.
func NewProvider(filename string) (*Provider, error) {
	p := &Provider{
		filename: filename,
		s:        new(State),
	}

	if p.filename != "" {
		b, _ := os.ReadFile(p.filename)
		_ = json.Unmarshal(b, p.s)
	}

	p.s.fill()

	if err := p.persist(); err != nil {
		return nil, err
	}

	return p, nil
}

// Get returns a copy of the current process state.
func (p *Provider) Get() *State {
	p.rw.RLock()
	defer p.rw.RUnlock()

	return p.s.deepCopy()
}

// Update updates the process state with the given function and persists it.
func (p *Provider) Update(update func(s *State)) error {
	p.rw.Lock()
	defer p.rw.Unlock()

	update(p.s)
	p.s.fill()

	return p.persist()
}

// persist writes the current state to the file, if any.
//
// The caller, if any, must hold rw for writing.
func (p *Provider) persist() error {
	if p.filename == "" {
		return nil
	}

	b, err := json.Marshal(p.s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.filename), 0o777); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(p.filename, b, 0o666); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}
