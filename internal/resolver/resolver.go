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

// Package resolver maps logical store names to filesystem paths.
//
// Stores live in `<dir>/<version>/<name>`.
// No other package should know about that layout.
package resolver

import "path/filepath"

// Dir returns the absolute path of the directory holding all stores
// for the given base directory and version tag.
func Dir(dir, version string) (string, error) {
	return filepath.Abs(filepath.Join(dir, version))
}

// Resolve returns the absolute path of the store file with the given name.
func Resolve(dir, version, name string) (string, error) {
	return filepath.Abs(filepath.Join(dir, version, name))
}
