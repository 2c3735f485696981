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

// Package version provides information about the current build.
//
// The version is stored in version.txt and embedded into the binary;
// commit and dirty flag are read from the Go build information.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"

	"github.com/sqlkeeper/sqlkeeper/internal/util/debugbuild"
)

//go:embed version.txt
var versionTxt string

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	DebugBuild       bool
	BuildEnvironment map[string]string
}

var info *Info

// Get returns current build's info.
//
// The returned value must not be modified.
func Get() *Info {
	return info
}

func init() {
	info = &Info{
		Version:          strings.TrimSpace(versionTxt),
		DebugBuild:       debugbuild.Enabled,
		BuildEnvironment: make(map[string]string),
	}

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		default:
			info.BuildEnvironment[s.Key] = s.Value
		}
	}
}
