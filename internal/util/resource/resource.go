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

// Package resource provides utilities for tracking resource lifetimes.
//
// Tracked objects appear in a pprof profile named after their type.
// In debug builds, an object that becomes unreachable without being
// untracked first makes its finalizer panic.
package resource

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/sqlkeeper/sqlkeeper/internal/util/debugbuild"
)

// Token is a unique value held by a tracked object.
//
// It should be a field of the tracked object so that their lifetimes match.
type Token struct {
	stack []byte
}

// NewToken returns a new Token.
func NewToken() *Token {
	return &Token{
		stack: debugbuild.Stack(),
	}
}

// profilesM protects the creation of new pprof profiles.
var profilesM sync.Mutex

// profileName returns pprof profile name for the given object.
func profileName(obj any) string {
	return "sqlkeeper/" + reflect.TypeOf(obj).Elem().String()
}

// Track tracks the lifetime of an object until Untrack is called on it.
//
// Obj should be a pointer to a struct with a Token field.
func Track[T any](obj *T, token *Token) {
	if obj == nil {
		panic("obj must not be nil")
	}

	if token == nil {
		panic("token must not be nil")
	}

	name := profileName(obj)

	// fast path

	p := pprof.Lookup(name)

	if p == nil {
		// slow path

		profilesM.Lock()

		// a concurrent call might have created a profile already; check again
		if p = pprof.Lookup(name); p == nil {
			p = pprof.NewProfile(name)
		}

		profilesM.Unlock()
	}

	// use token instead of obj itself,
	// because otherwise the profile would hold a reference to obj
	// and the finalizer would never run
	p.Add(token, 1)

	if debugbuild.Enabled {
		runtime.SetFinalizer(obj, func(obj *T) {
			msg := fmt.Sprintf("%T has not been finalized", obj)
			if token.stack != nil {
				msg += "\nObject created by " + string(token.stack)
			}

			panic(msg)
		})
	}
}

// Untrack stops tracking the lifetime of an object.
func Untrack[T any](obj *T, token *Token) {
	if obj == nil {
		panic("obj must not be nil")
	}

	if token == nil {
		panic("token must not be nil")
	}

	p := pprof.Lookup(profileName(obj))
	if p == nil {
		panic("object is not tracked")
	}

	p.Remove(token)

	if debugbuild.Enabled {
		runtime.SetFinalizer(obj, nil)
	}
}
