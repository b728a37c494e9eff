//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package testhelpers contains helpers shared by this module's tests.
package testhelpers

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Diff compares two values structurally, treating nil and empty slices and
// maps as equal, and returns the diff text (-want +got) and whether they
// were equal.
func Diff(t *testing.T, got, want interface{}, opts ...cmp.Option) (diff string, equal bool) {
	t.Helper()
	allOpts := append([]cmp.Option{cmpopts.EquateEmpty()}, opts...)
	diff = cmp.Diff(want, got, allOpts...)
	return diff, diff == ""
}
