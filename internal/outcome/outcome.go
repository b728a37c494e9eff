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
// Package outcome defines the tagged result type every action-pipeline and
// scheduler step returns instead of throwing: {Applied | Unchanged |
// Failed(kind)} (spec.md Design Notes, "Exceptions for control flow"). No
// error crosses a component boundary as a panic or a bare Go error; every
// step's caller gets a value it can log and move past.
package outcome

import (
	"google.golang.org/grpc/codes"
)

// Status is which of the three tagged cases an Outcome holds.
type Status int8

const (
	StatusUnchanged Status = iota
	StatusApplied
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusApplied:
		return "applied"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind is the error-kind taxonomy of spec.md §7, each mapping one-to-one to
// an observable log category.
type Kind int8

const (
	KindNone Kind = iota
	KindNotFound
	KindAccessDenied
	KindPrivilegeNotHeld
	KindInvalidArgument
	KindSymbolUnavailable
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindPrivilegeNotHeld:
		return "privilege_not_held"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindSymbolUnavailable:
		return "symbol_unavailable"
	case KindConfigInvalid:
		return "config_invalid"
	default:
		return "none"
	}
}

// Code maps k onto the nearest grpc status code, so every failure can be
// logged and introspected through one shared vocabulary rather than a
// bespoke one per subsystem.
func (k Kind) Code() codes.Code {
	switch k {
	case KindNotFound:
		return codes.NotFound
	case KindAccessDenied:
		return codes.PermissionDenied
	case KindPrivilegeNotHeld:
		return codes.FailedPrecondition
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindSymbolUnavailable:
		return codes.Unavailable
	case KindConfigInvalid:
		return codes.InvalidArgument
	default:
		return codes.OK
	}
}

// Outcome is the result of one applied state mutation attempt: a field
// moved from Old to New, was already at New (Unchanged), or failed for Kind
// with Err.
type Outcome struct {
	Status Status
	Old    string
	New    string
	Kind   Kind
	Err    error
}

// Applied reports a successful change from old to new.
func Applied(old, new string) Outcome {
	return Outcome{Status: StatusApplied, Old: old, New: new}
}

// Unchanged reports that the observed value already matched the desired one.
func Unchanged(value string) Outcome {
	return Outcome{Status: StatusUnchanged, Old: value, New: value}
}

// Failed reports a local, non-fatal failure of kind.
func Failed(kind Kind, err error) Outcome {
	return Outcome{Status: StatusFailed, Kind: kind, Err: err}
}

// IsChange reports whether this outcome represents an applied mutation
// worth a change-record (spec.md §6.4).
func (o Outcome) IsChange() bool { return o.Status == StatusApplied }
