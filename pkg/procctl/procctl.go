// Copyright 2018 The gVisor Authors.
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

// Package procctl is the process-control core of a dynamic-tracing
// client library: it owns the lifecycle of every target process a
// tracer attaches to, drives each one through an attach-time state
// machine, and serializes every debug primitive through a single
// control goroutine per target, because the underlying debug
// primitive (ptrace) is strictly thread-bound.
//
// This package never issues a ptrace syscall itself: it is written
// against the Debugger interface, so it can be driven by any
// concrete binding (pkg/ptracedbg is this module's Linux one) or, in
// tests, by a fake.
package procctl

import "fmt"

// StopPoint is a rendezvous point in the attach-time state machine,
// selected process-wide by configuration (spec.md §4.3).
type StopPoint uint8

// The five rendezvous points a target can be configured to stop at.
const (
	StopCreate StopPoint = iota
	StopGrab
	StopPreInit
	StopPostInit
	StopMain
)

func (s StopPoint) String() string {
	switch s {
	case StopCreate:
		return "create"
	case StopGrab:
		return "grab"
	case StopPreInit:
		return "preinit"
	case StopPostInit:
		return "postinit"
	case StopMain:
		return "main"
	default:
		return fmt.Sprintf("StopPoint(%d)", uint8(s))
	}
}

// stopMask is the Target's "stop" bitset (spec.md §3): besides the
// five configurable rendezvous points, it carries the RESUMED bit
// Proc.Continue sets once the victim has been told to run again.
type stopMask uint16

const (
	stopCreate stopMask = 1 << iota
	stopGrab
	stopPreInit
	stopPostInit
	stopMain
	stopResumed
)

// bitFor returns the single configured-rendezvous bit corresponding
// to a StopPoint.
func bitFor(sp StopPoint) stopMask {
	switch sp {
	case StopCreate:
		return stopCreate
	case StopGrab:
		return stopGrab
	case StopPreInit:
		return stopPreInit
	case StopPostInit:
		return stopPostInit
	case StopMain:
		return stopMain
	default:
		panic(fmt.Sprintf("procctl: invalid StopPoint %v", sp))
	}
}

// CreateFlags controls Registry.Create/Grab behavior (spec.md §6's
// per-call flags).
type CreateFlags uint8

// WaitAtRendezvous, when set, makes Create/Grab synchronously invoke
// Continue once the controller reaches its initial rendezvous,
// matching spec.md §6's "wait-at-rendezvous" flag.
const WaitAtRendezvous CreateFlags = 1 << 0
