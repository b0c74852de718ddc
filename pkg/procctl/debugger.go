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

package procctl

// ProcState is the externally visible state of a victim process, as
// spec.md §6's State() operation reports it.
type ProcState uint8

// The victim states the controller's event loop branches on
// (spec.md §4.4 step 5).
const (
	ProcRunning ProcState = iota
	ProcStopped
	ProcTraceStopped // another debugger has it; spec.md: "currently unrecoverable"
	ProcDead
)

func (s ProcState) String() string {
	switch s {
	case ProcRunning:
		return "running"
	case ProcStopped:
		return "stopped"
	case ProcTraceStopped:
		return "tracestopped"
	case ProcDead:
		return "dead"
	default:
		return "unknown"
	}
}

// WaitResult is returned by Debugger.Wait.
type WaitResult struct {
	State ProcState
	// ExitCode is valid when State == ProcDead and the victim exited
	// normally.
	ExitCode int
	// Signal is valid when State == ProcDead and the victim was
	// killed by a signal, or when State == ProcStopped.
	Signal int
}

// PokeRequest is the tagged poke operation from spec.md §4.2's
// request slot: {request-code, pid, address, data}. Request follows
// ptrace(2)'s request numbering (PTRACE_PEEKTEXT, PTRACE_POKETEXT,
// PTRACE_GETREGS, ...); Addr/Data are interpreted according to it.
type PokeRequest struct {
	Request int
	Pid     int
	Addr    uintptr
	Data    uintptr
}

// BreakpointHandler is invoked by the Debugger, on the controller
// goroutine with the target's recursive lock held, when a planted
// breakpoint fires (spec.md §4.5). Returning (true, nil) tells the
// debugger to step the victim past the breakpoint and resume it
// ("continue"); returning false leaves the victim stopped there.
type BreakpointHandler func(addr uintptr) (cont bool, err error)

// LinkEventType is the kind of dynamic-linker event delivered to a
// LinkCallback (spec.md §4.6).
type LinkEventType uint8

// LinkEventState qualifies a LinkEventType event.
type LinkEventState uint8

const (
	// LinkNone is a benign housekeeping callback (e.g. state
	// deallocation) that carries no actionable event.
	LinkNone LinkEventType = iota
	// LinkDLActivity signals a shared-object load/unload is in
	// progress or has completed; only {LinkDLActivity, LinkConsistent}
	// is acted upon per spec.md §4.6.
	LinkDLActivity
)

const (
	LinkConsistent LinkEventState = iota
	LinkOther
)

// LinkEvent is one event delivered to a LinkCallback.
type LinkEvent struct {
	Type  LinkEventType
	State LinkEventState
}

// LinkCallback receives dynamic-linker events for a target.
type LinkCallback func(ev LinkEvent)

// LinkerDB is an opaque handle to a target's dynamic-linker database,
// obtained from Debugger.LinkerDB.
type LinkerDB interface{}

// LockHook is invoked by a Debugger immediately before (ptracing=true)
// and after (ptracing=false) it issues a raw debug syscall outside of
// the normal Wait/Poke path (e.g. while planting a breakpoint), so
// that the target's recursive lock brackets every such syscall even
// when it isn't routed through the marshalling channel explicitly.
// This mirrors dt_proc.c's Pset_ptrace_lock_hook/dt_proc_ptrace_lock.
type LockHook func(ptracing bool)

// Handle identifies one victim process to a Debugger. It is opaque
// to procctl; concrete Debuggers may use any representation, but
// Pid(h) must always be recoverable from it.
type Handle interface {
	// Pid returns the victim's process ID.
	Pid() int
}

// Debugger is the opaque low-level debugging service spec.md §6
// names as "Consumed from debugger library": it is the only thing in
// this module that issues real OS debug syscalls. procctl never
// assumes a particular OS; pkg/ptracedbg is this module's concrete
// Linux ptrace binding.
//
// Every method below is only ever called by a target's controller
// goroutine, or via procctl's marshalling channel, which guarantees
// the "exactly one thread issues debug primitives" invariant spec.md
// §8 requires — Debugger implementations do not need to do their own
// thread marshalling.
type Debugger interface {
	// Create spawns file with the given argv, halted immediately
	// after exec (an exec-stop, requiring no breakpoint).
	Create(file string, argv []string) (Handle, error)
	// Grab attaches to an already-running pid, halted immediately
	// after the attach-stop.
	Grab(pid int) (Handle, error)
	// Release detaches from (or, if kill is set and the victim was
	// created by this library, kills) the victim and forgets it
	// entirely; the Target record built on top of this Handle does not
	// survive a Release (spec.md's destroy()).
	Release(h Handle, kill bool) error

	// Wait blocks (if block is true) until the victim's state
	// changes, or returns the latest already-known state (if false).
	Wait(h Handle, block bool) (WaitResult, error)
	// State reports the victim's last-observed state without
	// blocking.
	State(h Handle) ProcState

	// AuxValue reads one auxv entry (e.g. AT_ENTRY) from the victim.
	AuxValue(h Handle, key int) (uintptr, error)
	// LookupSymbol resolves name in module (or every loaded module,
	// if module is "") to an address.
	LookupSymbol(h Handle, module, name string) (uintptr, error)

	// PlantBreakpoint installs a breakpoint at addr. If oneShot, the
	// debugger removes it automatically once it has fired and the
	// handler has returned.
	PlantBreakpoint(h Handle, addr uintptr, oneShot bool, handler BreakpointHandler) error
	// RemoveBreakpoint removes a previously planted breakpoint.
	RemoveBreakpoint(h Handle, addr uintptr) error

	// Poke issues a raw ptrace-style request against the victim and
	// returns its raw result plus an OS errno (0 on success).
	Poke(req PokeRequest) (ret uintptr, errno int)

	// InstallLockHook registers a LockHook invoked around any debug
	// syscall this Debugger issues outside of Wait/Poke.
	InstallLockHook(h Handle, hook LockHook)

	// Pid returns the victim's pid.
	Pid(h Handle) int
	// HasFDs reports whether the debugger still holds open file
	// descriptors for the victim (false once retired). Safe to call
	// from any goroutine: it is a plain state probe, never itself a
	// debug syscall.
	HasFDs(h Handle) bool
	// Retire releases the debugger's file descriptors for the victim
	// without forgetting it: unlike Release, the victim stays
	// addressable by pid and Reopen can bring it back (spec.md's
	// retire(), distinct from destroy()).
	Retire(h Handle) error
	// Reopen reacquires file descriptors for a retired victim.
	Reopen(h Handle) error

	// UpdateSymbols refreshes cached symbol tables, typically after a
	// dynamic-linker event indicates new modules were loaded.
	UpdateSymbols(h Handle) error
	// LinkerDB returns the victim's dynamic-linker database, if one
	// is available yet (ok is false for a statically linked victim
	// that has not yet performed its first dynamic load).
	LinkerDB(h Handle) (db LinkerDB, ok bool)
	// LinkerEnableEvents subscribes cb to db's link-map events. Safe
	// to call repeatedly; re-subscribing an already-active db is a
	// cheap no-op (spec.md §4.6).
	LinkerEnableEvents(db LinkerDB, cb LinkCallback) error

	// SetDetached controls whether Release should leave the victim
	// running (true) or stop it (false) when no debugger is attached.
	SetDetached(h Handle, detached bool)
}
