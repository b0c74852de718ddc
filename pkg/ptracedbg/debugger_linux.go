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

//go:build linux
// +build linux

package ptracedbg

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kr/pty"
	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/tracefleet/procctl/pkg/log"
	"github.com/tracefleet/procctl/pkg/procctl"
)

// victim is this binding's private bookkeeping for one traced
// process, keyed by pid in Debugger.procs.
//
// Precondition for every ptrace(2) call against a victim: it must be
// issued from the OS thread that performed PTRACE_TRACEME/ATTACH —
// procctl's controller goroutine guarantees this by locking its own
// OS thread for the victim's whole lifetime (see pkg/procctl's
// controller.go), the same precondition
// pkg/sentry/platform/ptrace/subprocess_linux.go documents for its
// own thread-bound stubs.
type victim struct {
	pid       int
	cmd       *exec.Cmd // non-nil only if this library spawned it
	tty       *os.File  // non-nil only if spawned with Debugger.UsePTY
	detached  bool
	hasFDs    bool
	state     procctl.ProcState
	lastWait  procctl.WaitResult
	lockHook  procctl.LockHook
	breakpts  map[uintptr]*breakpoint
	symbols   map[string]uintptr
	knownMaps map[string]struct{} // for the maps-diff link-map approximation
	linkCB    procctl.LinkCallback
	linkOn    bool
}

// Debugger is pkg/procctl's Linux ptrace binding.
type Debugger struct {
	mu    sync.Mutex
	procs map[int]*victim

	// DropCapabilities, if set, is dropped from this process's own
	// capability sets via github.com/syndtr/gocapability before Create
	// spawns a victim, so the victim inherits the reduced set across
	// exec; the tracer keeps running with the reduced set as well.
	DropCapabilities []capability.Cap

	// UsePTY, if set, spawns Create'd victims with a pty-backed
	// stdio instead of inherited pipes, via github.com/kr/pty.
	UsePTY bool
}

var _ procctl.Debugger = (*Debugger)(nil)

// New constructs an empty Debugger.
func New() *Debugger {
	return &Debugger{procs: make(map[int]*victim)}
}

type handle struct{ pid int }

func (h handle) Pid() int { return h.pid }

func (d *Debugger) get(h procctl.Handle) *victim {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.procs[h.Pid()]
}

// Create spawns file under ptrace, halting it at the post-exec stop.
func (d *Debugger) Create(file string, argv []string) (procctl.Handle, error) {
	cmd := exec.Command(file, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if len(d.DropCapabilities) > 0 {
		if err := dropCapabilities(d.DropCapabilities); err != nil {
			log.Warningf("drop capabilities before spawning %s: %v", file, err)
		}
	}

	var tty *os.File
	var err error
	if d.UsePTY {
		tty, err = pty.Start(cmd)
	} else {
		cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
		err = cmd.Start()
	}
	if err != nil {
		return nil, fmt.Errorf("ptracedbg: start %s: %w", file, err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("ptracedbg: initial wait for pid %d: %w", pid, err)
	}
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACEEXIT|unix.PTRACE_O_TRACEEXEC); err != nil {
		return nil, fmt.Errorf("ptracedbg: set options for pid %d: %w", pid, err)
	}

	v := &victim{
		pid:       pid,
		cmd:       cmd,
		tty:       tty,
		hasFDs:    true,
		state:     procctl.ProcStopped,
		breakpts:  make(map[uintptr]*breakpoint),
		symbols:   make(map[string]uintptr),
		knownMaps: make(map[string]struct{}),
	}
	d.mu.Lock()
	d.procs[pid] = v
	d.mu.Unlock()
	return handle{pid}, nil
}

// Grab attaches to an already-running pid, retrying transient
// EPERM/ESRCH races (the target may still be between fork and exec)
// with a bounded constant backoff, the same retry idiom
// runsc/sandbox/sandbox.go uses around its own readiness probes.
func (d *Debugger) Grab(pid int) (procctl.Handle, error) {
	op := func() error {
		if err := unix.PtraceAttach(pid); err != nil {
			if err == unix.EPERM || err == unix.ESRCH {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 20)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("ptracedbg: attach pid %d: %w", pid, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("ptracedbg: initial wait for pid %d: %w", pid, err)
	}

	v := &victim{
		pid:       pid,
		hasFDs:    true,
		state:     procctl.ProcStopped,
		breakpts:  make(map[uintptr]*breakpoint),
		symbols:   make(map[string]uintptr),
		knownMaps: make(map[string]struct{}),
	}
	d.mu.Lock()
	d.procs[pid] = v
	d.mu.Unlock()
	return handle{pid}, nil
}

// Release detaches from, or kills, the victim and forgets it.
func (d *Debugger) Release(h procctl.Handle, kill bool) error {
	v := d.get(h)
	if v == nil {
		return nil
	}
	var err error
	if kill {
		err = unix.Kill(v.pid, unix.SIGKILL)
	} else if !v.detached {
		err = unix.PtraceDetach(v.pid)
	}
	d.mu.Lock()
	delete(d.procs, v.pid)
	d.mu.Unlock()
	if v.tty != nil {
		v.tty.Close()
	}
	if err != nil {
		return fmt.Errorf("ptracedbg: release pid %d: %w", v.pid, err)
	}
	return nil
}

// Wait reports (or, if block, waits for) the victim's latest status.
func (d *Debugger) Wait(h procctl.Handle, block bool) (procctl.WaitResult, error) {
	v := d.get(h)
	if v == nil {
		return procctl.WaitResult{}, fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}

	flags := unix.WNOHANG
	if block {
		flags = 0
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(v.pid, &ws, flags, nil)
	if err != nil {
		if err == unix.ECHILD {
			v.state = procctl.ProcDead
			return procctl.WaitResult{State: procctl.ProcDead}, nil
		}
		return procctl.WaitResult{}, err
	}
	if wpid == 0 {
		// WNOHANG: nothing new.
		return v.lastWait, nil
	}

	res := classify(ws)
	v.state = res.State
	v.lastWait = res
	if res.State == procctl.ProcDead {
		v.hasFDs = false
	}
	if res.State == procctl.ProcStopped {
		d.dispatchBreakpoint(v)
	}
	d.checkLinkEvents(v)
	return res, nil
}

func classify(ws unix.WaitStatus) procctl.WaitResult {
	switch {
	case ws.Exited():
		return procctl.WaitResult{State: procctl.ProcDead, ExitCode: ws.ExitStatus()}
	case ws.Signaled():
		return procctl.WaitResult{State: procctl.ProcDead, Signal: int(ws.Signal())}
	case ws.Stopped():
		return procctl.WaitResult{State: procctl.ProcStopped, Signal: int(ws.StopSignal())}
	default:
		return procctl.WaitResult{State: procctl.ProcRunning}
	}
}

// State reports the last-observed state without blocking.
func (d *Debugger) State(h procctl.Handle) procctl.ProcState {
	v := d.get(h)
	if v == nil {
		return procctl.ProcDead
	}
	return v.state
}

// Poke issues a raw ptrace request.
func (d *Debugger) Poke(req procctl.PokeRequest) (uintptr, int) {
	var errno int
	switch req.Request {
	case unix.PTRACE_CONT:
		if err := unix.PtraceCont(req.Pid, 0); err != nil {
			errno = errnoOf(err)
		}
	case unix.PTRACE_PEEKTEXT, unix.PTRACE_PEEKDATA:
		var buf [8]byte
		if _, err := unix.PtracePeekText(req.Pid, req.Addr, buf[:]); err != nil {
			errno = errnoOf(err)
		}
		return uintptr(bytesToWord(buf[:])), errno
	case unix.PTRACE_POKETEXT, unix.PTRACE_POKEDATA:
		buf := wordToBytes(uint64(req.Data))
		if _, err := unix.PtracePokeText(req.Pid, req.Addr, buf); err != nil {
			errno = errnoOf(err)
		}
	default:
		errno = int(unix.EINVAL)
	}
	return 0, errno
}

func errnoOf(err error) int {
	if errno, ok := err.(unix.Errno); ok {
		return int(errno)
	}
	return -1
}

func bytesToWord(b []byte) uint64 {
	var w uint64
	for i := 7; i >= 0; i-- {
		w = w<<8 | uint64(b[i])
	}
	return w
}

func wordToBytes(w uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(w)
		w >>= 8
	}
	return b
}

// InstallLockHook registers hook to bracket any raw debug syscall
// this Debugger issues outside of Wait/Poke, mirroring dt_proc.c's
// Pset_ptrace_lock_hook.
func (d *Debugger) InstallLockHook(h procctl.Handle, hook procctl.LockHook) {
	if v := d.get(h); v != nil {
		v.lockHook = hook
	}
}

// Pid returns the victim's pid.
func (d *Debugger) Pid(h procctl.Handle) int { return h.Pid() }

// HasFDs reports whether this binding still holds the victim open.
func (d *Debugger) HasFDs(h procctl.Handle) bool {
	v := d.get(h)
	return v != nil && v.hasFDs
}

// Retire detaches from the victim, per spec.md's retire() operation,
// but keeps its victim record in d.procs: unlike Release, the pid
// stays addressable and Reopen can re-attach to it later without
// losing breakpoint/symbol bookkeeping identity.
func (d *Debugger) Retire(h procctl.Handle) error {
	v := d.get(h)
	if v == nil {
		return fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}
	if !v.hasFDs {
		return nil
	}
	if !v.detached {
		if err := unix.PtraceDetach(v.pid); err != nil {
			return fmt.Errorf("ptracedbg: retire pid %d: %w", v.pid, err)
		}
	}
	d.mu.Lock()
	v.hasFDs = false
	v.detached = true
	d.mu.Unlock()
	return nil
}

// Reopen re-attaches to a victim previously released by Retire,
// restoring its file descriptor state so it can be driven again
// through the same *victim record (spec.md's un-retire path).
func (d *Debugger) Reopen(h procctl.Handle) error {
	v := d.get(h)
	if v == nil {
		return fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}
	if v.hasFDs {
		return nil
	}
	if err := unix.PtraceAttach(v.pid); err != nil {
		return fmt.Errorf("ptracedbg: reopen pid %d: %w", v.pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(v.pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("ptracedbg: reopen wait pid %d: %w", v.pid, err)
	}
	d.mu.Lock()
	v.hasFDs = true
	v.detached = false
	d.mu.Unlock()
	return nil
}

// SetDetached records whether Release should leave the victim running.
func (d *Debugger) SetDetached(h procctl.Handle, detached bool) {
	if v := d.get(h); v != nil {
		v.detached = detached
	}
}
