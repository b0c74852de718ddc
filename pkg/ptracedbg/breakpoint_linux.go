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

//go:build linux && amd64
// +build linux,amd64

package ptracedbg

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tracefleet/procctl/pkg/log"
	"github.com/tracefleet/procctl/pkg/procctl"
)

// int3 is the x86-64 single-byte software breakpoint instruction.
const int3 = 0xCC

// breakpoint is one planted software breakpoint: the original byte at
// addr, saved so it can be restored, and the handler to invoke when it
// fires.
type breakpoint struct {
	addr     uintptr
	orig     byte
	oneShot  bool
	handler  procctl.BreakpointHandler
}

// PlantBreakpoint overwrites the byte at addr with an int3, saving the
// original so the instruction stream can be restored on
// RemoveBreakpoint or after a one-shot fire.
func (d *Debugger) PlantBreakpoint(h procctl.Handle, addr uintptr, oneShot bool, handler procctl.BreakpointHandler) error {
	v := d.get(h)
	if v == nil {
		return fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}

	d.lockedSyscall(v, func() error {
		var buf [1]byte
		_, err := unix.PtracePeekText(v.pid, addr, buf[:])
		if err != nil {
			return err
		}
		bp := &breakpoint{addr: addr, orig: buf[0], oneShot: oneShot, handler: handler}
		v.breakpts[addr] = bp
		_, err = unix.PtracePokeText(v.pid, addr, []byte{int3})
		return err
	})
	return nil
}

// RemoveBreakpoint restores the original instruction byte at addr.
func (d *Debugger) RemoveBreakpoint(h procctl.Handle, addr uintptr) error {
	v := d.get(h)
	if v == nil {
		return fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}
	bp, ok := v.breakpts[addr]
	if !ok {
		return nil
	}
	delete(v.breakpts, addr)
	_, err := unix.PtracePokeText(v.pid, addr, []byte{bp.orig})
	return err
}

// dispatchBreakpoint is called from Wait after observing a
// SIGTRAP stop: if the trap address matches a planted breakpoint, its
// handler runs (with the victim's recursive lock already held by the
// calling controller), the instruction pointer is rewound past the
// int3, and the original byte is restored (removed, if one-shot, or
// re-armed by a subsequent single-step in a fuller implementation).
func (d *Debugger) dispatchBreakpoint(v *victim) {
	if v.lastWait.Signal != int(unix.SIGTRAP) {
		return
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(v.pid, &regs); err != nil {
		log.Warningf("pid %d: get regs after trap: %v", v.pid, err)
		return
	}
	hitAddr := uintptr(regs.Rip) - 1
	bp, ok := v.breakpts[hitAddr]
	if !ok {
		return
	}

	regs.Rip = uint64(hitAddr)
	if err := unix.PtraceSetRegs(v.pid, &regs); err != nil {
		log.Warningf("pid %d: rewind rip after trap: %v", v.pid, err)
	}
	if _, err := unix.PtracePokeText(v.pid, hitAddr, []byte{bp.orig}); err != nil {
		log.Warningf("pid %d: restore breakpoint byte: %v", v.pid, err)
	}
	if bp.oneShot {
		delete(v.breakpts, hitAddr)
	}

	cont, err := bp.handler(hitAddr)
	if err != nil {
		log.Warningf("pid %d: breakpoint handler: %v", v.pid, err)
	}
	if cont {
		if err := unix.PtraceCont(v.pid, 0); err != nil {
			log.Warningf("pid %d: continue after breakpoint: %v", v.pid, err)
		}
	}
}

// lockedSyscall brackets fn with v's LockHook, mirroring dt_proc.c's
// dt_proc_ptrace_lock around raw debug syscalls issued outside of the
// ordinary Wait/Poke path.
func (d *Debugger) lockedSyscall(v *victim, fn func() error) {
	if v.lockHook != nil {
		v.lockHook(true)
		defer v.lockHook(false)
	}
	if err := fn(); err != nil {
		log.Warningf("pid %d: ptrace syscall: %v", v.pid, err)
	}
}
