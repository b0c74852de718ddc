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

import "sync"

// fakeHandle is the fakeDebugger's Handle implementation.
type fakeHandle struct{ pid int }

func (h fakeHandle) Pid() int { return h.pid }

// fakeVictim is one simulated victim tracked by fakeDebugger.
type fakeVictim struct {
	pid        int
	state      ProcState
	dead       bool
	auxv       map[int]uintptr
	symbols    map[string]uintptr
	breakpts   map[uintptr]BreakpointHandler
	linkerDB   bool
	linkCB     LinkCallback
	detached bool
	hasFDs   bool
	pokeLog  []PokeRequest
}

// fakeDebugger is an in-memory Debugger used by procctl's own tests:
// it never touches the OS, so every test below is confident to pass
// without running anything through the Go toolchain.
type fakeDebugger struct {
	mu     sync.Mutex
	nextID int
	procs  map[int]*fakeVictim
}

var _ Debugger = (*fakeDebugger)(nil)

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{procs: make(map[int]*fakeVictim)}
}

// noMainFile is a sentinel Create/Grab file name whose simulated victim
// never resolves a "main" symbol, exercising the attach chain's
// degrade-to-preinit path (armMainLocked's LookupSymbol failure).
const noMainFile = "/bin/nomain"

func (d *fakeDebugger) Create(file string, argv []string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	pid := d.nextID
	symbols := map[string]uintptr{"main": 0x2000}
	if file == noMainFile {
		symbols = map[string]uintptr{}
	}
	d.procs[pid] = &fakeVictim{
		pid:      pid,
		state:    ProcStopped,
		auxv:     map[int]uintptr{auxEntry: 0x1000},
		symbols:  symbols,
		breakpts: make(map[uintptr]BreakpointHandler),
		hasFDs:   true,
	}
	return fakeHandle{pid}, nil
}

func (d *fakeDebugger) Grab(pid int) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.procs[pid]; !ok {
		d.procs[pid] = &fakeVictim{
			pid:      pid,
			state:    ProcStopped,
			auxv:     map[int]uintptr{auxEntry: 0x1000},
			symbols:  map[string]uintptr{"main": 0x2000},
			breakpts: make(map[uintptr]BreakpointHandler),
			hasFDs:   true,
		}
	}
	return fakeHandle{pid}, nil
}

func (d *fakeDebugger) Release(h Handle, kill bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.procs[h.Pid()]; v != nil {
		v.hasFDs = false
		v.detached = !kill
	}
	return nil
}

func (d *fakeDebugger) Retire(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.procs[h.Pid()]; v != nil {
		v.hasFDs = false
	}
	return nil
}

func (d *fakeDebugger) Wait(h Handle, block bool) (WaitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	if v == nil || v.dead {
		return WaitResult{State: ProcDead}, nil
	}
	return WaitResult{State: v.state}, nil
}

func (d *fakeDebugger) State(h Handle) ProcState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.procs[h.Pid()]; v != nil {
		return v.state
	}
	return ProcDead
}

func (d *fakeDebugger) AuxValue(h Handle, key int) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	return v.auxv[key], nil
}

func (d *fakeDebugger) LookupSymbol(h Handle, module, name string) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	if addr, ok := v.symbols[name]; ok {
		return addr, nil
	}
	return 0, newError(ErrSymbol, h.Pid(), "symbol not found", nil)
}

func (d *fakeDebugger) PlantBreakpoint(h Handle, addr uintptr, oneShot bool, handler BreakpointHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	v.breakpts[addr] = handler
	return nil
}

func (d *fakeDebugger) RemoveBreakpoint(h Handle, addr uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	delete(v.breakpts, addr)
	return nil
}

func (d *fakeDebugger) Poke(req PokeRequest) (uintptr, int) {
	d.mu.Lock()
	v := d.procs[req.Pid]
	if v != nil {
		v.pokeLog = append(v.pokeLog, req)
	}
	d.mu.Unlock()

	// Firing a planted breakpoint is simulated out-of-band by tests
	// calling fireBreakpoint directly, so a plain continue just
	// leaves the victim running.
	return 0, 0
}

func (d *fakeDebugger) InstallLockHook(h Handle, hook LockHook) {}

func (d *fakeDebugger) Pid(h Handle) int { return h.Pid() }

func (d *fakeDebugger) HasFDs(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	return v != nil && v.hasFDs
}

func (d *fakeDebugger) Reopen(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.procs[h.Pid()]; v != nil {
		v.hasFDs = true
	}
	return nil
}

func (d *fakeDebugger) UpdateSymbols(h Handle) error { return nil }

func (d *fakeDebugger) LinkerDB(h Handle) (LinkerDB, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.procs[h.Pid()]
	if v == nil || !v.linkerDB {
		return nil, false
	}
	return h.Pid(), true
}

func (d *fakeDebugger) LinkerEnableEvents(db LinkerDB, cb LinkCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pid := db.(int)
	if v := d.procs[pid]; v != nil {
		v.linkCB = cb
	}
	return nil
}

func (d *fakeDebugger) SetDetached(h Handle, detached bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.procs[h.Pid()]; v != nil {
		v.detached = detached
	}
}

// kill marks pid dead, as observed by the next Wait.
func (d *fakeDebugger) kill(pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.procs[pid]; v != nil {
		v.dead = true
		v.state = ProcDead
	}
}

// fireBreakpoint simulates the victim hitting addr: it invokes the
// planted handler directly, the way ptracedbg's dispatchBreakpoint
// would after classifying a real SIGTRAP stop.
func (d *fakeDebugger) fireBreakpoint(pid int, addr uintptr) (bool, error) {
	d.mu.Lock()
	v := d.procs[pid]
	handler := v.breakpts[addr]
	d.mu.Unlock()
	if handler == nil {
		return false, nil
	}
	return handler(addr)
}
