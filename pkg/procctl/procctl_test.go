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

import (
	"context"
	"testing"
	"time"

	"github.com/tracefleet/procctl/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(config.Default())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestCreateStopsAtConfiguredCreate(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx := context.Background()
	if err := p.WaitRendezvous(ctx); err != nil {
		t.Fatalf("WaitRendezvous: %v", err)
	}
	if got := p.Snapshot().Stop; got&uint16(stopCreate) == 0 {
		t.Fatalf("expected stopCreate bit set, got %v", got)
	}
}

func TestAttachChainReachesMain(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopMain, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate the victim reaching the program's entry point (AT_ENTRY):
	// fire the one-shot breakpoint armPreInit planted at auxEntry,
	// locked exactly as the controller would hold it.
	ctx := p.Lock(context.Background())
	if _, err := dbg.fireBreakpoint(p.Pid(), 0x1000); err != nil {
		t.Fatalf("fire preinit breakpoint: %v", err)
	}
	p.Unlock(ctx)

	// The victim here is "statically linked" (fakeVictim.linkerDB
	// defaults false), so armPostInitLocked degrades straight through
	// to arming the main() breakpoint.
	ctx = p.Lock(context.Background())
	if _, err := dbg.fireBreakpoint(p.Pid(), 0x2000); err != nil {
		t.Fatalf("fire main breakpoint: %v", err)
	}
	p.Unlock(ctx)

	rendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.WaitRendezvous(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitRendezvous: %v", err)
		}
	case <-rendCtx.Done():
		t.Fatal("WaitRendezvous never observed the main() stop")
	}
}

func TestAttachChainDegradesToPreInitWhenMainUnresolvable(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), noMainFile, nil, dbg, StopMain, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Same statically linked path as TestAttachChainReachesMain, except
	// this victim's symbol table never contains "main": armMainLocked's
	// LookupSymbol fails and the rendezvous must degrade to PreInit
	// instead of leaving WaitRendezvous waiting on a stop bit that will
	// never be set.
	ctx := p.Lock(context.Background())
	if _, err := dbg.fireBreakpoint(p.Pid(), 0x1000); err != nil {
		t.Fatalf("fire preinit breakpoint: %v", err)
	}
	p.Unlock(ctx)

	rendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.WaitRendezvous(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitRendezvous: %v", err)
		}
	case <-rendCtx.Done():
		t.Fatal("WaitRendezvous hung: degrade to PreInit never satisfied the configured StopMain rendezvous")
	}

	if got := p.Snapshot().Stop; got&uint16(stopPreInit) == 0 {
		t.Fatalf("expected stopPreInit bit set after degrade, got %v", got)
	}
}

func TestRecursiveLockReentrant(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx := p.Lock(context.Background())
	ctx = p.Lock(ctx) // re-entrant: same token, must not deadlock
	p.Unlock(ctx)
	p.Unlock(ctx)
}

func TestMarshalledWaitFromOtherGoroutine(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := p.Wait(context.Background(), false)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.State != ProcStopped {
		t.Fatalf("expected ProcStopped, got %v", res.State)
	}
}

func TestNotificationOnDeath(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dbg.kill(p.Pid())

	type result struct {
		n  notification
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		n, ok := r.notifyBus.Next()
		ch <- result{n, ok}
	}()

	select {
	case res := <-ch:
		if !res.ok {
			t.Fatal("expected a death notification")
		}
		if res.n.pid != p.Pid() || res.n.kind != ErrDeath {
			t.Fatalf("unexpected notification: %+v", res.n)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for death notification")
	}
}

func TestRegistryLookupSharesTarget(t *testing.T) {
	r := newTestRegistry(t)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p1, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p2, ok := r.Lookup(p1.Pid())
	if !ok {
		t.Fatal("expected Lookup to find the just-created target")
	}
	if p2.Snapshot().Refs < 2 {
		t.Fatalf("expected refcount >= 2 after Lookup, got %d", p2.Snapshot().Refs)
	}
}
