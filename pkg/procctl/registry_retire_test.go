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

func newTestRegistryWithCap(t *testing.T, cap uint32) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.CacheCap = cap
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// awaitRetired polls p's Snapshot until Retired matches want or the
// deadline passes, since retirement is completed asynchronously by a
// target's own controller goroutine off of the registry lock.
func awaitRetired(t *testing.T, p *Proc, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Snapshot().Retired == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pid %d: Retired never became %v", p.Pid(), want)
}

// TestReleaseRetiresRatherThanDestroys covers the core distinction the
// review flagged: releasing a target's last reference while the
// registry is over its cache cap must close its debugger file
// descriptors (retire) without cancelling its controller or evicting
// it from the registry — it must stay addressable by pid.
func TestReleaseRetiresRatherThanDestroys(t *testing.T) {
	r := newTestRegistryWithCap(t, 0) // cap 0: every eligible release retires immediately
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pid := p.Pid()

	p.Release()
	awaitRetired(t, p, true)

	if _, ok := r.targets[pid]; !ok {
		t.Fatal("retired target must remain in the registry's hash table")
	}
	select {
	case <-p.t.exited:
		t.Fatal("retirement must not cancel the target's controller")
	default:
	}
}

// TestGrabUnretiresCachedTarget covers "grabbing a retired Target
// un-retires it", with the same record identity preserved.
func TestGrabUnretiresCachedTarget(t *testing.T) {
	r := newTestRegistryWithCap(t, 0)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	p1, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pid := p1.Pid()

	p1.Release()
	awaitRetired(t, p1, true)

	p2, err := r.Grab(context.Background(), pid, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Grab: %v", err)
	}
	if p2.t != p1.t {
		t.Fatal("Grab on a retired target must preserve record identity, not reallocate")
	}
	awaitRetired(t, p2, false)
}

// TestLRURetirementUnderCacheCap reproduces the worked example: cache
// cap 2, three targets created then all released, exactly one survives
// non-retired (the most recently released), and it is the same record
// identity on re-grab.
func TestLRURetirementUnderCacheCap(t *testing.T) {
	r := newTestRegistryWithCap(t, 2)
	defer r.HashDestroy()
	dbg := newFakeDebugger()

	a, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	b, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	c, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("create C: %v", err)
	}

	a.Release()
	b.Release()
	c.Release()

	awaitRetired(t, a, true)
	awaitRetired(t, b, true)
	awaitRetired(t, c, false)

	r.mu.Lock()
	got := r.nonRetired
	r.mu.Unlock()
	if got != 1 {
		t.Fatalf("nonRetired = %d, want 1", got)
	}

	// Re-grabbing the retired ones must preserve their record identity
	// and un-retire them.
	a2, err := r.Grab(context.Background(), a.Pid(), dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("re-grab A: %v", err)
	}
	if a2.t != a.t {
		t.Fatal("re-grab of a retired target reallocated its record")
	}
	awaitRetired(t, a2, false)
}

// TestDestroyTearsDownController ensures Destroy (unlike Release)
// actually cancels the controller and removes the target from the
// registry, regardless of refcount or cache cap.
func TestDestroyTearsDownController(t *testing.T) {
	r := newTestRegistryWithCap(t, 8)
	dbg := newFakeDebugger()

	p, err := r.Create(context.Background(), "/bin/true", nil, dbg, StopCreate, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pid := p.Pid()

	r.Destroy(p.t)

	select {
	case <-p.t.exited:
	case <-time.After(time.Second):
		t.Fatal("Destroy must cancel the controller and wait for it to exit")
	}
	if _, ok := r.targets[pid]; ok {
		t.Fatal("Destroy must remove the target from the registry")
	}
}
