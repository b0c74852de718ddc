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
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/tracefleet/procctl/internal/config"
	"github.com/tracefleet/procctl/pkg/log"
)

// createOpts carries the per-call knobs spec.md §6 lists alongside
// Create/Grab: which rendezvous point to stop at and whether the
// caller wants Create/Grab itself to block until that rendezvous is
// reached and then immediately continue past it.
type createOpts struct {
	stopAt StopPoint
	flags  CreateFlags
}

// Registry is the Target Registry of spec.md §2: the single owner of
// every target this process controls, keyed by pid, bounded by an
// LRU cap, and backed by a bounded pool of concurrent spawns.
//
// Grounded on dt_proc.c's dph_hashmap (an intrusive hash table with a
// side LRU list) — realized here with Go's built-in map plus
// container/list, since a hand-rolled hash chain would be fighting
// the language rather than writing it the way this module's stack
// actually does.
type Registry struct {
	cfg config.Config

	mu         sync.Mutex
	targets    map[int]*target
	lru        *list.List // most-recently-used at the front
	nonRetired uint32     // count of targets currently holding debugger FDs

	spawn     *semaphore.Weighted
	grabGroup singleflight.Group

	notifyBus *notifyBus
}

// NewRegistry constructs a Registry bounded by cfg.
func NewRegistry(cfg config.Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("procctl: invalid config: %w", err)
	}
	return &Registry{
		cfg:       cfg,
		targets:   make(map[int]*target, cfg.BucketCount),
		lru:       list.New(),
		spawn:     semaphore.NewWeighted(cfg.MaxConcurrentSpawns),
		notifyBus: newNotifyBus(),
	}, nil
}

// Create spawns file with argv under this library's control, per
// spec.md §2's Create operation. Create returns once the controller has
// attached and armed the configured stop point. For StopCreate and
// StopGrab the rendezvous has then already been reached; for
// StopPreInit, StopPostInit and StopMain it is reached later, from a
// breakpoint handler, and Create does not wait for it
// (Proc.WaitRendezvous does).
func (r *Registry) Create(ctx context.Context, file string, argv []string, dbg Debugger, stopAt StopPoint, flags CreateFlags) (*Proc, error) {
	if err := r.spawn.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("procctl: spawn admission: %w", err)
	}
	defer r.spawn.Release(1)

	h, err := dbg.Create(file, argv)
	if err != nil {
		return nil, newError(ErrSpawn, 0, "create victim", err)
	}
	return r.install(h, dbg, true, stopAt, createOpts{stopAt: stopAt, flags: flags})
}

// Grab attaches to an already-running pid, per spec.md §2's Grab
// operation. Concurrent Grab calls for the same pid are coalesced
// with singleflight, since dt_proc.c's grab path is itself a
// find-or-create against the hash table under one lock.
func (r *Registry) Grab(ctx context.Context, pid int, dbg Debugger, stopAt StopPoint, flags CreateFlags) (*Proc, error) {
	v, err, _ := r.grabGroup.Do(fmt.Sprintf("%d", pid), func() (interface{}, error) {
		r.mu.Lock()
		if t, ok := r.targets[pid]; ok {
			t.refs++
			r.lru.MoveToFront(t.elem)
			reopen := !t.dbg.HasFDs(t.handle) && !t.pendingFDOp
			if reopen {
				t.pendingFDOp = true
			}
			r.mu.Unlock()
			if reopen {
				r.finishUnretire(t)
			}
			return &Proc{t: t}, nil
		}
		r.mu.Unlock()

		if err := r.spawn.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("procctl: spawn admission: %w", err)
		}
		defer r.spawn.Release(1)

		h, err := dbg.Grab(pid)
		if err != nil {
			return nil, newError(ErrSpawn, pid, "grab victim", err)
		}
		return r.install(h, dbg, false, stopAt, createOpts{stopAt: stopAt, flags: flags})
	})
	if err != nil {
		return nil, err
	}
	return v.(*Proc), nil
}

func (r *Registry) install(h Handle, dbg Debugger, created bool, stopAt StopPoint, opts createOpts) (*Proc, error) {
	pid := h.Pid()
	t := newTarget(r, dbg, pid, created, stopAt)
	t.handle = h
	t.refs = 1

	if err := startController(t, opts); err != nil {
		dbg.Release(h, created)
		return nil, err
	}

	r.mu.Lock()
	evicted := r.admit(t)
	r.mu.Unlock()
	for _, e := range evicted {
		r.finishRetire(e)
	}

	if opts.flags&WaitAtRendezvous != 0 {
		p := &Proc{t: t}
		if err := p.WaitRendezvous(context.Background()); err != nil {
			return nil, err
		}
		if err := p.Continue(context.Background()); err != nil {
			return nil, err
		}
	}
	return &Proc{t: t}, nil
}

// admit inserts t into the hash+LRU as a fresh, non-retired target and
// runs the same cap-driven eviction sweep release() uses, mirroring
// dt_proc.c's dph_lrus cap on the hash table. The returned targets have
// already been marked pending-retirement under r.mu; the caller must
// finish each with finishRetire once it has dropped r.mu.
func (r *Registry) admit(t *target) []*target {
	t.elem = r.lru.PushFront(t)
	r.targets[t.pid] = t
	r.nonRetired++
	return r.sweepEvictLocked()
}

// sweepEvictLocked retires least-recently-used, unreferenced,
// non-retired targets while the non-retired count is at or above
// cfg.CacheCap, per spec.md §8 Scenario 3 (cache cap = 2: grabbing
// three targets and releasing all three leaves exactly the
// most-recently-released one cached). Must be called with r.mu held;
// the actual FD release for each returned target happens outside the
// lock via finishRetire, since it is routed through that target's own
// marshalling channel and may block briefly on its controller.
func (r *Registry) sweepEvictLocked() []*target {
	var out []*target
	for r.nonRetired >= r.cfg.CacheCap {
		var cand *target
		for e := r.lru.Back(); e != nil; e = e.Prev() {
			c := e.Value.(*target)
			if c.refs == 0 && !c.pendingFDOp && c.dbg.HasFDs(c.handle) {
				cand = c
				break
			}
		}
		if cand == nil {
			break
		}
		cand.pendingFDOp = true
		r.nonRetired--
		out = append(out, cand)
	}
	return out
}

// finishRetire closes evicted's debugger file descriptors (spec.md's
// retire(), not destroy(): evicted stays in r.targets/r.lru and its
// controller goroutine keeps running idle) and clears its pending-FD-op
// marker. Must be called without r.mu held.
func (r *Registry) finishRetire(evicted *target) {
	if err := evicted.marshalRetire(context.Background()); err != nil {
		log.Warningf("pid %d: retire: %v", evicted.pid, err)
	}
	r.mu.Lock()
	evicted.pendingFDOp = false
	r.mu.Unlock()
	log.Debugf("pid %d: retired", evicted.pid)
}

// finishUnretire is finishRetire's counterpart, reacquiring t's
// debugger file descriptors after a Grab or Lookup found it cached but
// retired. Must be called without r.mu held.
func (r *Registry) finishUnretire(t *target) {
	err := t.marshalReopen(context.Background())
	r.mu.Lock()
	t.pendingFDOp = false
	if err == nil {
		r.nonRetired++
	}
	r.mu.Unlock()
	if err != nil {
		log.Warningf("pid %d: reopen after grab: %v", t.pid, err)
		return
	}
	log.Debugf("pid %d: un-retired", t.pid)
}

// Release drops a reference to t; per spec.md §2's Release operation
// this only ever retires (closes FDs, keeps the record) — it never
// tears down the controller. Destroy/HashDestroy own teardown.
func (r *Registry) Release(t *target) {
	r.mu.Lock()
	t.refs--
	var evicted []*target
	if t.refs <= 0 {
		evicted = r.sweepEvictLocked()
	}
	r.mu.Unlock()

	for _, e := range evicted {
		r.finishRetire(e)
	}
}

// destroyLocked cancels t's controller and waits for it to exit, then
// drains any notifications still queued for it. Despite the name it is
// called without r.mu held (the caller has already unlinked t from the
// hash/LRU); it is the only path that actually ends a controller
// goroutine's life, reserved for Destroy/HashDestroy.
func (r *Registry) destroyLocked(t *target) {
	t.cancel()
	<-t.exited
	r.notifyBus.Drain(t.pid)
	log.Debugf("pid %d: destroyed", t.pid)
}

// Lookup returns the already-registered Proc for pid, if any, bumping
// its refcount and its LRU position and un-retiring it if it had been
// retired — the same "addressable by pid brings it back" contract Grab
// gives its cache hits.
func (r *Registry) Lookup(pid int) (*Proc, bool) {
	r.mu.Lock()
	t, ok := r.targets[pid]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	t.refs++
	r.lru.MoveToFront(t.elem)
	reopen := !t.dbg.HasFDs(t.handle) && !t.pendingFDOp
	if reopen {
		t.pendingFDOp = true
	}
	r.mu.Unlock()

	if reopen {
		r.finishUnretire(t)
	}
	return &Proc{t: t}, true
}

// Destroy unconditionally tears t's controller down regardless of its
// refcount (spec.md §2's forced-teardown operation, for callers that
// must not wait for other holders to let go). HashDestroy performs the
// same teardown for every target through destroyLocked.
func (r *Registry) Destroy(t *target) {
	r.mu.Lock()
	if t.elem != nil {
		if t.dbg.HasFDs(t.handle) {
			r.nonRetired--
		}
		r.lru.Remove(t.elem)
		delete(r.targets, t.pid)
		t.elem = nil
	}
	r.mu.Unlock()
	r.destroyLocked(t)
}

// HashDestroy tears down every remaining target, for process exit or
// test cleanup (dt_proc.c's dt_proc_hash_destroy).
func (r *Registry) HashDestroy() {
	r.mu.Lock()
	all := make([]*target, 0, len(r.targets))
	for _, t := range r.targets {
		all = append(all, t)
	}
	r.targets = make(map[int]*target)
	r.lru.Init()
	r.nonRetired = 0
	r.mu.Unlock()

	for _, t := range all {
		r.destroyLocked(t)
	}
	r.notifyBus.close()
}

// snapshot deep-copies t's bookkeeping fields for Proc.Snapshot,
// grounded on mohae/deepcopy rather than a hand-written field-by-field
// copy, matching the ambient stack's approach to cloning for
// monitoring surfaces.
func (r *Registry) snapshot(t *target) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Pid:     t.pid,
		Created: t.created,
		Refs:    t.refs,
		Stop:    uint16(t.stop),
		Done:    t.done,
		Retired: !t.dbg.HasFDs(t.handle),
	}
	return deepcopy.Copy(s).(Snapshot)
}
