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
	"sync"
)

type ctxKey struct{}

// withToken threads tok through ctx so that a nested call made while
// the caller already holds the target's recursive lock (or is the
// controller itself) is recognized as such, instead of trying to
// re-acquire or re-marshal. This is this module's replacement for
// comparing pthread_self() against a stored owner thread id.
func withToken(ctx context.Context, tok token) context.Context {
	return context.WithValue(ctx, ctxKey{}, tok)
}

func tokenFromCtx(ctx context.Context) (token, bool) {
	tok, ok := ctx.Value(ctxKey{}).(token)
	return tok, ok
}

// reqKind tags the single outstanding marshalled request slot
// (spec.md §4.2's "tagged union").
type reqKind uint8

const (
	reqNone reqKind = iota
	reqWait
	reqPoke
	reqRetire
	reqReopen
)

// target is one record in the Registry: spec.md §3's Target. It is
// exported to callers only through the *Proc methods below; nothing
// outside this package ever holds a *target pointer, which keeps the
// arena-of-targets ownership (DESIGN.md Open Question 1) enforceable
// in one place — the Registry.
type target struct {
	reg      *Registry
	dbg      Debugger
	handle   Handle
	pid     int
	created bool
	stopAt  StopPoint

	lock           *rmutex
	rendezvousCond *sync.Cond
	replyCond      *sync.Cond

	stop stopMask
	done bool

	controllerTok token
	ctx           context.Context
	cancel        context.CancelFunc
	exited        chan struct{} // closed by the controller on return

	// Marshalling request slot (spec.md §4.2). Valid only while
	// lock.held(callerTok) for the populating client and while
	// req != reqNone.
	req      reqKind
	reqBlock bool        // for reqWait
	reqPoke  PokeRequest // for reqPoke
	lastWait WaitResult
	replyRet uintptr
	replyErr int
	notify   chan struct{}

	refs  int
	errMu sync.Mutex
	errs  []string // rolling error-message buffer

	elem *list.Element // this target's node in Registry.lru

	// pendingFDOp is true while a retire or un-retire (reopen) is in
	// flight for this target, so a concurrent Registry operation does
	// not pick it as an eviction candidate or double-trigger the same
	// transition. Guarded by Registry.mu, not the per-target lock,
	// since it is bookkeeping the Registry owns, like refs and elem.
	pendingFDOp bool
}

func newTarget(reg *Registry, dbg Debugger, pid int, created bool, stopAt StopPoint) *target {
	t := &target{
		reg:     reg,
		dbg:     dbg,
		pid:     pid,
		created: created,
		stopAt:  stopAt,
		lock:    newRmutex(reg.cfg.DebugAssertions),
		exited:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
	t.rendezvousCond = t.lock.newCond()
	t.replyCond = t.lock.newCond()
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Proc is an opaque, externally held reference to one controlled
// target process, returned by Registry.Create/Registry.Grab.
type Proc struct {
	t *target
}

// Pid returns the victim's process id.
func (p *Proc) Pid() int { return p.t.pid }

// Created reports whether this library spawned the victim (true) or
// attached to a pre-existing process (false).
func (p *Proc) Created() bool { return p.t.created }

// Snapshot is a deep-copied, lock-free-to-read view of a target's
// bookkeeping fields, for monitoring.
type Snapshot struct {
	Pid     int
	Created bool
	Refs    int
	Stop    uint16
	Done    bool
	Retired bool
}

// Snapshot returns a point-in-time copy of p's bookkeeping state.
// See registry.go for the deepcopy.Copy use that backs this.
func (p *Proc) Snapshot() Snapshot {
	return p.t.reg.snapshot(p.t)
}
