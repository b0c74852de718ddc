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
	"sync"

	"github.com/tracefleet/procctl/pkg/log"
)

// token identifies a logical lock holder. Go has no public
// goroutine-id API (spec.md's original uses pthread_self()), so a
// token is instead an explicit, opaque value: the target's
// controller goroutine mints one at startup and every other caller
// mints one per top-level public call, threading it through nested
// calls via context (see ctxKey in target.go). Two tokens
// compare equal only if they are the same token value.
type token *int

func newToken() token {
	v := 0
	return &v
}

// rmutex is the per-target recursive lock of spec.md §4.1: a mutex
// augmented with an owner token and a nesting depth, so the same
// logical caller can re-acquire it without deadlocking itself, and so
// condition-variable waits can save/zero/restore the depth around the
// single real unlock a sync.Cond.Wait performs.
type rmutex struct {
	mu     sync.Mutex
	owner  token
	depth  int
	strict bool
}

// newRmutex constructs an unlocked recursive lock. strict mirrors
// internal/config's DebugAssertions: when true, a lock-protocol
// violation panics immediately; when false (the default, matching a
// release build's compiled-out asserts), it is logged and repaired
// rather than brought down the whole process.
func newRmutex(strict bool) *rmutex {
	return &rmutex{strict: strict}
}

// acquire blocks if the lock is held by a different token; if tok
// already owns it, it only increments depth (spec.md §4.1).
func (r *rmutex) acquire(tok token) {
	if r.owner == tok && r.depth > 0 {
		r.depth++
		return
	}
	r.mu.Lock()
	r.owner = tok
	r.depth = 1
}

// release decrements depth; only when it reaches zero is the
// underlying mutex actually released. Calling release with a tok that
// does not own the lock is a lock-protocol violation: in strict mode
// (DebugAssertions) it panics immediately, mirroring dt_proc.c's
// compiled-in asserts; otherwise the violation is logged and the
// owner/depth bookkeeping is repaired to tok's single-level hold so
// the mutex does not wedge for every caller behind it. A release while
// nobody holds the lock is reported the same way and otherwise leaves
// the lock unlocked.
func (r *rmutex) release(tok token) {
	if r.owner != tok || r.depth == 0 {
		r.violation("release by non-owner")
		if r.depth == 0 {
			// Nothing is held: there is no underlying mutex to unlock.
			return
		}
		r.owner = tok
		r.depth = 1
	}
	r.depth--
	if r.depth == 0 {
		r.owner = nil
		r.mu.Unlock()
	}
}

// violation reports a recursive-lock protocol violation. strict
// (internal/config's DebugAssertions) decides whether this brings the
// process down or is merely logged and left for the caller to repair.
func (r *rmutex) violation(msg string) {
	if r.strict {
		panic("procctl: rmutex: " + msg + " (lock-violation)")
	}
	log.Warningf("procctl: rmutex: %s (lock-violation, repairing)", msg)
}

// held reports whether tok currently owns the lock at depth > 0.
func (r *rmutex) held(tok token) bool {
	return r.owner == tok && r.depth > 0
}

// newCond returns a sync.Cond sharing this rmutex's underlying
// mutex, suitable for the rendezvous and reply condition variables.
func (r *rmutex) newCond() *sync.Cond {
	return sync.NewCond(&r.mu)
}

// wait performs the save-zero-restore dance spec.md §4.1 requires
// around a condition-variable wait: the underlying primitive (here,
// sync.Cond) only releases the mutex once, so nested-acquisition
// depth must be stashed away before blocking and reinstated for the
// same token on wakeup.
func (r *rmutex) wait(cond *sync.Cond, tok token) {
	if r.owner != tok || r.depth == 0 {
		// Unlike release, this one always panics regardless of
		// strict: cond.Wait is about to unlock r.mu for real, and
		// there is no token to repair onto without first holding it.
		panic("procctl: rmutex: wait without holding the lock")
	}
	saved := r.depth
	r.depth = 0
	r.owner = nil
	cond.Wait()
	r.owner = tok
	r.depth = saved
}
