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
	"runtime"
	"time"

	"github.com/tracefleet/procctl/pkg/log"
)

// pollInterval bounds how long a target can go without the controller
// checking for a marshalled request while the victim is otherwise
// idle. Only the thread that attached to a ptraced victim may wait on
// it (there is no portable wait-file-descriptor to multiplex on, per
// DESIGN.md), so rather than give the victim its own blocking-wait
// thread, the controller polls it with PTRACE_CONT-compatible WNOHANG
// semantics and otherwise blocks on its own marshalling channel.
const pollInterval = 20 * time.Millisecond

// startController launches the per-target control goroutine and
// blocks until it has run attachRendezvous (spec.md §4.3), so
// Registry.Create/Grab can report a definitive success or failure to
// their caller. For the breakpoint-driven stop points this only means
// the breakpoint is armed; the rendezvous itself happens later.
func startController(t *target, opts createOpts) error {
	ready := make(chan error, 1)
	go runController(t, opts, ready)
	return <-ready
}

func runController(t *target, opts createOpts, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.exited)

	tok := newToken()
	t.controllerTok = tok
	ctx := withToken(t.ctx, tok)

	t.lock.acquire(tok)
	err := attachRendezvous(t, ctx, opts)
	if err != nil {
		t.lock.release(tok)
		ready <- err
		return
	}
	t.lock.release(tok)
	ready <- nil

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		t.lock.acquire(tok)
		t.serveMarshalled()
		done := t.done
		t.lock.release(tok)
		if done {
			return
		}

		select {
		case <-t.ctx.Done():
			t.lock.acquire(tok)
			cleanupOnCancel(t, ctx)
			t.lock.release(tok)
			return
		case <-t.notify:
			// A marshalled request arrived; loop back to the top so
			// serveMarshalled drains it before anything else runs,
			// preserving spec.md §4.2's visible-before-wake ordering.
		case <-ticker.C:
			if !t.dbg.HasFDs(t.handle) {
				// Retired: nothing to poll until a Reopen (marshalled
				// in, like any other request) un-retires the victim.
				// The controller stays alive and keeps serving its
				// marshalling channel; it just idles its wait-fd poll.
				continue
			}
			t.lock.acquire(tok)
			res, err := t.dbg.Wait(t.handle, false)
			if err != nil {
				log.Warningf("pid %d: poll wait failed: %v", t.pid, err)
			} else {
				handleWaitEvent(t, ctx, res)
			}
			t.lock.release(tok)
		}
	}
}

// handleWaitEvent reacts to a state change observed for t. On death it
// marks t done, which ends the controller loop, and posts a death
// notification (spec.md §4.4 step 5, §4.7); the target stays in the
// registry until Destroy or HashDestroy. Called with t.lock held by the
// controller's own token.
func handleWaitEvent(t *target, ctx context.Context, res WaitResult) {
	switch res.State {
	case ProcDead:
		t.done = true
		t.reg.notifyBus.post(notification{pid: t.pid, kind: ErrDeath, msg: "victim terminated"})
		return
	case ProcStopped:
		onStop(t, ctx, res)
	case ProcTraceStopped:
		log.Warningf("pid %d: victim is traced by another debugger", t.pid)
	}
}

// cleanupOnCancel runs when a target's context is canceled
// (Registry.Destroy or Registry.HashDestroy). It mirrors
// dt_proc.c's dt_proc_destroy: detach or kill depending on how the
// victim was acquired, then mark it done so the main loop exits.
func cleanupOnCancel(t *target, ctx context.Context) {
	kill := t.created
	if err := t.dbg.Release(t.handle, kill); err != nil {
		log.Warningf("pid %d: release failed: %v", t.pid, err)
	}
	t.done = true
	t.rendezvousCond.Broadcast()
	t.replyCond.Broadcast()
}
