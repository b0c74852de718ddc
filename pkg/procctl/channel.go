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
	"fmt"
)

// marshalWait sends a Wait request through t's marshalling channel and
// blocks until the controller has served it, per spec.md §4.2: only
// the controller goroutine may ever call Debugger.Wait, so every other
// caller hands its request to the controller through this single
// request slot and waits on the reply condition variable rather than
// calling the Debugger directly.
//
// Per spec.md §9's note that marshalling only applies to OTHER
// callers, a request made with the controller's own token is served
// inline instead: the controller is, by construction, never blocked
// on its own event loop while executing a nested call on its own
// goroutine, so routing it through the channel would deadlock.
func (t *target) marshalWait(ctx context.Context, block bool) (WaitResult, error) {
	tok, _ := tokenFromCtx(ctx)
	if tok != nil && tok == t.controllerTok {
		return t.dbg.Wait(t.handle, block)
	}

	t.lock.acquire(tok)
	defer t.lock.release(tok)

	for t.req != reqNone {
		t.lock.wait(t.replyCond, tok)
	}
	t.req = reqWait
	t.reqBlock = block

	select {
	case t.notify <- struct{}{}:
	default:
	}

	for t.req == reqWait {
		t.lock.wait(t.replyCond, tok)
	}

	if t.replyErr != 0 {
		return WaitResult{}, newError(ErrMarshal, t.pid, "marshalled wait", fmt.Errorf("errno %d", t.replyErr))
	}
	return t.lastWait, nil
}

// marshalPoke is marshalWait's counterpart for Debugger.Poke.
func (t *target) marshalPoke(ctx context.Context, req PokeRequest) (uintptr, int) {
	tok, _ := tokenFromCtx(ctx)
	if tok != nil && tok == t.controllerTok {
		return t.dbg.Poke(req)
	}

	t.lock.acquire(tok)
	defer t.lock.release(tok)

	for t.req != reqNone {
		t.lock.wait(t.replyCond, tok)
	}
	t.req = reqPoke
	t.reqPoke = req

	select {
	case t.notify <- struct{}{}:
	default:
	}

	for t.req == reqPoke {
		t.lock.wait(t.replyCond, tok)
	}
	return t.replyRet, t.replyErr
}

// marshalRetire sends a Retire request through t's marshalling channel,
// closing the debugger's file descriptors for the victim without
// touching the controller goroutine itself — spec.md's retire()
// operation, routed through the single request slot exactly like
// Wait/Poke since closing those descriptors is itself a debug syscall
// only the controller's OS thread may issue.
func (t *target) marshalRetire(ctx context.Context) error {
	tok, _ := tokenFromCtx(ctx)
	if tok != nil && tok == t.controllerTok {
		return t.dbg.Retire(t.handle)
	}

	t.lock.acquire(tok)
	defer t.lock.release(tok)

	for t.req != reqNone {
		t.lock.wait(t.replyCond, tok)
	}
	t.req = reqRetire

	select {
	case t.notify <- struct{}{}:
	default:
	}

	for t.req == reqRetire {
		t.lock.wait(t.replyCond, tok)
	}
	if t.replyErr != 0 {
		return newError(ErrMarshal, t.pid, "marshalled retire", fmt.Errorf("errno %d", t.replyErr))
	}
	return nil
}

// marshalReopen is marshalRetire's counterpart: it reacquires file
// descriptors for a previously retired victim (spec.md's "grabbing a
// retired Target un-retires it").
func (t *target) marshalReopen(ctx context.Context) error {
	tok, _ := tokenFromCtx(ctx)
	if tok != nil && tok == t.controllerTok {
		return t.dbg.Reopen(t.handle)
	}

	t.lock.acquire(tok)
	defer t.lock.release(tok)

	for t.req != reqNone {
		t.lock.wait(t.replyCond, tok)
	}
	t.req = reqReopen

	select {
	case t.notify <- struct{}{}:
	default:
	}

	for t.req == reqReopen {
		t.lock.wait(t.replyCond, tok)
	}
	if t.replyErr != 0 {
		return newError(ErrMarshal, t.pid, "marshalled reopen", fmt.Errorf("errno %d", t.replyErr))
	}
	return nil
}

// serveMarshalled is called only by the controller goroutine, holding
// t.lock under its own token, once per event-loop iteration, to drain
// and service at most one pending marshalled request before the
// controller does anything else — so the request's effects are always
// visible to the waiting client by the time it wakes (spec.md §4.2's
// ordering guarantee).
func (t *target) serveMarshalled() {
	switch t.req {
	case reqWait:
		res, err := t.dbg.Wait(t.handle, t.reqBlock)
		t.lastWait = res
		if err != nil {
			t.replyErr = -1
		} else {
			t.replyErr = 0
		}
		t.req = reqNone
		t.replyCond.Broadcast()
	case reqPoke:
		ret, errno := t.dbg.Poke(t.reqPoke)
		t.replyRet, t.replyErr = ret, errno
		t.req = reqNone
		t.replyCond.Broadcast()
	case reqRetire:
		t.replyErr = 0
		if err := t.dbg.Retire(t.handle); err != nil {
			t.replyErr = -1
		}
		t.req = reqNone
		t.replyCond.Broadcast()
	case reqReopen:
		t.replyErr = 0
		if err := t.dbg.Reopen(t.handle); err != nil {
			t.replyErr = -1
		}
		t.req = reqNone
		t.replyCond.Broadcast()
	}
}
