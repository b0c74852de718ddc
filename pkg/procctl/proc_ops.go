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

import "context"

// callToken recovers the caller's lock token from ctx, if this call
// is nested inside an already-held Lock or is itself the controller's
// own goroutine; otherwise it mints a fresh one-shot token for this
// single top-level call.
func callToken(ctx context.Context) token {
	if tok, ok := tokenFromCtx(ctx); ok {
		return tok
	}
	return newToken()
}

// Lock acquires p's recursive lock (spec.md §4.1) and returns a
// context carrying the caller's token, which must be passed to any
// further Proc call made while still holding the lock — including
// nested Lock calls, which this module treats as re-entrant rather
// than self-deadlocking.
func (p *Proc) Lock(ctx context.Context) context.Context {
	tok := callToken(ctx)
	p.t.lock.acquire(tok)
	return withToken(ctx, tok)
}

// Unlock releases one level of p's recursive lock. ctx must be (or
// descend from) the context returned by the matching Lock call.
func (p *Proc) Unlock(ctx context.Context) {
	tok, ok := tokenFromCtx(ctx)
	if !ok {
		panic("procctl: Unlock called without a matching Lock")
	}
	p.t.lock.release(tok)
}

// WaitRendezvous blocks until p's controller has stopped the victim
// at its configured StopPoint, or the victim has already died.
func (p *Proc) WaitRendezvous(ctx context.Context) error {
	t := p.t
	tok := callToken(ctx)
	t.lock.acquire(tok)
	defer t.lock.release(tok)

	want := bitFor(t.stopAt)
	for t.stop&want == 0 && !t.done {
		t.lock.wait(t.rendezvousCond, tok)
	}
	if t.done {
		return newError(ErrDeath, t.pid, "victim exited before reaching rendezvous", nil)
	}
	return nil
}

// Continue resumes the victim past its current stop (spec.md §6's
// Continue operation), routed through the marshalling channel like
// any other debug primitive.
func (p *Proc) Continue(ctx context.Context) error {
	t := p.t
	tok := callToken(ctx)
	cctx := withToken(ctx, tok)

	_, errno := t.marshalPoke(cctx, PokeRequest{Request: ptraceCont, Pid: t.pid})
	if errno != 0 {
		return newError(ErrProbe, t.pid, "continue", nil)
	}

	t.lock.acquire(tok)
	t.stop = stopResumed
	t.lock.release(tok)
	return nil
}

// Wait blocks (if block is true) until the victim's observable state
// changes and returns it, marshalled through the target's single
// controller exactly like any other caller's request.
func (p *Proc) Wait(ctx context.Context, block bool) (WaitResult, error) {
	tok := callToken(ctx)
	return p.t.marshalWait(withToken(ctx, tok), block)
}

// Poke issues a raw debug request against the victim, marshalled
// through the target's controller.
func (p *Proc) Poke(ctx context.Context, req PokeRequest) (uintptr, int) {
	tok := callToken(ctx)
	req.Pid = p.t.pid
	return p.t.marshalPoke(withToken(ctx, tok), req)
}

// Errors returns a copy of p's rolling asynchronous-error buffer
// (spec.md §7).
func (p *Proc) Errors() []string {
	p.t.errMu.Lock()
	defer p.t.errMu.Unlock()
	out := make([]string, len(p.t.errs))
	copy(out, p.t.errs)
	return out
}

// Release drops this Proc's reference (spec.md §2's Release
// operation). Once no reference remains the target becomes eligible
// for retirement; it is retired when the registry's non-retired count
// is at or above its cache cap.
func (p *Proc) Release() {
	p.t.reg.Release(p.t)
}
