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
	"testing"
	"time"
)

func TestRmutexReentrant(t *testing.T) {
	r := newRmutex(false)
	tok := newToken()

	r.acquire(tok)
	r.acquire(tok) // same token: depth increments, does not deadlock
	if !r.held(tok) {
		t.Fatal("expected tok to hold the lock")
	}
	r.release(tok)
	if !r.held(tok) {
		t.Fatal("expected tok to still hold the lock after one release")
	}
	r.release(tok)
	if r.held(tok) {
		t.Fatal("expected the lock released after matching depth reaches zero")
	}
}

func TestRmutexExcludesOtherToken(t *testing.T) {
	r := newRmutex(false)
	a, b := newToken(), newToken()

	r.acquire(a)
	acquired := make(chan struct{})
	go func() {
		r.acquire(b)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("b acquired the lock while a still held it")
	case <-time.After(50 * time.Millisecond):
	}

	r.release(a)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("b never acquired the lock after a released it")
	}
	r.release(b)
}

func TestRmutexStrictPanicsOnViolation(t *testing.T) {
	r := newRmutex(true)
	defer func() {
		if recover() == nil {
			t.Fatal("expected release by a non-owner to panic in strict mode")
		}
	}()
	r.release(newToken())
}

func TestRmutexLenientRepairsViolation(t *testing.T) {
	r := newRmutex(false)
	tok := newToken()

	// No panic, and the mutex is left unlocked and acquirable rather
	// than permanently wedged.
	r.release(tok)

	r.acquire(tok)
	r.release(tok)
	if r.held(tok) {
		t.Fatal("expected the lock to be free after repair and a balanced acquire/release")
	}
}

func TestRmutexWaitRestoresDepth(t *testing.T) {
	r := newRmutex(false)
	tok, other := newToken(), newToken()
	cond := r.newCond()

	r.acquire(tok)
	r.acquire(tok)
	r.acquire(tok) // depth 3

	go func() {
		// Blocks on the real mutex until wait(cond, tok) below calls
		// cond.Wait and releases it.
		r.acquire(other)
		cond.Signal()
		r.release(other)
	}()

	r.wait(cond, tok)

	if !r.held(tok) {
		t.Fatal("expected tok to still hold the lock after wait returns")
	}
	r.release(tok)
	r.release(tok)
	r.release(tok)
	if r.held(tok) {
		t.Fatal("expected depth fully unwound after three releases")
	}
}

func TestRmutexWaitWithoutHoldingPanics(t *testing.T) {
	r := newRmutex(false)
	cond := r.newCond()
	defer func() {
		if recover() == nil {
			t.Fatal("expected wait without holding the lock to panic regardless of strict")
		}
	}()
	r.wait(cond, newToken())
}
