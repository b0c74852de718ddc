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
	"time"

	"golang.org/x/time/rate"

	"github.com/tracefleet/procctl/pkg/log"
)

// notification is one entry on the notify bus: a target death or an
// asynchronous error, per spec.md §4.7/§7. It uses the same shape for
// both, as dt_proc.c's dph_notify list does.
type notification struct {
	pid  int
	kind ErrKind
	msg  string
}

// notifyBus is a FIFO queue of notifications plus a condition
// variable, so callers can either poll or block for the next one
// (spec.md §4.7's "Notification Bus"). Every posted notification is
// queued; the per-message rate limiter only throttles the debug log
// line for repeated identical messages, so a noisy target cannot flood
// the log.
type notifyBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []notification
	limits map[string]*rate.Limiter
	closed bool
}

func newNotifyBus() *notifyBus {
	b := &notifyBus{limits: make(map[string]*rate.Limiter)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *notifyBus) post(n notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, n)
	b.cond.Broadcast()

	lim := b.limits[n.msg]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(time.Second), 1)
		b.limits[n.msg] = lim
	}
	if lim.Allow() {
		log.Debugf("pid %d: notification %q", n.pid, n.msg)
	}
}

// Next blocks until a notification is available or the bus is closed,
// in which case ok is false.
func (b *notifyBus) Next() (notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return notification{}, false
	}
	n := b.queue[0]
	b.queue = b.queue[1:]
	return n, true
}

// Drain removes and returns every notification belonging to pid,
// without blocking — used when a target is destroyed, so stale
// notifications for a now-gone pid don't linger (spec.md §4.7's
// "filtering on destroy").
func (b *notifyBus) Drain(pid int) []notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept, out []notification
	for _, n := range b.queue {
		if n.pid == pid {
			out = append(out, n)
		} else {
			kept = append(kept, n)
		}
	}
	b.queue = kept
	return out
}

func (b *notifyBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
