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

	"github.com/tracefleet/procctl/pkg/log"
)

// auxEntry is the auxv AT_ENTRY key, the program's own entry
// point — the interesting locus spec.md §4.3 breaks at to observe the
// PreInit rendezvous before the victim's own main() has run.
const auxEntry = 9

// attachRendezvous drives a freshly created or grabbed target forward
// to its configured StopPoint (spec.md §4.3). It is called once, by
// the controller goroutine, holding t.lock, before the main event
// loop starts.
func attachRendezvous(t *target, ctx context.Context, opts createOpts) error {
	switch t.stopAt {
	case StopCreate, StopGrab:
		// The victim is already halted immediately after exec/attach;
		// nothing further to do before the first rendezvous.
		t.stop = bitFor(t.stopAt)
		return nil
	case StopPreInit:
		return armPreInit(t, ctx)
	case StopPostInit, StopMain:
		return armPreInit(t, ctx)
	default:
		return newError(ErrSpawn, t.pid, "invalid stop point", nil)
	}
}

// armPreInit continues the victim to the program's entry point
// (AT_ENTRY) and plants a one-shot breakpoint there. If the target is
// only configured to stop at PreInit, the breakpoint handler completes
// the rendezvous; otherwise it chains into armPostInitLocked.
func armPreInit(t *target, ctx context.Context) error {
	addr, err := t.dbg.AuxValue(t.handle, auxEntry)
	if err != nil {
		return newError(ErrSymbol, t.pid, "read AT_ENTRY", err)
	}

	err = t.dbg.PlantBreakpoint(t.handle, addr, true, func(uintptr) (bool, error) {
		if t.stopAt == StopPreInit {
			reachedStop(t, StopPreInit)
			return false, nil
		}
		if err := armPostInitLocked(t); err != nil {
			t.postErr(ErrProbe, "arm postinit", err)
		}
		return true, nil
	})
	if err != nil {
		return newError(ErrProbe, t.pid, "plant preinit breakpoint", err)
	}

	if err := t.dbg.Reopen(t.handle); err != nil && !t.dbg.HasFDs(t.handle) {
		log.Warningf("pid %d: reopen after preinit arm: %v", t.pid, err)
	}
	_, errno := t.dbg.Poke(PokeRequest{Request: ptraceCont, Pid: t.pid})
	if errno != 0 {
		return newError(ErrProbe, t.pid, "continue to preinit", nil)
	}
	return nil
}

// ptraceCont mirrors PTRACE_CONT's request number; kept local since
// procctl never imports golang.org/x/sys/unix itself — only
// pkg/ptracedbg does.
const ptraceCont = 7

// armPostInitLocked subscribes to dynamic-linker link-map events once
// the victim has reached its own entry point and the linker has
// mapped its initial dependencies. This unifies spec.md §4.3's
// PostInit and Main rendezvous points (dropMainBreakpoint in the
// original C: both need a consistent link-map before they can do
// anything further), called with t.lock held.
func armPostInitLocked(t *target) error {
	db, ok := t.dbg.LinkerDB(t.handle)
	if !ok {
		// Statically linked victim: there is no further dynamic-linker
		// event to wait for. A stop-at of Main still gets its chance to
		// resolve main() here (armMainLocked degrades to PreInit itself
		// if that fails); anything else stops right here at PostInit.
		if t.stopAt == StopMain {
			return armMainLocked(t)
		}
		reachedStop(t, StopPostInit)
		return nil
	}
	return t.dbg.LinkerEnableEvents(db, func(ev LinkEvent) {
		if ev.Type != LinkDLActivity || ev.State != LinkConsistent {
			return
		}
		if t.stopAt == StopPostInit {
			reachedStop(t, StopPostInit)
			return
		}
		if err := armMainLocked(t); err != nil {
			t.postErr(ErrSymbol, "arm main breakpoint", err)
		}
	})
}

// armMainLocked resolves and breaks on the victim's main() now that
// its symbol tables are current, completing the Main rendezvous
// (spec.md §4.3's last stop point). A symbol-lookup failure degrades
// the rendezvous to PreInit instead of failing the attach outright,
// matching spec.md §7's guidance for ErrSymbol and §8's static-binary
// boundary case.
func armMainLocked(t *target) error {
	if err := t.dbg.UpdateSymbols(t.handle); err != nil {
		log.Warningf("pid %d: update symbols: %v", t.pid, err)
	}
	addr, err := t.dbg.LookupSymbol(t.handle, "", "main")
	if err != nil {
		log.Warningf("pid %d: no main() symbol, degrading rendezvous to preinit: %v", t.pid, err)
		t.stopAt = StopPreInit
		reachedStop(t, StopPreInit)
		return nil
	}
	return t.dbg.PlantBreakpoint(t.handle, addr, true, func(uintptr) (bool, error) {
		reachedStop(t, StopMain)
		return false, nil
	})
}

// reachedStop records that t has reached rendezvous point sp and
// wakes anyone blocked in Proc.WaitRendezvous. Called with t.lock
// held by the controller.
func reachedStop(t *target, sp StopPoint) {
	t.stop = bitFor(sp)
	t.rendezvousCond.Broadcast()
}

// onStop reacts to an observed ProcStopped wait event outside of the
// rendezvous breakpoints above — e.g. a signal-delivery stop — by
// simply recording it; breakpoint-driven stops are handled by the
// Debugger itself invoking the BreakpointHandler closures planted
// above before it ever reports ProcStopped to Wait.
func onStop(t *target, ctx context.Context, res WaitResult) {
	log.Debugf("pid %d: stopped, signal %d", t.pid, res.Signal)
}

// postErr appends msg to t's rolling error buffer and posts it to the
// registry's notification bus (spec.md §4.7), without failing the
// attach sequence outright.
func (t *target) postErr(kind ErrKind, msg string, err error) {
	e := newError(kind, t.pid, msg, err)
	t.errMu.Lock()
	t.errs = append(t.errs, e.Error())
	if len(t.errs) > 32 {
		t.errs = t.errs[len(t.errs)-32:]
	}
	t.errMu.Unlock()
	t.reg.notifyBus.post(notification{pid: t.pid, kind: kind, msg: e.Error()})
}
