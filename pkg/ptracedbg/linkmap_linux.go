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

//go:build linux
// +build linux

package ptracedbg

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/tracefleet/procctl/pkg/procctl"
)

// mappedModules lists the distinct executable file-backed mappings
// currently present in /proc/<pid>/maps — this binding's
// approximation of a dynamic-linker database. A faithful rd_event
// port would hook the runtime linker's own r_debug/link_map
// structures and breakpoint its state-transition notifier; absent
// that library in this module's corpus, polling /proc/<pid>/maps for
// newly appeared file-backed regions is the documented simplification
// (see DESIGN.md).
func mappedModules(pid int) ([]string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("ptracedbg: read maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if !strings.HasPrefix(path, "/") || seen[path] {
			continue
		}
		if !strings.Contains(fields[1], "x") {
			continue // only executable mappings carry symbol tables worth reading
		}
		seen[path] = true
		out = append(out, path)
	}
	return out, sc.Err()
}

// linkerDBHandle is the opaque LinkerDB this binding hands back to
// procctl; it just remembers which victim it belongs to.
type linkerDBHandle struct{ pid int }

// LinkerDB returns a handle once the victim has at least one
// file-backed mapping beyond its own executable (i.e. the dynamic
// linker has done some work), or ok=false for a statically linked
// victim.
func (d *Debugger) LinkerDB(h procctl.Handle) (procctl.LinkerDB, bool) {
	v := d.get(h)
	if v == nil {
		return nil, false
	}
	modules, err := mappedModules(v.pid)
	if err != nil || len(modules) < 2 {
		return nil, false
	}
	return linkerDBHandle{pid: v.pid}, true
}

// LinkerEnableEvents turns on (if not already on) the /proc/<pid>/maps
// diff that every later Wait performs through checkLinkEvents: the
// current set of mapped modules is recorded now, and cb is invoked with
// {LinkDLActivity, LinkConsistent} whenever that set changes.
// Re-subscribing an already-active db is a no-op that keeps the first
// cb, matching spec.md §4.6's idempotence requirement.
func (d *Debugger) LinkerEnableEvents(db procctl.LinkerDB, cb procctl.LinkCallback) error {
	ldb, ok := db.(linkerDBHandle)
	if !ok {
		return fmt.Errorf("ptracedbg: not a linker db handle: %v", db)
	}
	d.mu.Lock()
	v := d.procs[ldb.pid]
	if v == nil {
		d.mu.Unlock()
		return fmt.Errorf("ptracedbg: unknown pid %d", ldb.pid)
	}
	if v.linkOn {
		d.mu.Unlock()
		return nil
	}
	v.linkOn = true
	v.linkCB = cb
	d.mu.Unlock()

	modules, _ := mappedModules(ldb.pid)
	for _, m := range modules {
		v.knownMaps[m] = struct{}{}
	}
	return nil
}

// checkLinkEvents is invoked from Debugger.Wait, i.e. from the
// controller's regular Wait poll, rather than its own goroutine+timer, so
// it shares the controller's single-thread-per-victim discipline
// instead of adding a second concurrent reader of /proc/<pid>/maps.
func (d *Debugger) checkLinkEvents(v *victim) {
	if !v.linkOn {
		return
	}
	modules, err := mappedModules(v.pid)
	if err != nil {
		return
	}
	changed := false
	cur := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		cur[m] = struct{}{}
		if _, ok := v.knownMaps[m]; !ok {
			changed = true
		}
	}
	if len(cur) != len(v.knownMaps) {
		changed = true
	}
	v.knownMaps = cur
	if changed {
		v.linkCB(procctl.LinkEvent{Type: procctl.LinkDLActivity, State: procctl.LinkConsistent})
	}
}
