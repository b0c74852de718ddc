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
	"debug/elf"
	"fmt"

	"github.com/tracefleet/procctl/pkg/procctl"
)

// UpdateSymbols (re)reads the victim's own ELF symbol table plus the
// symbol tables of every module currently mapped into it, from
// /proc/<pid>/exe and /proc/<pid>/maps. There is no ELF-parsing
// library anywhere in this module's reference corpus, so this is one
// of the few places stdlib debug/elf is used directly rather than
// through a third-party wrapper — justified in DESIGN.md.
func (d *Debugger) UpdateSymbols(h procctl.Handle) error {
	v := d.get(h)
	if v == nil {
		return fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}

	modules, err := mappedModules(v.pid)
	if err != nil {
		return err
	}
	modules = append(modules, exePath(v.pid))
	for _, path := range modules {
		syms, err := readSymbols(path)
		if err != nil {
			continue // a VDSO or deleted mapping is expected to fail; best-effort
		}
		for name, addr := range syms {
			v.symbols[name] = addr
		}
	}
	return nil
}

func readSymbols(path string) (map[string]uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		// Stripped binaries have no .symtab; fall back to dynsym.
		syms, err = f.DynamicSymbols()
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]uintptr, len(syms))
	for _, s := range syms {
		if s.Name != "" && s.Value != 0 {
			out[s.Name] = uintptr(s.Value)
		}
	}
	return out, nil
}

// LookupSymbol resolves name against the victim's cached symbol
// tables, refreshing them first if module is unrecognized.
func (d *Debugger) LookupSymbol(h procctl.Handle, module, name string) (uintptr, error) {
	v := d.get(h)
	if v == nil {
		return 0, fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}
	if addr, ok := v.symbols[name]; ok {
		return addr, nil
	}
	if err := d.UpdateSymbols(h); err != nil {
		return 0, err
	}
	if addr, ok := v.symbols[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("ptracedbg: symbol %q not found in pid %d", name, v.pid)
}

func exePath(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}
