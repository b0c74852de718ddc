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
	"encoding/binary"
	"fmt"
	"os"

	"github.com/tracefleet/procctl/pkg/procctl"
)

// AuxValue reads one auxv key's value from /proc/<pid>/auxv — the
// simplest way to recover AT_ENTRY (and similar) without threading a
// separate auxv-reading library through this module; /proc is already
// this binding's source of truth for maps and symbols.
func (d *Debugger) AuxValue(h procctl.Handle, key int) (uintptr, error) {
	v := d.get(h)
	if v == nil {
		return 0, fmt.Errorf("ptracedbg: unknown pid %d", h.Pid())
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", v.pid))
	if err != nil {
		return 0, fmt.Errorf("ptracedbg: read auxv for pid %d: %w", v.pid, err)
	}

	const wordSize = 8 // amd64
	for i := 0; i+2*wordSize <= len(data); i += 2 * wordSize {
		k := binary.LittleEndian.Uint64(data[i : i+wordSize])
		val := binary.LittleEndian.Uint64(data[i+wordSize : i+2*wordSize])
		if k == 0 {
			break // AT_NULL terminator
		}
		if int(k) == key {
			return uintptr(val), nil
		}
	}
	return 0, fmt.Errorf("ptracedbg: auxv key %d not found for pid %d", key, v.pid)
}
