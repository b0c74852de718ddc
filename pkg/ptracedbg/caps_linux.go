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
	"fmt"

	"github.com/syndtr/gocapability/capability"
)

// dropCapabilities clears caps from this process's effective,
// permitted, and inheritable sets before a spawned victim inherits
// them across exec, so a victim being traced for debugging purposes
// doesn't retain capabilities the tracer itself doesn't need it to
// have.
func dropCapabilities(caps []capability.Cap) error {
	c, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("ptracedbg: load process capabilities: %w", err)
	}
	if err := c.Load(); err != nil {
		return fmt.Errorf("ptracedbg: load process capabilities: %w", err)
	}
	for _, cap := range caps {
		c.Unset(capability.CAPS|capability.BOUNDS, cap)
	}
	if err := c.Apply(capability.CAPS | capability.BOUNDS); err != nil {
		return fmt.Errorf("ptracedbg: apply dropped capabilities: %w", err)
	}
	return nil
}
