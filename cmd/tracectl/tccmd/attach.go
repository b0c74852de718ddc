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

package tccmd

import (
	"context"
	"flag"
	"strconv"

	"github.com/google/subcommands"

	"github.com/tracefleet/procctl/pkg/log"
)

// Attach grabs an already-running victim process by pid.
type Attach struct {
	stopAt string
}

func (*Attach) Name() string     { return "attach" }
func (*Attach) Synopsis() string { return "attach to a running victim process by pid" }
func (*Attach) Usage() string {
	return "attach [--stop-at=postinit] <pid>\n"
}

func (a *Attach) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.stopAt, "stop-at", "postinit", "rendezvous point: grab, preinit, postinit, or main")
}

func (a *Attach) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		log.Warningf("attach: expected exactly one pid argument")
		return subcommands.ExitUsageError
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		log.Warningf("attach: invalid pid %q: %v", f.Arg(0), err)
		return subcommands.ExitUsageError
	}
	stopAt, err := stopAtFlag(a.stopAt)
	if err != nil {
		log.Warningf("attach: %v", err)
		return subcommands.ExitUsageError
	}

	reg, dbg, err := newRegistry()
	if err != nil {
		log.Warningf("attach: %v", err)
		return subcommands.ExitFailure
	}
	defer reg.HashDestroy()

	p, err := reg.Grab(ctx, pid, dbg, stopAt, 0)
	if err != nil {
		log.Warningf("attach: grab pid %d: %v", pid, err)
		return subcommands.ExitFailure
	}

	if err := drive(p); err != nil {
		log.Warningf("attach: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
