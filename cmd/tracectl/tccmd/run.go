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

	"github.com/google/subcommands"

	"github.com/tracefleet/procctl/pkg/log"
)

// Run spawns a victim under this library's control.
type Run struct {
	stopAt string
}

func (*Run) Name() string     { return "run" }
func (*Run) Synopsis() string { return "spawn a victim process under trace control" }
func (*Run) Usage() string {
	return "run [--stop-at=postinit] <file> [args...]\n"
}

func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.stopAt, "stop-at", "postinit", "rendezvous point: create, preinit, postinit, or main")
}

func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		log.Warningf("run: missing victim file argument")
		return subcommands.ExitUsageError
	}
	stopAt, err := stopAtFlag(r.stopAt)
	if err != nil {
		log.Warningf("run: %v", err)
		return subcommands.ExitUsageError
	}
	file := f.Arg(0)
	argv := f.Args()[1:]

	reg, dbg, err := newRegistry()
	if err != nil {
		log.Warningf("run: %v", err)
		return subcommands.ExitFailure
	}
	defer reg.HashDestroy()

	p, err := reg.Create(ctx, file, argv, dbg, stopAt, 0)
	if err != nil {
		log.Warningf("run: create %q: %v", file, err)
		return subcommands.ExitFailure
	}

	if err := drive(p); err != nil {
		log.Warningf("run: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
