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

// Package cli is tracectl's main entrypoint, structured the way
// runsc/cli/main.go registers its own subcommands.
package cli

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/tracefleet/procctl/cmd/tracectl/tccmd"
	"github.com/tracefleet/procctl/pkg/log"
)

// Main registers every tracectl subcommand and dispatches to whichever
// one the user invoked.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&tccmd.Run{}, "")
	subcommands.Register(&tccmd.Attach{}, "")

	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()
	log.SetLevel(*debug)

	os.Exit(int(subcommands.Execute(context.Background())))
}
