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

// Package tccmd holds tracectl's subcommands, mirroring the
// runsc/cmd package's one-struct-per-subcommand layout.
package tccmd

import (
	"context"
	"fmt"

	"github.com/tracefleet/procctl/internal/config"
	"github.com/tracefleet/procctl/pkg/log"
	"github.com/tracefleet/procctl/pkg/procctl"
	"github.com/tracefleet/procctl/pkg/ptracedbg"
)

// stopAtFlag parses a --stop-at value into a procctl.StopPoint.
func stopAtFlag(s string) (procctl.StopPoint, error) {
	switch s {
	case "create":
		return procctl.StopCreate, nil
	case "grab":
		return procctl.StopGrab, nil
	case "preinit":
		return procctl.StopPreInit, nil
	case "postinit":
		return procctl.StopPostInit, nil
	case "main":
		return procctl.StopMain, nil
	default:
		return 0, fmt.Errorf("invalid --stop-at value %q", s)
	}
}

// drive takes an already created/grabbed Proc through the rest of its
// lifecycle: wait for rendezvous, report it, continue, then wait for
// the victim to die and report its exit status.
func drive(p *procctl.Proc) error {
	ctx := context.Background()

	if err := p.WaitRendezvous(ctx); err != nil {
		return fmt.Errorf("waiting for rendezvous: %w", err)
	}
	snap := p.Snapshot()
	log.Infof("pid %d: reached rendezvous (stop mask %#x)", snap.Pid, snap.Stop)

	if err := p.Continue(ctx); err != nil {
		return fmt.Errorf("continuing: %w", err)
	}

	res, err := p.Wait(ctx, true)
	if err != nil {
		return fmt.Errorf("waiting for exit: %w", err)
	}
	log.Infof("pid %d: %s (exit code %d, signal %d)", p.Pid(), res.State, res.ExitCode, res.Signal)

	for _, e := range p.Errors() {
		log.Warningf("pid %d: recorded error: %s", p.Pid(), e)
	}

	p.Release()
	return nil
}

func newRegistry() (*procctl.Registry, *ptracedbg.Debugger, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	reg, err := procctl.NewRegistry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing registry: %w", err)
	}
	return reg, ptracedbg.New(), nil
}
