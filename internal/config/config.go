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

// Package config holds the process-wide configuration options named
// in spec.md §6: PID hash bucket count, the cached-target cap,
// whether to use an error-checking recursive mutex, and the default
// attach-time rendezvous point. It is adapted from runsc/config's
// Config-struct-plus-loader pattern, swapping the teacher's custom
// flag/text-template decoder for a TOML one.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// StopAt names the rendezvous point new targets stop at by default,
// mirroring spec.md §4.3's enumeration.
type StopAt string

// The five rendezvous points a target can be configured to stop at.
const (
	StopAtCreate   StopAt = "create"
	StopAtGrab     StopAt = "grab"
	StopAtPreInit  StopAt = "preinit"
	StopAtPostInit StopAt = "postinit"
	StopAtMain     StopAt = "main"
)

func (s StopAt) valid() bool {
	switch s {
	case StopAtCreate, StopAtGrab, StopAtPreInit, StopAtPostInit, StopAtMain:
		return true
	}
	return false
}

// Config is the process-wide configuration, loadable from a TOML file
// or constructed with Default.
type Config struct {
	// BucketCount is the width of the registry's PID hash table. Must
	// be a power of two.
	BucketCount uint32 `toml:"bucket_count"`

	// CacheCap bounds the non-retired targets: whenever their count is
	// at or above CacheCap, the registry retires unreferenced ones,
	// least-recently-used first, until the count is below CacheCap or
	// none is left to retire.
	CacheCap uint32 `toml:"cache_cap"`

	// DebugAssertions enables an error-checking recursive mutex type
	// (extra owner/recursion validation at the cost of overhead).
	DebugAssertions bool `toml:"debug_assertions"`

	// StopAt selects the default rendezvous point for new targets.
	StopAt StopAt `toml:"stop_at"`

	// MaxConcurrentSpawns bounds how many Create/Grab control threads
	// may be mid-spawn at once, via a weighted semaphore.
	MaxConcurrentSpawns int64 `toml:"max_concurrent_spawns"`
}

// Default returns the configuration the teacher's own defaults would
// suggest for a small-to-medium tracer: a modest hash table, a
// handful of cached targets, and rendezvous at the traditional
// DTrace default (postinit, i.e. after ld.so has run but before
// main).
func Default() Config {
	return Config{
		BucketCount:         64,
		CacheCap:            8,
		DebugAssertions:     false,
		StopAt:              StopAtPostInit,
		MaxConcurrentSpawns: 4,
	}
}

// Load reads and validates a TOML configuration file; any field the
// file does not set keeps its Default() value. An empty path returns
// Default() without reading a file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.BucketCount == 0 || c.BucketCount&(c.BucketCount-1) != 0 {
		return fmt.Errorf("config: bucket_count must be a positive power of two, got %d", c.BucketCount)
	}
	if !c.StopAt.valid() {
		return fmt.Errorf("config: invalid stop_at %q", c.StopAt)
	}
	if c.MaxConcurrentSpawns <= 0 {
		return fmt.Errorf("config: max_concurrent_spawns must be positive, got %d", c.MaxConcurrentSpawns)
	}
	return nil
}
