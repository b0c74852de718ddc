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

// Package ptracedbg is a Linux ptrace(2) binding of pkg/procctl's
// Debugger interface: the only package in this module that issues
// real debug syscalls. Every exported method is safe to call only
// from the goroutine procctl's controller dedicates to a given
// victim — this package does no synchronization of its own beyond
// protecting its own victim-lookup table, by design (pkg/procctl's
// rmutex and marshalling channel are what make that safe).
package ptracedbg
