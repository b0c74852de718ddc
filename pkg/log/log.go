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

// Package log is the process-wide logging façade used by every other
// package in this module. It keeps the call-site surface the rest of
// the tree expects (Infof, Debugf, Warningf, Errorf, IsLogging) while
// delegating the actual formatting and output to logrus.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.Mutex
	std = newStd()
)

func newStd() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the minimum level that will be emitted. debug
// controls whether Debugf output is visible; it mirrors the
// "debug assertions" / "-debug" style toggle the teacher's CLI
// exposes.
func SetLevel(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// IsLogging reports whether a message at the given logrus level would
// currently be emitted. Callers use it to skip building an expensive
// message (e.g. a Snapshot) when nothing would consume it.
func IsLogging(level logrus.Level) bool {
	mu.Lock()
	defer mu.Unlock()
	return std.IsLevelEnabled(level)
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) {
	mu.Lock()
	l := std
	mu.Unlock()
	l.Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) {
	mu.Lock()
	l := std
	mu.Unlock()
	l.Infof(format, args...)
}

// Warningf logs at warning level.
func Warningf(format string, args ...interface{}) {
	mu.Lock()
	l := std
	mu.Unlock()
	l.Warningf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) {
	mu.Lock()
	l := std
	mu.Unlock()
	l.Errorf(format, args...)
}
