/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils provides helpers shared by all cloudshell components:
// logger setup, CLI plumbing and prometheus registration.
package utils

import (
	"flag"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose specifies the kind of process the logger is configured
// for, as the two disagree about where output should go by default.
type LoggingPurpose int

const (
	// LoggingForDaemon logs to stderr at all levels
	LoggingForDaemon LoggingPurpose = iota
	// LoggingForCLI keeps one-shot commands quiet unless debugging
	LoggingForCLI
)

// InitLogger configures the global logger for a given purpose and
// verbosity level.
func InitLogger(purpose LoggingPurpose, level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	default:
		logrus.SetOutput(os.Stderr)
	}
}

// InitLoggerForTests initializes the standard logger for tests: silent
// unless `go test -v` asked for output.
func InitLoggerForTests() {
	// Parse flags to check testing.Verbose().
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if !testing.Verbose() {
		logger.SetLevel(logrus.FatalLevel)
		logger.SetOutput(io.Discard)
		return
	}
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
}

// FatalError sends the full debug report to the logger, prints a clean
// one-line message to stderr and exits.
func FatalError(err error) {
	logrus.Error(trace.DebugReport(err))
	fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
	os.Exit(1)
}
