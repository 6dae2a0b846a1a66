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

package utils

import (
	"errors"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterCollectors registers session and transport metrics with the
// default prometheus registry. Registering the same collector twice is
// not an error here: package init functions run once per process, but
// tests wire the stack up repeatedly, so a duplicate is skipped rather
// than rejected. Collectors that are genuinely inconsistent with what
// is already registered still fail.
func RegisterCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		err := prometheus.Register(c)
		if err == nil {
			continue
		}
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			continue
		}
		return trace.Wrap(err)
	}
	return nil
}
