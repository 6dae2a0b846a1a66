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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterCollectors(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "register_collectors_test_total",
		Help: "Test counter",
	})
	require.NoError(t, RegisterCollectors(counter))

	// Registering the same collector again is skipped, not rejected.
	require.NoError(t, RegisterCollectors(counter))

	// A different collector under an already taken name still fails.
	clash := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "register_collectors_test_total",
		Help: "Clashing gauge",
	})
	require.Error(t, RegisterCollectors(clash))
}
