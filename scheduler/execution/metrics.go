// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package execution

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tijob",
			Subsystem: "execution",
			Name:      "items_total",
			Help:      "The number of executed shard items, by result.",
		}, []string{"result"})
	misfireCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tijob",
			Subsystem: "execution",
			Name:      "misfires_total",
			Help:      "The number of triggers that fired while the item was running, by policy outcome.",
		}, []string{"outcome"})
	staleOwnershipCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tijob",
			Subsystem: "execution",
			Name:      "stale_ownership_skips_total",
			Help:      "The number of item runs skipped because ownership moved away.",
		})
)

// InitMetrics registers all metrics in this package.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(executionCounter)
	registry.MustRegister(misfireCounter)
	registry.MustRegister(staleOwnershipCounter)
}
