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

package sharding

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reshardCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tijob",
			Subsystem: "sharding",
			Name:      "reshard_total",
			Help:      "The number of completed resharding passes.",
		})
	reshardDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tijob",
			Subsystem: "sharding",
			Name:      "reshard_duration_seconds",
			Help:      "The wall time of one resharding pass.",
			Buckets:   prometheus.DefBuckets,
		})
	failoverItemCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tijob",
			Subsystem: "sharding",
			Name:      "failover_items_total",
			Help:      "The number of shard items reassigned by failover.",
		})
)

// InitMetrics registers all metrics in this package.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(reshardCounter)
	registry.MustRegister(reshardDuration)
	registry.MustRegister(failoverItemCounter)
}
