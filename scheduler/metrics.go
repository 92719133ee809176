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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/election"
	"github.com/pingcap/tijob/scheduler/execution"
	"github.com/pingcap/tijob/scheduler/sharding"
)

// InitMetrics registers the collectors of every scheduler package.
// Registration is optional, embedders that do not scrape simply skip it.
func InitMetrics(registry *prometheus.Registry) {
	regcenter.InitMetrics(registry)
	election.InitMetrics(registry)
	sharding.InitMetrics(registry)
	execution.InitMetrics(registry)
}
