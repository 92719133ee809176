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
	"context"

	"github.com/pingcap/tijob/model"
)

// Job is the business logic of a sharded job. Execute is called once per
// owned shard item per trigger, possibly concurrently for different items,
// never concurrently for the same item on the same instance. A returned
// error is handed to the configured error handler and does not affect other
// items or future triggers.
type Job interface {
	Execute(ctx context.Context, sctx model.ShardingContext) error
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func(ctx context.Context, sctx model.ShardingContext) error

// Execute implements Job.
func (f JobFunc) Execute(ctx context.Context, sctx model.ShardingContext) error {
	return f(ctx, sctx)
}
