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
	"time"

	"go.uber.org/zap"

	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/scheduler/sharding"
)

// runReconcile periodically repairs divergence no watch event accounted
// for: a missing leader record, assignments orphaned by a crash whose
// delete event this process missed, items left without an owner. The scan
// is cheap, a handful of registry reads, and a no-op while everything is
// consistent.
func (js *JobScheduler) runReconcile(ctx context.Context) {
	interval := time.Duration(js.configs.Current().ReconcileIntervalSeconds) * time.Second
	ticker := js.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if js.suspended.Load() || js.closed.Load() {
			continue
		}
		js.reconcileOnce(ctx)
	}
}

func (js *JobScheduler) reconcileOnce(ctx context.Context) {
	exists, err := js.reg.Exists(ctx, js.keys.LeaderElection())
	if err != nil {
		logutil.ErrorFilterContextCanceled(js.lg,
			"reconcile cannot check leader record", zap.Error(err))
		return
	}
	if !exists {
		// a lost delete event would otherwise leave the job leaderless
		// until the next membership change
		js.lg.Warn("no leader record found, campaigning")
		if err := js.electionLimiter.Wait(ctx); err != nil {
			return
		}
		if err := js.elections.Elect(ctx); err != nil {
			logutil.ErrorFilterContextCanceled(js.lg,
				"reconcile election failed", zap.Error(err))
			return
		}
	}
	isLeader, err := js.elections.IsLeader(ctx)
	if err != nil || !isLeader {
		return
	}
	if err := js.failover.DetectOrphans(ctx); err != nil {
		logutil.ErrorFilterContextCanceled(js.lg,
			"reconcile orphan detection failed", zap.Error(err))
	}
	assignment, err := js.sharding.Assignment(ctx)
	if err != nil {
		logutil.ErrorFilterContextCanceled(js.lg,
			"reconcile cannot read assignment", zap.Error(err))
		return
	}
	total := js.configs.Current().ShardingTotalCount
	if !assignment.Complete(total) {
		js.lg.Info("incomplete assignment found, latching resharding",
			zap.Int("assigned", len(assignment)), zap.Int("total", total))
		js.latchAndReshard(ctx, sharding.CauseReconcile)
		return
	}
	js.tryReshard(ctx)
}
