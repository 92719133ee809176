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

	"go.uber.org/zap"

	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/sharding"
	"github.com/pingcap/tijob/scheduler/storage"
)

// runDispatcher drains the watch stream of the job subtree and reacts to
// every coordination change. All watch driven work of one scheduler runs on
// this single goroutine, so no two reactions of the same process ever race;
// only the execution callbacks themselves are dispatched async.
func (js *JobScheduler) runDispatcher(ctx context.Context, events <-chan regcenter.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			js.handleEvent(ctx, ev)
		}
	}
}

func (js *JobScheduler) handleEvent(ctx context.Context, ev regcenter.Event) {
	switch {
	case ev.Key == js.keys.LeaderElection():
		js.onLeaderEvent(ctx, ev)
	case ev.Key == js.keys.Config():
		if ev.Type == regcenter.EventPut {
			js.onConfigEvent(ctx, ev.Value)
		}
	case ev.Key == js.keys.ReshardNecessary():
		if ev.Type == regcenter.EventPut {
			js.tryReshard(ctx)
		}
	case ev.Key == js.keys.ReshardProcessing():
		if ev.Type == regcenter.EventDelete {
			// the pass is published (or abandoned with its session), wake
			// up triggers waiting on the new assignment
			js.sharding.NotifyCompleted()
		}
	default:
		js.handleSubtreeEvent(ctx, ev)
	}
}

func (js *JobScheduler) handleSubtreeEvent(ctx context.Context, ev regcenter.Event) {
	if id, ok := js.keys.InstanceID(ev.Key); ok {
		js.onInstanceEvent(ctx, ev, id)
		return
	}
	if ip, ok := js.keys.ServerIP(ev.Key); ok {
		if ev.Type == regcenter.EventPut {
			js.lg.Info("server status changed",
				zap.String("serverIP", ip), zap.String("status", ev.Value))
			js.latchAndReshard(ctx, sharding.CauseServerStatus)
		}
		return
	}
	if _, ok := js.keys.FailoverItemIndex(ev.Key); ok {
		if ev.Type == regcenter.EventPut {
			js.tryReshard(ctx)
		}
		return
	}
	if _, node, ok := js.keys.ShardingItemNode(ev.Key); ok {
		// a resharding pass deferred on a running item retries once the
		// item finishes
		if node == storage.ItemNodeRunning && ev.Type == regcenter.EventDelete {
			js.tryReshard(ctx)
		}
		return
	}
	if id, ok := js.keys.TriggerInstanceID(ev.Key); ok {
		if ev.Type == regcenter.EventPut && id == js.self.InstanceID {
			js.onManualTrigger(ctx)
		}
		return
	}
}

// onLeaderEvent reacts to the leader record appearing or vanishing. A
// vanished record starts the next election round on every live instance;
// the campaign is rate limited so a flapping leader cannot hammer the
// registry.
func (js *JobScheduler) onLeaderEvent(ctx context.Context, ev regcenter.Event) {
	switch ev.Type {
	case regcenter.EventPut:
		js.elections.NotifyResolved()
	case regcenter.EventDelete:
		if js.closed.Load() || js.suspended.Load() {
			return
		}
		if err := js.electionLimiter.Wait(ctx); err != nil {
			return
		}
		if err := js.elections.Elect(ctx); err != nil {
			logutil.ErrorFilterContextCanceled(js.lg,
				"re-election after leader loss failed", zap.Error(err))
			return
		}
		// the new leader owes the cluster any pending pass the old one
		// left behind
		js.tryReshard(ctx)
	}
}

// onConfigEvent applies a configuration snapshot observed on the watch
// stream and reacts to the deltas that need local action.
func (js *JobScheduler) onConfigEvent(ctx context.Context, value string) {
	old, cur, err := js.configs.Apply(value)
	if err != nil {
		js.lg.Warn("ignoring invalid job configuration snapshot", zap.Error(err))
		return
	}
	if old == nil {
		return
	}
	if cur.ShardingTotalCount != old.ShardingTotalCount {
		js.lg.Info("sharding total count changed",
			zap.Int("from", old.ShardingTotalCount),
			zap.Int("to", cur.ShardingTotalCount))
		js.latchAndReshard(ctx, sharding.CauseConfigChange)
	}
	if cur.Cron != old.Cron || cur.TimeZone != old.TimeZone {
		js.lg.Info("cron changed, rescheduling trigger",
			zap.String("cron", cur.Cron), zap.String("timeZone", cur.TimeZone))
		if err := js.trigger.reschedule(ctx, cur); err != nil {
			js.lg.Warn("cannot reschedule cron trigger", zap.Error(err))
		}
	}
	if cur.Disabled != old.Disabled {
		// execution checks the flag per trigger, nothing to tear down
		js.lg.Info("job disabled flag changed", zap.Bool("disabled", cur.Disabled))
	}
}

// onInstanceEvent reacts to an instance entry appearing or vanishing. The
// local instance's own delete is left to the session keeper, peers handle
// it like any crash.
func (js *JobScheduler) onInstanceEvent(ctx context.Context, ev regcenter.Event, instanceID string) {
	if instanceID == js.self.InstanceID {
		return
	}
	switch ev.Type {
	case regcenter.EventPut:
		js.lg.Info("job instance joined", zap.String("peer", instanceID))
		js.latchAndReshard(ctx, sharding.CauseInstanceJoin)
	case regcenter.EventDelete:
		js.lg.Info("job instance gone", zap.String("peer", instanceID))
		if err := js.failover.OnInstanceGone(ctx, instanceID); err != nil {
			logutil.ErrorFilterContextCanceled(js.lg,
				"cannot start failover for gone instance",
				zap.String("peer", instanceID), zap.Error(err))
		}
		js.tryReshard(ctx)
	}
}

// onManualTrigger consumes the trigger request aimed at this instance and
// runs one execution. The node is removed first so a second request fires a
// fresh event.
func (js *JobScheduler) onManualTrigger(ctx context.Context) {
	if err := js.reg.Remove(ctx, js.keys.Trigger(js.self.InstanceID)); err != nil {
		js.lg.Warn("cannot consume manual trigger request", zap.Error(err))
	}
	if js.closed.Load() || js.suspended.Load() {
		return
	}
	// run off the dispatcher goroutine, an execution can outlive many events
	js.loops.Go(func() error {
		if err := js.execution.RunTriggered(ctx); err != nil {
			logutil.ErrorFilterContextCanceled(js.lg,
				"manually triggered execution failed", zap.Error(err))
		}
		return nil
	})
}

// latchAndReshard records the cause and attempts a pass right away. Both
// steps are best effort here, the latch plus the reconcile loop guarantee
// an eventual pass.
func (js *JobScheduler) latchAndReshard(ctx context.Context, cause sharding.Cause) {
	if err := js.sharding.SetReshardFlag(ctx, cause); err != nil {
		logutil.ErrorFilterContextCanceled(js.lg,
			"cannot latch resharding", zap.String("cause", string(cause)), zap.Error(err))
	}
	js.tryReshard(ctx)
}

func (js *JobScheduler) tryReshard(ctx context.Context) {
	if err := js.sharding.Reshard(ctx); err != nil {
		logutil.ErrorFilterContextCanceled(js.lg,
			"resharding pass failed, latch kept for retry", zap.Error(err))
	}
}
