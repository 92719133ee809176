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

	"github.com/pingcap/errors"
	"github.com/reugn/go-quartz/job"
	quartzlogger "github.com/reugn/go-quartz/logger"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	"github.com/pingcap/tijob/pkg/logutil"
)

// quartzTrigger owns the local cron firing of one job. Every instance fires
// independently on the shared cron expression; the execution guard, not the
// trigger, keeps concurrent firings of the same item apart. A job without a
// cron expression still gets a started scheduler so a configuration change
// can add one later.
type quartzTrigger struct {
	js    *JobScheduler
	sched quartz.Scheduler
	key   *quartz.JobKey
}

func newQuartzTrigger(js *JobScheduler) *quartzTrigger {
	return &quartzTrigger{js: js}
}

func (t *quartzTrigger) start(ctx context.Context, cfg *model.JobConfig) error {
	sched, err := quartz.NewStdScheduler(
		quartz.WithLogger(quartzlogger.NewSimpleLogger(nil, quartzlogger.LevelOff)))
	if err != nil {
		return errors.Trace(err)
	}
	t.sched = sched
	t.key = quartz.NewJobKey(t.js.JobName())
	t.sched.Start(ctx)
	if cfg.Cron == "" {
		return nil
	}
	return errors.Trace(t.schedule(ctx, cfg))
}

func (t *quartzTrigger) schedule(ctx context.Context, cfg *model.JobConfig) error {
	cronTrigger, err := quartz.NewCronTriggerWithLoc(cfg.Cron, cfg.Location())
	if err != nil {
		return errors.Trace(err)
	}
	js := t.js
	fj := job.NewFunctionJob[bool](func(ctx context.Context) (bool, error) {
		if js.closed.Load() || js.suspended.Load() {
			return false, nil
		}
		if err := js.execution.RunTriggered(ctx); err != nil {
			logutil.ErrorFilterContextCanceled(js.lg,
				"cron triggered execution failed", zap.Error(err))
			return false, nil
		}
		return true, nil
	})
	detail := quartz.NewJobDetail(fj, t.key)
	return errors.Trace(t.sched.ScheduleJob(detail, cronTrigger))
}

// reschedule replaces the cron entry after a configuration change. The
// scheduler hosts exactly one entry, clearing it is the replacement.
func (t *quartzTrigger) reschedule(ctx context.Context, cfg *model.JobConfig) error {
	if err := t.sched.Clear(); err != nil {
		return errors.Trace(err)
	}
	if cfg.Cron == "" {
		return nil
	}
	return errors.Trace(t.schedule(ctx, cfg))
}

// stop clears the entry and waits for an in-flight firing, bounded by the
// stop timeout.
func (t *quartzTrigger) stop(ctx context.Context) {
	if t.sched == nil {
		return
	}
	_ = t.sched.Clear()
	t.sched.Stop()
	waitCtx, cancel := context.WithTimeout(ctx, t.js.stopTimeout)
	defer cancel()
	t.sched.Wait(waitCtx)
}
