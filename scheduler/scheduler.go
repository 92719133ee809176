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

// Package scheduler coordinates the distributed execution of one sharded
// job. Every worker process embeds a JobScheduler per job; the processes
// never talk to each other, all coordination runs through the registry's
// atomic primitives and watch notifications. One dispatcher goroutine per
// scheduler serializes all watch driven state changes in the process,
// cross-process races are settled by the registry alone.
package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pingcap/tijob/errhandler"
	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/pkg/retry"
	"github.com/pingcap/tijob/scheduler/config"
	"github.com/pingcap/tijob/scheduler/election"
	"github.com/pingcap/tijob/scheduler/execution"
	"github.com/pingcap/tijob/scheduler/failover"
	"github.com/pingcap/tijob/scheduler/instance"
	"github.com/pingcap/tijob/scheduler/server"
	"github.com/pingcap/tijob/scheduler/sharding"
	"github.com/pingcap/tijob/scheduler/storage"
)

const (
	sessionRetryBaseInMs = 500
	sessionRetryMaxInMs  = 10 * 1000
)

// JobScheduler runs one job on the local instance: registration, election,
// resharding, triggering and failover, all against a shared Registry owned
// by the embedder.
type JobScheduler struct {
	localCfg *model.JobConfig
	job      Job

	reg  regcenter.Registry
	keys storage.Keys
	self model.JobInstance
	lg   *zap.Logger

	clock          clock.Clock
	startupTimeout time.Duration
	stopTimeout    time.Duration

	configs   *config.Service
	servers   *server.Service
	instances *instance.Service
	elections *election.Service
	sharding  *sharding.Service
	failover  *failover.Service
	execution *execution.Service

	electionLimiter *rate.Limiter

	started   atomic.Bool
	closed    atomic.Bool
	suspended atomic.Bool

	cancel  context.CancelFunc
	loops   *errgroup.Group
	trigger *quartzTrigger
}

// New validates the configuration and wires the services of one job.
// Validation failures (non-positive sharding count, malformed cron, unknown
// strategy or handler type) are fatal, the job must not start half
// configured. The registry stays owned by the caller and may back several
// jobs.
func New(reg regcenter.Registry, cfg model.JobConfig, job Job, opts ...Option) (*JobScheduler, error) {
	localCfg := cfg.Clone()
	if err := localCfg.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	strategy, err := sharding.GetStrategy(localCfg.ShardingStrategyType)
	if err != nil {
		return nil, errors.Trace(err)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.handler == nil {
		o.handler, err = errhandler.New(localCfg)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	serverIP := o.serverIP
	if serverIP == "" {
		serverIP = resolveLocalIP()
	}
	self := model.NewJobInstance(serverIP, os.Getpid())
	keys := storage.NewKeys(localCfg.JobName)

	js := &JobScheduler{
		localCfg:        localCfg,
		job:             job,
		reg:             reg,
		keys:            keys,
		self:            self,
		lg:              logutil.WithJobInstance(localCfg.JobName, self.InstanceID),
		clock:           o.clock,
		startupTimeout:  o.startupTimeout,
		stopTimeout:     o.stopTimeout,
		electionLimiter: rate.NewLimiter(rate.Limit(defaultElectionRate), defaultElectionBurst),
	}
	jobName := localCfg.JobName
	js.configs = config.New(reg, keys, jobName)
	js.servers = server.New(reg, keys, jobName, serverIP)
	js.instances = instance.New(reg, keys, jobName, self)
	js.elections = election.New(reg, keys, jobName, self.InstanceID)
	currentCfg := func() *model.JobConfig { return js.configs.Current() }
	js.sharding = sharding.New(reg, keys, jobName, self,
		js.elections, js.instances, js.servers, currentCfg, strategy)
	js.failover = failover.New(reg, keys, jobName,
		js.elections, js.instances, js.sharding, currentCfg)
	js.execution = execution.New(reg, keys, jobName, self, o.clock, currentCfg,
		js.servers, js.sharding, job.Execute, o.handler, o.listeners)
	js.trigger = newQuartzTrigger(js)
	return js, nil
}

// JobName returns the name of the hosted job.
func (js *JobScheduler) JobName() string {
	return js.localCfg.JobName
}

// InstanceID returns the identity of the local instance.
func (js *JobScheduler) InstanceID() string {
	return js.self.InstanceID
}

// Start brings the instance online: persist the configuration, register the
// instance, join the election, wait until leadership is resolved and start
// the background loops plus the cron trigger. The watch stream is opened
// before registration so no event between the two is ever missed.
func (js *JobScheduler) Start(ctx context.Context) error {
	if js.closed.Load() {
		return cerror.ErrSchedulerClosed.GenWithStackByArgs()
	}
	if !js.started.CompareAndSwap(false, true) {
		return cerror.ErrSchedulerStarted.GenWithStackByArgs()
	}
	cfg, err := js.configs.Setup(ctx, js.localCfg)
	if err != nil {
		return errors.Trace(err)
	}
	if err := js.servers.PersistOnline(ctx); err != nil {
		return errors.Trace(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	js.cancel = cancel
	js.loops, _ = errgroup.WithContext(loopCtx)
	events := js.reg.Watch(loopCtx, js.keys.Root())
	js.loops.Go(func() error {
		js.runDispatcher(loopCtx, events)
		return nil
	})

	if err := js.startupSequence(ctx); err != nil {
		cancel()
		_ = js.loops.Wait()
		return errors.Trace(err)
	}

	js.loops.Go(func() error {
		js.runReconcile(loopCtx)
		return nil
	})
	js.loops.Go(func() error {
		js.runSessionKeeper(loopCtx)
		return nil
	})
	if err := js.trigger.start(loopCtx, cfg); err != nil {
		cancel()
		_ = js.loops.Wait()
		return errors.Trace(err)
	}
	js.lg.Info("job scheduler started",
		zap.Int("shardingTotalCount", cfg.ShardingTotalCount),
		zap.String("cron", cfg.Cron))
	return nil
}

func (js *JobScheduler) startupSequence(ctx context.Context) error {
	if err := js.instances.Register(ctx); err != nil {
		// an instance conflict means broken identity generation, fatal
		return errors.Trace(err)
	}
	if err := js.elections.Elect(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := js.elections.WaitLeadershipResolved(ctx, js.startupTimeout); err != nil {
		return errors.Trace(err)
	}
	if err := js.sharding.SetReshardFlag(ctx, sharding.CauseJobStart); err != nil {
		return errors.Trace(err)
	}
	// give the first trigger an assignment to work with; on failure the
	// latch stays set and the dispatcher or reconcile loop retries
	if err := js.sharding.Reshard(ctx); err != nil {
		js.lg.Warn("initial resharding failed, will retry", zap.Error(err))
	}
	return nil
}

// TriggerNow runs one execution immediately, the trigger path of one-off
// jobs and the operator escape hatch.
func (js *JobScheduler) TriggerNow(ctx context.Context) error {
	if js.closed.Load() || !js.started.Load() {
		return cerror.ErrSchedulerClosed.GenWithStackByArgs()
	}
	if js.suspended.Load() {
		js.lg.Warn("trigger skipped, registry session is being re-established")
		return nil
	}
	return errors.Trace(js.execution.RunTriggered(ctx))
}

// Shutdown takes the instance offline: stop triggering, let in-flight
// callbacks finish bounded by the stop timeout, resign leadership,
// unregister and stop the loops. Idempotent.
func (js *JobScheduler) Shutdown(ctx context.Context) error {
	if !js.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !js.started.Load() {
		return nil
	}
	js.trigger.stop(ctx)

	var err error
	if !js.suspended.Load() {
		// with a lost session these keys are already gone
		err = multierr.Append(err, js.elections.Resign(ctx))
		err = multierr.Append(err, js.instances.Unregister(ctx))
	}
	js.cancel()
	_ = js.loops.Wait()
	js.sharding.Close()
	js.elections.Close()
	js.lg.Info("job scheduler shut down")
	return err
}

// runSessionKeeper re-establishes liveness after a lost registry session.
// Peers cannot tell the loss from a crash; triggers stay suspended until
// the instance is registered again, and nothing of the previous state,
// leadership included, is assumed to still hold.
func (js *JobScheduler) runSessionKeeper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-js.reg.Done():
		}
		if js.closed.Load() {
			return
		}
		js.suspended.Store(true)
		js.lg.Warn("registry session lost, triggers suspended")
		err := retry.Do(ctx, func() error {
			if err := js.reg.Reset(ctx); err != nil {
				return errors.Trace(err)
			}
			if err := js.servers.PersistOnline(ctx); err != nil {
				return errors.Trace(err)
			}
			if err := js.instances.Register(ctx); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(js.elections.Elect(ctx))
		}, retry.WithBackoffBaseDelay(sessionRetryBaseInMs),
			retry.WithBackoffMaxDelay(sessionRetryMaxInMs),
			retry.WithInfiniteTries(),
			retry.WithIsRetryableErr(func(err error) bool {
				// our own entry from the expired session may linger until
				// its TTL, the conflict clears on its own
				if cerror.ErrInstanceConflict.Equal(err) {
					return true
				}
				return cerror.IsRetryableError(err)
			}))
		if err != nil {
			// only context cancellation or a closed registry end the retry
			logutil.ErrorFilterContextCanceled(js.lg,
				"cannot re-establish registry session", zap.Error(err))
			return
		}
		if err := js.sharding.SetReshardFlag(ctx, sharding.CauseInstanceJoin); err != nil {
			js.lg.Warn("cannot latch resharding after session reset", zap.Error(err))
		}
		js.suspended.Store(false)
		js.lg.Info("registry session re-established, triggers resumed")
	}
}
