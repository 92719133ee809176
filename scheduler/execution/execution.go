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

// Package execution runs the business callback for the shard items this
// instance owns. Ownership is re-checked against the registry right before
// every run, the ephemeral running marker keeps one item from executing
// twice at a time, and callback failures are contained per item.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/errhandler"
	"github.com/pingcap/tijob/model"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/server"
	"github.com/pingcap/tijob/scheduler/sharding"
	"github.com/pingcap/tijob/scheduler/storage"
)

// Callback is the business logic of one shard item, outside this core.
type Callback func(ctx context.Context, sctx model.ShardingContext) error

// Listener observes execution batches on the local instance, an in-process
// hook, not a coordination feature.
type Listener interface {
	BeforeExecute(jobName string, shardingItems []int)
	AfterExecute(jobName string, shardingItems []int)
}

// waitShardingTimeout bounds how long a trigger waits for an in-flight
// resharding pass before running on the previous assignment.
const waitShardingTimeout = 10 * time.Second

// Service guards and runs triggered executions on one instance.
type Service struct {
	reg       regcenter.Registry
	keys      storage.Keys
	jobName   string
	self      model.JobInstance
	lg        *zap.Logger
	clock     clock.Clock
	config    func() *model.JobConfig
	servers   *server.Service
	sharding  *sharding.Service
	callback  Callback
	handler   errhandler.Handler
	listeners []Listener
}

// New creates the execution service.
func New(
	reg regcenter.Registry,
	keys storage.Keys,
	jobName string,
	self model.JobInstance,
	clk clock.Clock,
	config func() *model.JobConfig,
	servers *server.Service,
	shardingSvc *sharding.Service,
	callback Callback,
	handler errhandler.Handler,
	listeners []Listener,
) *Service {
	return &Service{
		reg:       reg,
		keys:      keys,
		jobName:   jobName,
		self:      self,
		lg:        logutil.WithJobInstance(jobName, self.InstanceID),
		clock:     clk,
		config:    config,
		servers:   servers,
		sharding:  shardingSvc,
		callback:  callback,
		handler:   handler,
		listeners: listeners,
	}
}

// RunTriggered executes one trigger firing: skip if the job or the local
// server is disabled, wait out an in-flight resharding pass, then run every
// owned item concurrently and finally drain queued misfires. Errors of the
// business callback never propagate, only registry trouble does.
func (s *Service) RunTriggered(ctx context.Context) error {
	cfg := s.config()
	if cfg.Disabled {
		s.lg.Debug("trigger skipped, job is disabled")
		return nil
	}
	enabled, err := s.servers.IsEnabled(ctx, s.self.ServerIP)
	if err != nil {
		return errors.Trace(err)
	}
	if !enabled {
		s.lg.Debug("trigger skipped, server is disabled")
		return nil
	}
	if err := s.sharding.Reshard(ctx); err != nil {
		// the latch survives, the pass is retried; this trigger still runs
		// on the assignment we have
		s.lg.Warn("resharding failed, executing on current assignment", zap.Error(err))
	}
	if err := s.sharding.WaitShardingCompleted(ctx, waitShardingTimeout); err != nil {
		if errors.Cause(err) == context.Canceled {
			return errors.Trace(err)
		}
		s.lg.Warn("sharding still in progress, executing on current assignment", zap.Error(err))
	}
	items, err := s.sharding.ItemsOf(ctx, s.self.InstanceID)
	if err != nil {
		return errors.Trace(err)
	}
	if len(items) == 0 {
		s.lg.Debug("trigger skipped, no items assigned")
		return nil
	}
	params, err := cfg.ItemParameters()
	if err != nil {
		return errors.Trace(err)
	}

	for _, listener := range s.listeners {
		listener.BeforeExecute(s.jobName, items)
	}
	taskID := uuid.NewString()
	s.executeItems(ctx, cfg, taskID, params, items)
	if err := s.runMisfired(ctx, cfg, params); err != nil {
		return errors.Trace(err)
	}
	for _, listener := range s.listeners {
		listener.AfterExecute(s.jobName, items)
	}
	return nil
}

// runMisfired re-runs owned items whose misfire marker was queued while
// they were executing, until no marker remains. An item that is running
// again already keeps its marker, the invocation that finishes that run
// drains it after its own batch.
func (s *Service) runMisfired(ctx context.Context, cfg *model.JobConfig, params map[int]string) error {
	for {
		items, err := s.sharding.ItemsOf(ctx, s.self.InstanceID)
		if err != nil {
			return errors.Trace(err)
		}
		misfired := make([]int, 0, len(items))
		for _, item := range items {
			exists, err := s.reg.Exists(ctx, s.keys.ItemMisfire(item))
			if err != nil {
				return errors.Trace(err)
			}
			if !exists {
				continue
			}
			running, err := s.reg.Exists(ctx, s.keys.ItemRunning(item))
			if err != nil {
				return errors.Trace(err)
			}
			if !running {
				misfired = append(misfired, item)
			}
		}
		if len(misfired) == 0 {
			return nil
		}
		for _, item := range misfired {
			if err := s.reg.Remove(ctx, s.keys.ItemMisfire(item)); err != nil {
				return errors.Trace(err)
			}
		}
		s.lg.Info("re-running misfired items", zap.Ints("items", misfired))
		s.executeItems(ctx, cfg, uuid.NewString(), params, misfired)
	}
}

func (s *Service) executeItems(ctx context.Context, cfg *model.JobConfig, taskID string, params map[int]string, items []int) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item int) {
			defer wg.Done()
			s.runItem(ctx, cfg, taskID, item, params[item])
		}(item)
	}
	wg.Wait()
}

// runItem executes one shard item if this instance still owns it and it is
// not already running.
func (s *Service) runItem(ctx context.Context, cfg *model.JobConfig, taskID string, item int, param string) {
	owner, err := s.reg.Get(ctx, s.keys.ItemInstance(item))
	if err != nil || owner != s.self.InstanceID {
		// stale ownership from an in-flight reshard, not an error
		staleOwnershipCounter.Inc()
		s.lg.Debug("item no longer owned, skipped", zap.Int("item", item))
		return
	}
	created, err := s.reg.CreateEphemeral(ctx, s.keys.ItemRunning(item), s.self.InstanceID)
	if err != nil {
		s.lg.Warn("cannot mark item running", zap.Int("item", item), zap.Error(err))
		return
	}
	if !created {
		s.misfire(ctx, cfg, item)
		return
	}
	defer func() {
		if err := s.reg.Remove(ctx, s.keys.ItemRunning(item)); err != nil {
			s.lg.Warn("cannot clear running marker", zap.Int("item", item), zap.Error(err))
		}
		completedAt := s.clock.Now().UTC().Format(time.RFC3339)
		if err := s.reg.Set(ctx, s.keys.ItemCompleted(item), completedAt); err != nil {
			s.lg.Warn("cannot record completion", zap.Int("item", item), zap.Error(err))
		}
	}()

	sctx := model.ShardingContext{
		JobName:            s.jobName,
		TaskID:             taskID,
		ShardingTotalCount: cfg.ShardingTotalCount,
		JobParameter:       cfg.JobParameter,
		ShardingItem:       item,
		ShardingParameter:  param,
	}
	if err := s.safeCall(ctx, sctx); err != nil {
		executionCounter.WithLabelValues("failure").Inc()
		s.handler.HandleException(s.jobName, err)
		return
	}
	executionCounter.WithLabelValues("success").Inc()
}

// misfire handles a trigger that fired while the item was still executing.
func (s *Service) misfire(ctx context.Context, cfg *model.JobConfig, item int) {
	if !cfg.Misfire {
		misfireCounter.WithLabelValues("dropped").Inc()
		s.lg.Debug("trigger dropped, item still running", zap.Int("item", item))
		return
	}
	if _, err := s.reg.CreateIfAbsent(ctx, s.keys.ItemMisfire(item), s.self.InstanceID); err != nil {
		s.lg.Warn("cannot queue misfired trigger", zap.Int("item", item), zap.Error(err))
		return
	}
	misfireCounter.WithLabelValues("queued").Inc()
	s.lg.Debug("trigger queued, item still running", zap.Int("item", item))
}

// safeCall invokes the business callback, turning a panic into an error so
// one item can never take down the scheduler.
func (s *Service) safeCall(ctx context.Context, sctx model.ShardingContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("job callback panicked: %v", r)
		}
	}()
	return s.callback(ctx, sctx)
}
