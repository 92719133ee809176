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

// Package sharding computes and persists the shard item assignment. Only
// the leader runs a pass, every instance may latch one. A pass is written
// as a single registry transaction, followers never observe a half updated
// assignment.
package sharding

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/notify"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/election"
	"github.com/pingcap/tijob/scheduler/instance"
	"github.com/pingcap/tijob/scheduler/server"
	"github.com/pingcap/tijob/scheduler/storage"
)

// Cause is one reason a resharding pass is needed. The latch holds the
// comma-joined set of pending causes.
type Cause string

// resharding causes
const (
	CauseJobStart      Cause = "job-start"
	CauseInstanceJoin  Cause = "instance-join"
	CauseInstanceLeave Cause = "instance-leave"
	CauseServerStatus  Cause = "server-status"
	CauseConfigChange  Cause = "config-change"
	CauseFailover      Cause = "failover"
	// CauseReconcile is latched by the periodic divergence scan when it
	// finds an incomplete assignment no event accounted for.
	CauseReconcile Cause = "reconcile"
)

// completedRecheckInterval re-checks the processing marker even when no
// notification arrives.
const completedRecheckInterval = 100 * time.Millisecond

// Service owns the resharding pass of one instance.
type Service struct {
	reg       regcenter.Registry
	keys      storage.Keys
	self      string
	lg        *zap.Logger
	elections *election.Service
	instances *instance.Service
	servers   *server.Service
	config    func() *model.JobConfig
	strategy  Strategy
	completed notify.Notifier
}

// New creates the sharding service. The config callback returns the current
// snapshot, strategy must cover every item.
func New(
	reg regcenter.Registry,
	keys storage.Keys,
	jobName string,
	self model.JobInstance,
	elections *election.Service,
	instances *instance.Service,
	servers *server.Service,
	config func() *model.JobConfig,
	strategy Strategy,
) *Service {
	return &Service{
		reg:       reg,
		keys:      keys,
		self:      self.InstanceID,
		lg:        logutil.WithJobInstance(jobName, self.InstanceID),
		elections: elections,
		instances: instances,
		servers:   servers,
		config:    config,
		strategy:  strategy,
	}
}

// SetReshardFlag latches a cause for the next pass. The latch lives in the
// registry so it survives leader failover, duplicate causes are merged.
// Concurrent latching from several instances can lose one merge, the causes
// are only diagnostics, the latch itself stays set either way.
func (s *Service) SetReshardFlag(ctx context.Context, cause Cause) error {
	current, err := s.reg.Get(ctx, s.keys.ReshardNecessary())
	if err != nil {
		if !cerror.ErrRegKeyNotExist.Equal(err) {
			return errors.Trace(err)
		}
		created, err := s.reg.CreateIfAbsent(ctx, s.keys.ReshardNecessary(), string(cause))
		if err != nil {
			return errors.Trace(err)
		}
		if created {
			s.lg.Info("resharding latched", zap.String("cause", string(cause)))
			return nil
		}
		current, err = s.reg.Get(ctx, s.keys.ReshardNecessary())
		if err != nil {
			return errors.Trace(err)
		}
	}
	for _, existing := range parseCauses(current) {
		if existing == cause {
			return nil
		}
	}
	merged := current + "," + string(cause)
	if err := s.reg.Set(ctx, s.keys.ReshardNecessary(), merged); err != nil {
		return errors.Trace(err)
	}
	s.lg.Info("resharding latched", zap.String("causes", merged))
	return nil
}

// NeedReshard reports whether the latch is set.
func (s *Service) NeedReshard(ctx context.Context) (bool, error) {
	ok, err := s.reg.Exists(ctx, s.keys.ReshardNecessary())
	return ok, errors.Trace(err)
}

// Reshard runs one pass if this instance is the leader and the latch is
// set, otherwise it is a no-op. The pass is deferred, with the latch kept,
// while any item is still executing or no instance is eligible; the caller
// re-runs it on the next event or reconcile tick. On success one
// transaction publishes the new assignment and clears the latch, the
// failover markers and the processing marker, so the pass is never
// partially applied.
func (s *Service) Reshard(ctx context.Context) error {
	isLeader, err := s.elections.IsLeader(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return nil
	}
	latched, err := s.reg.Get(ctx, s.keys.ReshardNecessary())
	if err != nil {
		if cerror.ErrRegKeyNotExist.Equal(err) {
			return nil
		}
		return errors.Trace(err)
	}
	causes := parseCauses(latched)

	running, err := s.runningItems(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if len(running) > 0 {
		s.lg.Info("resharding deferred, items still running",
			zap.Ints("items", running))
		return nil
	}
	eligible, err := s.EligibleInstances(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if len(eligible) == 0 {
		s.lg.Warn("resharding deferred, no eligible instance")
		return nil
	}

	cfg := s.config()
	current, err := s.Assignment(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	pending, err := s.failoverItems(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	created, err := s.reg.CreateEphemeral(ctx, s.keys.ReshardProcessing(), s.self)
	if err != nil {
		return errors.Trace(err)
	}
	if !created {
		// a marker of a crashed leader vanishes with its session, a live one
		// means a pass is already underway
		s.lg.Warn("resharding already in progress")
		return nil
	}

	start := time.Now()
	next := s.computeAssignment(cfg, causes, current, pending, eligible)
	ops := assignmentOps(s.keys, cfg.ShardingTotalCount, current, next)
	ops = append(ops,
		regcenter.DeleteSubtreeOp(s.keys.FailoverRoot()),
		regcenter.DeleteOp(s.keys.ReshardNecessary()),
		regcenter.DeleteOp(s.keys.ReshardProcessing()),
	)
	if err := s.reg.Txn(ctx, ops); err != nil {
		// the latch is still set, the caller retries; without the marker
		// followers are not left waiting on a failed pass
		if rmErr := s.reg.Remove(ctx, s.keys.ReshardProcessing()); rmErr != nil {
			s.lg.Warn("failed to drop processing marker", zap.Error(rmErr))
		}
		return errors.Trace(err)
	}
	reshardCounter.Inc()
	reshardDuration.Observe(time.Since(start).Seconds())
	s.lg.Info("resharding completed",
		zap.Strings("causes", causeStrings(causes)),
		zap.Strings("eligible", eligible),
		zap.Int("items", cfg.ShardingTotalCount))
	s.completed.Notify()
	return nil
}

// computeAssignment builds the next assignment. Failover markers are
// consumed first and patch only the orphaned items onto the least loaded
// eligible instances, minimizing churn for items whose owner never crashed.
// Any structural cause then forces a full recompute by the strategy.
func (s *Service) computeAssignment(
	cfg *model.JobConfig, causes []Cause,
	current model.Assignment, pending map[int]string, eligible []string,
) model.Assignment {
	if hasStructuralCause(causes) {
		return s.strategy.Assign(cfg.ShardingTotalCount, eligible)
	}
	next := current.Clone()
	eligibleSet := make(map[string]struct{}, len(eligible))
	for _, id := range eligible {
		eligibleSet[id] = struct{}{}
	}
	items := make([]int, 0, len(pending))
	for item := range pending {
		if item < cfg.ShardingTotalCount {
			items = append(items, item)
		}
	}
	sort.Ints(items)
	for _, item := range items {
		next[item] = leastLoaded(next, eligible, eligibleSet)
		failoverItemCounter.Inc()
	}
	return next
}

// leastLoaded picks the eligible instance owning the fewest items, ties
// broken by the sorted order of eligible.
func leastLoaded(assignment model.Assignment, eligible []string, eligibleSet map[string]struct{}) string {
	load := make(map[string]int, len(eligible))
	for _, owner := range assignment {
		if _, ok := eligibleSet[owner]; ok {
			load[owner]++
		}
	}
	best := eligible[0]
	for _, id := range eligible[1:] {
		if load[id] < load[best] {
			best = id
		}
	}
	return best
}

// assignmentOps turns the delta between the current and the next assignment
// into transaction ops. Subtrees of items beyond the configured count, left
// over from a shrink, are dropped wholesale.
func assignmentOps(keys storage.Keys, totalCount int, current, next model.Assignment) []regcenter.Op {
	ops := make([]regcenter.Op, 0, totalCount+3)
	for item := 0; item < totalCount; item++ {
		owner, ok := next[item]
		if !ok {
			continue
		}
		if current[item] != owner {
			ops = append(ops, regcenter.PutOp(keys.ItemInstance(item), owner))
		}
	}
	for item := range current {
		if item >= totalCount {
			ops = append(ops, regcenter.DeleteSubtreeOp(keys.Item(item)))
		}
	}
	return ops
}

// EligibleInstances returns the live instances whose server is enabled,
// sorted by instance id. The sort makes every deterministic strategy agree
// across processes.
func (s *Service) EligibleInstances(ctx context.Context) ([]string, error) {
	live, err := s.instances.ListLive(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	statuses, err := s.servers.Statuses(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	eligible := make([]string, 0, len(live))
	for _, inst := range live {
		if status, ok := statuses[inst.ServerIP]; ok && !status.IsEnabled() {
			continue
		}
		eligible = append(eligible, inst.InstanceID)
	}
	sort.Strings(eligible)
	return eligible, nil
}

// Assignment reads the current item to instance mapping.
func (s *Service) Assignment(ctx context.Context) (model.Assignment, error) {
	kvs, err := s.reg.List(ctx, s.keys.ShardingRoot())
	if err != nil {
		return nil, errors.Trace(err)
	}
	assignment := make(model.Assignment)
	for key, value := range kvs {
		item, node, ok := s.keys.ShardingItemNode(key)
		if ok && node == storage.ItemNodeInstance {
			assignment[item] = value
		}
	}
	return assignment, nil
}

// ItemsOf returns the items currently assigned to the instance.
func (s *Service) ItemsOf(ctx context.Context, instanceID string) ([]int, error) {
	assignment, err := s.Assignment(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return assignment.ItemsOf(instanceID), nil
}

// WaitShardingCompleted blocks while a pass is being written, bounded by
// timeout. Executions call it before reading their items so they never act
// on an assignment the leader is in the middle of replacing. On timeout the
// caller proceeds with the old assignment, the per-item ownership re-check
// keeps that safe.
func (s *Service) WaitShardingCompleted(ctx context.Context, timeout time.Duration) error {
	receiver, err := s.completed.NewReceiver(completedRecheckInterval)
	if err != nil {
		return errors.Trace(err)
	}
	defer receiver.Stop()
	deadline := time.After(timeout)
	for {
		processing, err := s.reg.Exists(ctx, s.keys.ReshardProcessing())
		if err != nil {
			return errors.Trace(err)
		}
		if !processing {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-deadline:
			return cerror.ErrShardingInProgress.GenWithStackByArgs()
		case <-receiver.C:
		}
	}
}

// NotifyCompleted wakes up sharding waiters, called by the dispatcher when
// the processing marker disappears.
func (s *Service) NotifyCompleted() {
	s.completed.Notify()
}

// Close releases the waiter hub.
func (s *Service) Close() {
	s.completed.Close()
}

func (s *Service) runningItems(ctx context.Context) ([]int, error) {
	kvs, err := s.reg.List(ctx, s.keys.ShardingRoot())
	if err != nil {
		return nil, errors.Trace(err)
	}
	items := make([]int, 0, 1)
	for key := range kvs {
		item, node, ok := s.keys.ShardingItemNode(key)
		if ok && node == storage.ItemNodeRunning {
			items = append(items, item)
		}
	}
	sort.Ints(items)
	return items, nil
}

func (s *Service) failoverItems(ctx context.Context) (map[int]string, error) {
	kvs, err := s.reg.List(ctx, s.keys.FailoverRoot())
	if err != nil {
		return nil, errors.Trace(err)
	}
	items := make(map[int]string, len(kvs))
	for key, crashed := range kvs {
		if item, ok := s.keys.FailoverItemIndex(key); ok {
			items[item] = crashed
		}
	}
	return items, nil
}

func parseCauses(value string) []Cause {
	parts := strings.Split(value, ",")
	causes := make([]Cause, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			causes = append(causes, Cause(part))
		}
	}
	return causes
}

func causeStrings(causes []Cause) []string {
	out := make([]string, len(causes))
	for i, c := range causes {
		out[i] = string(c)
	}
	return out
}

func hasStructuralCause(causes []Cause) bool {
	for _, c := range causes {
		if c != CauseFailover {
			return true
		}
	}
	return false
}
