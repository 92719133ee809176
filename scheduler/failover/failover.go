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

// Package failover reassigns shard items orphaned by crashed instances. The
// crash signal is the registry deleting an instance entry with its lost
// session; the leader marks the orphaned items and the next resharding pass
// moves them, with priority over and separate from routine rebalancing.
package failover

import (
	"context"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/election"
	"github.com/pingcap/tijob/scheduler/instance"
	"github.com/pingcap/tijob/scheduler/sharding"
	"github.com/pingcap/tijob/scheduler/storage"
)

// Service detects and marks orphaned shard items on the leader.
type Service struct {
	reg       regcenter.Registry
	keys      storage.Keys
	lg        *zap.Logger
	elections *election.Service
	instances *instance.Service
	sharding  *sharding.Service
	config    func() *model.JobConfig
}

// New creates the failover service.
func New(
	reg regcenter.Registry,
	keys storage.Keys,
	jobName string,
	elections *election.Service,
	instances *instance.Service,
	shardingSvc *sharding.Service,
	config func() *model.JobConfig,
) *Service {
	return &Service{
		reg:       reg,
		keys:      keys,
		lg:        logutil.WithJob(jobName),
		elections: elections,
		instances: instances,
		sharding:  shardingSvc,
		config:    config,
	}
}

// OnInstanceGone handles the disappearance of an instance entry. Only the
// leader acts; with failover enabled the items the instance owned get one
// marker each and the failover cause is latched, otherwise a plain
// instance-leave is latched and the next pass recomputes everything. The
// membership change is latched even when the instance owned nothing.
func (s *Service) OnInstanceGone(ctx context.Context, instanceID string) error {
	isLeader, err := s.elections.IsLeader(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return nil
	}
	assignment, err := s.sharding.Assignment(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	items := assignment.ItemsOf(instanceID)
	if !s.config().Failover || len(items) == 0 {
		return errors.Trace(s.sharding.SetReshardFlag(ctx, sharding.CauseInstanceLeave))
	}
	ops := make([]regcenter.Op, 0, len(items))
	for _, item := range items {
		ops = append(ops, regcenter.PutOp(s.keys.FailoverItem(item), instanceID))
	}
	if err := s.reg.Txn(ctx, ops); err != nil {
		return errors.Trace(err)
	}
	s.lg.Info("items marked for failover",
		zap.String("crashedInstance", instanceID), zap.Ints("items", items))
	return errors.Trace(s.sharding.SetReshardFlag(ctx, sharding.CauseFailover))
}

// PendingItems returns the current failover markers, item to crashed owner.
func (s *Service) PendingItems(ctx context.Context) (map[int]string, error) {
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

// DetectOrphans scans the assignment for owners that are no longer live and
// marks their items, the periodic backstop for delete events lost across a
// leader change. Leader-only like OnInstanceGone.
func (s *Service) DetectOrphans(ctx context.Context) error {
	isLeader, err := s.elections.IsLeader(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return nil
	}
	assignment, err := s.sharding.Assignment(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	live, err := s.instances.ListLive(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, inst := range live {
		liveSet[inst.InstanceID] = struct{}{}
	}
	for owner := range assignment.Owners() {
		if _, ok := liveSet[owner]; ok {
			continue
		}
		s.lg.Warn("assignment owner is not live", zap.String("instance", owner))
		if err := s.OnInstanceGone(ctx, owner); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
