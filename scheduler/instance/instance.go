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

// Package instance registers the local process as a live participant of a
// job. The entry is ephemeral, crash detection is the registry removing it
// with the lost session, no heartbeat protocol exists on top.
package instance

import (
	"context"
	"sort"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/storage"
)

// Service manages the ephemeral instance entry of the local process and
// reads the live set.
type Service struct {
	reg  regcenter.Registry
	keys storage.Keys
	self model.JobInstance
	lg   *zap.Logger
}

// New creates the instance service for the local identity.
func New(reg regcenter.Registry, keys storage.Keys, jobName string, self model.JobInstance) *Service {
	return &Service{
		reg:  reg,
		keys: keys,
		self: self,
		lg:   logutil.WithJobInstance(jobName, self.InstanceID),
	}
}

// Self returns the local identity.
func (s *Service) Self() model.JobInstance {
	return s.self
}

// Register creates the ephemeral instance entry. A live entry under the same
// id that is not ours means the identity generation is broken, which is
// fatal at startup.
func (s *Service) Register(ctx context.Context) error {
	value, err := s.self.Marshal()
	if err != nil {
		return errors.Trace(err)
	}
	created, err := s.reg.CreateEphemeral(ctx, s.keys.Instance(s.self.InstanceID), value)
	if err != nil {
		return errors.Trace(err)
	}
	if !created {
		return cerror.ErrInstanceConflict.GenWithStackByArgs(s.self.InstanceID)
	}
	s.lg.Info("job instance registered")
	return nil
}

// Unregister deliberately removes the instance entry on graceful shutdown,
// instead of letting it linger until the session TTL runs out.
func (s *Service) Unregister(ctx context.Context) error {
	if err := s.reg.Remove(ctx, s.keys.Instance(s.self.InstanceID)); err != nil {
		return errors.Trace(err)
	}
	s.lg.Info("job instance unregistered")
	return nil
}

// ListLive returns the currently live instances, sorted by instance id.
func (s *Service) ListLive(ctx context.Context) ([]model.JobInstance, error) {
	kvs, err := s.reg.List(ctx, s.keys.InstancesRoot())
	if err != nil {
		return nil, errors.Trace(err)
	}
	instances := make([]model.JobInstance, 0, len(kvs))
	for key, value := range kvs {
		id, ok := s.keys.InstanceID(key)
		if !ok {
			continue
		}
		var inst model.JobInstance
		if err := inst.Unmarshal([]byte(value)); err != nil {
			// an entry written by a newer or older peer, the id still names it
			s.lg.Warn("malformed instance entry", zap.String("key", key), zap.Error(err))
			inst = model.ParseJobInstance(id)
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].InstanceID < instances[j].InstanceID
	})
	return instances, nil
}

// IsLive reports whether the instance currently has a live entry.
func (s *Service) IsLive(ctx context.Context, instanceID string) (bool, error) {
	ok, err := s.reg.Exists(ctx, s.keys.Instance(instanceID))
	return ok, errors.Trace(err)
}
