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

// Package config persists the job configuration snapshot and caches the
// version every other service schedules from.
package config

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/storage"
)

// Service keeps the registry snapshot and the in-process cache of the job
// configuration in step. The cache is replaced wholesale, readers treat the
// returned snapshot as immutable.
type Service struct {
	reg  regcenter.Registry
	keys storage.Keys
	lg   *zap.Logger

	mu      sync.RWMutex
	current *model.JobConfig
}

// New creates the configuration service of one job.
func New(reg regcenter.Registry, keys storage.Keys, jobName string) *Service {
	return &Service{
		reg:  reg,
		keys: keys,
		lg:   logutil.WithJob(jobName),
	}
}

// Setup reconciles the local configuration with the registry snapshot at
// startup and returns the effective one. With Overwrite the local
// configuration replaces the snapshot, otherwise an existing snapshot wins
// and is loaded back. The local configuration must already be validated.
func (s *Service) Setup(ctx context.Context, local *model.JobConfig) (*model.JobConfig, error) {
	if !local.Overwrite {
		remote, err := s.Load(ctx)
		if err == nil {
			s.lg.Info("using existing job configuration snapshot")
			s.swap(remote)
			return remote, nil
		}
		if !cerror.ErrRegKeyNotExist.Equal(err) {
			return nil, errors.Trace(err)
		}
	}
	value, err := local.Marshal()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.reg.Set(ctx, s.keys.Config(), value); err != nil {
		return nil, errors.Trace(err)
	}
	s.lg.Info("job configuration snapshot persisted",
		zap.Int("shardingTotalCount", local.ShardingTotalCount),
		zap.String("cron", local.Cron))
	s.swap(local)
	return local, nil
}

// Load reads and validates the registry snapshot without touching the cache.
func (s *Service) Load(ctx context.Context) (*model.JobConfig, error) {
	value, err := s.reg.Get(ctx, s.keys.Config())
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := new(model.JobConfig)
	if err := cfg.Unmarshal([]byte(value)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Apply replaces the cache with a snapshot observed on the watch stream and
// returns the previous and the new one, so the dispatcher can react to what
// actually changed. An invalid snapshot is rejected and the cache kept.
func (s *Service) Apply(value string) (old, cur *model.JobConfig, err error) {
	cfg := new(model.JobConfig)
	if err := cfg.Unmarshal([]byte(value)); err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	s.mu.Lock()
	old = s.current
	s.current = cfg
	s.mu.Unlock()
	return old, cfg, nil
}

// Current returns the cached snapshot. Callers must not mutate it.
func (s *Service) Current() *model.JobConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Service) swap(cfg *model.JobConfig) {
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
}
