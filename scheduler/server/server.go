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

// Package server tracks the operator controlled enable and disable status of
// physical servers. The status is durable and independent of any process
// lifetime, disabling a server is a scheduling decision, not a liveness
// signal.
package server

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/storage"
)

// Service reads and writes the per-server status entries of one job.
type Service struct {
	reg  regcenter.Registry
	keys storage.Keys
	ip   string
	lg   *zap.Logger
}

// New creates the server service for the local server ip.
func New(reg regcenter.Registry, keys storage.Keys, jobName, serverIP string) *Service {
	return &Service{
		reg:  reg,
		keys: keys,
		ip:   serverIP,
		lg:   logutil.WithJob(jobName),
	}
}

// PersistOnline creates the local server entry as ENABLED if it does not
// exist yet. A restart never clobbers a status an operator set.
func (s *Service) PersistOnline(ctx context.Context) error {
	created, err := s.reg.CreateIfAbsent(ctx, s.keys.Server(s.ip), string(model.ServerEnabled))
	if err != nil {
		return errors.Trace(err)
	}
	if created {
		s.lg.Info("server registered", zap.String("ip", s.ip))
	}
	return nil
}

// SetStatus durably writes the status of a server, the operator entry point.
// Idempotent, a repeated write of the same status is harmless.
func (s *Service) SetStatus(ctx context.Context, ip string, status model.ServerStatus) error {
	if !status.IsValid() {
		return cerror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("unknown server status %q", status))
	}
	if err := s.reg.Set(ctx, s.keys.Server(ip), string(status)); err != nil {
		return errors.Trace(err)
	}
	s.lg.Info("server status set",
		zap.String("ip", ip), zap.String("status", string(status)))
	return nil
}

// IsEnabled reports whether instances on the server may own shard items. A
// server without an entry counts as enabled, only an explicit DISABLED
// excludes it.
func (s *Service) IsEnabled(ctx context.Context, ip string) (bool, error) {
	value, err := s.reg.Get(ctx, s.keys.Server(ip))
	if err != nil {
		if cerror.ErrRegKeyNotExist.Equal(err) {
			return true, nil
		}
		return false, errors.Trace(err)
	}
	return model.ServerStatus(value).IsEnabled(), nil
}

// Statuses returns the status of every known server, keyed by ip.
func (s *Service) Statuses(ctx context.Context) (map[string]model.ServerStatus, error) {
	kvs, err := s.reg.List(ctx, s.keys.ServersRoot())
	if err != nil {
		return nil, errors.Trace(err)
	}
	statuses := make(map[string]model.ServerStatus, len(kvs))
	for key, value := range kvs {
		ip, ok := s.keys.ServerIP(key)
		if !ok {
			continue
		}
		statuses[ip] = model.ServerStatus(value)
	}
	return statuses, nil
}
