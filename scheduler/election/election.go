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

// Package election elects exactly one leader among the live instances of a
// job. The leader record is a single ephemeral key, the registry's atomic
// create-if-absent is the only tie break, there is no ordering among
// followers. Losing the key, by crash or resignation, starts the next
// round.
package election

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
	"github.com/pingcap/tijob/pkg/notify"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/pkg/retry"
	"github.com/pingcap/tijob/scheduler/storage"
)

const (
	electBackoffBaseInMs = 100
	electBackoffMaxInMs  = 3000
	electMaxTries        = 10
	// resolvedRecheckInterval re-checks the leader record even when no
	// notification arrives, a safety net for a watch event lost between
	// startup steps.
	resolvedRecheckInterval = 100 * time.Millisecond
)

// Service runs leader election for one instance of one job.
type Service struct {
	reg      regcenter.Registry
	keys     storage.Keys
	self     string
	lg       *zap.Logger
	resolved notify.Notifier
}

// New creates the election service for the local instance.
func New(reg regcenter.Registry, keys storage.Keys, jobName, instanceID string) *Service {
	return &Service{
		reg:  reg,
		keys: keys,
		self: instanceID,
		lg:   logutil.WithJobInstance(jobName, instanceID),
	}
}

// Elect runs one election round: an atomic create-if-absent of the leader
// record with the local instance id. Exactly one concurrent caller wins,
// the rest observe the winner and become followers. Transient registry
// failures are retried with backoff and never read as "no leader".
func (s *Service) Elect(ctx context.Context) error {
	err := retry.Do(ctx, func() error {
		created, err := s.reg.CreateEphemeral(ctx, s.keys.LeaderElection(), s.self)
		if err != nil {
			return errors.Trace(err)
		}
		if created {
			electionsWonCounter.Inc()
			s.lg.Info("elected as the leader")
		} else {
			s.lg.Debug("leader already elected, following")
		}
		return nil
	}, retry.WithBackoffBaseDelay(electBackoffBaseInMs),
		retry.WithBackoffMaxDelay(electBackoffMaxInMs),
		retry.WithMaxTries(electMaxTries),
		retry.WithIsRetryableErr(cerror.IsRetryableError))
	if err != nil {
		return errors.Trace(err)
	}
	s.resolved.Notify()
	return nil
}

// Leader returns the current leader's instance id, ErrRegKeyNotExist while
// an election is in progress.
func (s *Service) Leader(ctx context.Context) (string, error) {
	leader, err := s.reg.Get(ctx, s.keys.LeaderElection())
	return leader, errors.Trace(err)
}

// IsLeader is a point-in-time check whether the local instance holds the
// leader record. No leader record is simply false, not an error.
func (s *Service) IsLeader(ctx context.Context) (bool, error) {
	leader, err := s.Leader(ctx)
	if err != nil {
		if cerror.ErrRegKeyNotExist.Equal(err) {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return leader == s.self, nil
}

// WaitLeadershipResolved blocks until a leader record exists, ours or a
// peer's, bounded by timeout. Startup-only synchronization, the wait is
// notification driven, not a busy poll.
func (s *Service) WaitLeadershipResolved(ctx context.Context, timeout time.Duration) error {
	receiver, err := s.resolved.NewReceiver(resolvedRecheckInterval)
	if err != nil {
		return errors.Trace(err)
	}
	defer receiver.Stop()
	deadline := time.After(timeout)
	for {
		exists, err := s.reg.Exists(ctx, s.keys.LeaderElection())
		if err != nil {
			s.lg.Warn("leader record check failed", zap.Error(err))
		} else if exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-deadline:
			return cerror.ErrLeadershipUnresolved.GenWithStackByArgs(timeout)
		case <-receiver.C:
		}
	}
}

// NotifyResolved wakes up leadership waiters, called by the dispatcher when
// the leader record appears.
func (s *Service) NotifyResolved() {
	s.resolved.Notify()
}

// Resign removes the leader record if it is ours, so shutdown hands
// leadership over right away instead of after the session TTL.
func (s *Service) Resign(ctx context.Context) error {
	leader, err := s.Leader(ctx)
	if err != nil {
		if cerror.ErrRegKeyNotExist.Equal(err) {
			return nil
		}
		return errors.Trace(err)
	}
	if leader != s.self {
		return nil
	}
	if err := s.reg.Remove(ctx, s.keys.LeaderElection()); err != nil {
		return errors.Trace(err)
	}
	s.lg.Info("resigned leadership")
	return nil
}

// Close releases the waiter hub.
func (s *Service) Close() {
	s.resolved.Close()
}
