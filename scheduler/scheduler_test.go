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
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitTimeout  = 5 * time.Second
	waitInterval = 10 * time.Millisecond
)

// countingJob records every executed sharding context, keyed by item.
type countingJob struct {
	mu   sync.Mutex
	runs map[int]int
	last map[int]model.ShardingContext
}

func newCountingJob() *countingJob {
	return &countingJob{
		runs: make(map[int]int),
		last: make(map[int]model.ShardingContext),
	}
}

func (j *countingJob) Execute(_ context.Context, sctx model.ShardingContext) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[sctx.ShardingItem]++
	j.last[sctx.ShardingItem] = sctx
	return nil
}

func (j *countingJob) count(item int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs[item]
}

func (j *countingJob) total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	total := 0
	for _, n := range j.runs {
		total += n
	}
	return total
}

func testConfig(jobName string, totalCount int) model.JobConfig {
	return model.JobConfig{
		JobName:            jobName,
		ShardingTotalCount: totalCount,
	}
}

func startScheduler(
	t *testing.T, store *regcenter.MemoryStore, cfg model.JobConfig, job Job, ip string,
) (*JobScheduler, *regcenter.MemoryRegistry) {
	reg := store.NewRegistry()
	js, err := New(reg, cfg, job, WithServerIP(ip), WithClock(clock.NewMock()))
	require.NoError(t, err)
	require.NoError(t, js.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, js.Shutdown(context.Background()))
		require.NoError(t, reg.Close())
	})
	return js, reg
}

func waitAssignment(
	t *testing.T, js *JobScheduler, cond func(model.Assignment) bool,
) model.Assignment {
	var assignment model.Assignment
	require.Eventually(t, func() bool {
		var err error
		assignment, err = js.sharding.Assignment(context.Background())
		return err == nil && cond(assignment)
	}, waitTimeout, waitInterval)
	return assignment
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	reg := store.NewRegistry()
	defer func() { require.NoError(t, reg.Close()) }()

	_, err := New(reg, testConfig("", 3), newCountingJob())
	require.True(t, cerror.ErrConfigInvalid.Equal(err))

	_, err = New(reg, testConfig("bad-count", 0), newCountingJob())
	require.True(t, cerror.ErrConfigInvalid.Equal(err))

	cfg := testConfig("bad-cron", 3)
	cfg.Cron = "not a cron"
	_, err = New(reg, cfg, newCountingJob())
	require.True(t, cerror.ErrConfigInvalid.Equal(err))

	cfg = testConfig("bad-strategy", 3)
	cfg.ShardingStrategyType = "NO_SUCH_STRATEGY"
	_, err = New(reg, cfg, newCountingJob())
	require.True(t, cerror.ErrStrategyNotFound.Equal(err))

	cfg = testConfig("bad-handler", 3)
	cfg.ErrorHandlerType = "NO_SUCH_HANDLER"
	_, err = New(reg, cfg, newCountingJob())
	require.True(t, cerror.ErrHandlerNotFound.Equal(err))
}

func TestSingleInstanceLifecycle(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	job := newCountingJob()
	cfg := testConfig("lifecycle", 3)
	cfg.JobParameter = "scan"
	cfg.ShardingItemParameters = "0=a,1=b"
	js, _ := startScheduler(t, store, cfg, job, "10.0.0.1")

	self := js.InstanceID()
	waitAssignment(t, js, func(a model.Assignment) bool {
		return a.Complete(3) && len(a.ItemsOf(self)) == 3
	})

	require.NoError(t, js.TriggerNow(context.Background()))
	for item := 0; item < 3; item++ {
		require.Equal(t, 1, job.count(item))
	}
	job.mu.Lock()
	require.Equal(t, "scan", job.last[0].JobParameter)
	require.Equal(t, "a", job.last[0].ShardingParameter)
	require.Equal(t, "b", job.last[1].ShardingParameter)
	require.Equal(t, "", job.last[2].ShardingParameter)
	require.NotEmpty(t, job.last[0].TaskID)
	require.Equal(t, 3, job.last[0].ShardingTotalCount)
	job.mu.Unlock()

	require.NoError(t, js.Shutdown(context.Background()))
	// idempotent
	require.NoError(t, js.Shutdown(context.Background()))
	err := js.TriggerNow(context.Background())
	require.True(t, cerror.ErrSchedulerClosed.Equal(err))
}

func TestStartTwiceRejected(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	js, _ := startScheduler(t, store, testConfig("start-twice", 1), newCountingJob(), "10.0.0.1")
	err := js.Start(context.Background())
	require.True(t, cerror.ErrSchedulerStarted.Equal(err))
}

func TestTriggerNowBeforeStart(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	reg := store.NewRegistry()
	defer func() { require.NoError(t, reg.Close()) }()
	js, err := New(reg, testConfig("not-started", 1), newCountingJob())
	require.NoError(t, err)
	err = js.TriggerNow(context.Background())
	require.True(t, cerror.ErrSchedulerClosed.Equal(err))
}

func TestTwoInstancesShareItems(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	jobA, jobB := newCountingJob(), newCountingJob()
	cfg := testConfig("shared", 4)
	jsA, _ := startScheduler(t, store, cfg, jobA, "10.0.0.1")
	jsB, _ := startScheduler(t, store, cfg, jobB, "10.0.0.2")

	assignment := waitAssignment(t, jsA, func(a model.Assignment) bool {
		return a.Complete(4) &&
			len(a.ItemsOf(jsA.InstanceID())) == 2 &&
			len(a.ItemsOf(jsB.InstanceID())) == 2
	})
	// exactly one leader
	leader, err := jsA.elections.Leader(context.Background())
	require.NoError(t, err)
	require.Contains(t, []string{jsA.InstanceID(), jsB.InstanceID()}, leader)

	require.NoError(t, jsA.TriggerNow(context.Background()))
	require.NoError(t, jsB.TriggerNow(context.Background()))
	// each item ran exactly once, on its owner
	for item := 0; item < 4; item++ {
		owner := assignment[item]
		if owner == jsA.InstanceID() {
			require.Equal(t, 1, jobA.count(item), "item %d", item)
			require.Equal(t, 0, jobB.count(item), "item %d", item)
		} else {
			require.Equal(t, 0, jobA.count(item), "item %d", item)
			require.Equal(t, 1, jobB.count(item), "item %d", item)
		}
	}
}

func TestCrashFailoverMovesOrphanedItems(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	job := newCountingJob()
	cfg := testConfig("failover", 4)
	cfg.Failover = true
	js, _ := startScheduler(t, store, cfg, job, "10.0.0.1")

	// a peer instance joins through a separate client, then crashes
	peerReg := store.NewRegistry()
	keys := storage.NewKeys(cfg.JobName)
	peerID := "10.0.0.9@4242"
	created, err := peerReg.CreateEphemeral(context.Background(), keys.Instance(peerID), "")
	require.NoError(t, err)
	require.True(t, created)

	waitAssignment(t, js, func(a model.Assignment) bool {
		return a.Complete(4) && len(a.ItemsOf(peerID)) == 2
	})

	peerReg.ExpireSession()
	waitAssignment(t, js, func(a model.Assignment) bool {
		return a.Complete(4) && len(a.ItemsOf(js.InstanceID())) == 4
	})
	require.NoError(t, peerReg.Close())
}

func TestSessionLossReestablishes(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	job := newCountingJob()
	js, reg := startScheduler(t, store, testConfig("session-loss", 2), job, "10.0.0.1")
	waitAssignment(t, js, func(a model.Assignment) bool { return a.Complete(2) })

	// the expiry removes the ephemeral instance entry synchronously, the
	// session keeper must bring it back
	reg.ExpireSession()
	require.Eventually(t, func() bool {
		live, err := js.instances.IsLive(context.Background(), js.InstanceID())
		return err == nil && live && !js.suspended.Load()
	}, waitTimeout, waitInterval)
	waitAssignment(t, js, func(a model.Assignment) bool {
		return a.Complete(2) && len(a.ItemsOf(js.InstanceID())) == 2
	})
	require.NoError(t, js.TriggerNow(context.Background()))
	require.Equal(t, 2, job.total())
}

func TestManualTriggerNode(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	job := newCountingJob()
	js, _ := startScheduler(t, store, testConfig("manual", 2), job, "10.0.0.1")
	waitAssignment(t, js, func(a model.Assignment) bool { return a.Complete(2) })

	opsReg := store.NewRegistry()
	defer func() { require.NoError(t, opsReg.Close()) }()
	keys := storage.NewKeys("manual")
	require.NoError(t, opsReg.Set(context.Background(), keys.Trigger(js.InstanceID()), ""))

	require.Eventually(t, func() bool {
		return job.total() == 2
	}, waitTimeout, waitInterval)
	// the request node is consumed so the next one fires a fresh event
	exists, err := opsReg.Exists(context.Background(), keys.Trigger(js.InstanceID()))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestConfigChangeReshards(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	job := newCountingJob()
	js, _ := startScheduler(t, store, testConfig("resize", 2), job, "10.0.0.1")
	waitAssignment(t, js, func(a model.Assignment) bool { return a.Complete(2) })

	opsReg := store.NewRegistry()
	defer func() { require.NoError(t, opsReg.Close()) }()
	newCfg := testConfig("resize", 5)
	value, err := newCfg.Marshal()
	require.NoError(t, err)
	keys := storage.NewKeys("resize")
	require.NoError(t, opsReg.Set(context.Background(), keys.Config(), value))

	waitAssignment(t, js, func(a model.Assignment) bool {
		return len(a) == 5 && a.Complete(5)
	})
	require.NoError(t, js.TriggerNow(context.Background()))
	require.Eventually(t, func() bool { return job.total() == 5 }, waitTimeout, waitInterval)
}

func TestShrinkRemovesSurplusItems(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	js, _ := startScheduler(t, store, testConfig("shrink", 4), newCountingJob(), "10.0.0.1")
	waitAssignment(t, js, func(a model.Assignment) bool { return a.Complete(4) })

	opsReg := store.NewRegistry()
	defer func() { require.NoError(t, opsReg.Close()) }()
	newCfg := testConfig("shrink", 2)
	value, err := newCfg.Marshal()
	require.NoError(t, err)
	keys := storage.NewKeys("shrink")
	require.NoError(t, opsReg.Set(context.Background(), keys.Config(), value))

	waitAssignment(t, js, func(a model.Assignment) bool {
		return len(a) == 2 && a.Complete(2)
	})
	// the surplus item subtrees are gone, not just unassigned
	exists, err := opsReg.Exists(context.Background(), keys.ItemInstance(3))
	require.NoError(t, err)
	require.False(t, exists)
}
