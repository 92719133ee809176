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

package sharding

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/election"
	"github.com/pingcap/tijob/scheduler/instance"
	"github.com/pingcap/tijob/scheduler/server"
	"github.com/pingcap/tijob/scheduler/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNode struct {
	reg       *regcenter.MemoryRegistry
	self      model.JobInstance
	instances *instance.Service
	elections *election.Service
	servers   *server.Service
	sharding  *Service
}

func newTestNode(t *testing.T, store *regcenter.MemoryStore, ip string, pid int, cfg *model.JobConfig) *testNode {
	t.Helper()
	reg := store.NewRegistry()
	keys := storage.NewKeys(cfg.JobName)
	self := model.NewJobInstance(ip, pid)
	instances := instance.New(reg, keys, cfg.JobName, self)
	elections := election.New(reg, keys, cfg.JobName, self.InstanceID)
	servers := server.New(reg, keys, cfg.JobName, ip)
	strategy, err := GetStrategy(cfg.ShardingStrategyType)
	require.NoError(t, err)
	shardingSvc := New(reg, keys, cfg.JobName, self, elections, instances, servers,
		func() *model.JobConfig { return cfg }, strategy)
	node := &testNode{
		reg:       reg,
		self:      self,
		instances: instances,
		elections: elections,
		servers:   servers,
		sharding:  shardingSvc,
	}
	t.Cleanup(func() {
		shardingSvc.Close()
		elections.Close()
		_ = reg.Close()
	})
	ctx := context.Background()
	require.NoError(t, servers.PersistOnline(ctx))
	require.NoError(t, instances.Register(ctx))
	return node
}

func testConfig(total int) *model.JobConfig {
	return &model.JobConfig{JobName: "foo", ShardingTotalCount: total}
}

func TestReshardRoundRobin(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(3)

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	b := newTestNode(t, store, "10.0.0.2", 1, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, b.elections.Elect(ctx))

	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))

	// followers never write an assignment
	require.NoError(t, b.sharding.Reshard(ctx))
	assignment, err := b.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Empty(t, assignment)

	require.NoError(t, a.sharding.Reshard(ctx))
	assignment, err = b.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Assignment{
		0: "10.0.0.1@1", 1: "10.0.0.2@1", 2: "10.0.0.1@1",
	}, assignment)

	// latch is cleared, both instances own at least one item
	need, err := a.sharding.NeedReshard(ctx)
	require.NoError(t, err)
	require.False(t, need)
	items, err := b.sharding.ItemsOf(ctx, "10.0.0.2@1")
	require.NoError(t, err)
	require.Equal(t, []int{1}, items)
}

func TestReshardSingleInstance(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := &model.JobConfig{JobName: "foo", ShardingTotalCount: 1}

	a := newTestNode(t, store, "10.0.0.1", 7, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	require.NoError(t, a.sharding.Reshard(ctx))

	assignment, err := a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Assignment{0: "10.0.0.1@7"}, assignment)
}

func TestReshardNoEligibleKeepsLatch(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(2)

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, a.servers.SetStatus(ctx, "10.0.0.1", model.ServerDisabled))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))

	require.NoError(t, a.sharding.Reshard(ctx))
	assignment, err := a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Empty(t, assignment)
	need, err := a.sharding.NeedReshard(ctx)
	require.NoError(t, err)
	require.True(t, need)

	// the pass succeeds once an instance becomes eligible again
	require.NoError(t, a.servers.SetStatus(ctx, "10.0.0.1", model.ServerEnabled))
	require.NoError(t, a.sharding.Reshard(ctx))
	assignment, err = a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.True(t, assignment.Complete(2))
}

func TestDisabledServerExcludedFromAssignment(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(4)

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	newTestNode(t, store, "10.0.0.2", 1, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	require.NoError(t, a.sharding.Reshard(ctx))
	assignment, err := a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Len(t, assignment.Owners(), 2)

	// disabling keeps the instance entry but takes its items away
	require.NoError(t, a.servers.SetStatus(ctx, "10.0.0.2", model.ServerDisabled))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseServerStatus))
	require.NoError(t, a.sharding.Reshard(ctx))

	assignment, err = a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.True(t, assignment.Complete(4))
	require.Equal(t, map[string]struct{}{"10.0.0.1@1": {}}, assignment.Owners())
	live, err := a.instances.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
}

func TestFailoverPatchesOnlyOrphanedItems(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(3)
	keys := storage.NewKeys("foo")

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	b := newTestNode(t, store, "10.0.0.2", 1, cfg)
	c := newTestNode(t, store, "10.0.0.3", 1, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	require.NoError(t, a.sharding.Reshard(ctx))
	assignment, err := a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Assignment{
		0: "10.0.0.1@1", 1: "10.0.0.2@1", 2: "10.0.0.3@1",
	}, assignment)

	// c crashes while owning item 2
	c.reg.ExpireSession()
	require.NoError(t, a.reg.Set(ctx, keys.FailoverItem(2), c.self.InstanceID))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseFailover))
	require.NoError(t, a.sharding.Reshard(ctx))

	assignment, err = b.sharding.Assignment(ctx)
	require.NoError(t, err)
	// items 0 and 1 keep their owners, only the orphan moved
	require.Equal(t, "10.0.0.1@1", assignment[0])
	require.Equal(t, "10.0.0.2@1", assignment[1])
	require.Equal(t, "10.0.0.1@1", assignment[2])

	// the marker is consumed by the pass
	ok, err := a.reg.Exists(ctx, keys.FailoverItem(2))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReshardDeferredWhileItemRunning(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(2)
	keys := storage.NewKeys("foo")

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	require.NoError(t, a.sharding.Reshard(ctx))

	created, err := a.reg.CreateEphemeral(ctx, keys.ItemRunning(1), a.self.InstanceID)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseInstanceJoin))
	require.NoError(t, a.sharding.Reshard(ctx))
	need, err := a.sharding.NeedReshard(ctx)
	require.NoError(t, err)
	require.True(t, need)

	require.NoError(t, a.reg.Remove(ctx, keys.ItemRunning(1)))
	require.NoError(t, a.sharding.Reshard(ctx))
	need, err = a.sharding.NeedReshard(ctx)
	require.NoError(t, err)
	require.False(t, need)
}

func TestReshardTxnFailureKeepsState(t *testing.T) {
	// not parallel, the failpoint is process global
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(2)

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	b := newTestNode(t, store, "10.0.0.2", 1, cfg)
	require.NoError(t, a.elections.Elect(ctx))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	require.NoError(t, a.sharding.Reshard(ctx))
	before, err := a.sharding.Assignment(ctx)
	require.NoError(t, err)

	b.reg.ExpireSession()
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseInstanceLeave))
	require.NoError(t, failpoint.Enable(
		"github.com/pingcap/tijob/pkg/regcenter/memoryTxnFailed", "return(true)"))
	err = a.sharding.Reshard(ctx)
	require.True(t, cerror.ErrRegAPICall.Equal(err))
	require.NoError(t, failpoint.Disable(
		"github.com/pingcap/tijob/pkg/regcenter/memoryTxnFailed"))

	// old assignment intact, latch still set, no processing marker left
	after, err := a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	need, err := a.sharding.NeedReshard(ctx)
	require.NoError(t, err)
	require.True(t, need)
	ok, err := a.reg.Exists(ctx, storage.NewKeys("foo").ReshardProcessing())
	require.NoError(t, err)
	require.False(t, ok)

	// the retry completes the pass
	require.NoError(t, a.sharding.Reshard(ctx))
	after, err = a.sharding.Assignment(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"10.0.0.1@1": {}}, after.Owners())
}

func TestSetReshardFlagMergesCauses(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(1)
	keys := storage.NewKeys("foo")

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseJobStart))
	value, err := a.reg.Get(ctx, keys.ReshardNecessary())
	require.NoError(t, err)
	require.Equal(t, "job-start", value)

	require.NoError(t, a.sharding.SetReshardFlag(ctx, CauseInstanceJoin))
	value, err = a.reg.Get(ctx, keys.ReshardNecessary())
	require.NoError(t, err)
	require.Equal(t, "job-start,instance-join", value)
}

func TestWaitShardingCompleted(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()
	cfg := testConfig(1)
	keys := storage.NewKeys("foo")

	a := newTestNode(t, store, "10.0.0.1", 1, cfg)
	// nothing in progress, returns immediately
	require.NoError(t, a.sharding.WaitShardingCompleted(ctx, time.Second))

	created, err := a.reg.CreateEphemeral(ctx, keys.ReshardProcessing(), a.self.InstanceID)
	require.NoError(t, err)
	require.True(t, created)
	err = a.sharding.WaitShardingCompleted(ctx, 50*time.Millisecond)
	require.True(t, cerror.ErrShardingInProgress.Equal(err))

	done := make(chan error, 1)
	go func() {
		done <- a.sharding.WaitShardingCompleted(ctx, 10*time.Second)
	}()
	require.NoError(t, a.reg.Remove(ctx, keys.ReshardProcessing()))
	a.sharding.NotifyCompleted()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not finish")
	}
}
