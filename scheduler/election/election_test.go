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

package election

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/storage"
)

func newTestService(store *regcenter.MemoryStore, t *testing.T, instanceID string) (*Service, *regcenter.MemoryRegistry) {
	t.Helper()
	reg := store.NewRegistry()
	svc := New(reg, storage.NewKeys("foo"), "foo", instanceID)
	t.Cleanup(func() {
		svc.Close()
		_ = reg.Close()
	})
	return svc, reg
}

func TestConcurrentElectionHasOneWinner(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	const candidates = 8
	services := make([]*Service, 0, candidates)
	for i := 0; i < candidates; i++ {
		svc, _ := newTestService(store, t, fmt.Sprintf("10.0.0.%d@1", i))
		services = append(services, svc)
	}

	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			require.NoError(t, svc.Elect(ctx))
		}(svc)
	}
	wg.Wait()

	leaders := 0
	for _, svc := range services {
		isLeader, err := svc.IsLeader(ctx)
		require.NoError(t, err)
		if isLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestReElectionAfterLeaderRecordRemoved(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	svc, reg := newTestService(store, t, "host1-pid1")
	require.NoError(t, svc.Elect(ctx))
	isLeader, err := svc.IsLeader(ctx)
	require.NoError(t, err)
	require.True(t, isLeader)

	// removing the record externally forces a fresh round resolving back to
	// the sole instance
	require.NoError(t, reg.Remove(ctx, storage.NewKeys("foo").LeaderElection()))
	isLeader, err = svc.IsLeader(ctx)
	require.NoError(t, err)
	require.False(t, isLeader)

	require.NoError(t, svc.Elect(ctx))
	leader, err := svc.Leader(ctx)
	require.NoError(t, err)
	require.Equal(t, "host1-pid1", leader)
}

func TestLeaderDepartureViaSessionExpiry(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	a, regA := newTestService(store, t, "a@1")
	b, _ := newTestService(store, t, "b@1")
	require.NoError(t, a.Elect(ctx))
	require.NoError(t, b.Elect(ctx))
	isLeader, err := b.IsLeader(ctx)
	require.NoError(t, err)
	require.False(t, isLeader)

	regA.ExpireSession()
	require.NoError(t, b.Elect(ctx))
	isLeader, err = b.IsLeader(ctx)
	require.NoError(t, err)
	require.True(t, isLeader)
}

func TestWaitLeadershipResolved(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	svc, _ := newTestService(store, t, "a@1")
	err := svc.WaitLeadershipResolved(ctx, 50*time.Millisecond)
	require.True(t, cerror.ErrLeadershipUnresolved.Equal(err))

	done := make(chan error, 1)
	go func() {
		done <- svc.WaitLeadershipResolved(ctx, 10*time.Second)
	}()
	peer, _ := newTestService(store, t, "b@1")
	require.NoError(t, peer.Elect(ctx))
	svc.NotifyResolved()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestResignOnlyRemovesOwnRecord(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	a, _ := newTestService(store, t, "a@1")
	b, _ := newTestService(store, t, "b@1")
	require.NoError(t, a.Elect(ctx))

	// a follower resigning is a no-op
	require.NoError(t, b.Resign(ctx))
	leader, err := b.Leader(ctx)
	require.NoError(t, err)
	require.Equal(t, "a@1", leader)

	require.NoError(t, a.Resign(ctx))
	_, err = b.Leader(ctx)
	require.True(t, cerror.ErrRegKeyNotExist.Equal(err))

	// resigning with no record at all is fine too
	require.NoError(t, a.Resign(ctx))
}
