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

package instance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/regcenter"
	"github.com/pingcap/tijob/scheduler/storage"
)

func newTestService(store *regcenter.MemoryStore, t *testing.T, ip string, pid int) (*Service, *regcenter.MemoryRegistry) {
	t.Helper()
	reg := store.NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })
	self := model.NewJobInstance(ip, pid)
	return New(reg, storage.NewKeys("foo"), "foo", self), reg
}

func TestRegisterAndListLive(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	a, _ := newTestService(store, t, "10.0.0.1", 1)
	b, _ := newTestService(store, t, "10.0.0.2", 2)
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	live, err := a.ListLive(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.JobInstance{
		{InstanceID: "10.0.0.1@1", ServerIP: "10.0.0.1"},
		{InstanceID: "10.0.0.2@2", ServerIP: "10.0.0.2"},
	}, live)

	ok, err := a.IsLive(ctx, "10.0.0.2@2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRegisterConflict(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	a, _ := newTestService(store, t, "10.0.0.1", 1)
	impostor, _ := newTestService(store, t, "10.0.0.1", 1)
	require.NoError(t, a.Register(ctx))

	err := impostor.Register(ctx)
	require.True(t, cerror.ErrInstanceConflict.Equal(err))
}

func TestUnregisterRemovesEntry(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	a, _ := newTestService(store, t, "10.0.0.1", 1)
	require.NoError(t, a.Register(ctx))
	require.NoError(t, a.Unregister(ctx))

	live, err := a.ListLive(ctx)
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestSessionExpiryRemovesEntry(t *testing.T) {
	t.Parallel()
	store := regcenter.NewMemoryStore()
	ctx := context.Background()

	a, _ := newTestService(store, t, "10.0.0.1", 1)
	b, regB := newTestService(store, t, "10.0.0.2", 2)
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	regB.ExpireSession()

	live, err := a.ListLive(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.JobInstance{
		{InstanceID: "10.0.0.1@1", ServerIP: "10.0.0.1"},
	}, live)

	// the crashed identity may come back after a session reset
	require.NoError(t, regB.Reset(ctx))
	require.NoError(t, b.Register(ctx))
	live, err = a.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
}
