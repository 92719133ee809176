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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestShouldRetryAtMostSpecifiedTimes(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3))
	require.True(t, cerror.ErrReachMaxTry.Equal(err))
	require.Equal(t, 3, callCount)
}

func TestShouldStopOnSuccess(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		if callCount == 2 {
			return nil
		}
		return errors.New("test")
	}

	err := Do(context.Background(), f, WithMaxTries(3))
	require.NoError(t, err)
	require.Equal(t, 2, callCount)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(context.Background(), f,
		WithIsRetryableErr(func(err error) bool { return false }), WithMaxTries(3))
	require.Regexp(t, "test", err)
	require.Equal(t, 1, callCount)
}

func TestDoCancelInfiniteRetry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithInfiniteTries(),
		WithBackoffBaseDelay(2), WithBackoffMaxDelay(10))
	require.ErrorIs(t, errors.Cause(err), context.DeadlineExceeded)
	require.GreaterOrEqual(t, callCount, 1, "tries: %d", callCount)
	require.Less(t, callCount, 100)
}

func TestDoCancelAtBeginning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var callCount int
	f := func() error {
		callCount++
		return errors.New("test")
	}

	err := Do(ctx, f, WithInfiniteTries())
	require.ErrorIs(t, errors.Cause(err), context.Canceled)
	require.Equal(t, 0, callCount)
}

func TestTotalRetryDuration(t *testing.T) {
	t.Parallel()

	f := func() error {
		return errors.New("test")
	}

	start := time.Now()
	err := Do(
		context.Background(), f,
		WithInfiniteTries(),
		WithBackoffBaseDelay(10),
		WithTotalRetryDuration(100*time.Millisecond))
	require.True(t, cerror.ErrReachMaxTry.Equal(err))
	require.LessOrEqual(t, 100, int(time.Since(start).Milliseconds()))
}

func TestInfiniteRetry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var callCount int
	f := func() error {
		callCount++
		if callCount == 10 {
			return nil
		}
		return errors.New("test")
	}

	err := Do(ctx, f, WithInfiniteTries(),
		WithBackoffBaseDelay(1), WithBackoffMaxDelay(2))
	require.NoError(t, err)
	require.Equal(t, 10, callCount)
}
