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

package errors

import (
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	t.Parallel()

	err := errors.New("inner")
	require.Nil(t, WrapError(ErrRegAPICall, nil))
	wrapped := WrapError(ErrRegAPICall, err)
	require.True(t, ErrRegAPICall.Equal(wrapped))
	require.Contains(t, wrapped.Error(), "inner")
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryableError(nil))
	require.False(t, IsRetryableError(context.Canceled))
	require.False(t, IsRetryableError(errors.Annotate(context.Canceled, "annotated")))
	require.False(t, IsRetryableError(ErrConfigInvalid.GenWithStackByArgs("bad cron")))
	require.False(t, IsRetryableError(ErrInstanceConflict.GenWithStackByArgs("127.0.0.1@100")))
	require.True(t, IsRetryableError(WrapError(ErrRegAPICall, errors.New("timeout"))))
	require.True(t, IsRetryableError(errors.New("transient")))
}
