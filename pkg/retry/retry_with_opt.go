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
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/tijob/pkg/errors"
)

// Retryable is a function that the caller wants to retry
type Retryable func() error

// Do executes the specified function. By default it retries at most 3 times
// with exponential backoff between tries.
func Do(ctx context.Context, fn Retryable, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, fn, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func run(ctx context.Context, fn Retryable, retryOption *retryOptions) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	var t *time.Timer
	var start time.Time
	try := 0
	backOff := time.Duration(0)
	for {
		err := fn()
		if err == nil {
			return nil
		}

		if !retryOption.isRetryable(err) {
			return err
		}

		try++
		if float64(try) >= retryOption.maxTries {
			return cerror.ErrReachMaxTry.
				Wrap(err).GenWithStackByArgs(strconv.Itoa(try), err)
		}
		if retryOption.totalRetryDuration > 0 {
			if start.IsZero() {
				start = time.Now()
			} else if time.Since(start) > retryOption.totalRetryDuration {
				return cerror.ErrReachMaxTry.
					Wrap(err).GenWithStackByArgs(retryOption.totalRetryDuration, err)
			}
		}

		backOff = getBackoffInMs(retryOption.backoffBase, retryOption.backoffCap, float64(try))
		if t == nil {
			t = time.NewTimer(backOff)
			defer t.Stop()
		} else {
			t.Reset(backOff)
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}

// getBackoffInMs returns the duration to wait before next try
// See https://www.awsarchitectureblog.com/2015/03/backoff.html
func getBackoffInMs(backoffBaseInMs, backoffCapInMs, try float64) time.Duration {
	temp := int64(math.Min(backoffCapInMs, backoffBaseInMs*math.Exp2(try)))
	if temp <= 0 {
		temp = 1
	}
	sleep := temp/2 + rand.Int63n(temp/2+1)
	ms := int64(math.Min(float64(sleep), backoffCapInMs))
	return time.Duration(ms) * time.Millisecond
}
