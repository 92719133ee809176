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
	"github.com/pingcap/errors"
)

// errors
var (
	// registry related errors
	ErrRegAPICall = errors.Normalize(
		"registry api call failed",
		errors.RFCCodeText("JOB:ErrRegAPICall"),
	)
	ErrRegKeyNotExist = errors.Normalize(
		"registry key %s not exist",
		errors.RFCCodeText("JOB:ErrRegKeyNotExist"),
	)
	ErrRegClosed = errors.Normalize(
		"registry center is closed",
		errors.RFCCodeText("JOB:ErrRegClosed"),
	)

	// model related errors
	ErrMarshalFailed = errors.Normalize(
		"marshal failed",
		errors.RFCCodeText("JOB:ErrMarshalFailed"),
	)
	ErrUnmarshalFailed = errors.Normalize(
		"unmarshal failed",
		errors.RFCCodeText("JOB:ErrUnmarshalFailed"),
	)
	ErrConfigInvalid = errors.Normalize(
		"invalid job configuration, %s",
		errors.RFCCodeText("JOB:ErrConfigInvalid"),
	)

	// scheduler lifecycle errors
	ErrInstanceConflict = errors.Normalize(
		"job instance %s is already registered and alive",
		errors.RFCCodeText("JOB:ErrInstanceConflict"),
	)
	ErrSchedulerClosed = errors.Normalize(
		"job scheduler is closed",
		errors.RFCCodeText("JOB:ErrSchedulerClosed"),
	)
	ErrSchedulerStarted = errors.Normalize(
		"job scheduler is already started",
		errors.RFCCodeText("JOB:ErrSchedulerStarted"),
	)
	ErrJobAlreadyRegistered = errors.Normalize(
		"job %s is already registered in this process",
		errors.RFCCodeText("JOB:ErrJobAlreadyRegistered"),
	)

	// election and sharding errors
	ErrNotLeader = errors.Normalize(
		"instance %s is not the leader",
		errors.RFCCodeText("JOB:ErrNotLeader"),
	)
	ErrLeadershipUnresolved = errors.Normalize(
		"leadership is not resolved within %s",
		errors.RFCCodeText("JOB:ErrLeadershipUnresolved"),
	)
	ErrShardingInProgress = errors.Normalize(
		"sharding is in progress",
		errors.RFCCodeText("JOB:ErrShardingInProgress"),
	)
	ErrStrategyNotFound = errors.Normalize(
		"sharding strategy type %s not registered",
		errors.RFCCodeText("JOB:ErrStrategyNotFound"),
	)
	ErrHandlerNotFound = errors.Normalize(
		"error handler type %s not registered",
		errors.RFCCodeText("JOB:ErrHandlerNotFound"),
	)

	// retry related errors
	ErrReachMaxTry = errors.Normalize(
		"reach maximum try: %s, error: %s",
		errors.RFCCodeText("JOB:ErrReachMaxTry"),
	)
)
