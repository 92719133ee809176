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

package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/reugn/go-quartz/quartz"
)

// JobConfig describes one sharded job. It is persisted as a single JSON
// snapshot in the registry so that every instance schedules from the same
// picture.
type JobConfig struct {
	// JobName is the coordination namespace of the job. Must be unique per
	// registry and must not contain the path separator.
	JobName string `json:"job-name"`
	// Cron is the trigger expression in Quartz dialect. A job with an empty
	// Cron fires once on TriggerNow only.
	Cron string `json:"cron,omitempty"`
	// TimeZone is the IANA location the cron fires in, local time when empty.
	TimeZone string `json:"time-zone,omitempty"`
	// ShardingTotalCount is the number of shard items, numbered [0, count).
	ShardingTotalCount int `json:"sharding-total-count"`
	// ShardingItemParameters maps items to business parameters, in the form
	// "0=a,1=b".
	ShardingItemParameters string `json:"sharding-item-parameters,omitempty"`
	// JobParameter is an opaque business parameter shared by all items.
	JobParameter string `json:"job-parameter,omitempty"`
	// Failover moves items of a crashed instance to live ones without
	// waiting for the next resharding cause.
	Failover bool `json:"failover"`
	// Misfire queues a trigger that fires while the item is still running,
	// to be re-run right after the run completes. When false such triggers
	// are dropped and counted.
	Misfire bool `json:"misfire"`
	// ShardingStrategyType picks the registered assignment strategy.
	// Defaults to round robin over instances sorted by instance id.
	ShardingStrategyType string `json:"sharding-strategy-type,omitempty"`
	// ErrorHandlerType picks the registered notifier for business callback
	// failures. Defaults to plain error logging.
	ErrorHandlerType string `json:"error-handler-type,omitempty"`
	// ReconcileIntervalSeconds is the period of the leader's divergence
	// scan, 60 seconds when unset.
	ReconcileIntervalSeconds int `json:"reconcile-interval-seconds,omitempty"`
	// Description is free text for operators.
	Description string `json:"description,omitempty"`
	// Props carries handler specific settings, e.g. the webhook endpoint.
	Props map[string]string `json:"props,omitempty"`
	// Disabled pauses triggering on every instance until re-enabled.
	Disabled bool `json:"disabled"`
	// Overwrite makes this local configuration replace the registry
	// snapshot on startup. When false an existing snapshot wins.
	Overwrite bool `json:"overwrite"`
}

const defaultReconcileIntervalSeconds = 60

// ValidateAndAdjust fills defaults and verifies the configuration is
// executable. A job with an invalid configuration must never start.
func (c *JobConfig) ValidateAndAdjust() error {
	if c.JobName == "" {
		return cerror.ErrConfigInvalid.GenWithStackByArgs("job name is empty")
	}
	if strings.Contains(c.JobName, "/") {
		return cerror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("job name %q contains path separator", c.JobName))
	}
	if c.ShardingTotalCount <= 0 {
		return cerror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("sharding total count %d, must be positive", c.ShardingTotalCount))
	}
	if c.Cron != "" {
		if _, err := quartz.NewCronTrigger(c.Cron); err != nil {
			return cerror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("cron %q: %s", c.Cron, err))
		}
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return cerror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("time zone %q: %s", c.TimeZone, err))
		}
	}
	if _, err := c.ItemParameters(); err != nil {
		return errors.Trace(err)
	}
	if c.ReconcileIntervalSeconds < 0 {
		return cerror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("reconcile interval %d, must not be negative", c.ReconcileIntervalSeconds))
	}
	if c.ReconcileIntervalSeconds == 0 {
		c.ReconcileIntervalSeconds = defaultReconcileIntervalSeconds
	}
	return nil
}

// Location resolves TimeZone, defaulting to the local one.
func (c *JobConfig) Location() *time.Location {
	if c.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ItemParameters parses ShardingItemParameters into a map keyed by item
// index. Items without an entry get an empty parameter.
func (c *JobConfig) ItemParameters() (map[int]string, error) {
	params := make(map[int]string)
	if c.ShardingItemParameters == "" {
		return params, nil
	}
	for _, pair := range strings.Split(c.ShardingItemParameters, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			return nil, cerror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("sharding item parameters %q, want item=value pairs", c.ShardingItemParameters))
		}
		item, err := strconv.Atoi(kv[0])
		if err != nil || item < 0 {
			return nil, cerror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("sharding item parameters %q, item %q is not a valid index", c.ShardingItemParameters, kv[0]))
		}
		params[item] = kv[1]
	}
	return params, nil
}

// Marshal using json.Marshal.
func (c *JobConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrMarshalFailed, err)
	}
	return string(cfg), nil
}

// Unmarshal from binary data.
func (c *JobConfig) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, c)
	if err != nil {
		return errors.Annotatef(cerror.WrapError(cerror.ErrUnmarshalFailed, err),
			"unmarshal data: %v", data)
	}
	return nil
}

// Clone returns a deep copy.
func (c *JobConfig) Clone() *JobConfig {
	clone := *c
	if c.Props != nil {
		clone.Props = make(map[string]string, len(c.Props))
		for k, v := range c.Props {
			clone.Props[k] = v
		}
	}
	return &clone
}
