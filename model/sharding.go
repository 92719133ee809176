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
	"sort"
)

// ShardingContext is handed to the business callback for one shard item of
// one trigger batch.
type ShardingContext struct {
	JobName string
	// TaskID identifies one trigger batch on one instance.
	TaskID             string
	ShardingTotalCount int
	JobParameter       string
	ShardingItem       int
	ShardingParameter  string
}

// Assignment maps every shard item to its owning instance id. Items that
// currently have no eligible owner are absent.
type Assignment map[int]string

// ItemsOf returns the items owned by the instance, in ascending order.
func (a Assignment) ItemsOf(instanceID string) []int {
	items := make([]int, 0, len(a))
	for item, owner := range a {
		if owner == instanceID {
			items = append(items, item)
		}
	}
	sort.Ints(items)
	return items
}

// Owners returns the set of instance ids that own at least one item.
func (a Assignment) Owners() map[string]struct{} {
	owners := make(map[string]struct{}, len(a))
	for _, owner := range a {
		owners[owner] = struct{}{}
	}
	return owners
}

// Complete reports whether every item in [0, total) has an owner.
func (a Assignment) Complete(total int) bool {
	for i := 0; i < total; i++ {
		if _, ok := a[i]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a copy of the assignment.
func (a Assignment) Clone() Assignment {
	clone := make(Assignment, len(a))
	for item, owner := range a {
		clone[item] = owner
	}
	return clone
}
