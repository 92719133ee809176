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

// Package storage defines the registry key layout of one job. Every service
// addresses the store through a Keys value, so the layout lives in exactly
// one place:
//
//	/{job}/config                          job configuration snapshot
//	/{job}/servers/{ip}                    ENABLED | DISABLED
//	/{job}/instances/{instanceID}          ephemeral, one per live process
//	/{job}/leader/election/instance        ephemeral, current leader
//	/{job}/leader/sharding/necessary       resharding latch, comma-joined causes
//	/{job}/leader/sharding/processing      ephemeral, a pass is being written
//	/{job}/leader/failover/items/{item}    crashed owner of the item
//	/{job}/sharding/{item}/instance        owning instance of the item
//	/{job}/sharding/{item}/running         ephemeral, item is executing
//	/{job}/sharding/{item}/completed       last completion time
//	/{job}/sharding/{item}/misfire         a queued misfired trigger
//	/{job}/trigger/{instanceID}            operator request for one execution
package storage

import (
	"strconv"
	"strings"
)

// names of the per-item nodes under /{job}/sharding/{item}
const (
	ItemNodeInstance  = "instance"
	ItemNodeRunning   = "running"
	ItemNodeCompleted = "completed"
	ItemNodeMisfire   = "misfire"
)

// Keys builds and parses the registry keys of one job.
type Keys struct {
	root string
}

// NewKeys creates the key layout rooted at the job name.
func NewKeys(jobName string) Keys {
	return Keys{root: "/" + jobName}
}

// Root is the subtree holding every key of the job, the watch prefix of the
// dispatcher.
func (k Keys) Root() string { return k.root }

// Config is the configuration snapshot key.
func (k Keys) Config() string { return k.root + "/config" }

// ServersRoot holds one status entry per server ip.
func (k Keys) ServersRoot() string { return k.root + "/servers" }

// Server is the status entry of one server.
func (k Keys) Server(ip string) string { return k.ServersRoot() + "/" + ip }

// InstancesRoot holds one ephemeral entry per live instance.
func (k Keys) InstancesRoot() string { return k.root + "/instances" }

// Instance is the ephemeral entry of one instance.
func (k Keys) Instance(instanceID string) string {
	return k.InstancesRoot() + "/" + instanceID
}

// LeaderElection is the ephemeral leader record.
func (k Keys) LeaderElection() string { return k.root + "/leader/election/instance" }

// ReshardNecessary is the resharding latch.
func (k Keys) ReshardNecessary() string { return k.root + "/leader/sharding/necessary" }

// ReshardProcessing is the ephemeral marker held while the leader writes a
// new assignment.
func (k Keys) ReshardProcessing() string { return k.root + "/leader/sharding/processing" }

// FailoverRoot holds one marker per item orphaned by a crash.
func (k Keys) FailoverRoot() string { return k.root + "/leader/failover/items" }

// FailoverItem is the marker of one orphaned item, its value is the crashed
// owner.
func (k Keys) FailoverItem(item int) string {
	return k.FailoverRoot() + "/" + strconv.Itoa(item)
}

// ShardingRoot holds the per-item subtrees.
func (k Keys) ShardingRoot() string { return k.root + "/sharding" }

// Item is the subtree of one shard item.
func (k Keys) Item(item int) string {
	return k.ShardingRoot() + "/" + strconv.Itoa(item)
}

// ItemInstance is the assignment entry of one item.
func (k Keys) ItemInstance(item int) string { return k.Item(item) + "/" + ItemNodeInstance }

// ItemRunning is the ephemeral running marker of one item.
func (k Keys) ItemRunning(item int) string { return k.Item(item) + "/" + ItemNodeRunning }

// ItemCompleted records the last completion time of one item.
func (k Keys) ItemCompleted(item int) string { return k.Item(item) + "/" + ItemNodeCompleted }

// ItemMisfire marks a queued misfired trigger of one item.
func (k Keys) ItemMisfire(item int) string { return k.Item(item) + "/" + ItemNodeMisfire }

// TriggerRoot holds the per-instance manual trigger requests.
func (k Keys) TriggerRoot() string { return k.root + "/trigger" }

// Trigger is the manual trigger request aimed at one instance.
func (k Keys) Trigger(instanceID string) string {
	return k.TriggerRoot() + "/" + instanceID
}

// InstanceID extracts the instance id from an instance entry key.
func (k Keys) InstanceID(key string) (string, bool) {
	return k.child(key, k.InstancesRoot())
}

// ServerIP extracts the server ip from a server status key.
func (k Keys) ServerIP(key string) (string, bool) {
	return k.child(key, k.ServersRoot())
}

// TriggerInstanceID extracts the target instance id from a manual trigger
// key.
func (k Keys) TriggerInstanceID(key string) (string, bool) {
	return k.child(key, k.TriggerRoot())
}

// FailoverItemIndex extracts the item index from a failover marker key.
func (k Keys) FailoverItemIndex(key string) (int, bool) {
	name, ok := k.child(key, k.FailoverRoot())
	if !ok {
		return 0, false
	}
	return parseItem(name)
}

// ShardingItemNode splits a per-item key into the item index and the node
// name, e.g. /{job}/sharding/2/running -> (2, "running").
func (k Keys) ShardingItemNode(key string) (int, string, bool) {
	rest, ok := k.child(key, k.ShardingRoot())
	if !ok {
		return 0, "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	item, ok := parseItem(parts[0])
	if !ok {
		return 0, "", false
	}
	return item, parts[1], true
}

// child returns the remainder of key under root, false when key is not a
// strict child of root. Intermediate keys like the instances root itself do
// not match.
func (k Keys) child(key, root string) (string, bool) {
	prefix := root + "/"
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

func parseItem(name string) (int, bool) {
	item, err := strconv.Atoi(name)
	if err != nil || item < 0 {
		return 0, false
	}
	return item, true
}
