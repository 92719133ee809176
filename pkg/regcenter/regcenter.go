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

// Package regcenter abstracts the coordination registry: a strongly
// consistent hierarchical key space with session-bound ephemeral entries,
// atomic multi-key updates and change notification. EtcdRegistry is the
// production binding, MemoryRegistry backs tests and single-process use.
package regcenter

import (
	"context"
)

// EventType classifies an observed change.
type EventType int

// event types
const (
	// EventPut is a key creation or value change.
	EventPut EventType = iota
	// EventDelete is a key removal, session expiry of ephemeral keys
	// included. The value of a delete event is always empty.
	EventDelete
)

// Event is one observed change under a watched subtree.
type Event struct {
	Type  EventType
	Key   string
	Value string
}

// OpType classifies one write of an atomic batch.
type OpType int

// op types
const (
	OpPut OpType = iota
	OpDelete
)

// Op is one write of an atomic batch.
type Op struct {
	Type  OpType
	Key   string
	Value string
	// Prefix widens a delete to the whole subtree under Key.
	Prefix bool
}

// PutOp builds a durable put.
func PutOp(key, value string) Op {
	return Op{Type: OpPut, Key: key, Value: value}
}

// DeleteOp builds a single-key delete.
func DeleteOp(key string) Op {
	return Op{Type: OpDelete, Key: key}
}

// DeleteSubtreeOp builds a delete of every key under root.
func DeleteSubtreeOp(root string) Op {
	return Op{Type: OpDelete, Key: root, Prefix: true}
}

// Registry is the coordination client every scheduler component runs on.
// Keys form a slash-separated hierarchy; List and Watch address strict
// subtrees. Implementations must be safe for concurrent use.
type Registry interface {
	// Get returns the value of key, ErrRegKeyNotExist when absent.
	Get(ctx context.Context, key string) (string, error)
	// List returns every key under root with its value, keyed by full key.
	List(ctx context.Context, root string) (map[string]string, error)
	// Set creates or replaces a durable key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes the key and its whole subtree. Removing an absent key
	// is not an error.
	Remove(ctx context.Context, key string) error
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// CreateIfAbsent atomically creates a durable key, reporting whether
	// this call created it.
	CreateIfAbsent(ctx context.Context, key, value string) (bool, error)
	// CreateEphemeral atomically creates a key bound to the current
	// session, reporting whether this call created it. The key vanishes
	// when the session is lost.
	CreateEphemeral(ctx context.Context, key, value string) (bool, error)
	// Txn applies all ops or none of them.
	Txn(ctx context.Context, ops []Op) error
	// Watch streams changes under root until ctx is done, then closes the
	// returned channel. The channel must be drained promptly.
	Watch(ctx context.Context, root string) <-chan Event
	// Done is closed once the current session is lost. Fetch it again
	// after Reset.
	Done() <-chan struct{}
	// Reset establishes a fresh session after a loss. Ephemeral keys of
	// the old session are gone, the caller re-creates its own.
	Reset(ctx context.Context) error
	// Close releases the session and the binding's resources. The session
	// teardown removes this client's ephemeral keys.
	Close() error
}

// subtree returns the watch/list prefix addressing everything strictly
// under root.
func subtree(root string) string {
	if len(root) > 0 && root[len(root)-1] == '/' {
		return root
	}
	return root + "/"
}
