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

package regcenter

import (
	"context"
	"strings"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"

	"github.com/pingcap/tijob/pkg/chann"
	cerror "github.com/pingcap/tijob/pkg/errors"
)

// MemoryStore is an in-process registry shared by MemoryRegistry clients.
// Tests attach several registries to one store to simulate a multi-instance
// deployment, including crash detection via session expiry.
type MemoryStore struct {
	mu            sync.Mutex
	kv            map[string]string
	owners        map[string]int64 // ephemeral key -> owning session
	watchers      map[int64]*memWatcher
	nextWatcherID int64
	nextSessionID int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:       make(map[string]string),
		owners:   make(map[string]int64),
		watchers: make(map[int64]*memWatcher),
	}
}

type memWatcher struct {
	id     int64
	prefix string
	// events is unbounded so emitting under the store lock never blocks
	events *chann.Chann[Event]
}

// emit delivers the event to every matching watcher. Callers hold s.mu.
func (s *MemoryStore) emit(event Event) {
	for _, w := range s.watchers {
		if strings.HasPrefix(event.Key, w.prefix) {
			w.events.In() <- event
		}
	}
}

func (s *MemoryStore) addWatcher(root string) *memWatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWatcherID++
	w := &memWatcher{
		id:     s.nextWatcherID,
		prefix: subtree(root),
		events: chann.New[Event](),
	}
	s.watchers[w.id] = w
	return w
}

func (s *MemoryStore) removeWatcher(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, id)
}

func (s *MemoryStore) newSession() *memSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	return &memSession{id: s.nextSessionID, done: make(chan struct{})}
}

// expire removes every ephemeral key of the session, exactly like a lease
// expiry: watchers observe plain delete events.
func (s *MemoryStore) expire(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, owner := range s.owners {
		if owner != sessionID {
			continue
		}
		delete(s.kv, key)
		delete(s.owners, key)
		s.emit(Event{Type: EventDelete, Key: key})
	}
}

type memSession struct {
	id       int64
	done     chan struct{}
	doneOnce sync.Once
}

func (s *memSession) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *memSession) expired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// MemoryRegistry implements Registry against a MemoryStore, with its own
// session like one process connecting to the coordination service.
type MemoryRegistry struct {
	store *MemoryStore

	mu      sync.RWMutex
	session *memSession
	closed  bool
}

// NewRegistry attaches a new client with a live session to the store.
func (s *MemoryStore) NewRegistry() *MemoryRegistry {
	r := &MemoryRegistry{store: s}
	_ = r.Reset(context.Background())
	return r
}

// ExpireSession simulates a crash of this client: its ephemeral keys vanish,
// watchers observe the deletes and Done is closed. Reads and durable writes
// keep working, like an etcd client whose lease timed out.
func (r *MemoryRegistry) ExpireSession() {
	r.mu.RLock()
	session := r.session
	r.mu.RUnlock()
	if session == nil {
		return
	}
	r.store.expire(session.id)
	session.close()
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, key string) (string, error) {
	if err := r.checkOpen(); err != nil {
		return "", err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	value, ok := r.store.kv[key]
	if !ok {
		return "", cerror.ErrRegKeyNotExist.GenWithStackByArgs(key)
	}
	return value, nil
}

// List implements Registry.
func (r *MemoryRegistry) List(ctx context.Context, root string) (map[string]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	prefix := subtree(root)
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kvs := make(map[string]string)
	for key, value := range r.store.kv {
		if strings.HasPrefix(key, prefix) {
			kvs[key] = value
		}
	}
	return kvs, nil
}

// Set implements Registry.
func (r *MemoryRegistry) Set(ctx context.Context, key, value string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.kv[key] = value
	// a durable put over an ephemeral key breaks the session binding
	delete(r.store.owners, key)
	r.store.emit(Event{Type: EventPut, Key: key, Value: value})
	return nil
}

// Remove implements Registry.
func (r *MemoryRegistry) Remove(ctx context.Context, key string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	prefix := subtree(key)
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for k := range r.store.kv {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(r.store.kv, k)
			delete(r.store.owners, k)
			r.store.emit(Event{Type: EventDelete, Key: k})
		}
	}
	return nil
}

// Exists implements Registry.
func (r *MemoryRegistry) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, ok := r.store.kv[key]
	return ok, nil
}

// CreateIfAbsent implements Registry.
func (r *MemoryRegistry) CreateIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.kv[key]; ok {
		return false, nil
	}
	r.store.kv[key] = value
	r.store.emit(Event{Type: EventPut, Key: key, Value: value})
	return true, nil
}

// CreateEphemeral implements Registry.
func (r *MemoryRegistry) CreateEphemeral(ctx context.Context, key, value string) (bool, error) {
	r.mu.RLock()
	session := r.session
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return false, cerror.ErrRegClosed.GenWithStackByArgs()
	}
	if session == nil || session.expired() {
		return false, cerror.WrapError(cerror.ErrRegAPICall, errors.New("session is expired"))
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if existing, ok := r.store.kv[key]; ok {
		// it is ours iff our session owns it, mirroring the lease check of
		// the etcd binding
		if r.store.owners[key] == session.id && existing == value {
			return true, nil
		}
		return false, nil
	}
	r.store.kv[key] = value
	r.store.owners[key] = session.id
	r.store.emit(Event{Type: EventPut, Key: key, Value: value})
	return true, nil
}

// Txn implements Registry.
func (r *MemoryRegistry) Txn(ctx context.Context, ops []Op) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	var failed bool
	failpoint.Inject("memoryTxnFailed", func() {
		failed = true
	})
	if failed {
		return cerror.WrapError(cerror.ErrRegAPICall, errors.New("injected txn failure"))
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			r.store.kv[op.Key] = op.Value
			delete(r.store.owners, op.Key)
			r.store.emit(Event{Type: EventPut, Key: op.Key, Value: op.Value})
		case OpDelete:
			if !op.Prefix {
				if _, ok := r.store.kv[op.Key]; ok {
					delete(r.store.kv, op.Key)
					delete(r.store.owners, op.Key)
					r.store.emit(Event{Type: EventDelete, Key: op.Key})
				}
				continue
			}
			prefix := subtree(op.Key)
			for k := range r.store.kv {
				if strings.HasPrefix(k, prefix) {
					delete(r.store.kv, k)
					delete(r.store.owners, k)
					r.store.emit(Event{Type: EventDelete, Key: k})
				}
			}
		}
	}
	return nil
}

// Watch implements Registry.
func (r *MemoryRegistry) Watch(ctx context.Context, root string) <-chan Event {
	outCh := make(chan Event, watchChBufferSize)
	w := r.store.addWatcher(root)
	go func() {
		defer func() {
			r.store.removeWatcher(w.id)
			w.events.CloseAndDrain()
			close(outCh)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-w.events.Out():
				select {
				case outCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh
}

// Done implements Registry.
func (r *MemoryRegistry) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return r.session.done
}

// Reset implements Registry.
func (r *MemoryRegistry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return cerror.ErrRegClosed.GenWithStackByArgs()
	}
	if r.session != nil && !r.session.expired() {
		r.store.expire(r.session.id)
		r.session.close()
	}
	r.session = r.store.newSession()
	return nil
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.session != nil {
		r.store.expire(r.session.id)
		r.session.close()
		r.session = nil
	}
	return nil
}

func (r *MemoryRegistry) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return cerror.ErrRegClosed.GenWithStackByArgs()
	}
	return nil
}
