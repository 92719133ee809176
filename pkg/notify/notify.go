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

// Package notify provides a one-to-many in-process notification hub, used to
// wake up waiters when a watched condition may have changed.
package notify

import (
	"sync"
	"time"

	"github.com/pingcap/errors"
)

// ErrNotifierClosed is returned when a receiver is requested from a closed
// notifier.
var ErrNotifierClosed = errors.New("notifier is closed")

// Notifier fans a signal out to all its receivers.
type Notifier struct {
	mu        sync.RWMutex
	closed    bool
	maxIndex  int
	receivers map[int]*Receiver
}

// Notify sends a signal to all receivers. It never blocks: a receiver with a
// pending signal is skipped, the pending signal already covers this one.
func (n *Notifier) Notify() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for _, rec := range n.receivers {
		rec.signalNonBlocking()
	}
}

// Receiver is one subscriber of a notifier. Wait on C.
type Receiver struct {
	C        <-chan struct{}
	c        chan struct{}
	ticker   *time.Ticker
	stopTick chan struct{}
	stop     func()
	stopOnce sync.Once
}

func (r *Receiver) signalNonBlocking() {
	select {
	case r.c <- struct{}{}:
	default:
	}
}

func (r *Receiver) signalTickLoop() {
	go func() {
		for {
			select {
			case <-r.stopTick:
				return
			case <-r.ticker.C:
			}
			r.signalNonBlocking()
		}
	}()
}

// Stop detaches the receiver from its notifier. Safe to call multiple times.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		if r.ticker != nil {
			r.ticker.Stop()
			close(r.stopTick)
		}
		r.stop()
	})
}

// NewReceiver creates a receiver attached to the notifier. If tickTime is
// positive the receiver is additionally signaled every tickTime, so a waiter
// re-checks its condition even when no notification arrives.
func (n *Notifier) NewReceiver(tickTime time.Duration) (*Receiver, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errors.Trace(ErrNotifierClosed)
	}
	if n.receivers == nil {
		n.receivers = make(map[int]*Receiver)
	}
	index := n.maxIndex
	n.maxIndex++
	c := make(chan struct{}, 1)
	rec := &Receiver{
		C: c,
		c: c,
		stop: func() {
			n.remove(index)
		},
	}
	if tickTime > 0 {
		rec.ticker = time.NewTicker(tickTime)
		rec.stopTick = make(chan struct{})
		rec.signalTickLoop()
	}
	n.receivers[index] = rec
	return rec, nil
}

func (n *Notifier) remove(index int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, index)
}

// Close stops every receiver of the notifier. Reentrant.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	receivers := n.receivers
	n.receivers = nil
	n.mu.Unlock()

	for _, rec := range receivers {
		rec.Stop()
	}
}
