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

// Package chann provides an unbounded channel. Producers that must never
// block, like watch translation loops, write into it while a single consumer
// drains at its own pace.
package chann

import (
	"go.uber.org/atomic"
)

// Chann is an unbounded channel with a send side In and a receive side Out.
type Chann[T any] struct {
	in, out chan T
	close   chan struct{}
	length  atomic.Int64
}

// New returns an unbounded channel.
func New[T any]() *Chann[T] {
	ch := &Chann[T]{
		in:    make(chan T, 1),
		out:   make(chan T, 1),
		close: make(chan struct{}),
	}
	go ch.run()
	return ch
}

// In returns the send channel. Do not close() it, use Close instead.
func (ch *Chann[T]) In() chan<- T { return ch.in }

// Out returns the receive channel.
func (ch *Chann[T]) Out() <-chan T { return ch.out }

// Close closes the channel. Pending elements are flushed to Out, so the
// consumer must keep draining until Out is closed; see CloseAndDrain.
func (ch *Chann[T]) Close() {
	ch.close <- struct{}{}
}

// CloseAndDrain closes the channel and discards whatever is still queued,
// to be used when the consumer is gone.
func (ch *Chann[T]) CloseAndDrain() {
	ch.Close()
	for range ch.out {
	}
}

// Len returns an approximation of the number of queued elements.
func (ch *Chann[T]) Len() int {
	return int(ch.length.Load()) + len(ch.in) + len(ch.out)
}

func (ch *Chann[T]) run() {
	var zero T
	var queue []T
	for {
		if len(queue) > 0 {
			select {
			case ch.out <- queue[0]:
				queue[0] = zero
				queue = queue[1:]
				ch.length.Dec()
			case e, ok := <-ch.in:
				if !ok {
					panic("chann: send channel closed unexpectedly")
				}
				queue = append(queue, e)
				ch.length.Inc()
			case <-ch.close:
				ch.terminate(queue)
				return
			}
		} else {
			// drop the drained backing array
			queue = nil
			select {
			case e, ok := <-ch.in:
				if !ok {
					panic("chann: send channel closed unexpectedly")
				}
				queue = append(queue, e)
				ch.length.Inc()
			case <-ch.close:
				ch.terminate(queue)
				return
			}
		}
	}
}

// terminate flushes the queue and whatever races into In to the consumer,
// then closes Out.
func (ch *Chann[T]) terminate(queue []T) {
	close(ch.in)
	for e := range ch.in {
		queue = append(queue, e)
	}
	for _, e := range queue {
		ch.out <- e
		ch.length.Dec()
	}
	close(ch.out)
	close(ch.close)
}
