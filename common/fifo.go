// Copyright © 2024 OpenRad <dev@openrad.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"context"
	"sync"
)

// Fifo is an unbounded thread-safe FIFO with a blocking, cancellable Dequeue.
// Producers never block. Used for the cleanup queue and for pending batch
// submissions, where applying backpressure to the producer would stall an
// association handler or a processor loop.
type Fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func NewFifo[T any]() *Fifo[T] {
	return &Fifo[T]{notify: make(chan struct{}, 1)}
}

func (f *Fifo[T]) Enqueue(item T) {
	f.mu.Lock()
	f.items = append(f.items, item)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until an item is available or ctx is done.
func (f *Fifo[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			item := f.items[0]
			f.items = f.items[1:]
			f.mu.Unlock()
			return item, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-f.notify:
		}
	}
}

// TryDequeue pops without blocking.
func (f *Fifo[T]) TryDequeue() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		var zero T
		return zero, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

func (f *Fifo[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
