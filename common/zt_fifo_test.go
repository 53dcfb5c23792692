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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFifo_Order(t *testing.T) {
	a := assert.New(t)

	f := NewFifo[int]()
	for i := 0; i < 10; i++ {
		f.Enqueue(i)
	}
	a.Equal(10, f.Len())

	for i := 0; i < 10; i++ {
		v, err := f.Dequeue(context.Background())
		a.NoError(err)
		a.Equal(i, v)
	}
	a.Equal(0, f.Len())

	_, ok := f.TryDequeue()
	a.False(ok)
}

func TestFifo_DequeueBlocksUntilEnqueue(t *testing.T) {
	a := assert.New(t)

	f := NewFifo[string]()
	got := make(chan string, 1)
	go func() {
		v, err := f.Dequeue(context.Background())
		a.NoError(err)
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	f.Enqueue("wake")

	select {
	case v := <-got:
		a.Equal("wake", v)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestFifo_DequeueHonorsCancellation(t *testing.T) {
	a := assert.New(t)

	f := NewFifo[int]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.Dequeue(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		a.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue ignored cancellation")
	}
}

func TestFifo_ConcurrentProducers(t *testing.T) {
	a := assert.New(t)

	f := NewFifo[int]()
	const producers, perProducer = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				f.Enqueue(i)
			}
		}()
	}
	wg.Wait()

	a.Equal(producers*perProducer, f.Len())
}
