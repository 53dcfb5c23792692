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

// Package bus fans InstanceStored events out to the job processor registered
// for the instance's called AE. Each processor owns its input channel; the
// SCP only ever holds the sender side through the bus, which breaks the
// observer back-reference the design would otherwise need.
package bus

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/reclaim"
)

// DefaultChannelCapacity bounds how far a processor may fall behind the SCP
// before stores start blocking on publish.
const DefaultChannelCapacity = 256

type Bus struct {
	mu      sync.RWMutex
	inputs  map[string]chan common.InstanceRef // keyed by called AE title
	orphans *reclaim.Queue
	log     *logrus.Entry
}

func New(orphans *reclaim.Queue, log *logrus.Logger) *Bus {
	return &Bus{
		inputs:  make(map[string]chan common.InstanceRef),
		orphans: orphans,
		log:     log.WithField("component", "bus"),
	}
}

// Register creates the input channel for the processor serving calledAE.
// At most one processor per called AE.
func (b *Bus) Register(calledAE string, capacity int) (<-chan common.InstanceRef, error) {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.inputs[calledAE]; exists {
		return nil, errors.Errorf("processor already registered for called AE %q", calledAE)
	}
	ch := make(chan common.InstanceRef, capacity)
	b.inputs[calledAE] = ch
	return ch, nil
}

// Publish delivers one InstanceStored event to the processor registered for
// the ref's called AE. An instance with no consumer goes straight to the
// cleanup queue. Publish blocks only when the processor's channel is full.
func (b *Bus) Publish(ref common.InstanceRef) {
	b.mu.RLock()
	ch, ok := b.inputs[ref.CalledAETitle]
	b.mu.RUnlock()

	if !ok {
		b.log.WithFields(logrus.Fields{
			"calledAE":    ref.CalledAETitle,
			"sopInstance": ref.SOPInstanceUID,
		}).Warn("no processor for called AE, reclaiming instance")
		b.orphans.Enqueue(ref)
		return
	}
	ch <- ref
}
