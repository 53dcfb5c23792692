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

package platform

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrad/dicombridge/common"
)

type fakeServices struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	receipt common.JobReceipt

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	block       chan struct{} // when set, CreateJob waits on it
}

func (f *fakeServices) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	failOn := f.failOn
	f.mu.Unlock()
	if failOn == name {
		return errors.Errorf("%s failed", name)
	}
	return nil
}

func (f *fakeServices) CreateJob(context.Context, string, string, common.Priority) (common.JobReceipt, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	if err := f.record("create"); err != nil {
		return common.JobReceipt{}, err
	}
	return f.receipt, nil
}

func (f *fakeServices) StartJob(context.Context, common.JobReceipt) error {
	return f.record("start")
}

func (f *fakeServices) UploadPayload(context.Context, string, []string) error {
	return f.record("upload")
}

func (f *fakeServices) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type openGate struct{ open bool }

func (g openGate) CanRetrieve() bool { return g.open }

func testRequest() SubmitRequest {
	return SubmitRequest{
		PipelineID: "pl-1",
		JobName:    "MAMMO_SCP-density-20240101120000",
		Priority:   common.EPriority.Normal(),
		Files:      []string{"/data/a.dcm"},
	}
}

func TestSubmitter_CreateUploadStartInOrder(t *testing.T) {
	a := assert.New(t)

	svc := &fakeServices{receipt: common.JobReceipt{JobID: "job-1", PayloadID: "pay-1"}}
	s := NewSubmitter(svc, svc, openGate{open: true}, 2, quietLogger())

	receipt, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	a.Equal("job-1", receipt.JobID)
	a.Equal([]string{"create", "upload", "start"}, svc.callLog())
}

func TestSubmitter_AnyStepFailureFailsAttempt(t *testing.T) {
	a := assert.New(t)

	for _, step := range []string{"create", "upload", "start"} {
		svc := &fakeServices{receipt: common.JobReceipt{JobID: "j", PayloadID: "p"}, failOn: step}
		s := NewSubmitter(svc, svc, openGate{open: true}, 1, quietLogger())

		_, err := s.Submit(context.Background(), testRequest())
		a.Error(err, step)
	}
}

func TestSubmitter_GateDeniesRetrieval(t *testing.T) {
	a := assert.New(t)

	svc := &fakeServices{receipt: common.JobReceipt{JobID: "j", PayloadID: "p"}}
	s := NewSubmitter(svc, svc, openGate{open: false}, 1, quietLogger())

	_, err := s.Submit(context.Background(), testRequest())
	a.Error(err)
	a.Empty(svc.callLog(), "a closed gate stops the attempt before any platform call")
}

func TestSubmitter_BoundsConcurrency(t *testing.T) {
	a := assert.New(t)

	svc := &fakeServices{
		receipt: common.JobReceipt{JobID: "j", PayloadID: "p"},
		block:   make(chan struct{}),
	}
	s := NewSubmitter(svc, svc, openGate{open: true}, 2, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), testRequest())
		}()
	}

	// Let the workers pile up against the blocked service, then release.
	time.Sleep(50 * time.Millisecond)
	close(svc.block)
	wg.Wait()

	a.LessOrEqual(svc.maxInFlight.Load(), int32(2))
}

func TestSubmitter_HonorsContextWhileQueued(t *testing.T) {
	a := assert.New(t)

	svc := &fakeServices{
		receipt: common.JobReceipt{JobID: "j", PayloadID: "p"},
		block:   make(chan struct{}),
	}
	s := NewSubmitter(svc, svc, openGate{open: true}, 1, quietLogger())

	// Occupy the only worker slot.
	go func() { _, _ = s.Submit(context.Background(), testRequest()) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Submit(ctx, testRequest())
	a.ErrorIs(err, context.Canceled)

	close(svc.block)
}
