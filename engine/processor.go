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

package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/dimse"
	"github.com/openrad/dicombridge/platform"
	"github.com/openrad/dicombridge/reclaim"
)

const jobNameTimeFormat = "20060102150405"

// Submitter is the slice of the job submitter the processor needs.
type Submitter interface {
	Submit(ctx context.Context, req platform.SubmitRequest) (common.JobReceipt, error)
}

// batch accumulates the instances sharing one grouping-tag value.
type batch struct {
	key           string
	items         []common.InstanceRef
	seen          map[string]int // SOP instance UID -> index into items
	lastArrivalAt time.Time
}

func (b *batch) upsert(ref common.InstanceRef, now time.Time) {
	if idx, dup := b.seen[ref.SOPInstanceUID]; dup {
		b.items[idx] = ref
	} else {
		b.seen[ref.SOPInstanceUID] = len(b.items)
		b.items = append(b.items, ref)
	}
	b.lastArrivalAt = now
}

// Processor is the per-called-AE grouping loop. The batches map is private
// to the Run goroutine; the submit loop only ever sees sealed batches
// through the pending queue.
type Processor struct {
	calledAE  string
	settings  Settings
	in        <-chan common.InstanceRef
	submitter Submitter
	cleanup   *reclaim.Queue
	log       *logrus.Entry

	batches map[string]*batch
	pending *common.Fifo[*batch]

	// tickInterval is shortened by tests.
	tickInterval time.Duration
}

func New(calledAE string, settings Settings, in <-chan common.InstanceRef, submitter Submitter, cleanup *reclaim.Queue, log *logrus.Logger) *Processor {
	return &Processor{
		calledAE:     calledAE,
		settings:     settings,
		in:           in,
		submitter:    submitter,
		cleanup:      cleanup,
		log:          log.WithField("component", "processor").WithField("calledAE", calledAE),
		batches:      make(map[string]*batch),
		pending:      common.NewFifo[*batch](),
		tickInterval: time.Second,
	}
}

// Run owns the processor until ctx is cancelled, then drains: the submit
// loop finishes or aborts its in-flight batch, and every instance still held
// anywhere is handed to the cleanup queue.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	submitDone := make(chan struct{})
	go func() {
		defer close(submitDone)
		p.submitLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-submitDone
			p.drain()
			return nil
		case ref := <-p.in:
			p.receive(ref)
		case <-ticker.C:
			p.sealIdle(time.Now())
		}
	}
}

// receive applies the reception rule: read the grouping tag from the stored
// file and upsert the batch for its value. An instance whose grouping tag is
// missing belongs to no batch; it goes straight to cleanup so it cannot leak.
func (p *Processor) receive(ref common.InstanceRef) {
	key, err := p.groupKey(ref)
	if err != nil || key == "" {
		entry := p.log.WithField("sopInstance", ref.SOPInstanceUID).WithField("tag", p.settings.GroupBy.String())
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Error("grouping tag unreadable or empty, reclaiming instance")
		p.cleanup.Enqueue(ref)
		return
	}

	b, ok := p.batches[key]
	if !ok {
		b = &batch{key: key, seen: make(map[string]int)}
		p.batches[key] = b
	}
	b.upsert(ref, time.Now())
}

func (p *Processor) groupKey(ref common.InstanceRef) (string, error) {
	data, err := os.ReadFile(ref.AbsolutePath)
	if err != nil {
		return "", err
	}
	return dimse.ScanString(data, ref.TransferSyntaxUID, p.settings.GroupBy)
}

// sealIdle moves batches quiet for at least the quiescence window to the
// pending queue.
func (p *Processor) sealIdle(now time.Time) {
	for key, b := range p.batches {
		if now.Sub(b.lastArrivalAt) < p.settings.Timeout {
			continue
		}
		delete(p.batches, key)
		if len(b.items) == 0 {
			p.log.WithField("key", key).Warn("sealed batch is empty, discarding")
			continue
		}
		common.MetricBatchesSealed.WithLabelValues(p.calledAE).Inc()
		p.log.WithFields(logrus.Fields{
			"key":       key,
			"instances": len(b.items),
		}).Info("batch sealed")
		p.pending.Enqueue(b)
	}
}

func (p *Processor) submitLoop(ctx context.Context) {
	for {
		b, err := p.pending.Dequeue(ctx)
		if err != nil {
			return
		}
		p.submitBatch(ctx, b)
	}
}

// submitBatch runs up to MaxRetry attempts, each submitting the batch to
// every configured pipeline. A failure anywhere retries the batch as a
// whole after jobRetryDelay. Win or lose, every instance ends up in the
// cleanup queue: a batch never parks files on disk forever.
func (p *Processor) submitBatch(ctx context.Context, b *batch) {
	files := make([]string, len(b.items))
	for i, item := range b.items {
		files[i] = item.AbsolutePath
	}
	names := make([]string, 0, len(p.settings.Pipelines))
	for name := range p.settings.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)

	attempt := 0
	operation := func() error {
		attempt++
		for _, name := range names {
			jobName := fmt.Sprintf("%s-%s-%s", p.calledAE, name, time.Now().UTC().Format(jobNameTimeFormat))
			receipt, err := p.submitter.Submit(ctx, platform.SubmitRequest{
				PipelineID: p.settings.Pipelines[name],
				JobName:    jobName,
				Priority:   p.settings.Priority,
				Files:      files,
			})
			if err != nil {
				common.MetricJobsSubmitted.WithLabelValues(p.settings.Pipelines[name], "error").Inc()
				p.log.WithError(err).WithFields(logrus.Fields{
					"key":      b.key,
					"pipeline": name,
					"attempt":  attempt,
				}).Warn("batch submission failed")
				return err
			}
			common.MetricJobsSubmitted.WithLabelValues(p.settings.Pipelines[name], "ok").Inc()
			p.log.WithFields(logrus.Fields{
				"key":      b.key,
				"pipeline": name,
				"jobId":    receipt.JobID,
			}).Info("batch submitted")
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.settings.JobRetryDelay), MaxRetry-1),
		ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"key":      b.key,
			"attempts": attempt,
		}).Error("batch submission exhausted, reclaiming instances")
	}

	for _, item := range b.items {
		p.cleanup.Enqueue(item)
	}
}

// drain hands everything still held to the cleanup queue: unsealed batches,
// sealed-but-unsubmitted batches, and events sitting unread in the input
// channel.
func (p *Processor) drain() {
	for key, b := range p.batches {
		delete(p.batches, key)
		for _, item := range b.items {
			p.cleanup.Enqueue(item)
		}
	}
	for {
		b, ok := p.pending.TryDequeue()
		if !ok {
			break
		}
		for _, item := range b.items {
			p.cleanup.Enqueue(item)
		}
	}
	for {
		select {
		case ref := <-p.in:
			p.cleanup.Enqueue(ref)
		default:
			p.log.Info("processor drained")
			return
		}
	}
}
