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

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
)

// StorageGate is the slice of the storage gate the submitter needs: reading
// batch files back off disk is a retrieval.
type StorageGate interface {
	CanRetrieve() bool
}

// SubmitRequest is one (batch, pipeline) unit of work.
type SubmitRequest struct {
	PipelineID string
	JobName    string
	Priority   common.Priority
	Files      []string
}

// Submitter runs the create → upload → start sequence against the platform.
// It is stateless; a failed attempt leaves nothing behind and the next
// attempt creates a fresh receipt. Concurrency is bounded by a semaphore
// sized at construction.
type Submitter struct {
	jobs     JobsService
	payloads PayloadsService
	gate     StorageGate
	sem      chan struct{}
	log      *logrus.Entry
}

func NewSubmitter(jobs JobsService, payloads PayloadsService, gate StorageGate, workers int, log *logrus.Logger) *Submitter {
	if workers <= 0 {
		workers = common.DefaultSubmitWorkers
	}
	return &Submitter{
		jobs:     jobs,
		payloads: payloads,
		gate:     gate,
		sem:      make(chan struct{}, workers),
		log:      log.WithField("component", "submitter"),
	}
}

// Submit performs one attempt. Any failing step fails the whole attempt;
// success means StartJob returned OK. The receipt is returned for logging.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (common.JobReceipt, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return common.JobReceipt{}, ctx.Err()
	}

	if s.gate != nil && !s.gate.CanRetrieve() {
		return common.JobReceipt{}, errors.New("storage gate denies retrieval, deferring upload")
	}

	receipt, err := s.jobs.CreateJob(ctx, req.PipelineID, req.JobName, req.Priority)
	if err != nil {
		return common.JobReceipt{}, err
	}
	if err := s.payloads.UploadPayload(ctx, receipt.PayloadID, req.Files); err != nil {
		return common.JobReceipt{}, err
	}
	if err := s.jobs.StartJob(ctx, receipt); err != nil {
		return common.JobReceipt{}, err
	}

	s.log.WithFields(logrus.Fields{
		"job":      req.JobName,
		"jobId":    receipt.JobID,
		"pipeline": req.PipelineID,
		"files":    len(req.Files),
	}).Info("job started")
	return receipt, nil
}
