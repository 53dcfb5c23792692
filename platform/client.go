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

// Package platform submits batches to the external inference platform. The
// jobs and payloads services are plain REST; transport and HTTP errors
// surface as ordinary failures to the submitter.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
)

// JobsService creates and starts jobs on the platform.
type JobsService interface {
	CreateJob(ctx context.Context, pipelineID, jobName string, priority common.Priority) (common.JobReceipt, error)
	StartJob(ctx context.Context, receipt common.JobReceipt) error
}

// PayloadsService uploads a batch's files against the payload a job creation
// allocated.
type PayloadsService interface {
	UploadPayload(ctx context.Context, payloadID string, files []string) error
}

// Client implements both services over the platform's REST API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	log     *logrus.Entry
}

func NewClient(cfg common.PlatformConfig, log *logrus.Logger) *Client {
	return &Client{
		baseURL: cfg.Endpoint,
		token:   cfg.APIToken,
		hc:      &http.Client{Timeout: cfg.Timeout.Std()},
		log:     log.WithField("component", "platform"),
	}
}

type createJobRequest struct {
	PipelineID string `json:"pipelineId"`
	Name       string `json:"name"`
	Priority   string `json:"priority"`
}

func (c *Client) CreateJob(ctx context.Context, pipelineID, jobName string, priority common.Priority) (common.JobReceipt, error) {
	body, err := json.Marshal(createJobRequest{
		PipelineID: pipelineID,
		Name:       jobName,
		Priority:   priority.String(),
	})
	if err != nil {
		return common.JobReceipt{}, errors.Wrap(err, "encoding job request")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return common.JobReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var receipt common.JobReceipt
	if err := c.do(req, &receipt); err != nil {
		return common.JobReceipt{}, errors.Wrapf(err, "creating job %s on pipeline %s", jobName, pipelineID)
	}
	if receipt.JobID == "" || receipt.PayloadID == "" {
		return common.JobReceipt{}, errors.Errorf("platform returned incomplete receipt for job %s", jobName)
	}
	return receipt, nil
}

func (c *Client) StartJob(ctx context.Context, receipt common.JobReceipt) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/jobs/"+receipt.JobID+"/start", nil)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return errors.Wrapf(err, "starting job %s", receipt.JobID)
	}
	return nil
}

func (c *Client) UploadPayload(ctx context.Context, payloadID string, files []string) error {
	// Stream the multipart body; batches can be hundreds of megabytes.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeFileParts(mw, files)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/payloads/"+payloadID+"/files", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.do(req, nil); err != nil {
		return errors.Wrapf(err, "uploading %d files to payload %s", len(files), payloadID)
	}
	return nil
}

func writeFileParts(mw *multipart.Writer, files []string) error {
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "opening %s", path)
		}
		part, err := mw.CreateFormFile("files", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		_ = f.Close()
		if err != nil {
			return errors.Wrapf(err, "writing %s", path)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building platform request")
	}
	req.Header.Set("User-Agent", common.UserAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.WithFields(logrus.Fields{
		"method":  req.Method,
		"path":    req.URL.Path,
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("platform call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned %s: %s", resp.Status, string(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding platform response")
	}
	return nil
}
