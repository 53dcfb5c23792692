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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrad/dicombridge/common"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(common.PlatformConfig{Endpoint: srv.URL, APIToken: "secret"}, quietLogger())
}

func TestClient_CreateJob(t *testing.T) {
	a := assert.New(t)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Equal(http.MethodPost, r.Method)
		a.Equal("/api/v1/jobs", r.URL.Path)
		a.Equal("Bearer secret", r.Header.Get("Authorization"))
		a.Equal(common.UserAgent, r.Header.Get("User-Agent"))
		a.NotEmpty(r.Header.Get("X-Request-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		a.Equal("pl-1", body["pipelineId"])
		a.Equal("MAMMO_SCP-density-20240101120000", body["name"])
		a.Equal("Higher", body["priority"])

		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-9", "payloadId": "pay-9"})
	}))

	receipt, err := client.CreateJob(context.Background(), "pl-1", "MAMMO_SCP-density-20240101120000", common.EPriority.Higher())
	require.NoError(t, err)
	a.Equal("job-9", receipt.JobID)
	a.Equal("pay-9", receipt.PayloadID)
}

func TestClient_CreateJobRejectsIncompleteReceipt(t *testing.T) {
	a := assert.New(t)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "job-9"})
	}))

	_, err := client.CreateJob(context.Background(), "pl-1", "job", common.EPriority.Normal())
	a.ErrorContains(err, "incomplete receipt")
}

func TestClient_CreateJobSurfacesHTTPError(t *testing.T) {
	a := assert.New(t)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "pipeline not found", http.StatusNotFound)
	}))

	_, err := client.CreateJob(context.Background(), "pl-missing", "job", common.EPriority.Normal())
	a.ErrorContains(err, "404")
	a.ErrorContains(err, "pipeline not found")
}

func TestClient_StartJob(t *testing.T) {
	a := assert.New(t)

	var path string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))

	err := client.StartJob(context.Background(), common.JobReceipt{JobID: "job-9", PayloadID: "pay-9"})
	a.NoError(err)
	a.Equal("/api/v1/jobs/job-9/start", path)
}

func TestClient_UploadPayloadStreamsMultipart(t *testing.T) {
	a := assert.New(t)

	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.dcm")
	fileB := filepath.Join(dir, "b.dcm")
	require.NoError(t, os.WriteFile(fileA, []byte("content-a"), 0o644))
	require.NoError(t, os.WriteFile(fileB, []byte("content-b"), 0o644))

	received := map[string]string{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Equal("/api/v1/payloads/pay-9/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for _, header := range r.MultipartForm.File["files"] {
			f, err := header.Open()
			require.NoError(t, err)
			data, err := io.ReadAll(f)
			require.NoError(t, err)
			_ = f.Close()
			received[header.Filename] = string(data)
		}
	}))

	err := client.UploadPayload(context.Background(), "pay-9", []string{fileA, fileB})
	require.NoError(t, err)
	a.Equal(map[string]string{"a.dcm": "content-a", "b.dcm": "content-b"}, received)
}

func TestClient_UploadPayloadFailsOnMissingFile(t *testing.T) {
	a := assert.New(t)

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))

	err := client.UploadPayload(context.Background(), "pay-9", []string{filepath.Join(t.TempDir(), "nope.dcm")})
	a.Error(err)
}
