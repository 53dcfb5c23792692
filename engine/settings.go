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

// Package engine runs one job processor per called AE: it groups received
// instances by a configurable DICOM tag, seals groups after a quiescence
// window, and submits each sealed batch once per configured pipeline.
package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/dimse"
)

const (
	// MaxRetry bounds submission attempts per batch.
	MaxRetry = 3

	minTimeout           = 5 * time.Second
	defaultTimeout       = 5 * time.Second
	defaultJobRetryDelay = 5000 * time.Millisecond

	pipelineKeyPrefix = "pipeline-"
)

// Settings is the validated processor configuration of one called AE.
type Settings struct {
	// Timeout is the quiescence window: a batch is sealed after receiving
	// nothing for this long.
	Timeout time.Duration

	// JobRetryDelay separates submission attempts of a failed batch.
	JobRetryDelay time.Duration

	Priority common.Priority

	// GroupBy is the tag whose value partitions instances into batches.
	GroupBy dimse.Tag

	// Pipelines maps pipeline name to pipeline id. One batch is submitted
	// per pipeline per sealed group.
	Pipelines map[string]string
}

// Symbolic names accepted for groupBy besides the "gggg,eeee" form.
var namedGroupTags = map[string]dimse.Tag{
	"patientid":         dimse.TagPatientID,
	"studyinstanceuid":  dimse.TagStudyInstanceUID,
	"seriesinstanceuid": dimse.TagSeriesInstanceUID,
	"sopinstanceuid":    dimse.TagSOPInstanceUID,
}

// ParseSettings validates a raw processorConfig map. Unrecognized keys are an
// error: a typoed key silently changing grouping behavior is worse than a
// failed startup.
func ParseSettings(raw map[string]string) (Settings, error) {
	s := Settings{
		Timeout:       defaultTimeout,
		JobRetryDelay: defaultJobRetryDelay,
		Priority:      common.EPriority.Normal(),
		GroupBy:       dimse.TagStudyInstanceUID,
		Pipelines:     make(map[string]string),
	}

	for key, value := range raw {
		switch {
		case key == "timeout":
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return Settings{}, errors.Errorf("timeout: %q is not an integer", value)
			}
			if seconds < int(minTimeout/time.Second) {
				return Settings{}, errors.Errorf("timeout: minimum is %d seconds, got %d", int(minTimeout/time.Second), seconds)
			}
			s.Timeout = time.Duration(seconds) * time.Second

		case key == "jobRetryDelay":
			ms, err := strconv.Atoi(value)
			if err != nil || ms < 0 {
				return Settings{}, errors.Errorf("jobRetryDelay: %q is not a non-negative integer", value)
			}
			s.JobRetryDelay = time.Duration(ms) * time.Millisecond

		case key == "priority":
			if err := s.Priority.Parse(value); err != nil {
				return Settings{}, errors.Errorf("priority: %q is not one of lower, normal, higher, immediate", value)
			}

		case key == "groupBy":
			if tag, ok := namedGroupTags[strings.ToLower(value)]; ok {
				s.GroupBy = tag
				break
			}
			tag, err := dimse.ParseTag(value)
			if err != nil {
				return Settings{}, errors.Wrap(err, "groupBy")
			}
			s.GroupBy = tag

		case strings.HasPrefix(key, pipelineKeyPrefix):
			name := strings.TrimPrefix(key, pipelineKeyPrefix)
			if name == "" {
				return Settings{}, errors.New("pipeline key with empty name")
			}
			if value == "" {
				return Settings{}, errors.Errorf("pipeline %q has empty pipeline id", name)
			}
			s.Pipelines[name] = value

		default:
			return Settings{}, errors.Errorf("unrecognized processor config key %q", key)
		}
	}

	if len(s.Pipelines) == 0 {
		return Settings{}, errors.New("at least one pipeline-<name> entry is required")
	}
	return s, nil
}
