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
	"reflect"
	"time"

	"github.com/JeffreyRichter/enum/enum"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// AssociationID numbers accepted associations monotonically within one
// process. It is part of the on-disk naming contract for received instances.
type AssociationID uint64

// InstanceRef is the handle to one received DICOM instance on disk. It is
// created by the reception store, flows through the notification bus into the
// job processors and the job submitter, and is finally consumed by the
// reclaimer. The reclaimer is the only component that ever removes the file.
type InstanceRef struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string

	CalledAETitle  string
	CallingAETitle string
	AssociationID  AssociationID
	ReceivedAt     time.Time

	// TransferSyntaxUID is the negotiated syntax the payload was stored in.
	// The file holds the bare dataset byte-for-byte in this syntax.
	TransferSyntaxUID string

	// AbsolutePath is always below the managed storage root.
	AbsolutePath string
}

// JobReceipt identifies a job created on the inference platform. Opaque here;
// the payload id is only echoed back to the payloads service.
type JobReceipt struct {
	JobID     string `json:"id"`
	PayloadID string `json:"payloadId"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EPriority = Priority(1)

// Priority is the job priority propagated to job creation on the platform.
type Priority uint8

func (Priority) Lower() Priority     { return Priority(0) }
func (Priority) Normal() Priority    { return Priority(1) }
func (Priority) Higher() Priority    { return Priority(2) }
func (Priority) Immediate() Priority { return Priority(3) }

func (p *Priority) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(p), s, true, true)
	if err == nil {
		*p = val.(Priority)
	}
	return err
}

func (p Priority) String() string {
	return enum.StringInt(p, reflect.TypeOf(p))
}
