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

package dimse

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrad/dicombridge/common"
)

func implicitString(buf *bytes.Buffer, tag Tag, value string) {
	if len(value)%2 == 1 {
		value += " "
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], tag.Group)
	binary.LittleEndian.PutUint16(header[2:4], tag.Element)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
	buf.Write(header)
	buf.WriteString(value)
}

func explicitShortString(buf *bytes.Buffer, tag Tag, vr, value string) {
	if len(value)%2 == 1 {
		value += " "
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], tag.Group)
	binary.LittleEndian.PutUint16(header[2:4], tag.Element)
	copy(header[4:6], vr)
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
	buf.Write(header)
	buf.WriteString(value)
}

func TestScanStrings_ImplicitVR(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	implicitString(&buf, TagSOPClassUID, "1.2.840.10008.5.1.4.1.1.1.2")
	implicitString(&buf, TagSOPInstanceUID, "1.9.8.7")
	implicitString(&buf, TagPatientID, "PAT001")
	implicitString(&buf, TagStudyInstanceUID, "1.2.3")
	implicitString(&buf, TagSeriesInstanceUID, "1.2.3.1")

	values, err := ScanStrings(buf.Bytes(), common.ImplicitVRLittleEndian,
		TagPatientID, TagStudyInstanceUID, TagSeriesInstanceUID, TagSOPInstanceUID)
	require.NoError(t, err)

	a.Equal("PAT001", values[TagPatientID])
	a.Equal("1.2.3", values[TagStudyInstanceUID])
	a.Equal("1.2.3.1", values[TagSeriesInstanceUID])
	a.Equal("1.9.8.7", values[TagSOPInstanceUID])
}

func TestScanStrings_ExplicitVR(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	explicitShortString(&buf, TagSOPInstanceUID, "UI", "1.9.8.7")
	explicitShortString(&buf, TagPatientID, "LO", "PAT001")
	explicitShortString(&buf, TagStudyInstanceUID, "UI", "1.2.3")

	values, err := ScanStrings(buf.Bytes(), common.ExplicitVRLittleEndian,
		TagPatientID, TagStudyInstanceUID)
	require.NoError(t, err)

	a.Equal("PAT001", values[TagPatientID])
	a.Equal("1.2.3", values[TagStudyInstanceUID])
}

func TestScanStrings_SkipsUndefinedLengthSequence(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	implicitString(&buf, TagPatientID, "PAT001")

	// Undefined-length sequence at (0018,xxxx), one defined-length item.
	seqTag := Tag{0x0018, 0x1234}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], seqTag.Group)
	binary.LittleEndian.PutUint16(header[2:4], seqTag.Element)
	binary.LittleEndian.PutUint32(header[4:8], 0xFFFFFFFF)
	buf.Write(header)

	item := make([]byte, 8)
	binary.LittleEndian.PutUint16(item[0:2], 0xFFFE)
	binary.LittleEndian.PutUint16(item[2:4], 0xE000)
	binary.LittleEndian.PutUint32(item[4:8], 4)
	buf.Write(item)
	buf.Write([]byte{1, 2, 3, 4})

	delim := make([]byte, 8)
	binary.LittleEndian.PutUint16(delim[0:2], 0xFFFE)
	binary.LittleEndian.PutUint16(delim[2:4], 0xE0DD)
	binary.LittleEndian.PutUint32(delim[4:8], 0)
	buf.Write(delim)

	implicitString(&buf, TagStudyInstanceUID, "1.2.3")

	values, err := ScanStrings(buf.Bytes(), common.ImplicitVRLittleEndian,
		TagPatientID, TagStudyInstanceUID)
	require.NoError(t, err)
	a.Equal("PAT001", values[TagPatientID])
	a.Equal("1.2.3", values[TagStudyInstanceUID])
}

func TestScanStrings_AbsentTag(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	implicitString(&buf, TagStudyInstanceUID, "1.2.3")

	values, err := ScanStrings(buf.Bytes(), common.ImplicitVRLittleEndian, TagPatientID, TagStudyInstanceUID)
	require.NoError(t, err)

	_, present := values[TagPatientID]
	a.False(present)
	a.Equal("1.2.3", values[TagStudyInstanceUID])

	v, err := ScanString(buf.Bytes(), common.ImplicitVRLittleEndian, TagPatientID)
	a.NoError(err)
	a.Equal("", v)
}

func TestScanStrings_TruncatedDataset(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	implicitString(&buf, TagPatientID, "PAT001")
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := ScanStrings(truncated, common.ImplicitVRLittleEndian, TagPatientID)
	a.Error(err)
}

func TestScanString_TrimsPadding(t *testing.T) {
	a := assert.New(t)

	var buf bytes.Buffer
	// UID padded with NUL to even length.
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], TagSOPInstanceUID.Group)
	binary.LittleEndian.PutUint16(header[2:4], TagSOPInstanceUID.Element)
	binary.LittleEndian.PutUint32(header[4:8], 8)
	buf.Write(header)
	buf.WriteString("1.2.3.4\x00")

	v, err := ScanString(buf.Bytes(), common.ImplicitVRLittleEndian, TagSOPInstanceUID)
	a.NoError(err)
	a.Equal("1.2.3.4", v)
}
