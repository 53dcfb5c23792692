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

	"github.com/pkg/errors"
)

// DIMSE command field values.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
)

// DIMSE status values the SCP returns.
const (
	StatusSuccess              uint16 = 0x0000
	StatusProcessingFailure    uint16 = 0x0110
	StatusDuplicateSOPInstance uint16 = 0x0111
	StatusSOPClassNotSupported uint16 = 0x0122
	StatusOutOfResources       uint16 = 0xA700
)

// CommandDataSetType value meaning "no data set follows".
const DataSetNotPresent uint16 = 0x0101

// CommandSet is the decoded group-0000 command of one DIMSE message.
// Command sets are always implicit VR little endian regardless of the
// negotiated transfer syntax.
type CommandSet struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
}

func (c *CommandSet) HasDataSet() bool {
	return c.CommandDataSetType != DataSetNotPresent
}

func writeCommandElement(buf *bytes.Buffer, tag Tag, value []byte) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], tag.Group)
	binary.LittleEndian.PutUint16(header[2:4], tag.Element)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
	buf.Write(header)
	buf.Write(value)
}

func writeCommandUS(buf *bytes.Buffer, tag Tag, value uint16) {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, value)
	writeCommandElement(buf, tag, v)
}

func writeCommandUI(buf *bytes.Buffer, tag Tag, value string) {
	if value == "" {
		return
	}
	v := []byte(value)
	if len(v)%2 == 1 {
		v = append(v, 0x00) // UIDs pad to even length with NUL
	}
	writeCommandElement(buf, tag, v)
}

// EncodeCommandSet serializes a command set, group length element first.
func EncodeCommandSet(c *CommandSet) []byte {
	var body bytes.Buffer
	writeCommandUI(&body, tagAffectedSOPClassUID, c.AffectedSOPClassUID)
	writeCommandUS(&body, tagCommandField, c.CommandField)
	if c.MessageID != 0 {
		writeCommandUS(&body, tagMessageID, c.MessageID)
	}
	if c.MessageIDBeingRespondedTo != 0 {
		writeCommandUS(&body, tagMessageIDBeingRespondedTo, c.MessageIDBeingRespondedTo)
	}
	if c.Priority != 0 {
		writeCommandUS(&body, tagPriority, c.Priority)
	}
	writeCommandUS(&body, tagCommandDataSetType, c.CommandDataSetType)
	if c.CommandField&0x8000 != 0 {
		writeCommandUS(&body, tagStatus, c.Status)
	}
	writeCommandUI(&body, tagAffectedSOPInstanceUID, c.AffectedSOPInstanceUID)

	var out bytes.Buffer
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(body.Len()))
	writeCommandElement(&out, tagCommandGroupLength, groupLen)
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeCommandSet parses an implicit VR little endian command set.
func DecodeCommandSet(data []byte) (*CommandSet, error) {
	c := &CommandSet{CommandDataSetType: DataSetNotPresent}
	sawCommandField := false

	pos := 0
	for pos < len(data) {
		if pos+8 > len(data) {
			return nil, errors.New("truncated command element")
		}
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[pos : pos+2]),
			Element: binary.LittleEndian.Uint16(data[pos+2 : pos+4]),
		}
		length := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		pos += 8
		if pos+length > len(data) {
			return nil, errors.Errorf("command element %s overruns command set", tag)
		}
		value := data[pos : pos+length]
		pos += length

		switch tag {
		case tagCommandField:
			c.CommandField = decodeUS(value)
			sawCommandField = true
		case tagMessageID:
			c.MessageID = decodeUS(value)
		case tagMessageIDBeingRespondedTo:
			c.MessageIDBeingRespondedTo = decodeUS(value)
		case tagAffectedSOPClassUID:
			c.AffectedSOPClassUID = trimPadding(value)
		case tagAffectedSOPInstanceUID:
			c.AffectedSOPInstanceUID = trimPadding(value)
		case tagPriority:
			c.Priority = decodeUS(value)
		case tagCommandDataSetType:
			c.CommandDataSetType = decodeUS(value)
		case tagStatus:
			c.Status = decodeUS(value)
		}
	}
	if !sawCommandField {
		return nil, errors.New("command set without command field")
	}
	return c, nil
}

func decodeUS(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}
