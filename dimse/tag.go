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

// Package dimse implements the subset of the DICOM upper layer and DIMSE
// protocol the bridge needs as an SCP: PDU encoding and decoding, command-set
// encoding in implicit VR little endian, PDV fragmentation and reassembly,
// and a minimal element scanner for pulling identifier tags out of bare
// datasets.
package dimse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Tag is a DICOM (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("%04X,%04X", t.Group, t.Element)
}

// ParseTag parses the "gggg,eeee" hex form used in processor configuration.
func ParseTag(s string) (Tag, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Tag{}, errors.Errorf("invalid tag %q, want \"gggg,eeee\"", s)
	}
	group, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 16)
	if err != nil {
		return Tag{}, errors.Errorf("invalid tag group in %q", s)
	}
	element, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 16)
	if err != nil {
		return Tag{}, errors.Errorf("invalid tag element in %q", s)
	}
	return Tag{Group: uint16(group), Element: uint16(element)}, nil
}

// Dataset tags the core reads.
var (
	TagSOPClassUID       = Tag{0x0008, 0x0016}
	TagSOPInstanceUID    = Tag{0x0008, 0x0018}
	TagPatientID         = Tag{0x0010, 0x0020}
	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
)

// Command-set tags (group 0000).
var (
	tagCommandGroupLength        = Tag{0x0000, 0x0000}
	tagAffectedSOPClassUID       = Tag{0x0000, 0x0002}
	tagCommandField              = Tag{0x0000, 0x0100}
	tagMessageID                 = Tag{0x0000, 0x0110}
	tagMessageIDBeingRespondedTo = Tag{0x0000, 0x0120}
	tagPriority                  = Tag{0x0000, 0x0700}
	tagCommandDataSetType        = Tag{0x0000, 0x0800}
	tagStatus                    = Tag{0x0000, 0x0900}
	tagAffectedSOPInstanceUID    = Tag{0x0000, 0x1000}
)

// Item tags (group FFFE) used inside sequences.
var (
	tagItem                     = Tag{0xFFFE, 0xE000}
	tagItemDelimitationItem     = Tag{0xFFFE, 0xE00D}
	tagSequenceDelimitationItem = Tag{0xFFFE, 0xE0DD}
)
