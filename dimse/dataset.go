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
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/openrad/dicombridge/common"
)

const undefinedLength = 0xFFFFFFFF

// Ecosystem DICOM parsers want Part 10 files with a preamble and file meta
// group. C-STORE payloads are bare datasets in the negotiated transfer
// syntax, so we carry our own top-level element scanner. It only ever
// extracts string values; pixel data and sequences are skipped.

// ScanStrings walks the top level of a bare dataset and returns the string
// values of the requested tags. Tags absent from the dataset are absent from
// the result. Values are trimmed of the trailing space/NUL padding DICOM
// requires for even length.
func ScanStrings(data []byte, transferSyntaxUID string, tags ...Tag) (map[Tag]string, error) {
	wanted := make(map[Tag]bool, len(tags))
	var maxGroup uint16
	for _, t := range tags {
		wanted[t] = true
		if t.Group > maxGroup {
			maxGroup = t.Group
		}
	}

	explicit := transferSyntaxUID != common.ImplicitVRLittleEndian
	order := byteOrderFor(transferSyntaxUID)

	out := make(map[Tag]string, len(tags))
	pos := 0
	for pos < len(data) && len(out) < len(wanted) {
		tag, vr, valueLen, headerLen, err := readElementHeader(data[pos:], explicit, order)
		if err != nil {
			return out, errors.Wrapf(err, "at offset %d", pos)
		}
		// Tags are stored in ascending order; once past the last wanted
		// group there is nothing left to find.
		if tag.Group > maxGroup && tag.Group != 0xFFFE {
			break
		}
		pos += headerLen

		if valueLen == undefinedLength {
			skipped, err := skipUndefinedLength(data[pos:], explicit, order)
			if err != nil {
				return out, errors.Wrapf(err, "skipping undefined-length %s", tag)
			}
			pos += skipped
			continue
		}
		if pos+int(valueLen) > len(data) {
			return out, errors.Errorf("element %s value of %d bytes overruns dataset", tag, valueLen)
		}
		if wanted[tag] && vr != "SQ" {
			out[tag] = trimPadding(data[pos : pos+int(valueLen)])
		}
		pos += int(valueLen)
	}
	return out, nil
}

// ScanString returns the value of a single tag, or "" if absent.
func ScanString(data []byte, transferSyntaxUID string, tag Tag) (string, error) {
	values, err := ScanStrings(data, transferSyntaxUID, tag)
	if err != nil {
		return "", err
	}
	return values[tag], nil
}

func byteOrderFor(transferSyntaxUID string) binary.ByteOrder {
	if transferSyntaxUID == common.ExplicitVRBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// VRs using the 12-byte header form (2 reserved bytes + 32-bit length).
var longFormVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OW": true,
	"SQ": true, "UC": true, "UR": true, "UT": true, "UN": true,
}

// readElementHeader decodes one element header and returns the tag, the VR
// ("" for implicit), the value length and the header length consumed.
func readElementHeader(data []byte, explicit bool, order binary.ByteOrder) (Tag, string, uint32, int, error) {
	if len(data) < 8 {
		return Tag{}, "", 0, 0, errors.New("truncated element header")
	}
	tag := Tag{Group: order.Uint16(data[0:2]), Element: order.Uint16(data[2:4])}

	// Item and delimitation tags always use the implicit 8-byte form.
	if tag.Group == 0xFFFE {
		return tag, "", order.Uint32(data[4:8]), 8, nil
	}
	if !explicit {
		return tag, "", order.Uint32(data[4:8]), 8, nil
	}

	vr := string(data[4:6])
	if longFormVRs[vr] {
		if len(data) < 12 {
			return Tag{}, "", 0, 0, errors.New("truncated long-form element header")
		}
		return tag, vr, order.Uint32(data[8:12]), 12, nil
	}
	return tag, vr, uint32(order.Uint16(data[6:8])), 8, nil
}

// skipUndefinedLength consumes the contents of an undefined-length sequence
// (or encapsulated pixel data) up to and including its sequence delimitation
// item, returning the number of bytes consumed.
func skipUndefinedLength(data []byte, explicit bool, order binary.ByteOrder) (int, error) {
	pos := 0
	for {
		if pos+8 > len(data) {
			return 0, errors.New("unterminated undefined-length sequence")
		}
		tag := Tag{Group: order.Uint16(data[pos : pos+2]), Element: order.Uint16(data[pos+2 : pos+4])}
		length := order.Uint32(data[pos+4 : pos+8])
		pos += 8

		switch tag {
		case tagSequenceDelimitationItem:
			return pos, nil
		case tagItem:
			if length == undefinedLength {
				skipped, err := skipUndefinedItem(data[pos:], explicit, order)
				if err != nil {
					return 0, err
				}
				pos += skipped
			} else {
				if pos+int(length) > len(data) {
					return 0, errors.New("sequence item overruns dataset")
				}
				pos += int(length)
			}
		default:
			return 0, errors.Errorf("unexpected tag %s inside undefined-length sequence", tag)
		}
	}
}

// skipUndefinedItem consumes elements of an undefined-length item up to and
// including its item delimitation item.
func skipUndefinedItem(data []byte, explicit bool, order binary.ByteOrder) (int, error) {
	pos := 0
	for {
		tag, _, valueLen, headerLen, err := readElementHeader(data[pos:], explicit, order)
		if err != nil {
			return 0, err
		}
		pos += headerLen
		if tag == tagItemDelimitationItem {
			return pos, nil
		}
		if valueLen == undefinedLength {
			skipped, err := skipUndefinedLength(data[pos:], explicit, order)
			if err != nil {
				return 0, err
			}
			pos += skipped
			continue
		}
		if pos+int(valueLen) > len(data) {
			return 0, errors.New("item element overruns dataset")
		}
		pos += int(valueLen)
	}
}

func trimPadding(value []byte) string {
	return strings.TrimRight(string(value), " \x00")
}
