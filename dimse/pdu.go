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
	"io"
	"strings"

	"github.com/pkg/errors"
)

// PDU types, P3.8 9.3.
const (
	pduTypeAssociateRQ byte = 0x01
	pduTypeAssociateAC byte = 0x02
	pduTypeAssociateRJ byte = 0x03
	pduTypeDataTF      byte = 0x04
	pduTypeReleaseRQ   byte = 0x05
	pduTypeReleaseRP   byte = 0x06
	pduTypeAbort       byte = 0x07
)

// Variable item types within associate PDUs.
const (
	itemApplicationContext       byte = 0x10
	itemPresentationContextRQ    byte = 0x20
	itemPresentationContextAC    byte = 0x21
	itemAbstractSyntax           byte = 0x30
	itemTransferSyntax           byte = 0x40
	itemUserInformation          byte = 0x50
	subItemMaxPDULength          byte = 0x51
	subItemImplementationClass   byte = 0x52
	subItemImplementationVersion byte = 0x55
)

// A-ASSOCIATE-RJ fields.
const (
	RejectResultPermanent byte = 1
	RejectResultTransient byte = 2

	RejectSourceServiceUser          byte = 1
	RejectSourceProviderACSE         byte = 2
	RejectSourceProviderPresentation byte = 3

	// Source 1 (service user) reasons.
	RejectReasonNoReasonGiven          byte = 1
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7

	// Source 3 (provider, presentation related) reasons.
	RejectReasonTemporaryCongestion byte = 1
	RejectReasonLocalLimitExceeded  byte = 2
)

// A-ABORT fields.
const (
	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2

	AbortReasonNotSpecified byte = 0
)

// Presentation context result values in an A-ASSOCIATE-AC.
const (
	ContextAccepted                   byte = 0
	ContextAbstractSyntaxNotSupported byte = 3
	ContextTransferSyntaxNotSupported byte = 4
)

// DefaultMaxPDULength is offered when the peer does not state one.
const DefaultMaxPDULength uint32 = 16384

// maxPDUBodyLength guards ReadPDU against hostile length fields.
const maxPDUBodyLength = 64 << 20

// PDU is one DICOM upper-layer protocol data unit.
type PDU interface {
	pduType() byte
}

// PresentationContextRQ is one proposed presentation context.
type PresentationContextRQ struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextAC is the acceptor's answer to one proposed context.
type PresentationContextAC struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

type AssociateRQ struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextRQ

	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

func (*AssociateRQ) pduType() byte { return pduTypeAssociateRQ }

type AssociateAC struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextAC

	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

func (*AssociateAC) pduType() byte { return pduTypeAssociateAC }

type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

func (*AssociateRJ) pduType() byte { return pduTypeAssociateRJ }

// PDV is one presentation data value within a P-DATA-TF.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

type DataTF struct {
	PDVs []PDV
}

func (*DataTF) pduType() byte { return pduTypeDataTF }

type ReleaseRQ struct{}

func (*ReleaseRQ) pduType() byte { return pduTypeReleaseRQ }

type ReleaseRP struct{}

func (*ReleaseRP) pduType() byte { return pduTypeReleaseRP }

type Abort struct {
	Source byte
	Reason byte
}

func (*Abort) pduType() byte { return pduTypeAbort }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ReadPDU reads exactly one PDU from r.
func ReadPDU(r io.Reader) (PDU, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(header[2:6])
	if bodyLen > maxPDUBodyLength {
		return nil, errors.Errorf("PDU body of %d bytes exceeds limit", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "reading PDU body")
	}

	switch header[0] {
	case pduTypeAssociateRQ:
		return decodeAssociateRQ(body)
	case pduTypeAssociateAC:
		return decodeAssociateAC(body)
	case pduTypeAssociateRJ:
		if len(body) < 4 {
			return nil, errors.New("short A-ASSOCIATE-RJ")
		}
		return &AssociateRJ{Result: body[1], Source: body[2], Reason: body[3]}, nil
	case pduTypeDataTF:
		return decodeDataTF(body)
	case pduTypeReleaseRQ:
		return &ReleaseRQ{}, nil
	case pduTypeReleaseRP:
		return &ReleaseRP{}, nil
	case pduTypeAbort:
		if len(body) < 4 {
			return nil, errors.New("short A-ABORT")
		}
		return &Abort{Source: body[2], Reason: body[3]}, nil
	default:
		return nil, errors.Errorf("unknown PDU type 0x%02X", header[0])
	}
}

// WritePDU encodes and writes one PDU.
func WritePDU(w io.Writer, p PDU) error {
	var body []byte
	switch v := p.(type) {
	case *AssociateRQ:
		body = encodeAssociateRQ(v)
	case *AssociateAC:
		body = encodeAssociateAC(v)
	case *AssociateRJ:
		body = []byte{0x00, v.Result, v.Source, v.Reason}
	case *DataTF:
		body = encodeDataTF(v)
	case *ReleaseRQ, *ReleaseRP:
		body = []byte{0x00, 0x00, 0x00, 0x00}
	case *Abort:
		body = []byte{0x00, 0x00, v.Source, v.Reason}
	default:
		return errors.Errorf("cannot encode PDU %T", p)
	}

	var buf bytes.Buffer
	buf.WriteByte(p.pduType())
	buf.WriteByte(0x00)
	lengthField := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthField, uint32(len(body)))
	buf.Write(lengthField)
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func padAETitle(title string) []byte {
	padded := make([]byte, 16)
	copy(padded, title)
	for i := len(title); i < 16; i++ {
		padded[i] = ' '
	}
	return padded
}

func trimAETitle(raw []byte) string {
	return strings.TrimRight(string(raw), " \x00")
}

func writeItem(buf *bytes.Buffer, itemType byte, value []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf.Write(length)
	buf.Write(value)
}

func encodeUserInformation(maxPDULength uint32, classUID, versionName string) []byte {
	var sub bytes.Buffer
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	writeItem(&sub, subItemMaxPDULength, maxLen)
	writeItem(&sub, subItemImplementationClass, []byte(classUID))
	if versionName != "" {
		writeItem(&sub, subItemImplementationVersion, []byte(versionName))
	}

	var out bytes.Buffer
	writeItem(&out, itemUserInformation, sub.Bytes())
	return out.Bytes()
}

func encodeAssociateRQ(rq *AssociateRQ) []byte {
	var buf bytes.Buffer
	version := rq.ProtocolVersion
	if version == 0 {
		version = 1
	}
	versionField := make([]byte, 2)
	binary.BigEndian.PutUint16(versionField, version)
	buf.Write(versionField)
	buf.Write([]byte{0x00, 0x00})
	buf.Write(padAETitle(rq.CalledAETitle))
	buf.Write(padAETitle(rq.CallingAETitle))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(rq.ApplicationContext))

	for _, pc := range rq.PresentationContexts {
		var item bytes.Buffer
		item.WriteByte(pc.ID)
		item.Write([]byte{0x00, 0x00, 0x00})
		writeItem(&item, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&item, itemTransferSyntax, []byte(ts))
		}
		writeItem(&buf, itemPresentationContextRQ, item.Bytes())
	}

	buf.Write(encodeUserInformation(rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersionName))
	return buf.Bytes()
}

func encodeAssociateAC(ac *AssociateAC) []byte {
	var buf bytes.Buffer
	version := ac.ProtocolVersion
	if version == 0 {
		version = 1
	}
	versionField := make([]byte, 2)
	binary.BigEndian.PutUint16(versionField, version)
	buf.Write(versionField)
	buf.Write([]byte{0x00, 0x00})
	// The AC echoes the AE title fields from the RQ.
	buf.Write(padAETitle(ac.CalledAETitle))
	buf.Write(padAETitle(ac.CallingAETitle))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(ac.ApplicationContext))

	for _, pc := range ac.PresentationContexts {
		var item bytes.Buffer
		item.WriteByte(pc.ID)
		item.WriteByte(0x00)
		item.WriteByte(pc.Result)
		item.WriteByte(0x00)
		writeItem(&item, itemTransferSyntax, []byte(pc.TransferSyntax))
		writeItem(&buf, itemPresentationContextAC, item.Bytes())
	}

	buf.Write(encodeUserInformation(ac.MaxPDULength, ac.ImplementationClassUID, ac.ImplementationVersionName))
	return buf.Bytes()
}

func encodeDataTF(d *DataTF) []byte {
	var buf bytes.Buffer
	for _, pdv := range d.PDVs {
		length := make([]byte, 4)
		binary.BigEndian.PutUint32(length, uint32(len(pdv.Data)+2))
		buf.Write(length)
		buf.WriteByte(pdv.ContextID)

		var control byte
		if pdv.Command {
			control |= 0x01
		}
		if pdv.Last {
			control |= 0x02
		}
		buf.WriteByte(control)
		buf.Write(pdv.Data)
	}
	return buf.Bytes()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type itemReader struct {
	data []byte
	pos  int
}

func (r *itemReader) next() (itemType byte, value []byte, ok bool, err error) {
	if r.pos >= len(r.data) {
		return 0, nil, false, nil
	}
	if r.pos+4 > len(r.data) {
		return 0, nil, false, errors.New("truncated item header")
	}
	itemType = r.data[r.pos]
	length := int(binary.BigEndian.Uint16(r.data[r.pos+2 : r.pos+4]))
	r.pos += 4
	if r.pos+length > len(r.data) {
		return 0, nil, false, errors.New("item overruns PDU")
	}
	value = r.data[r.pos : r.pos+length]
	r.pos += length
	return itemType, value, true, nil
}

func decodeAssociateRQ(body []byte) (*AssociateRQ, error) {
	if len(body) < 68 {
		return nil, errors.New("short A-ASSOCIATE-RQ")
	}
	rq := &AssociateRQ{
		ProtocolVersion: binary.BigEndian.Uint16(body[0:2]),
		CalledAETitle:   trimAETitle(body[4:20]),
		CallingAETitle:  trimAETitle(body[20:36]),
		MaxPDULength:    DefaultMaxPDULength,
	}

	items := &itemReader{data: body[68:]}
	for {
		itemType, value, ok, err := items.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch itemType {
		case itemApplicationContext:
			rq.ApplicationContext = string(value)
		case itemPresentationContextRQ:
			pc, err := decodePresentationContextRQ(value)
			if err != nil {
				return nil, err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, pc)
		case itemUserInformation:
			if err := decodeUserInformation(value, &rq.MaxPDULength, &rq.ImplementationClassUID, &rq.ImplementationVersionName); err != nil {
				return nil, err
			}
		}
	}
	return rq, nil
}

func decodeAssociateAC(body []byte) (*AssociateAC, error) {
	if len(body) < 68 {
		return nil, errors.New("short A-ASSOCIATE-AC")
	}
	ac := &AssociateAC{
		ProtocolVersion: binary.BigEndian.Uint16(body[0:2]),
		CalledAETitle:   trimAETitle(body[4:20]),
		CallingAETitle:  trimAETitle(body[20:36]),
		MaxPDULength:    DefaultMaxPDULength,
	}

	items := &itemReader{data: body[68:]}
	for {
		itemType, value, ok, err := items.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch itemType {
		case itemApplicationContext:
			ac.ApplicationContext = string(value)
		case itemPresentationContextAC:
			if len(value) < 4 {
				return nil, errors.New("short presentation context AC item")
			}
			pc := PresentationContextAC{ID: value[0], Result: value[2]}
			sub := &itemReader{data: value[4:]}
			for {
				subType, subValue, ok, err := sub.next()
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				if subType == itemTransferSyntax {
					pc.TransferSyntax = string(subValue)
				}
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case itemUserInformation:
			if err := decodeUserInformation(value, &ac.MaxPDULength, &ac.ImplementationClassUID, &ac.ImplementationVersionName); err != nil {
				return nil, err
			}
		}
	}
	return ac, nil
}

func decodePresentationContextRQ(value []byte) (PresentationContextRQ, error) {
	if len(value) < 4 {
		return PresentationContextRQ{}, errors.New("short presentation context item")
	}
	pc := PresentationContextRQ{ID: value[0]}
	sub := &itemReader{data: value[4:]}
	for {
		subType, subValue, ok, err := sub.next()
		if err != nil {
			return PresentationContextRQ{}, err
		}
		if !ok {
			break
		}
		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = string(subValue)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(subValue))
		}
	}
	if pc.AbstractSyntax == "" {
		return PresentationContextRQ{}, errors.New("presentation context without abstract syntax")
	}
	return pc, nil
}

func decodeUserInformation(value []byte, maxPDULength *uint32, classUID, versionName *string) error {
	sub := &itemReader{data: value}
	for {
		subType, subValue, ok, err := sub.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		switch subType {
		case subItemMaxPDULength:
			if len(subValue) == 4 {
				*maxPDULength = binary.BigEndian.Uint32(subValue)
			}
		case subItemImplementationClass:
			*classUID = string(subValue)
		case subItemImplementationVersion:
			*versionName = string(subValue)
		}
	}
}

func decodeDataTF(body []byte) (*DataTF, error) {
	d := &DataTF{}
	pos := 0
	for pos < len(body) {
		if pos+6 > len(body) {
			return nil, errors.New("truncated PDV header")
		}
		length := int(binary.BigEndian.Uint32(body[pos : pos+4]))
		if length < 2 || pos+4+length > len(body) {
			return nil, errors.New("PDV overruns PDU")
		}
		control := body[pos+5]
		pdv := PDV{
			ContextID: body[pos+4],
			Command:   control&0x01 != 0,
			Last:      control&0x02 != 0,
			Data:      body[pos+6 : pos+4+length],
		}
		d.PDVs = append(d.PDVs, pdv)
		pos += 4 + length
	}
	return d, nil
}
