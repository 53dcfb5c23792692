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

	"github.com/pkg/errors"
)

// Message is one reassembled DIMSE message: its command set and, when the
// command announces one, the dataset bytes exactly as received.
type Message struct {
	ContextID byte
	Command   *CommandSet
	Data      []byte
}

// Reassembler accumulates PDV fragments into complete messages. One
// reassembler serves one association; the protocol forbids interleaving
// fragments of different messages.
type Reassembler struct {
	contextID   byte
	commandBuf  bytes.Buffer
	dataBuf     bytes.Buffer
	command     *CommandSet
	commandDone bool
}

// Add consumes one PDV. It returns a non-nil Message when the PDV completes
// one, and nil while fragments are still outstanding.
func (r *Reassembler) Add(pdv PDV) (*Message, error) {
	if r.commandBuf.Len() == 0 && r.dataBuf.Len() == 0 && !r.commandDone {
		r.contextID = pdv.ContextID
	} else if pdv.ContextID != r.contextID {
		return nil, errors.Errorf("interleaved PDV for context %d while assembling context %d", pdv.ContextID, r.contextID)
	}

	if pdv.Command {
		if r.commandDone {
			return nil, errors.New("command PDV after command set was complete")
		}
		r.commandBuf.Write(pdv.Data)
		if !pdv.Last {
			return nil, nil
		}
		cmd, err := DecodeCommandSet(r.commandBuf.Bytes())
		if err != nil {
			return nil, err
		}
		r.command = cmd
		r.commandDone = true
		if cmd.HasDataSet() {
			return nil, nil
		}
		msg := &Message{ContextID: r.contextID, Command: cmd}
		r.reset()
		return msg, nil
	}

	if !r.commandDone {
		return nil, errors.New("data PDV before command set")
	}
	r.dataBuf.Write(pdv.Data)
	if !pdv.Last {
		return nil, nil
	}
	msg := &Message{
		ContextID: r.contextID,
		Command:   r.command,
		Data:      append([]byte(nil), r.dataBuf.Bytes()...),
	}
	r.reset()
	return msg, nil
}

func (r *Reassembler) reset() {
	r.commandBuf.Reset()
	r.dataBuf.Reset()
	r.command = nil
	r.commandDone = false
}

// Fragment splits a command set or dataset into P-DATA-TF PDUs honoring the
// peer's maximum PDU length.
func Fragment(contextID byte, command bool, data []byte, maxPDULength uint32) []*DataTF {
	// 6 bytes of PDV overhead per fragment.
	chunkSize := int(maxPDULength) - 6
	if chunkSize <= 0 {
		chunkSize = int(DefaultMaxPDULength) - 6
	}

	var out []*DataTF
	for offset := 0; ; offset += chunkSize {
		remaining := len(data) - offset
		if remaining <= 0 && offset > 0 {
			break
		}
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		pdv := PDV{
			ContextID: contextID,
			Command:   command,
			Last:      remaining <= chunkSize,
			Data:      data[offset : offset+n],
		}
		out = append(out, &DataTF{PDVs: []PDV{pdv}})
		if pdv.Last {
			break
		}
	}
	return out
}
