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

package scp

import (
	"context"
	stderrors "errors"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/dimse"
	"github.com/openrad/dicombridge/registry"
	"github.com/openrad/dicombridge/store"
)

// Association state machine, P3.8 flavored down to what an SCP needs.
type assocState int

const (
	stateAwaitingAssociate assocState = iota
	stateActive
	stateReleasing
	stateAborted
)

const associateTimeout = 30 * time.Second

type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

// handler drives one association from A-ASSOCIATE-RQ to termination.
type handler struct {
	server *Server
	conn   net.Conn
	log    *logrus.Entry

	state    assocState
	id       common.AssociationID
	calledAE *registry.CalledAE
	calling  string
	peerHost string

	peerMaxPDU  uint32
	contexts    map[byte]acceptedContext
	reassembler dimse.Reassembler

	// buffer holds instances accepted in this association. They are
	// published only on clean release; an abort sends them to cleanup.
	buffer []common.InstanceRef
}

func (h *handler) run(ctx context.Context) {
	h.state = stateAwaitingAssociate
	h.peerHost = peerHost(h.conn)
	h.log = h.server.log.WithField("peer", h.peerHost)

	_ = h.conn.SetReadDeadline(time.Now().Add(associateTimeout))
	pdu, err := dimse.ReadPDU(h.conn)
	if err != nil {
		h.log.WithError(err).Debug("connection closed before associate request")
		return
	}
	rq, ok := pdu.(*dimse.AssociateRQ)
	if !ok {
		h.log.Warnf("expected A-ASSOCIATE-RQ, got %T", pdu)
		h.abortProvider()
		return
	}
	_ = h.conn.SetReadDeadline(time.Time{})

	if !h.admit(rq) {
		return
	}
	if !h.accept(rq) {
		return
	}

	h.state = stateActive
	h.id = common.AssociationID(h.server.assocSeq.Add(1))
	h.server.active.Add(1)
	common.MetricActiveAssociations.Inc()
	defer func() {
		h.server.active.Add(-1)
		common.MetricActiveAssociations.Dec()
	}()

	h.log = h.log.WithFields(logrus.Fields{
		"association": h.id,
		"callingAE":   h.calling,
		"calledAE":    h.calledAE.AETitle,
	})
	h.log.Info("association established")

	h.serve(ctx)
}

// admit applies the admission rules in order; each failure answers with its
// specific reject code.
func (h *handler) admit(rq *dimse.AssociateRQ) bool {
	snapshot := h.server.registry.Snapshot()

	calledAE, known := snapshot.CalledAE(rq.CalledAETitle)
	if !known {
		h.reject("unknown-called-ae", rq,
			dimse.RejectResultPermanent, dimse.RejectSourceServiceUser, dimse.RejectReasonCalledAENotRecognized)
		return false
	}
	if h.server.cfg.RejectUnknownSources && !snapshot.SourceAllowed(rq.CallingAETitle, h.peerHost) {
		h.reject("unknown-calling-ae", rq,
			dimse.RejectResultPermanent, dimse.RejectSourceServiceUser, dimse.RejectReasonCallingAENotRecognized)
		return false
	}
	if !h.server.gate.CanStore() {
		h.reject("no-resources", rq,
			dimse.RejectResultTransient, dimse.RejectSourceProviderPresentation, dimse.RejectReasonLocalLimitExceeded)
		return false
	}
	if int(h.server.active.Load()) >= h.server.cfg.MaxAssociations {
		h.reject("too-many-associations", rq,
			dimse.RejectResultTransient, dimse.RejectSourceProviderPresentation, dimse.RejectReasonTemporaryCongestion)
		return false
	}

	h.calledAE = calledAE
	h.calling = rq.CallingAETitle
	return true
}

func (h *handler) reject(reason string, rq *dimse.AssociateRQ, result, source, reasonCode byte) {
	common.MetricAssociationsRejected.WithLabelValues(reason).Inc()
	h.log.WithFields(logrus.Fields{
		"reason":    reason,
		"callingAE": rq.CallingAETitle,
		"calledAE":  rq.CalledAETitle,
	}).Warn("association rejected")
	_ = dimse.WritePDU(h.conn, &dimse.AssociateRJ{Result: result, Source: source, Reason: reasonCode})
}

// accept negotiates presentation contexts and answers with A-ASSOCIATE-AC.
// Verification contexts are matched against the configured transfer-syntax
// allow-list; storage contexts take the peer's first proposed syntax, stored
// byte-for-byte with no transcoding.
func (h *handler) accept(rq *dimse.AssociateRQ) bool {
	h.peerMaxPDU = rq.MaxPDULength
	h.contexts = make(map[byte]acceptedContext, len(rq.PresentationContexts))

	results := make([]dimse.PresentationContextAC, 0, len(rq.PresentationContexts))
	for _, pc := range rq.PresentationContexts {
		result := dimse.PresentationContextAC{ID: pc.ID, Result: dimse.ContextTransferSyntaxNotSupported}

		if pc.AbstractSyntax == common.SOPClassVerification {
			for _, proposed := range pc.TransferSyntaxes {
				if h.verificationSyntaxAllowed(proposed) {
					result.Result = dimse.ContextAccepted
					result.TransferSyntax = proposed
					break
				}
			}
		} else if len(pc.TransferSyntaxes) > 0 {
			result.Result = dimse.ContextAccepted
			result.TransferSyntax = pc.TransferSyntaxes[0]
		}

		if result.Result == dimse.ContextAccepted {
			h.contexts[pc.ID] = acceptedContext{
				abstractSyntax: pc.AbstractSyntax,
				transferSyntax: result.TransferSyntax,
			}
		} else {
			// The RJ item must still carry a syntactically valid UID.
			result.TransferSyntax = common.ImplicitVRLittleEndian
		}
		results = append(results, result)
	}

	ac := &dimse.AssociateAC{
		CalledAETitle:             rq.CalledAETitle,
		CallingAETitle:            rq.CallingAETitle,
		ApplicationContext:        common.ApplicationContextName,
		PresentationContexts:      results,
		MaxPDULength:              h.server.cfg.MaxPDULength,
		ImplementationClassUID:    common.ImplementationClassUID,
		ImplementationVersionName: common.ImplementationVersionName,
	}
	if err := dimse.WritePDU(h.conn, ac); err != nil {
		h.log.WithError(err).Warn("failed to send associate accept")
		return false
	}
	return true
}

func (h *handler) verificationSyntaxAllowed(uid string) bool {
	for _, allowed := range h.server.cfg.VerificationTransferSyntaxes {
		if uid == allowed {
			return true
		}
	}
	return false
}

// serve is the Active-state loop. It exits through exactly one of three
// paths: clean release (commit), peer abort (discard), or transport loss
// (discard).
func (h *handler) serve(ctx context.Context) {
	for {
		// On shutdown the server deadlines the connection after the grace
		// window; the peer either releases in time or the read below fails
		// and the discard path runs.
		pdu, err := dimse.ReadPDU(h.conn)
		if err != nil {
			h.log.WithError(err).Warn("transport lost, discarding association")
			h.discard()
			return
		}

		switch p := pdu.(type) {
		case *dimse.DataTF:
			if err := h.handleData(p); err != nil {
				h.log.WithError(err).Warn("protocol error, aborting association")
				h.abortProvider()
				h.discard()
				return
			}

		case *dimse.ReleaseRQ:
			h.state = stateReleasing
			h.commit()
			_ = dimse.WritePDU(h.conn, &dimse.ReleaseRP{})
			h.log.WithField("instances", len(h.buffer)).Info("association released")
			return

		case *dimse.Abort:
			h.state = stateAborted
			h.log.WithFields(logrus.Fields{
				"source": p.Source,
				"reason": p.Reason,
			}).Warn("association aborted by peer")
			h.discard()
			return

		default:
			h.log.Warnf("unexpected PDU %T in active state", pdu)
			h.abortProvider()
			h.discard()
			return
		}
	}
}

func (h *handler) handleData(data *dimse.DataTF) error {
	for _, pdv := range data.PDVs {
		msg, err := h.reassembler.Add(pdv)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		switch msg.Command.CommandField {
		case dimse.CommandCEchoRQ:
			h.handleEcho(msg)
		case dimse.CommandCStoreRQ:
			h.handleStore(msg)
		default:
			h.log.Warnf("unsupported DIMSE command 0x%04X", msg.Command.CommandField)
			h.respond(msg, &dimse.CommandSet{
				CommandField:              msg.Command.CommandField | 0x8000,
				MessageIDBeingRespondedTo: msg.Command.MessageID,
				AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
				CommandDataSetType:        dimse.DataSetNotPresent,
				Status:                    dimse.StatusSOPClassNotSupported,
			})
		}
	}
	return nil
}

func (h *handler) handleEcho(msg *dimse.Message) {
	h.log.Debug("C-ECHO")
	h.respond(msg, &dimse.CommandSet{
		CommandField:              dimse.CommandCEchoRSP,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    dimse.StatusSuccess,
	})
}

// handleStore runs one C-STORE sub-operation: persist the dataset and record
// the ref in the association buffer. Nothing is published here; that happens
// on release.
func (h *handler) handleStore(msg *dimse.Message) {
	sopClassUID := msg.Command.AffectedSOPClassUID
	sopInstanceUID := msg.Command.AffectedSOPInstanceUID
	log := h.log.WithField("sopInstance", sopInstanceUID)

	accepted, known := h.contexts[msg.ContextID]
	if !known {
		log.Warn("C-STORE on unnegotiated presentation context")
		h.storeResponse(msg, dimse.StatusProcessingFailure)
		return
	}

	if h.calledAE.Ignores(sopClassUID) {
		log.WithField("sopClass", sopClassUID).Debug("SOP class ignored for this AE")
		h.storeResponse(msg, dimse.StatusSuccess)
		return
	}

	values, err := dimse.ScanStrings(msg.Data, accepted.transferSyntax,
		dimse.TagPatientID, dimse.TagStudyInstanceUID, dimse.TagSeriesInstanceUID, dimse.TagSOPInstanceUID)
	if err != nil {
		log.WithError(err).Warn("undecodable dataset")
		h.storeResponse(msg, dimse.StatusProcessingFailure)
		return
	}
	if uid := values[dimse.TagSOPInstanceUID]; uid != "" {
		sopInstanceUID = uid
	}

	ref, err := h.server.store.Persist(
		store.AssociationContext{
			CalledAETitle:  h.calledAE.AETitle,
			CallingAETitle: h.calling,
			AssociationID:  h.id,
		},
		store.Instance{
			PatientID:         values[dimse.TagPatientID],
			StudyInstanceUID:  values[dimse.TagStudyInstanceUID],
			SeriesInstanceUID: values[dimse.TagSeriesInstanceUID],
			SOPInstanceUID:    sopInstanceUID,
			SOPClassUID:       sopClassUID,
			TransferSyntaxUID: accepted.transferSyntax,
			Payload:           msg.Data,
		},
		h.calledAE.OverwriteSameInstance)

	switch {
	case err == nil:
		h.buffer = append(h.buffer, ref)
		common.MetricInstancesReceived.WithLabelValues(h.calledAE.AETitle).Inc()
		h.storeResponse(msg, dimse.StatusSuccess)

	case stderrors.Is(err, store.ErrOverwriteConflict):
		log.Warn("duplicate SOP instance")
		h.storeResponse(msg, dimse.StatusDuplicateSOPInstance)

	case stderrors.Is(err, syscall.ENOSPC):
		log.WithError(err).Error("disk full during C-STORE")
		h.storeResponse(msg, dimse.StatusOutOfResources)

	default:
		log.WithError(err).Error("failed to persist instance")
		h.storeResponse(msg, dimse.StatusProcessingFailure)
	}
}

func (h *handler) storeResponse(msg *dimse.Message, status uint16) {
	h.respond(msg, &dimse.CommandSet{
		CommandField:              dimse.CommandCStoreRSP,
		MessageIDBeingRespondedTo: msg.Command.MessageID,
		AffectedSOPClassUID:       msg.Command.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.Command.AffectedSOPInstanceUID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    status,
	})
}

func (h *handler) respond(msg *dimse.Message, rsp *dimse.CommandSet) {
	for _, pdu := range dimse.Fragment(msg.ContextID, true, dimse.EncodeCommandSet(rsp), h.peerMaxPDU) {
		if err := dimse.WritePDU(h.conn, pdu); err != nil {
			h.log.WithError(err).Warn("failed to send response")
			return
		}
	}
}

// commit publishes the association's buffered instances in reception order.
func (h *handler) commit() {
	for _, ref := range h.buffer {
		h.server.bus.Publish(ref)
	}
}

// discard routes every buffered instance to the cleanup queue without
// publishing. An association either fully commits or contributes nothing.
func (h *handler) discard() {
	if len(h.buffer) == 0 {
		return
	}
	h.log.WithField("instances", len(h.buffer)).Warn("discarding unreleased instances")
	for _, ref := range h.buffer {
		h.server.cleanup.Enqueue(ref)
	}
	h.buffer = nil
}

func (h *handler) abortProvider() {
	_ = dimse.WritePDU(h.conn, &dimse.Abort{
		Source: dimse.AbortSourceServiceProvider,
		Reason: dimse.AbortReasonNotSpecified,
	})
}

func peerHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
