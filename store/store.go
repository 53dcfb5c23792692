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

// Package store materializes received DICOM instances under the managed
// storage root using the layout
//
//	<root>/<calledAE>/<associationID>/dcm/<patientID>/<studyUID>/<seriesUID>/<sopUID>.dcm
//
// The layout is a contract with the reclaimer: every file sits at least three
// levels below the root, so empty-parent pruning can walk upward safely.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
)

// ErrOverwriteConflict is returned when an instance with the same SOP
// instance UID already exists for the called AE and overwriting is off.
var ErrOverwriteConflict = errors.New("instance already stored for this called AE")

// Instance carries everything Persist needs about one received instance.
type Instance struct {
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Payload           []byte
}

// AssociationContext identifies the association an instance arrived on.
type AssociationContext struct {
	CalledAETitle  string
	CallingAETitle string
	AssociationID  common.AssociationID
}

// ReceptionStore writes instances to disk and tracks which SOP instances are
// currently live per called AE, so a duplicate arriving on a later
// association is detected. The reclaimer calls Forget when it deletes a file.
type ReceptionStore struct {
	root string
	log  *logrus.Entry

	mu   sync.Mutex
	live map[string]string // "<calledAE>\x00<sopUID>" -> absolute path
}

func NewReceptionStore(root string, log *logrus.Logger) *ReceptionStore {
	return &ReceptionStore{
		root: root,
		log:  log.WithField("component", "store"),
		live: make(map[string]string),
	}
}

// Root returns the managed storage root.
func (s *ReceptionStore) Root() string { return s.root }

// Persist writes the instance payload durably and returns its ref. When a
// file for the same SOP instance UID is already live under the same called
// AE, the behavior depends on overwrite: replace the existing file atomically,
// or fail with ErrOverwriteConflict.
func (s *ReceptionStore) Persist(assoc AssociationContext, inst Instance, overwrite bool) (common.InstanceRef, error) {
	key := liveKey(assoc.CalledAETitle, inst.SOPInstanceUID)

	s.mu.Lock()
	existing, duplicate := s.live[key]
	s.mu.Unlock()

	var target string
	if duplicate {
		if !overwrite {
			return common.InstanceRef{}, errors.Wrapf(ErrOverwriteConflict,
				"sop instance %s on called AE %s", inst.SOPInstanceUID, assoc.CalledAETitle)
		}
		target = existing
	} else {
		target = filepath.Join(s.root,
			sanitizeComponent(assoc.CalledAETitle),
			fmt.Sprintf("%d", assoc.AssociationID),
			"dcm",
			sanitizeComponent(inst.PatientID),
			sanitizeComponent(inst.StudyInstanceUID),
			sanitizeComponent(inst.SeriesInstanceUID),
			sanitizeComponent(inst.SOPInstanceUID)+".dcm")
	}

	// MkdirAll is idempotent: concurrent persists sharing parents never
	// fail on directory-already-exists.
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return common.InstanceRef{}, errors.Wrap(err, "creating instance directory")
	}
	if err := writeAtomically(target, inst.Payload); err != nil {
		return common.InstanceRef{}, err
	}

	s.mu.Lock()
	s.live[key] = target
	s.mu.Unlock()

	ref := common.InstanceRef{
		PatientID:         inst.PatientID,
		StudyInstanceUID:  inst.StudyInstanceUID,
		SeriesInstanceUID: inst.SeriesInstanceUID,
		SOPInstanceUID:    inst.SOPInstanceUID,
		SOPClassUID:       inst.SOPClassUID,
		CalledAETitle:     assoc.CalledAETitle,
		CallingAETitle:    assoc.CallingAETitle,
		AssociationID:     assoc.AssociationID,
		ReceivedAt:        time.Now().UTC(),
		TransferSyntaxUID: inst.TransferSyntaxUID,
		AbsolutePath:      target,
	}
	s.log.WithFields(logrus.Fields{
		"calledAE":    assoc.CalledAETitle,
		"association": assoc.AssociationID,
		"sopInstance": inst.SOPInstanceUID,
		"bytes":       len(inst.Payload),
	}).Debug("instance persisted")
	return ref, nil
}

// Forget releases the liveness record for a ref. Called by the reclaimer
// after it deletes the file.
func (s *ReceptionStore) Forget(ref common.InstanceRef) {
	if ref.CalledAETitle == "" || ref.SOPInstanceUID == "" {
		return
	}
	key := liveKey(ref.CalledAETitle, ref.SOPInstanceUID)
	s.mu.Lock()
	// A later overwrite may have replaced the path; only drop our own entry.
	if s.live[key] == ref.AbsolutePath {
		delete(s.live, key)
	}
	s.mu.Unlock()
}

// writeAtomically writes via a temp file in the same directory and renames
// into place, so readers after the rename observe the full content.
func writeAtomically(target string, payload []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".recv-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(payload)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if writeErr == nil {
			writeErr = closeErr
		}
		return errors.Wrap(writeErr, "writing instance payload")
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "renaming instance into place")
	}
	return nil
}

// sanitizeComponent makes a DICOM string safe as a path component.
func sanitizeComponent(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "UNKNOWN"
	}
	v = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, v)
	if v == "." || v == ".." {
		return "_"
	}
	return v
}

func liveKey(calledAE, sopInstanceUID string) string {
	return calledAE + "\x00" + sopInstanceUID
}
