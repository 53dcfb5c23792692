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

// Package scp terminates DICOM associations: it admits or rejects peers,
// serves C-ECHO and C-STORE, and commits an association's instances to the
// notification bus only when the peer releases cleanly. An aborted
// association contributes nothing.
package scp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/bus"
	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/reclaim"
	"github.com/openrad/dicombridge/registry"
	"github.com/openrad/dicombridge/store"
)

// Config is the SCP's slice of the process configuration.
type Config struct {
	ListenAddr           string
	MaxAssociations      int
	RejectUnknownSources bool

	// Transfer syntaxes accepted for verification presentation contexts.
	// Storage contexts accept whatever the peer proposes first.
	VerificationTransferSyntaxes []string

	// MaxPDULength is offered to peers in the A-ASSOCIATE-AC.
	MaxPDULength uint32

	// GraceWindow bounds how long in-flight associations may run after
	// shutdown begins before their connections are deadlined.
	GraceWindow time.Duration
}

// Gate is the admission slice of the storage gate.
type Gate interface {
	CanStore() bool
}

type Server struct {
	cfg      Config
	registry *registry.Registry
	gate     Gate
	store    *store.ReceptionStore
	bus      *bus.Bus
	cleanup  *reclaim.Queue
	log      *logrus.Entry

	assocSeq atomic.Uint64
	active   atomic.Int32
	wg       sync.WaitGroup
}

func NewServer(cfg Config, reg *registry.Registry, gate Gate, st *store.ReceptionStore, b *bus.Bus, cleanup *reclaim.Queue, log *logrus.Logger) *Server {
	if cfg.MaxAssociations <= 0 {
		cfg.MaxAssociations = common.DefaultMaxAssociations
	}
	if cfg.MaxAssociations > common.MaxAssociationsHardCap {
		cfg.MaxAssociations = common.MaxAssociationsHardCap
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = 16384
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = common.DefaultGraceShutdown
	}
	if len(cfg.VerificationTransferSyntaxes) == 0 {
		cfg.VerificationTransferSyntaxes = []string{
			common.ImplicitVRLittleEndian,
			common.ExplicitVRLittleEndian,
		}
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		gate:     gate,
		store:    st,
		bus:      b,
		cleanup:  cleanup,
		log:      log.WithField("component", "scp"),
	}
}

// ActiveAssociations reports the live association count for health reporting.
func (s *Server) ActiveAssociations() int {
	return int(s.active.Load())
}

// Run listens until ctx is cancelled, then stops accepting and lets
// in-flight associations finish within the grace window.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.ListenAddr)
	}
	s.log.WithField("addr", s.cfg.ListenAddr).Info("DICOM SCP listening")

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.log.Info("DICOM SCP stopped")
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Once shutdown begins, give the association the grace window to
	// release; after the deadline its reads fail and the abort path runs.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now().Add(s.cfg.GraceWindow))
		case <-watchDone:
		}
	}()

	h := &handler{server: s, conn: conn}
	h.run(ctx)
}
