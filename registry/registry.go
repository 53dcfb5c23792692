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

// Package registry holds the read-mostly view of configured peers: the called
// AEs this node answers for, the calling AEs it admits, and the destinations
// exporters send to. Mutation comes from the external control plane as a
// wholesale snapshot swap; readers never see a torn view.
package registry

import (
	"strings"
	"sync/atomic"

	"github.com/openrad/dicombridge/common"
)

// CalledAE is one application entity this node answers for.
type CalledAE struct {
	Name                  string
	AETitle               string
	IgnoredSOPClasses     map[string]struct{}
	OverwriteSameInstance bool
	ProcessorConfig       map[string]string
}

// Ignores reports whether instances of the given SOP class are acknowledged
// but not persisted for this AE.
func (ae *CalledAE) Ignores(sopClassUID string) bool {
	_, ok := ae.IgnoredSOPClasses[sopClassUID]
	return ok
}

// AllowedSource is a (calling AE title, host) pair admitted when unknown
// sources are rejected.
type AllowedSource struct {
	AETitle  string
	HostOrIP string
}

// Destination is a DICOM export target. Owned here, consumed by exporters.
type Destination struct {
	Name    string
	AETitle string
	Host    string
	Port    int
}

// Snapshot is an immutable view of the three peer sets.
type Snapshot struct {
	calledAEs      map[string]*CalledAE // keyed by AE title
	allowedSources []AllowedSource
	destinations   map[string]*Destination // keyed by name
}

func NewSnapshot(calledAEs []CalledAE, sources []AllowedSource, dests []Destination) *Snapshot {
	s := &Snapshot{
		calledAEs:      make(map[string]*CalledAE, len(calledAEs)),
		allowedSources: append([]AllowedSource(nil), sources...),
		destinations:   make(map[string]*Destination, len(dests)),
	}
	for i := range calledAEs {
		ae := calledAEs[i]
		s.calledAEs[ae.AETitle] = &ae
	}
	for i := range dests {
		d := dests[i]
		s.destinations[d.Name] = &d
	}
	return s
}

// SnapshotFromConfig builds a snapshot from the startup configuration.
func SnapshotFromConfig(cfg *common.Config) *Snapshot {
	calledAEs := make([]CalledAE, 0, len(cfg.CalledAEs))
	for _, c := range cfg.CalledAEs {
		ignored := make(map[string]struct{}, len(c.IgnoredSOPClasses))
		for _, uid := range c.IgnoredSOPClasses {
			ignored[uid] = struct{}{}
		}
		calledAEs = append(calledAEs, CalledAE{
			Name:                  c.Name,
			AETitle:               c.AETitle,
			IgnoredSOPClasses:     ignored,
			OverwriteSameInstance: c.OverwriteSameInstance,
			ProcessorConfig:       c.ProcessorConfig,
		})
	}
	sources := make([]AllowedSource, 0, len(cfg.AllowedSources))
	for _, s := range cfg.AllowedSources {
		sources = append(sources, AllowedSource{AETitle: s.AETitle, HostOrIP: s.HostOrIP})
	}
	dests := make([]Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		dests = append(dests, Destination{Name: d.Name, AETitle: d.AETitle, Host: d.Host, Port: d.Port})
	}
	return NewSnapshot(calledAEs, sources, dests)
}

// CalledAE looks up a called AE by title.
func (s *Snapshot) CalledAE(aeTitle string) (*CalledAE, bool) {
	ae, ok := s.calledAEs[aeTitle]
	return ae, ok
}

// CalledAEs returns all configured called AEs.
func (s *Snapshot) CalledAEs() []*CalledAE {
	out := make([]*CalledAE, 0, len(s.calledAEs))
	for _, ae := range s.calledAEs {
		out = append(out, ae)
	}
	return out
}

// SourceAllowed reports whether the (calling AE, host) pair matches an
// allowed source. Host comparison is case-insensitive; AE titles are not.
func (s *Snapshot) SourceAllowed(callingAE, host string) bool {
	for _, src := range s.allowedSources {
		if src.AETitle == callingAE && strings.EqualFold(src.HostOrIP, host) {
			return true
		}
	}
	return false
}

// Destination looks up an export destination by name.
func (s *Snapshot) Destination(name string) (*Destination, bool) {
	d, ok := s.destinations[name]
	return d, ok
}

// Registry publishes snapshots atomically. Readers grab the current snapshot
// once per association (SCP) or once at construction (processors).
type Registry struct {
	current atomic.Pointer[Snapshot]
}

func New(initial *Snapshot) *Registry {
	r := &Registry{}
	if initial == nil {
		initial = NewSnapshot(nil, nil, nil)
	}
	r.current.Store(initial)
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace installs a new snapshot wholesale. In-flight readers keep the old
// view until they next call Snapshot.
func (r *Registry) Replace(s *Snapshot) {
	r.current.Store(s)
}
