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

// Package reclaim deletes handed-off instance files and prunes the empty
// directories they leave behind, strictly inside the managed storage root.
// Every InstanceRef that reaches the queue is eventually removed from disk;
// together with the layout contract this keeps the root free of orphans.
package reclaim

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openrad/dicombridge/common"
)

// Queue is the unbounded FIFO of instances marked for deletion. Producers
// are the SCP (association abort), the processors (after submission) and the
// bus (orphan route); the single reclaimer worker is the consumer.
type Queue = common.Fifo[common.InstanceRef]

func NewQueue() *Queue {
	return common.NewFifo[common.InstanceRef]()
}

// Releaser is notified when a ref's file is gone, so duplicate detection
// stops considering it live. The reception store implements this.
type Releaser interface {
	Forget(ref common.InstanceRef)
}

// Reclaimer is the single background worker draining the queue.
type Reclaimer struct {
	root     string
	queue    *Queue
	releaser Releaser
	log      *logrus.Entry
}

func NewReclaimer(root string, queue *Queue, releaser Releaser, log *logrus.Logger) *Reclaimer {
	return &Reclaimer{
		root:     filepath.Clean(root),
		queue:    queue,
		releaser: releaser,
		log:      log.WithField("component", "reclaimer"),
	}
}

// Run drains the queue until ctx is cancelled. It finishes the delete in
// hand before exiting. Bad input is logged and swallowed; the worker must
// outlive any individual failure.
func (r *Reclaimer) Run(ctx context.Context) error {
	for {
		ref, err := r.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		r.reclaim(ref)
	}
}

func (r *Reclaimer) reclaim(ref common.InstanceRef) {
	path := filepath.Clean(ref.AbsolutePath)
	if !r.inRoot(path) {
		r.log.WithField("path", ref.AbsolutePath).Error("refusing to reclaim path outside managed root")
		return
	}

	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			r.log.WithError(err).WithField("path", path).Warn("delete failed")
			// Leave pruning alone; the file may still be there.
			return
		}
	} else {
		common.MetricFilesReclaimed.Inc()
		r.log.WithField("path", path).Debug("file reclaimed")
	}

	if r.releaser != nil {
		r.releaser.Forget(ref)
	}
	r.pruneEmptyParents(filepath.Dir(path))
}

// Drain synchronously reclaims everything currently queued. Called once at
// shutdown, after the producers have stopped, so refs enqueued during the
// final processor drain do not wait for the next startup sweep.
func (r *Reclaimer) Drain() {
	for {
		ref, ok := r.queue.TryDequeue()
		if !ok {
			return
		}
		r.reclaim(ref)
	}
}

// pruneEmptyParents removes directories that became empty, walking upward
// but never past (or into) the managed root itself.
func (r *Reclaimer) pruneEmptyParents(dir string) {
	for {
		dir = filepath.Clean(dir)
		if dir == r.root || !r.inRoot(dir) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			r.log.WithError(err).WithField("dir", dir).Debug("prune failed")
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (r *Reclaimer) inRoot(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// SweepExisting enqueues every file already under the root. Called once at
// startup so leftovers from a previous crash are reclaimed rather than
// accumulating.
func (r *Reclaimer) SweepExisting() {
	count := 0
	_ = filepath.WalkDir(r.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		r.queue.Enqueue(common.InstanceRef{AbsolutePath: path})
		count++
		return nil
	})
	if count > 0 {
		r.log.WithField("files", count).Info("queued leftover files from previous run")
	}
}
