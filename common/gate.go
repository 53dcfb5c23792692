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

package common

import (
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWatermarkPercent = 85.0
	DefaultReservedBytes    = 5 << 30 // 5 GiB
)

// DiskProber reports usage of the partition holding a path. Split out so the
// gate can be tested without a real filesystem.
type DiskProber interface {
	Usage(path string) (usedPercent float64, availableBytes uint64, err error)
}

type gopsutilProber struct{}

func (gopsutilProber) Usage(path string) (float64, uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return u.UsedPercent, u.Free, nil
}

// StorageGate answers whether the working partition has room for the three
// classes of disk activity. All three currently share one predicate; they are
// separate methods because their policies are expected to diverge.
// Must stay cheap: the SCP consults it on every association request.
type StorageGate struct {
	root             string
	watermarkPercent float64
	reservedBytes    uint64
	prober           DiskProber
	log              *logrus.Entry
}

func NewStorageGate(root string, watermarkPercent float64, reservedBytes uint64, log *logrus.Logger) *StorageGate {
	return &StorageGate{
		root:             root,
		watermarkPercent: watermarkPercent,
		reservedBytes:    reservedBytes,
		prober:           gopsutilProber{},
		log:              log.WithField("component", "storagegate"),
	}
}

// NewStorageGateWithProber is the test constructor.
func NewStorageGateWithProber(root string, watermarkPercent float64, reservedBytes uint64, prober DiskProber, log *logrus.Logger) *StorageGate {
	g := NewStorageGate(root, watermarkPercent, reservedBytes, log)
	g.prober = prober
	return g
}

func (g *StorageGate) CanStore() bool    { return g.hasRoom() }
func (g *StorageGate) CanExport() bool   { return g.hasRoom() }
func (g *StorageGate) CanRetrieve() bool { return g.hasRoom() }

// AvailableBytes reports actual free space regardless of the watermark.
func (g *StorageGate) AvailableBytes() uint64 {
	_, avail, err := g.prober.Usage(g.root)
	if err != nil {
		g.log.WithError(err).Warn("disk usage probe failed")
		return 0
	}
	return avail
}

func (g *StorageGate) hasRoom() bool {
	used, avail, err := g.prober.Usage(g.root)
	if err != nil {
		// A partition we cannot probe is a partition we cannot trust.
		g.log.WithError(err).Warn("disk usage probe failed")
		return false
	}
	return used < g.watermarkPercent && avail > g.reservedBytes
}
