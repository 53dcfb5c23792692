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

package bus

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrad/dicombridge/common"
	"github.com/openrad/dicombridge/reclaim"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestBus_RoutesByCalledAE(t *testing.T) {
	a := assert.New(t)

	orphans := reclaim.NewQueue()
	b := New(orphans, quietLogger())

	mammo, err := b.Register("MAMMO_SCP", 4)
	require.NoError(t, err)
	chest, err := b.Register("CHEST_SCP", 4)
	require.NoError(t, err)

	b.Publish(common.InstanceRef{CalledAETitle: "MAMMO_SCP", SOPInstanceUID: "1.1"})
	b.Publish(common.InstanceRef{CalledAETitle: "CHEST_SCP", SOPInstanceUID: "2.1"})
	b.Publish(common.InstanceRef{CalledAETitle: "MAMMO_SCP", SOPInstanceUID: "1.2"})

	a.Equal("1.1", (<-mammo).SOPInstanceUID)
	a.Equal("1.2", (<-mammo).SOPInstanceUID)
	a.Equal("2.1", (<-chest).SOPInstanceUID)
	a.Equal(0, orphans.Len())
}

func TestBus_RejectsDuplicateRegistration(t *testing.T) {
	a := assert.New(t)

	b := New(reclaim.NewQueue(), quietLogger())
	_, err := b.Register("MAMMO_SCP", 0)
	a.NoError(err)
	_, err = b.Register("MAMMO_SCP", 0)
	a.Error(err)
}

func TestBus_OrphansGoToCleanup(t *testing.T) {
	a := assert.New(t)

	orphans := reclaim.NewQueue()
	b := New(orphans, quietLogger())

	b.Publish(common.InstanceRef{CalledAETitle: "NOBODY_SCP", SOPInstanceUID: "9.9"})

	require.Equal(t, 1, orphans.Len())
	ref, ok := orphans.TryDequeue()
	require.True(t, ok)
	a.Equal("9.9", ref.SOPInstanceUID)
}
