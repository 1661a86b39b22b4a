// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symtab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/app
00651000-00652000 rw-p 00051000 08:02 173521      /usr/bin/app
01e2d000-01e4e000 rw-p 00000000 00:00 0           [heap]
7f2c5a000000-7f2c5a1c0000 r-xp 00000000 08:02 135522      /usr/lib/libcuda.so.1
7f2c5a1c0000-7f2c5a3c0000 ---p 001c0000 08:02 135522      /usr/lib/libcuda.so.1
7ffd2b5f0000-7ffd2b611000 rw-p 00000000 00:00 0
`

func TestAddressBuffer_RoundTrip(t *testing.T) {
	b := NewAddressBuffer()
	b.AddStackTraceTable([]perfdata.Address{0xA, 0xB, 0, 0xA, 0})
	b.AddStackTrace(perfdata.StackTrace{0x7f0000001000})

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(2), b.Count(0xA))
	assert.Equal(t, []perfdata.Address{0xA, 0xB, 0x7f0000001000}, b.Addresses())

	back, err := UnmarshalAddressBuffer(b.Marshal())
	require.NoError(t, err)
	assert.Equal(t, b.Addresses(), back.Addresses())
	assert.Equal(t, uint64(2), back.Count(0xA))
	assert.Equal(t, uint64(1), back.Count(0x7f0000001000))

	other := NewAddressBuffer()
	other.Add(0xB)
	b.Merge(other)
	assert.Equal(t, uint64(2), b.Count(0xB))
}

func TestParseMaps(t *testing.T) {
	objects, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, objects, 2)

	assert.Equal(t, LinkedObject{
		Path:       "/usr/bin/app",
		Range:      perfdata.AddressRange{Begin: 0x400000, End: 0x652000},
		Executable: true,
	}, objects[0])
	assert.Equal(t, "/usr/lib/libcuda.so.1", objects[1].Path)
	assert.Equal(t, perfdata.Address(0x7f2c5a3c0000), objects[1].Range.End)
	assert.False(t, objects[1].Executable)

	_, err = ParseMaps(strings.NewReader("garbage\n"))
	assert.ErrorIs(t, err, ErrMalformedMaps)
}

func TestLinkedObjectGroup_RoundTrip(t *testing.T) {
	objects, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	g := LinkedObjectGroup{
		Thread:  perfdata.ThreadName{Host: "node1", PID: 7, PosixTID: perfdata.Ptr(uint64(8))},
		Time:    100,
		Objects: objects,
	}

	back, err := UnmarshalLinkedObjectGroup(g.Marshal())
	require.NoError(t, err)
	assert.Equal(t, g, back)

	obj, ok := g.Find(0x400100)
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/app", obj.Path)
	_, ok = g.Find(0x10)
	assert.False(t, ok)
}

func TestMapsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node1.7.maps"), []byte(sampleMaps), 0o644))

	d := &MapsDirectory{Dir: dir}
	thread := perfdata.ThreadName{Host: "node1", PID: 7, PosixTID: perfdata.Ptr(uint64(9))}

	g, ok := d.LinkedObjects(thread)
	require.True(t, ok)
	assert.Len(t, g.Objects, 2)
	assert.True(t, g.Thread.SameThread(thread))

	_, ok = d.LinkedObjects(perfdata.ThreadName{Host: "node2", PID: 7})
	assert.False(t, ok)
}
