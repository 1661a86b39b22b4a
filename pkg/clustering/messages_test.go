// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clustering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/internal/wire"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

func thread(host string, pid, tid uint64) perfdata.ThreadName {
	return perfdata.ThreadName{Host: host, PID: pid, PosixTID: perfdata.Ptr(tid)}
}

func TestThreadTable_RoundTrip(t *testing.T) {
	rank := thread("node-b", 20, 21)
	rank.MPIRank = perfdata.Ptr(int32(3))
	want := ThreadTable{
		UIDs:  []perfdata.ThreadUID{uid(0, 0), uid(0, 1), uid(4, 2)},
		Names: []perfdata.ThreadName{thread("node-a", 10, 11), {Host: "node-a", PID: 10}, rank},
	}

	got, err := UnmarshalThreadTable(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestThreadTable_Malformed(t *testing.T) {
	mismatched := ThreadTable{
		UIDs:  []perfdata.ThreadUID{uid(0, 0), uid(0, 1)},
		Names: []perfdata.ThreadName{thread("node-a", 10, 11)},
	}
	_, err := UnmarshalThreadTable(mismatched.Marshal())
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalThreadTable([]byte{0xff})
	assert.Error(t, err)
}

func TestThreadList_RoundTrip(t *testing.T) {
	want := ThreadList{thread("node-a", 10, 11), thread("node-a", 10, 12)}
	got, err := UnmarshalThreadList(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	empty, err := UnmarshalThreadList(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCriterion_RoundTrip(t *testing.T) {
	want := Criterion{
		Name: FingerprintName,
		Clusters: []CriterionCluster{
			{
				Representative: thread("node-a", 10, 11),
				Members:        []perfdata.ThreadName{thread("node-a", 10, 11), thread("node-b", 20, 21)},
			},
			{
				Representative: thread("node-c", 30, 31),
				Members:        []perfdata.ThreadName{thread("node-c", 30, 31)},
			},
		},
	}

	got, err := UnmarshalCriterion(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUID_RoundTrip(t *testing.T) {
	for _, want := range []perfdata.ThreadUID{uid(0, 0), uid(7, 3), uid(1<<31, 1<<31)} {
		got, err := unmarshalUID(marshalUID(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := unmarshalUID(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnmarshalState_Malformed(t *testing.T) {
	encode := func(fill func(e *wire.Encoder)) []byte {
		var e wire.Encoder
		fill(&e)
		return e.Bytes()
	}

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{
			name: "unknown naming",
			data: encode(func(e *wire.Encoder) {
				e.String(1, "fp")
				e.Uint(2, 9)
			}),
			err: ErrMalformed,
		},
		{
			name: "radius without cluster",
			data: encode(func(e *wire.Encoder) {
				e.String(1, "fp")
				e.Uint(2, uint64(NamingUnnamed))
				e.PackedFloats(6, []float32{1})
			}),
			err: ErrMalformed,
		},
		{
			name: "empty cluster",
			data: encode(func(e *wire.Encoder) {
				e.String(1, "fp")
				e.Uint(2, uint64(NamingUnnamed))
				e.Message(4, func(*wire.Encoder) {})
				e.PackedFloats(5, []float32{1})
				e.PackedFloats(6, []float32{0})
			}),
			err: ErrMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalState(tt.data)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	s := NewState("fp")
	require.NoError(t, s.Add(dense("fp", 1), uid(0, 0)))
	require.NoError(t, s.Add(dense("fp", 2), uid(0, 1)))
	data := s.Marshal()
	// Appending the same record again lists every thread twice.
	_, err := UnmarshalState(append(data, data...))
	assert.Error(t, err)
}

func TestTag_String(t *testing.T) {
	assert.Equal(t, "state", TagState.String())
	assert.Equal(t, "threads_finished", TagThreadsFinished.String())
	assert.Equal(t, "tag(99)", Tag(99).String())
}
