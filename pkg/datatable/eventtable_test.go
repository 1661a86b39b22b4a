// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package datatable

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

func kernel(function string, ctx perfdata.Handle) KernelClass {
	return KernelClass{Context: ctx, KernelAttributes: blob.KernelAttributes{Function: function}}
}

func TestEventTable_Canonicalize(t *testing.T) {
	table := NewEventTable(kernelContext)

	a := table.Add(kernel("a", 0x1), Timing{Correlation: 1, TimeBegin: 10, TimeEnd: 20})
	b := table.Add(kernel("b", 0x2), Timing{Correlation: 2, TimeBegin: 15, TimeEnd: 25})
	again := table.Add(kernel("a", 0x1), Timing{Correlation: 3, TimeBegin: 30, TimeEnd: 40})

	assert.Equal(t, uint32(0), a)
	assert.Equal(t, uint32(1), b)
	assert.Equal(t, a, again)
	assert.Equal(t, 2, table.NumClasses())
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []perfdata.Handle{0x1, 0x2}, table.Contexts())

	class, ok := table.Class(b)
	require.True(t, ok)
	assert.Equal(t, "b", class.Function)
	_, ok = table.Class(9)
	assert.False(t, ok)
}

func TestEventTable_Import(t *testing.T) {
	table := NewEventTable(kernelContext)
	table.Add(kernel("local", 0x1), Timing{TimeBegin: 1, TimeEnd: 2})

	uid := table.ImportClass(40, kernel("imported", 0x1))
	assert.Equal(t, uint32(1), uid)
	require.NoError(t, table.ImportInstance(40, Timing{Correlation: 9, TimeBegin: 5, TimeEnd: 6}))
	assert.ErrorIs(t, table.ImportInstance(41, Timing{}), ErrUnknownClass)

	var got []string
	table.Visit(perfdata.Everything, func(c KernelClass, i Instance) bool {
		got = append(got, c.Function)
		return true
	})
	assert.Equal(t, []string{"local", "imported"}, got)
}

func TestEventTable_VisitIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	table := NewEventTable(kernelContext)
	var all []Timing
	for i := 0; i < 300; i++ {
		begin := perfdata.Time(rng.Intn(1000))
		end := begin + perfdata.Time(rng.Intn(80))
		timing := Timing{Correlation: perfdata.CorrelationID(i), TimeBegin: begin, TimeEnd: end}
		all = append(all, timing)
		table.Add(kernel("k", 0x1), timing)
	}

	for q := 0; q < 200; q++ {
		begin := perfdata.Time(rng.Intn(1100))
		query := perfdata.TimeInterval{Begin: begin, End: begin + perfdata.Time(rng.Intn(120))}

		want := make(map[perfdata.CorrelationID]bool)
		for _, timing := range all {
			if timing.Interval().Intersects(query) {
				want[timing.Correlation] = true
			}
		}
		got := make(map[perfdata.CorrelationID]bool)
		var last perfdata.Time
		table.Visit(query, func(_ KernelClass, i Instance) bool {
			assert.GreaterOrEqual(t, i.TimeBegin, last)
			last = i.TimeBegin
			got[i.Correlation] = true
			return true
		})
		require.Equal(t, want, got, "query %s", query)
	}
}

func TestEventTable_VisitStopsEarly(t *testing.T) {
	table := NewEventTable(kernelContext)
	for i := 0; i < 5; i++ {
		table.Add(kernel("k", 0x1), Timing{TimeBegin: perfdata.Time(i * 10), TimeEnd: perfdata.Time(i*10 + 5)})
	}
	n := 0
	complete := table.Visit(perfdata.Everything, func(KernelClass, Instance) bool {
		n++
		return n < 2
	})
	assert.False(t, complete)
	assert.Equal(t, 2, n)
}

func TestEventTable_OutOfOrderInserts(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	table := NewEventTable(kernelContext)
	const rounds, perRound = 20, 500

	for r := 0; r < rounds; r++ {
		for i := 0; i < perRound; i++ {
			begin := perfdata.Time(rng.Intn(100_000))
			table.Add(kernel("k", 0x1), Timing{
				Correlation: perfdata.CorrelationID(r*perRound + i),
				TimeBegin:   begin,
				TimeEnd:     begin + perfdata.Time(rng.Intn(50)),
			})
		}

		// Instances added after a visit are ordered again on the next one.
		var prev Instance
		n := 0
		table.VisitInstances(func(i Instance) bool {
			if n > 0 {
				require.LessOrEqual(t, prev.TimeBegin, i.TimeBegin)
				if prev.TimeBegin == i.TimeBegin {
					require.LessOrEqual(t, prev.TimeEnd, i.TimeEnd)
				}
			}
			prev = i
			n++
			return true
		})
		require.Equal(t, (r+1)*perRound, n)
	}
}

func TestEventTable_EqualIntervalsKeepInsertionOrder(t *testing.T) {
	table := NewEventTable(kernelContext)
	table.Add(kernel("k", 0x1), Timing{Correlation: 1, TimeBegin: 50, TimeEnd: 60})
	table.Add(kernel("k", 0x1), Timing{Correlation: 2, TimeBegin: 10, TimeEnd: 20})
	table.Add(kernel("k", 0x1), Timing{Correlation: 3, TimeBegin: 50, TimeEnd: 60})
	table.Add(kernel("k", 0x1), Timing{Correlation: 4, TimeBegin: 10, TimeEnd: 15})

	var got []perfdata.CorrelationID
	table.Visit(perfdata.Everything, func(_ KernelClass, i Instance) bool {
		got = append(got, i.Correlation)
		return true
	})
	assert.Equal(t, []perfdata.CorrelationID{4, 2, 1, 3}, got)
}
