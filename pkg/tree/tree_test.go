// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/clustering"
	"github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

func appThread(host string) perfdata.ThreadName {
	return perfdata.ThreadName{Host: host, PID: 10, PosixTID: perfdata.Ptr(uint64(11))}
}

// hostTable returns a table whose application thread launched n kernels
// of the given duration.
func hostTable(t *testing.T, host string, n int, duration perfdata.Time) *datatable.Table {
	t.Helper()
	activity := perfdata.ThreadName{Host: host, PID: 10, PosixTID: perfdata.Ptr(uint64(99))}
	table := datatable.New()
	require.NoError(t, table.Process(&blob.Blob{
		Header: blob.HeaderFor(activity),
		Messages: []blob.Message{
			&blob.DeviceInfo{DeviceID: 0, Name: "Test GPU", ComputeCapability: [2]uint32{8, 0}, Multiprocessors: 108},
			&blob.ContextInfo{Context: 0x100, DeviceID: 0},
		},
	}))
	for i := range n {
		corr := perfdata.CorrelationID(i + 1)
		start := perfdata.Time(1000 + i*100000)
		require.NoError(t, table.Process(&blob.Blob{
			Header:      blob.HeaderFor(appThread(host)),
			StackTraces: []perfdata.Address{0x401000, 0},
			Messages: []blob.Message{
				&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: corr, Context: 0x100, Stream: 0x7, Time: start}},
			},
		}))
		require.NoError(t, table.Process(&blob.Blob{
			Header: blob.HeaderFor(activity),
			Messages: []blob.Message{
				&blob.CompletedExec{Correlation: corr, TimeBegin: start + 5, TimeEnd: start + 5 + duration,
					KernelAttributes: blob.KernelAttributes{Function: "gemm"}},
			},
		}))
	}
	return table
}

type recorder struct {
	mu      sync.Mutex
	packets []clustering.Packet
}

func (r *recorder) send(p clustering.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
	return nil
}

func (r *recorder) criterion(t *testing.T) clustering.Criterion {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []clustering.Criterion
	for _, p := range r.packets {
		if p.Tag == clustering.TagCriterion {
			c, err := clustering.UnmarshalCriterion(p.Payload)
			require.NoError(t, err)
			found = append(found, c)
		}
	}
	require.Len(t, found, 1)
	return found[0]
}

func (r *recorder) last() clustering.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets[len(r.packets)-1].Tag
}

func TestRun(t *testing.T) {
	tests := []struct {
		name   string
		fanout int
	}{
		{name: "flat", fanout: 0},
		{name: "one filter level", fanout: 3},
		{name: "two filter levels", fanout: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tables []*datatable.Table
			for i := range 5 {
				tables = append(tables, hostTable(t, fmt.Sprintf("node-%d", i), 2, 300))
			}
			tables = append(tables, hostTable(t, "node-slow", 40, 80000))

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			var out recorder
			require.NoError(t, Run(ctx, tables, out.send, WithFanout(tt.fanout)))

			assert.Equal(t, clustering.TagThreadsFinished, out.last())
			c := out.criterion(t)
			require.Len(t, c.Clusters, 2)

			sizes := map[int]perfdata.ThreadName{}
			for _, cluster := range c.Clusters {
				sizes[len(cluster.Members)] = cluster.Representative
			}
			assert.Equal(t, appThread("node-0"), sizes[5])
			assert.Equal(t, appThread("node-slow"), sizes[1])
		})
	}
}

func TestRun_LeafFailure(t *testing.T) {
	failing := clustering.ExtractorFunc(func(*datatable.Table, perfdata.ThreadName) ([]clustering.FeatureVector, error) {
		return nil, errors.New("no counters")
	})
	tables := []*datatable.Table{hostTable(t, "node-a", 1, 10), hostTable(t, "node-b", 1, 10)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out recorder
	err := Run(ctx, tables, out.send, WithNodeOptions(clustering.WithExtractor(failing)))
	require.Error(t, err)
	assert.ErrorContains(t, err, "no counters")
	assert.Empty(t, out.packets)
}

func TestRun_Cancelled(t *testing.T) {
	// node-b never finishes publishing until released, so the root waits
	// until the run is cancelled.
	var started sync.Once
	extracting := make(chan struct{})
	release := make(chan struct{})
	slow := clustering.ExtractorFunc(func(table *datatable.Table, thread perfdata.ThreadName) ([]clustering.FeatureVector, error) {
		if thread.Host == "node-b" {
			started.Do(func() { close(extracting) })
			<-release
		}
		return clustering.GPUFingerprint{}.Extract(table, thread)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tables := []*datatable.Table{hostTable(t, "node-a", 1, 10), hostTable(t, "node-b", 1, 10)}
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, tables, func(clustering.Packet) error { return nil },
			WithNodeOptions(clustering.WithExtractor(slow)))
	}()

	<-extracting
	cancel()
	// Run waits for every node, including the blocked leaf.
	select {
	case err := <-done:
		t.Fatalf("run returned before the blocked leaf was released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRun_NoLeaves(t *testing.T) {
	assert.ErrorIs(t, Run(context.Background(), nil, nil), ErrNoLeaves)
}

func TestMailbox(t *testing.T) {
	m := newMailbox[int]()
	for i := range 1000 {
		m.Put(i)
	}
	for i := range 1000 {
		assert.Equal(t, i, <-m.Out())
	}
	m.Put(7)
	m.Close()
	for range m.Out() {
	}
	m.Close()
}

func TestMerger(t *testing.T) {
	a, b := make(chan int), make(chan int)
	m := newMerger[int](a, b)
	go func() {
		for i := range 3 {
			a <- i
		}
		close(a)
	}()
	go func() {
		for i := 10; i < 13; i++ {
			b <- i
		}
		close(b)
	}()

	var fromA, fromB []int
	for v := range m.Out() {
		if v < 10 {
			fromA = append(fromA, v)
		} else {
			fromB = append(fromB, v)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, fromA)
	assert.Equal(t, []int{10, 11, 12}, fromB)
	m.Close()
}

func TestMerger_Close(t *testing.T) {
	in := make(chan int)
	m := newMerger[int](in)
	m.Close()
	_, ok := <-m.Out()
	assert.False(t, ok)
}

func TestRun_InvalidFanout(t *testing.T) {
	tables := []*datatable.Table{datatable.New()}
	for _, fanout := range []int{-1, 1} {
		err := Run(context.Background(), tables, nil, WithFanout(fanout))
		assert.ErrorIs(t, err, ErrInvalidFanout)
	}
}
