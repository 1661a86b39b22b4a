// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pprof

import (
	"bytes"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
	"github.com/antimetal/gpuperf/pkg/symtab"
)

var (
	appThread      = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(11))}
	activityThread = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(99))}
)

func newBlob(thread perfdata.ThreadName, stackTraces []perfdata.Address, msgs ...blob.Message) *blob.Blob {
	return &blob.Blob{Header: blob.HeaderFor(thread), Messages: msgs, StackTraces: stackTraces}
}

func testTable(t *testing.T) *datatable.Table {
	t.Helper()
	table := datatable.New()
	require.NoError(t, table.Process(newBlob(activityThread, nil,
		&blob.DeviceInfo{DeviceID: 0, Name: "Test GPU"},
		&blob.ContextInfo{Context: 0x100, DeviceID: 0},
	)))
	require.NoError(t, table.Process(newBlob(appThread, []perfdata.Address{0xA, 0xB, 0, 0x2000, 0},
		&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: 1, Context: 0x100, Stream: 0x7, Time: 1000, CallSite: 0}},
		&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: 2, Context: 0x100, Stream: 0x7, Time: 2000, CallSite: 0}},
		&blob.EnqueueXfer{Enqueue: blob.Enqueue{Correlation: 3, Context: 0x100, Stream: 0x7, Time: 3000, CallSite: 3}},
	)))
	require.NoError(t, table.Process(newBlob(activityThread, nil,
		&blob.CompletedExec{Correlation: 1, TimeBegin: 1010, TimeEnd: 1050, KernelAttributes: blob.KernelAttributes{Function: "saxpy"}},
		&blob.CompletedExec{Correlation: 2, TimeBegin: 2010, TimeEnd: 2070, KernelAttributes: blob.KernelAttributes{Function: "saxpy"}},
		&blob.CompletedXfer{Correlation: 3, TimeBegin: 3010, TimeEnd: 3100,
			TransferAttributes: blob.TransferAttributes{Size: 4096, Kind: blob.CopyHostToDevice}},
	)))
	require.Zero(t, table.Pending())
	return table
}

func frames(s *profile.Sample) []string {
	var out []string
	for _, loc := range s.Location {
		out = append(out, loc.Line[0].Function.Name)
	}
	return out
}

func TestFromThread(t *testing.T) {
	objects := &symtab.LinkedObjectGroup{
		Thread: appThread,
		Objects: []symtab.LinkedObject{
			{Path: "/usr/bin/app", Range: perfdata.AddressRange{Begin: 0x0, End: 0x1000}, Executable: true},
		},
	}

	prof, err := FromThread(testTable(t), appThread, perfdata.Everything, objects)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), prof.TimeNanos)
	assert.Equal(t, int64(2100), prof.DurationNanos)
	require.Len(t, prof.SampleType, 3)
	assert.Equal(t, "kernel_time", prof.SampleType[KernelTime].Type)
	require.Len(t, prof.Sample, 2)

	kernels := prof.Sample[0]
	assert.Equal(t, []int64{100, 2, 0}, kernels.Value)
	assert.Equal(t, []string{"[gpu] saxpy", "0x0000000a", "0x0000000b"}, frames(kernels))
	assert.Equal(t, []string{"0x100"}, kernels.Label["context"])
	require.NotNil(t, kernels.Location[1].Mapping)
	assert.Equal(t, "/usr/bin/app", kernels.Location[1].Mapping.File)

	transfers := prof.Sample[1]
	assert.Equal(t, []int64{0, 0, 4096}, transfers.Value)
	assert.Equal(t, []string{"[gpu] memcpy htod", "0x00002000"}, frames(transfers))
	assert.Nil(t, transfers.Location[1].Mapping)
	require.Len(t, prof.Mapping, 1)

	var buf bytes.Buffer
	require.NoError(t, prof.Write(&buf))
	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	assert.Len(t, parsed.Sample, 2)
}

func TestFromThread_Interval(t *testing.T) {
	prof, err := FromThread(testTable(t), appThread, perfdata.TimeInterval{Begin: 2000, End: 2500}, nil)
	require.NoError(t, err)
	require.Len(t, prof.Sample, 1)
	assert.Equal(t, []int64{60, 1, 0}, prof.Sample[0].Value)
	assert.Empty(t, prof.Mapping)
	assert.Equal(t, int64(2000), prof.TimeNanos)
	assert.Equal(t, int64(500), prof.DurationNanos)
}

func TestFromThread_UnknownThread(t *testing.T) {
	_, err := FromThread(testTable(t), perfdata.ThreadName{Host: "elsewhere", PID: 1}, perfdata.Everything, nil)
	assert.ErrorIs(t, err, datatable.ErrUnknownThread)
}
