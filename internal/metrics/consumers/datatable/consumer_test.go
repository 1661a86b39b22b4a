// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package datatable

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
	dtable "github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

var (
	appThread      = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(11))}
	activityThread = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(99))}
)

func blobEvent(thread perfdata.ThreadName, stackTraces []perfdata.Address, msgs ...blob.Message) metrics.Event {
	b := &blob.Blob{Header: blob.HeaderFor(thread), Messages: msgs, StackTraces: stackTraces}
	return metrics.Event{Source: "test", Record: blob.Record{Kind: blob.RecordBlob, Thread: thread, Blob: b}}
}

func lifecycle(kind blob.RecordKind, thread perfdata.ThreadName) metrics.Event {
	return metrics.Event{Source: "test", Record: blob.Record{Kind: kind, Thread: thread}}
}

func TestConsumer_ThroughRouter(t *testing.T) {
	router := metrics.NewRouter(logr.Discard(), "node1")
	consumer := NewConsumer(logr.Discard())
	require.NoError(t, consumer.Start(context.Background()))
	require.NoError(t, router.RegisterConsumer(consumer))

	require.NoError(t, router.Attach(appThread))
	require.NoError(t, router.Attach(activityThread))
	require.NoError(t, router.Blob(&blob.Blob{
		Header: blob.HeaderFor(activityThread),
		Messages: []blob.Message{
			&blob.DeviceInfo{DeviceID: 0, Name: "Test GPU"},
			&blob.ContextInfo{Context: 0x100, DeviceID: 0},
		},
	}))
	require.NoError(t, router.Blob(&blob.Blob{
		Header:      blob.HeaderFor(appThread),
		StackTraces: []perfdata.Address{0xA, 0},
		Messages: []blob.Message{
			&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: 1, Context: 0x100, Stream: 0x7, Time: 1000}},
		},
	}))
	require.NoError(t, router.Terminate(appThread))
	assert.False(t, consumer.Complete())

	require.NoError(t, router.Blob(&blob.Blob{
		Header: blob.HeaderFor(activityThread),
		Messages: []blob.Message{
			&blob.CompletedExec{Correlation: 1, TimeBegin: 1010, TimeEnd: 1050,
				KernelAttributes: blob.KernelAttributes{Function: "saxpy"}},
		},
	}))
	require.NoError(t, router.Terminate(activityThread))
	assert.True(t, consumer.Complete())

	var functions []string
	require.NoError(t, consumer.View(func(table *dtable.Table) error {
		assert.Zero(t, table.Pending())
		return table.VisitKernelExecutions(appThread, perfdata.Everything, func(e dtable.KernelExecution) bool {
			functions = append(functions, e.Function)
			return true
		})
	}))
	assert.Equal(t, []string{"saxpy"}, functions)
	assert.Len(t, consumer.Attached(), 2)
	assert.Len(t, consumer.Finished(), 2)

	health := router.GetStats().Consumers[consumerName]
	assert.True(t, health.Healthy)
	assert.Equal(t, uint64(7), health.EventsCount)
}

func TestConsumer_RejectedBlob(t *testing.T) {
	consumer := NewConsumer(logr.Discard(), WithName("rank-3"))
	assert.Equal(t, "rank-3", consumer.Name())

	enqueue := &blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: 7, Context: 0x100, Time: 1000}}
	require.NoError(t, consumer.HandleEvent(blobEvent(appThread, []perfdata.Address{0xA, 0}, enqueue)))
	err := consumer.HandleEvent(blobEvent(appThread, []perfdata.Address{0xA, 0}, enqueue))
	assert.ErrorIs(t, err, dtable.ErrDuplicateEnqueue)

	health := consumer.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, uint64(1), health.ErrorsCount)
	assert.Equal(t, uint64(1), consumer.blobsProcessed.Load())
}

func TestConsumer_DuplicateLifecycle(t *testing.T) {
	consumer := NewConsumer(logr.Discard())

	require.NoError(t, consumer.HandleEvent(lifecycle(blob.RecordAttach, appThread)))
	require.NoError(t, consumer.HandleEvent(lifecycle(blob.RecordAttach, appThread)))
	require.NoError(t, consumer.HandleEvent(lifecycle(blob.RecordTerminate, appThread)))
	require.NoError(t, consumer.HandleEvent(lifecycle(blob.RecordTerminate, appThread)))

	assert.Equal(t, []perfdata.ThreadName{appThread}, consumer.Attached())
	assert.Equal(t, []perfdata.ThreadName{appThread}, consumer.Finished())
	assert.Error(t, consumer.HandleEvent(lifecycle(blob.RecordKind(9), appThread)))
}
