// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blobfile

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

var (
	threadA = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(11))}
	threadB = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(12))}
)

func event(kind blob.RecordKind, thread perfdata.ThreadName) metrics.Event {
	return metrics.Event{Timestamp: time.Now(), Source: "test", Record: blob.Record{Kind: kind, Thread: thread}}
}

func newTestConsumer(t *testing.T, config Config) *Consumer {
	t.Helper()
	config.OutputPath = t.TempDir()
	c, err := NewConsumer(config, logr.Discard())
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, c.Start(context.Background()))
	return c
}

type written struct {
	kind   blob.RecordKind
	thread string
}

func readFile(t *testing.T, path string) []written {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []written
	r := blob.NewStreamReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, written{rec.Kind, rec.Thread.String()})
	}
}

func TestConsumer_WritesStream(t *testing.T) {
	c := newTestConsumer(t, DefaultConfig())

	b := &blob.Blob{
		Header:   blob.HeaderFor(threadA),
		Messages: []blob.Message{&blob.ContextInfo{Context: 0x100, DeviceID: 0}},
	}
	require.NoError(t, c.HandleEvent(event(blob.RecordAttach, threadA)))
	require.NoError(t, c.HandleEvent(metrics.Event{Record: blob.Record{Kind: blob.RecordBlob, Thread: threadA, Blob: b}}))
	require.NoError(t, c.HandleEvent(event(blob.RecordTerminate, threadA)))
	require.NoError(t, c.Stop())

	files := c.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "gpuperf-20240301-120000-0001.blobs", filepath.Base(files[0]))
	assert.Equal(t, []written{
		{blob.RecordAttach, threadA.String()},
		{blob.RecordBlob, threadA.String()},
		{blob.RecordTerminate, threadA.String()},
	}, readFile(t, files[0]))

	partial, err := filepath.Glob(filepath.Join(filepath.Dir(files[0]), "*"+partialExt))
	require.NoError(t, err)
	assert.Empty(t, partial)

	health := c.Health()
	assert.True(t, health.Healthy)
	assert.Equal(t, uint64(3), health.EventsCount)
	assert.Zero(t, health.ErrorsCount)
}

func TestConsumer_RotationCarriesAttachedThreads(t *testing.T) {
	config := DefaultConfig()
	config.MaxFileSize = 1
	c := newTestConsumer(t, config)

	require.NoError(t, c.HandleEvent(event(blob.RecordAttach, threadA)))
	require.NoError(t, c.HandleEvent(event(blob.RecordAttach, threadB)))
	require.NoError(t, c.HandleEvent(event(blob.RecordTerminate, threadA)))
	require.NoError(t, c.Stop())

	files := c.Files()
	require.Len(t, files, 4)
	a, b := threadA.String(), threadB.String()
	expected := [][]written{
		{{blob.RecordAttach, a}},
		{{blob.RecordAttach, a}, {blob.RecordAttach, b}},
		{{blob.RecordAttach, a}, {blob.RecordAttach, b}, {blob.RecordTerminate, a}},
		{{blob.RecordAttach, b}},
	}
	for i, path := range files {
		assert.Equal(t, expected[i], readFile(t, path), "file %d", i)
	}
	assert.Equal(t, uint64(4), c.filesCreated.Load())
}

func TestConsumer_MaxFiles(t *testing.T) {
	config := DefaultConfig()
	config.MaxFileSize = 1
	config.MaxFiles = 2
	c := newTestConsumer(t, config)

	for range 4 {
		require.NoError(t, c.HandleEvent(event(blob.RecordAttach, threadA)))
	}
	require.NoError(t, c.Stop())

	files := c.Files()
	require.Len(t, files, 2)
	assert.Equal(t, "gpuperf-20240301-120000-0004.blobs", filepath.Base(files[0]))
	assert.Equal(t, "gpuperf-20240301-120000-0005.blobs", filepath.Base(files[1]))

	entries, err := os.ReadDir(filepath.Dir(files[0]))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConsumer_NotStarted(t *testing.T) {
	config := DefaultConfig()
	config.OutputPath = t.TempDir()
	c, err := NewConsumer(config, logr.Discard())
	require.NoError(t, err)

	assert.ErrorIs(t, c.HandleEvent(event(blob.RecordAttach, threadA)), ErrNotStarted)
	assert.Equal(t, uint64(1), c.Health().ErrorsCount)
	assert.NoError(t, c.Stop())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "empty path", modify: func(c *Config) { c.OutputPath = "" }, wantErr: "output path cannot be empty"},
		{name: "negative size", modify: func(c *Config) { c.MaxFileSize = -1 }, wantErr: "max file size cannot be negative"},
		{name: "negative files", modify: func(c *Config) { c.MaxFiles = -1 }, wantErr: "max files cannot be negative"},
		{name: "zero buffer", modify: func(c *Config) { c.BufferSize = 0 }, wantErr: "buffer size must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tt.wantErr)
			}
		})
	}
}
