// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// captureSink records every Info message.
type captureSink struct {
	mu   *sync.Mutex
	msgs *[]string
}

func (s captureSink) Init(logr.RuntimeInfo)                  {}
func (s captureSink) Enabled(int) bool                       { return true }
func (s captureSink) Error(error, string, ...interface{})    {}
func (s captureSink) WithValues(...interface{}) logr.LogSink { return s }
func (s captureSink) WithName(string) logr.LogSink           { return s }
func (s captureSink) Info(_ int, msg string, _ ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.msgs = append(*s.msgs, msg)
}

func newCapture() (logr.Logger, func() []string) {
	var (
		mu   sync.Mutex
		msgs []string
	)
	logger := logr.New(captureSink{mu: &mu, msgs: &msgs})
	return logger, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string{}, msgs...)
	}
}

var thread = perfdata.ThreadName{Host: "node1", PID: 10, PosixTID: perfdata.Ptr(uint64(11))}

func blobEvent() metrics.Event {
	b := &blob.Blob{
		Header: blob.HeaderFor(thread),
		Messages: []blob.Message{
			&blob.ContextInfo{Context: 0x100, DeviceID: 0},
			&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: 1, Context: 0x100}},
			&blob.EnqueueExec{Enqueue: blob.Enqueue{Correlation: 2, Context: 0x100}},
		},
		StackTraces: []perfdata.Address{0xA, 0},
	}
	return metrics.Event{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:    "node1",
		Record:    blob.Record{Kind: blob.RecordBlob, Thread: thread, Blob: b},
	}
}

func attachEvent() metrics.Event {
	return metrics.Event{Source: "node1", Record: blob.Record{Kind: blob.RecordAttach, Thread: thread}}
}

func newConsumer(t *testing.T, config Config) (*Consumer, func() []string) {
	t.Helper()
	logger, logged := newCapture()
	c, err := NewConsumer(config, logger)
	require.NoError(t, err)
	return c, logged
}

func TestConsumer_TextFormat(t *testing.T) {
	config := DefaultConfig()
	config.LogLevel = LogLevelVerbose
	c, logged := newConsumer(t, config)

	require.NoError(t, c.HandleEvent(attachEvent()))
	require.NoError(t, c.HandleEvent(blobEvent()))

	msgs := logged()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "Event: attach | Thread: node1:10:11 | Source: node1")
	assert.Contains(t, msgs[1], "[2024-03-01 12:00:00.000] Event: blob")
	assert.Contains(t, msgs[1], "Messages: 3")
	assert.Contains(t, msgs[1], "Kinds: context_info=1,enqueue_exec=2")
	assert.NotContains(t, msgs[1], "Data:")
}

func TestConsumer_JSONFormat(t *testing.T) {
	config := DefaultConfig()
	config.LogFormat = LogFormatJSON
	config.LogLevel = LogLevelVerbose
	config.IncludeTimestamp = false
	c, logged := newConsumer(t, config)

	require.NoError(t, c.HandleEvent(blobEvent()))

	msgs := logged()
	require.Len(t, msgs, 1)
	var entry struct {
		Consumer string
		Event    EventSummary
	}
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &entry))
	assert.Equal(t, "debug", entry.Consumer)
	assert.Equal(t, "blob", entry.Event.Kind)
	assert.Equal(t, "node1:10:11", entry.Event.Thread)
	assert.Equal(t, 3, entry.Event.Messages)
	assert.Equal(t, 2, entry.Event.StackTraceLen)
	assert.Equal(t, map[string]int{"context_info": 1, "enqueue_exec": 2}, entry.Event.MessageCounts)
}

func TestConsumer_Filters(t *testing.T) {
	config := DefaultConfig()
	config.Filter = Filter{Kinds: []blob.RecordKind{blob.RecordBlob}, Sources: []string{"node1"}}
	c, logged := newConsumer(t, config)

	require.NoError(t, c.HandleEvent(attachEvent()))
	other := blobEvent()
	other.Source = "node2"
	require.NoError(t, c.HandleEvent(other))
	require.NoError(t, c.HandleEvent(blobEvent()))

	assert.Len(t, logged(), 1)
	stats := c.Stats()
	assert.Equal(t, map[string]uint64{"blob": 1}, stats.EventsByKind)
	assert.Equal(t, map[string]uint64{"node1": 1}, stats.EventsBySource)
	assert.Zero(t, stats.ThreadsAttached)
}

func TestConsumer_Stats(t *testing.T) {
	c, _ := newConsumer(t, DefaultConfig())

	require.NoError(t, c.HandleEvent(attachEvent()))
	require.NoError(t, c.HandleEvent(blobEvent()))
	require.NoError(t, c.HandleEvent(blobEvent()))

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.EventsProcessed)
	assert.Equal(t, uint64(1), stats.ThreadsAttached)
	assert.Equal(t, map[string]uint64{"context_info": 2, "enqueue_exec": 4}, stats.MessagesByKind)
	assert.True(t, c.Health().Healthy)
}

func TestConsumer_BlobEventWithoutBlob(t *testing.T) {
	c, _ := newConsumer(t, DefaultConfig())

	err := c.HandleEvent(metrics.Event{Record: blob.Record{Kind: blob.RecordBlob, Thread: thread}})
	require.Error(t, err)
	health := c.Health()
	assert.Equal(t, uint64(1), health.ErrorsCount)
	assert.Equal(t, err, health.LastError)
}

func TestConsumer_TruncateData(t *testing.T) {
	config := DefaultConfig()
	config.MaxDataLength = 20
	c, _ := newConsumer(t, config)

	out, ok := c.truncateData(map[string]int{"alpha": 1, "beta": 2, "gamma": 3}).(string)
	require.True(t, ok)
	assert.Equal(t, `{"alpha":1,"beta":2... (truncated from 30 bytes)`, out)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "bad level", modify: func(c *Config) { c.LogLevel = 7 }, wantErr: ErrInvalidLogLevel},
		{name: "bad format", modify: func(c *Config) { c.LogFormat = "xml" }, wantErr: ErrInvalidLogFormat},
		{name: "negative data length", modify: func(c *Config) { c.MaxDataLength = -1 }, wantErr: ErrNegativeDataLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			assert.ErrorIs(t, config.Validate(), tt.wantErr)
		})
	}
}

func TestFilter_Hosts(t *testing.T) {
	f := Filter{Hosts: []string{"node1"}}
	assert.True(t, f.Match(blobEvent()))

	other := blobEvent()
	other.Thread.Host = "node2"
	assert.False(t, f.Match(other))
	assert.True(t, Filter{}.Match(other))
}

func TestParseLogLevel(t *testing.T) {
	for _, l := range []LogLevel{LogLevelBasic, LogLevelDetails, LogLevelVerbose} {
		got, err := ParseLogLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLogLevel("loud")
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
	assert.Equal(t, "unknown(9)", LogLevel(9).String())
}
