// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"time"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// LogEntry represents a structured log entry for JSON output
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Level     string         `json:"level"`
	Consumer  string         `json:"consumer"`
	Message   string         `json:"message"`
	Event     *EventSummary  `json:"event,omitempty"`
	Data      interface{}    `json:"data,omitempty"`
	Stats     *ConsumerStats `json:"stats,omitempty"`
}

// EventSummary provides a condensed view of an event for logging
type EventSummary struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
	Thread string `json:"thread"`

	// Blob events only
	Messages      int                    `json:"messages,omitempty"`
	MessageCounts map[string]int         `json:"message_counts,omitempty"`
	StackTraceLen int                    `json:"stack_trace_len,omitempty"`
	Interval      *perfdata.TimeInterval `json:"interval,omitempty"`
	Addresses     *perfdata.AddressRange `json:"addresses,omitempty"`
}

// ConsumerStats provides runtime statistics for the debug consumer
type ConsumerStats struct {
	EventsProcessed uint64            `json:"events_processed"`
	ErrorsCount     uint64            `json:"errors_count"`
	Uptime          time.Duration     `json:"uptime"`
	EventsByKind    map[string]uint64 `json:"events_by_kind"`
	EventsBySource  map[string]uint64 `json:"events_by_source"`
	MessagesByKind  map[string]uint64 `json:"messages_by_kind"`
	ThreadsAttached uint64            `json:"threads_attached"`
	ThreadsFinished uint64            `json:"threads_finished"`
}
