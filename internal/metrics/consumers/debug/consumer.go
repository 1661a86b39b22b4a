// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
)

const (
	consumerName = "debug"

	statsEvery = 1000
)

// Consumer implements the metrics consumer interface for debug logging
type Consumer struct {
	config Config
	logger logr.Logger
	now    func() time.Time

	// Runtime state
	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	// Metrics
	eventsProcessed atomic.Uint64
	errorsCount     atomic.Uint64
	startTime       time.Time

	// Statistics tracking
	eventsByKind   map[string]*atomic.Uint64
	eventsBySource map[string]*atomic.Uint64
	messagesByKind map[string]*atomic.Uint64
	attached       atomic.Uint64
	terminated     atomic.Uint64
	statsMutex     sync.RWMutex
}

func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		config:         config,
		logger:         logger.WithName("debug-consumer"),
		now:            time.Now,
		startTime:      time.Now(),
		eventsByKind:   make(map[string]*atomic.Uint64),
		eventsBySource: make(map[string]*atomic.Uint64),
		messagesByKind: make(map[string]*atomic.Uint64),
	}

	consumer.healthy.Store(true)
	return consumer, nil
}

func (c *Consumer) Name() string {
	return consumerName
}

// HandleEvent logs the event immediately.
func (c *Consumer) HandleEvent(event metrics.Event) error {
	if err := c.processEvent(event); err != nil {
		c.logger.Error(err, "Failed to process event",
			"kind", event.Kind.String(),
			"source", event.Source)
		c.errorsCount.Add(1)
		c.lastError.Store(&err)
		return err
	}
	c.eventsProcessed.Add(1)
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Debug consumer",
		"log_level", c.config.LogLevel.String(),
		"log_format", c.config.LogFormat.String(),
		"include_data", c.config.IncludeEventData)

	return nil
}

func (c *Consumer) Health() metrics.ConsumerHealth {
	var lastErr error
	if errPtr := c.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}

	return metrics.ConsumerHealth{
		Healthy:     c.healthy.Load(),
		LastError:   lastErr,
		EventsCount: c.eventsProcessed.Load(),
		ErrorsCount: c.errorsCount.Load(),
	}
}

func (c *Consumer) processEvent(event metrics.Event) error {
	if !c.config.Filter.Match(event) {
		return nil
	}
	if event.Kind == blob.RecordBlob && event.Blob == nil {
		return fmt.Errorf("blob event for %s carries no blob", event.Thread)
	}

	c.updateStats(event)

	if c.config.LogFormat == LogFormatJSON {
		return c.logEventJSON(event)
	}
	return c.logEventText(event)
}

func increment(counters map[string]*atomic.Uint64, key string, n uint64) {
	if counter, exists := counters[key]; exists {
		counter.Add(n)
		return
	}
	counter := &atomic.Uint64{}
	counter.Store(n)
	counters[key] = counter
}

func (c *Consumer) updateStats(event metrics.Event) {
	switch event.Kind {
	case blob.RecordAttach:
		c.attached.Add(1)
	case blob.RecordTerminate:
		c.terminated.Add(1)
	}

	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()

	increment(c.eventsByKind, event.Kind.String(), 1)
	increment(c.eventsBySource, event.Source, 1)
	if event.Blob != nil {
		for kind, n := range messageCounts(event.Blob) {
			increment(c.messagesByKind, kind, uint64(n))
		}
	}
}

func messageCounts(b *blob.Blob) map[string]int {
	counts := make(map[string]int)
	for _, m := range b.Messages {
		counts[m.Kind().String()]++
	}
	return counts
}

// logEventJSON logs an event in JSON format
func (c *Consumer) logEventJSON(event metrics.Event) error {
	entry := LogEntry{
		Level:    "INFO",
		Consumer: consumerName,
		Message:  "Collector event received",
		Event:    c.createEventSummary(event),
	}

	if c.config.IncludeTimestamp {
		entry.Timestamp = c.timestamp(event)
	}

	if c.config.IncludeEventData && c.config.LogLevel >= LogLevelVerbose && event.Blob != nil {
		entry.Data = c.truncateData(event.Blob)
	}

	// Log periodic stats
	if (c.eventsProcessed.Load()+1)%statsEvery == 0 {
		entry.Stats = c.getStats()
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	c.logger.Info(string(jsonBytes))
	return nil
}

// logEventText logs an event in human-readable text format
func (c *Consumer) logEventText(event metrics.Event) error {
	var parts []string

	parts = append(parts, fmt.Sprintf("Event: %s", event.Kind), fmt.Sprintf("Thread: %s", event.Thread))

	if c.config.LogLevel >= LogLevelDetails {
		if event.Source != "" {
			parts = append(parts, fmt.Sprintf("Source: %s", event.Source))
		}
		if b := event.Blob; b != nil {
			parts = append(parts,
				fmt.Sprintf("Messages: %d", len(b.Messages)),
				fmt.Sprintf("Interval: [%d, %d)", b.Header.Interval.Begin, b.Header.Interval.End))
		}
	}

	if c.config.LogLevel >= LogLevelVerbose && event.Blob != nil {
		counts := messageCounts(event.Blob)
		var kinds []string
		for _, kind := range slices.Sorted(maps.Keys(counts)) {
			kinds = append(kinds, fmt.Sprintf("%s=%d", kind, counts[kind]))
		}
		parts = append(parts, fmt.Sprintf("Kinds: %s", strings.Join(kinds, ",")))

		if c.config.IncludeEventData {
			parts = append(parts, fmt.Sprintf("Data: %s", c.formatDataForText(event.Blob)))
		}
	}

	message := strings.Join(parts, " | ")

	if c.config.IncludeTimestamp {
		timestamp := c.timestamp(event).Format("2006-01-02 15:04:05.000")
		message = fmt.Sprintf("[%s] %s", timestamp, message)
	}

	c.logger.Info(message)

	// Log periodic stats
	if (c.eventsProcessed.Load()+1)%statsEvery == 0 {
		c.logStatsText()
	}

	return nil
}

func (c *Consumer) timestamp(event metrics.Event) time.Time {
	if !event.Timestamp.IsZero() {
		return event.Timestamp
	}
	return c.now()
}

// createEventSummary creates a summary of the event for JSON logging
func (c *Consumer) createEventSummary(event metrics.Event) *EventSummary {
	summary := &EventSummary{
		Kind:   event.Kind.String(),
		Source: event.Source,
		Thread: event.Thread.String(),
	}

	if b := event.Blob; b != nil && c.config.LogLevel >= LogLevelDetails {
		summary.Messages = len(b.Messages)
		summary.StackTraceLen = len(b.StackTraces)
		summary.Interval = &b.Header.Interval
		summary.Addresses = &b.Header.Addresses
		if c.config.LogLevel >= LogLevelVerbose {
			summary.MessageCounts = messageCounts(b)
		}
	}

	return summary
}

// truncateData truncates data payload if it exceeds MaxDataLength
func (c *Consumer) truncateData(data interface{}) interface{} {
	if c.config.MaxDataLength == 0 {
		return data
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("Error marshaling data: %v", err)
	}

	if len(dataBytes) <= c.config.MaxDataLength {
		return data
	}

	// Cut at the last field boundary before the limit
	truncated := dataBytes[:c.config.MaxDataLength]
	if i := strings.LastIndexByte(string(truncated), ','); i > 0 {
		truncated = truncated[:i]
	}

	return fmt.Sprintf("%s... (truncated from %d bytes)", string(truncated), len(dataBytes))
}

// formatDataForText formats data for text logging
func (c *Consumer) formatDataForText(data interface{}) string {
	jsonBytes, err := json.Marshal(data)
	dataStr := string(jsonBytes)
	if err != nil {
		dataStr = fmt.Sprintf("%+v", data)
	}

	if c.config.MaxDataLength > 0 && len(dataStr) > c.config.MaxDataLength {
		return fmt.Sprintf("%s... (truncated from %d chars)",
			dataStr[:c.config.MaxDataLength], len(dataStr))
	}
	return dataStr
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() *ConsumerStats {
	return c.getStats()
}

func snapshot(counters map[string]*atomic.Uint64) map[string]uint64 {
	out := make(map[string]uint64, len(counters))
	for k, counter := range counters {
		out[k] = counter.Load()
	}
	return out
}

func (c *Consumer) getStats() *ConsumerStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	return &ConsumerStats{
		EventsProcessed: c.eventsProcessed.Load(),
		ErrorsCount:     c.errorsCount.Load(),
		Uptime:          time.Since(c.startTime),
		EventsByKind:    snapshot(c.eventsByKind),
		EventsBySource:  snapshot(c.eventsBySource),
		MessagesByKind:  snapshot(c.messagesByKind),
		ThreadsAttached: c.attached.Load(),
		ThreadsFinished: c.terminated.Load(),
	}
}

// logStatsText logs statistics in text format
func (c *Consumer) logStatsText() {
	stats := c.getStats()
	c.logger.Info("Debug consumer stats",
		"events_processed", stats.EventsProcessed,
		"errors", stats.ErrorsCount,
		"uptime", stats.Uptime,
		"threads_attached", stats.ThreadsAttached,
		"threads_finished", stats.ThreadsFinished,
		"sources", len(stats.EventsBySource))
}

// Compile-time check that Consumer implements metrics.Consumer
var _ metrics.Consumer = (*Consumer)(nil)
