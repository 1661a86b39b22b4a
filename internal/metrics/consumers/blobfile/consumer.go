// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package blobfile persists collector output as framed blob stream files.
//
// Files are written under a temporary name and renamed to their final
// name, ending in blob.StreamFileExt, once complete. A reader watching the
// output directory therefore only ever sees whole files.
package blobfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Compile-time check
var _ metrics.Consumer = (*Consumer)(nil)

const (
	consumerName = "blobfile"
	filePrefix   = "gpuperf-"
	partialExt   = ".partial"
)

var ErrNotStarted = errors.New("blobfile consumer not started")

// Consumer implements metrics.Consumer by writing every event to a blob
// stream file.
//
// A thread attached in one file is attached again at the start of every
// following file, so each finished file can be read on its own.
type Consumer struct {
	config Config
	logger logr.Logger
	now    func() time.Time

	// Internal state
	mu          sync.Mutex
	currentFile *os.File
	currentPath string
	buffered    *bufio.Writer
	writer      *blob.StreamWriter
	sequence    int
	attached    []perfdata.ThreadName
	finished    []string
	healthy     atomic.Bool
	lastError   atomic.Pointer[error]

	// Statistics
	eventsReceived atomic.Uint64
	eventsWritten  atomic.Uint64
	eventsDropped  atomic.Uint64
	bytesWritten   atomic.Uint64
	filesCreated   atomic.Uint64
}

// NewConsumer creates a new blob stream file consumer
func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure output directory exists
	if err := os.MkdirAll(config.OutputPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	consumer := &Consumer{
		config: config,
		logger: logger.WithName(consumerName),
		now:    time.Now,
	}
	consumer.healthy.Store(true)
	return consumer, nil
}

// Name returns the consumer name
func (c *Consumer) Name() string {
	return consumerName
}

// Start opens the first output file.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer != nil {
		return fmt.Errorf("consumer already started")
	}
	if err := c.rotateUnlocked(); err != nil {
		return fmt.Errorf("failed to create initial file: %w", err)
	}

	c.logger.Info("blob file consumer started",
		"output_path", c.config.OutputPath,
		"max_file_size", c.config.MaxFileSize,
		"max_files", c.config.MaxFiles)
	return nil
}

// HandleEvent appends the event's record to the current file.
func (c *Consumer) HandleEvent(event metrics.Event) error {
	c.eventsReceived.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil {
		c.eventsDropped.Add(1)
		return ErrNotStarted
	}

	before := c.writer.Written()
	if err := c.writer.WriteRecord(event.Record); err != nil {
		c.eventsDropped.Add(1)
		c.setLastError(err)
		return fmt.Errorf("failed to write %s record: %w", event.Kind, err)
	}
	c.bytesWritten.Add(uint64(c.writer.Written() - before))
	c.eventsWritten.Add(1)
	c.track(event.Record)

	if c.config.MaxFileSize > 0 && c.writer.Written() >= c.config.MaxFileSize {
		if err := c.rotateUnlocked(); err != nil {
			c.setLastError(err)
			return fmt.Errorf("failed to rotate file: %w", err)
		}
	}
	return nil
}

func (c *Consumer) track(rec blob.Record) {
	switch rec.Kind {
	case blob.RecordAttach:
		if !slices.ContainsFunc(c.attached, rec.Thread.SameThread) {
			c.attached = append(c.attached, rec.Thread)
		}
	case blob.RecordTerminate:
		c.attached = slices.DeleteFunc(c.attached, rec.Thread.SameThread)
	}
}

// rotateUnlocked finishes the current file and opens the next one (caller
// must hold mutex)
func (c *Consumer) rotateUnlocked() error {
	if err := c.finishUnlocked(); err != nil {
		c.logger.Error(err, "failed to finish current file")
	}

	c.sequence++
	timestamp := c.now().Format("20060102-150405")
	filename := fmt.Sprintf("%s%s-%04d%s", filePrefix, timestamp, c.sequence, blob.StreamFileExt)
	c.currentPath = filepath.Join(c.config.OutputPath, filename)

	file, err := os.OpenFile(c.currentPath+partialExt, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	c.currentFile = file
	c.buffered = bufio.NewWriterSize(file, c.config.BufferSize)
	c.writer = blob.NewStreamWriter(c.buffered)
	c.filesCreated.Add(1)

	for _, thread := range c.attached {
		if err := c.writer.WriteAttach(thread); err != nil {
			return fmt.Errorf("failed to carry over attached thread %s: %w", thread, err)
		}
	}

	c.logger.V(1).Info("rotated to new blob file",
		"path", c.currentPath, "attached", len(c.attached))
	return nil
}

// finishUnlocked flushes and closes the current file and gives it its
// final name.
func (c *Consumer) finishUnlocked() error {
	if c.currentFile == nil {
		return nil
	}
	file, buffered, path := c.currentFile, c.buffered, c.currentPath
	c.currentFile, c.buffered, c.writer = nil, nil, nil

	var errs []error
	if err := buffered.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush %s: %w", path, err))
	}
	if err := file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Rename(path+partialExt, path); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish %s: %w", path, err))
	} else {
		c.finished = append(c.finished, path)
		c.cleanupOldFiles()
	}
	return errors.Join(errs...)
}

// cleanupOldFiles removes the oldest finished files beyond MaxFiles.
func (c *Consumer) cleanupOldFiles() {
	if c.config.MaxFiles == 0 || len(c.finished) <= c.config.MaxFiles {
		return
	}
	excess := len(c.finished) - c.config.MaxFiles
	for _, path := range c.finished[:excess] {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Error(err, "failed to remove old blob file", "path", path)
		}
	}
	c.finished = slices.Delete(c.finished, 0, excess)
}

// Files returns the finished files still on disk, oldest first.
func (c *Consumer) Files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.finished)
}

// Health returns the current health status
func (c *Consumer) Health() metrics.ConsumerHealth {
	var lastErr error
	if errPtr := c.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}

	return metrics.ConsumerHealth{
		Healthy:     c.healthy.Load(),
		LastError:   lastErr,
		EventsCount: c.eventsReceived.Load(),
		ErrorsCount: c.eventsDropped.Load(),
	}
}

// setLastError stores the most recent error
func (c *Consumer) setLastError(err error) {
	c.lastError.Store(&err)
	c.healthy.Store(false)
}

// Stop finishes the current file. Events handled after Stop are dropped.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	err := c.finishUnlocked()
	c.mu.Unlock()

	c.logger.Info("blob file consumer stopped",
		"events_received", c.eventsReceived.Load(),
		"events_written", c.eventsWritten.Load(),
		"events_dropped", c.eventsDropped.Load(),
		"bytes_written", c.bytesWritten.Load(),
		"files_created", c.filesCreated.Load())
	return err
}
