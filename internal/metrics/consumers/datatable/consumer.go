// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package datatable reassembles collector output in process by feeding
// every blob into a data table.
package datatable

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/internal/metrics"
	"github.com/antimetal/gpuperf/pkg/blob"
	dtable "github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Compile-time check
var _ metrics.Consumer = (*Consumer)(nil)

const consumerName = "datatable"

// Consumer implements metrics.Consumer on top of a data table. The table
// is only reachable through View, which serializes access with event
// handling.
type Consumer struct {
	name   string
	logger logr.Logger

	mu       sync.Mutex
	table    *dtable.Table
	attached []perfdata.ThreadName
	finished []perfdata.ThreadName

	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	eventsReceived atomic.Uint64
	blobsProcessed atomic.Uint64
	blobsRejected  atomic.Uint64
}

type Option func(*Consumer)

// WithName overrides the consumer name, so several tables can hang off one
// router.
func WithName(name string) Option {
	return func(c *Consumer) {
		c.name = name
	}
}

func NewConsumer(logger logr.Logger, opts ...Option) *Consumer {
	c := &Consumer{name: consumerName}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.WithName(c.name)
	c.table = dtable.New(dtable.WithLogger(c.logger))
	c.healthy.Store(true)
	return c
}

func (c *Consumer) Name() string {
	return c.name
}

func (c *Consumer) Start(context.Context) error {
	c.logger.Info("data table consumer started")
	return nil
}

// HandleEvent applies blobs to the table and tracks the attach and
// terminate lifecycle of their threads. A blob the table rejects is
// counted and reported; the table keeps the messages applied before the
// failing one.
func (c *Consumer) HandleEvent(event metrics.Event) error {
	c.eventsReceived.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Kind {
	case blob.RecordAttach:
		if !slices.ContainsFunc(c.attached, event.Thread.SameThread) {
			c.attached = append(c.attached, event.Thread)
		}
	case blob.RecordTerminate:
		if !slices.ContainsFunc(c.finished, event.Thread.SameThread) {
			c.finished = append(c.finished, event.Thread)
		}
	case blob.RecordBlob:
		if err := c.table.Process(event.Blob); err != nil {
			c.blobsRejected.Add(1)
			c.setLastError(err)
			return fmt.Errorf("failed to process blob from %s: %w", event.Source, err)
		}
		c.blobsProcessed.Add(1)
	default:
		return fmt.Errorf("unexpected record kind %s", event.Kind)
	}
	return nil
}

// View calls fn with the table. fn must not retain it.
func (c *Consumer) View(fn func(*dtable.Table) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.table)
}

// Table returns the table itself, for handing it on once every event has
// been handled. It must not be used while events are still arriving.
func (c *Consumer) Table() *dtable.Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table
}

// Attached returns the threads that announced themselves, in order.
func (c *Consumer) Attached() []perfdata.ThreadName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.attached)
}

// Finished returns the threads that sent their last blob, in order.
func (c *Consumer) Finished() []perfdata.ThreadName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.finished)
}

// Complete reports whether every attached thread has terminated.
func (c *Consumer) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, thread := range c.attached {
		if !slices.ContainsFunc(c.finished, thread.SameThread) {
			return false
		}
	}
	return true
}

func (c *Consumer) Health() metrics.ConsumerHealth {
	var lastErr error
	if errPtr := c.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}
	return metrics.ConsumerHealth{
		Healthy:     c.healthy.Load(),
		LastError:   lastErr,
		EventsCount: c.eventsReceived.Load(),
		ErrorsCount: c.blobsRejected.Load(),
	}
}

func (c *Consumer) setLastError(err error) {
	c.lastError.Store(&err)
	c.healthy.Store(false)
}
