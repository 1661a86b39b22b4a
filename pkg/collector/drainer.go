// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"github.com/antimetal/gpuperf/pkg/blob"
)

// ActivityBuffer is one buffer of activity records handed back by the
// profiling API. Dropped counts records the API had to discard for the
// buffer's context and stream.
type ActivityBuffer struct {
	Buffer    []byte
	Records   []ActivityRecord
	ContextID uint32
	StreamID  uint32
	Dropped   uint64
}

// AllocateBuffer returns a buffer for the profiling API to fill with
// activity records, or nil once the outstanding buffers reach the limit.
// A nil buffer makes the API drop records until one is delivered.
func (c *Collector) AllocateBuffer() []byte {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	if (c.outstanding+1)*c.bufferSize > c.bufferLimit {
		c.telemetry.recordRefused()
		c.logger.V(1).Info("activity buffer refused", "outstanding", c.outstanding, "limit_bytes", c.bufferLimit)
		return nil
	}
	c.outstanding++
	return make([]byte, c.bufferSize)
}

// OutstandingBuffers returns the number of buffers allocated and not yet
// delivered.
func (c *Collector) OutstandingBuffers() int {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	return c.outstanding
}

// DeliverBuffer posts every record of a completed buffer to the activity
// stream and releases the buffer.
func (c *Collector) DeliverBuffer(ab ActivityBuffer) {
	if ab.Buffer != nil {
		c.bufferMu.Lock()
		if c.outstanding > 0 {
			c.outstanding--
		}
		c.bufferMu.Unlock()
	}

	c.activityMu.Lock()
	for _, r := range ab.Records {
		m, ok := c.activityMessage(r)
		if !ok {
			continue
		}
		if err := c.activity.AddMessage(m); err != nil {
			c.activityMu.Unlock()
			c.report.fatal("DeliverBuffer", "AddMessage", err)
			return
		}
	}
	c.activityMu.Unlock()

	if ab.Dropped > 0 {
		context, _ := c.contexts.LookupHandle(ab.ContextID)
		c.report.dropped(ab.Dropped, ab.StreamID, context)
		c.telemetry.recordDropped(ab.Dropped, ab.StreamID)
	}
}

// activityMessage converts r into a blob message. ok is false for records
// the collector ignores.
func (c *Collector) activityMessage(r ActivityRecord) (m blob.Message, ok bool) {
	switch r := r.(type) {
	case ContextRecord:
		context, err := c.contexts.LookupHandle(r.ContextID)
		if err != nil {
			c.report.fatal("DeliverBuffer", "context registry lookup", err)
			return nil, false
		}
		return &blob.ContextInfo{Context: context, DeviceID: r.DeviceID}, true

	case DeviceRecord:
		info := r.Info
		return &info, true

	case KernelRecord:
		return &blob.CompletedExec{
			Correlation:      r.Correlation,
			TimeBegin:        r.Start,
			TimeEnd:          r.End,
			KernelAttributes: r.KernelAttributes,
		}, true

	case MemcpyRecord:
		return &blob.CompletedXfer{
			Correlation:        r.Correlation,
			TimeBegin:          r.Start,
			TimeEnd:            r.End,
			TransferAttributes: r.TransferAttributes,
		}, true

	case UnknownRecord:
		c.telemetry.recordIgnored(r.Kind)
	default:
		c.telemetry.recordIgnored(0)
	}
	return nil, false
}

// flushActivity makes the profiling API deliver every pending buffer and
// sends the activity stream.
func (c *Collector) flushActivity(function string) {
	if err := c.api.FlushActivity(); err != nil {
		c.report.fatal(function, "FlushActivity", err)
		return
	}
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	if err := c.activity.Send(); err != nil {
		c.logger.Error(err, "failed to send activity blob")
	}
}
