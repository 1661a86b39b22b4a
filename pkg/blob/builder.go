// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blob

import (
	"errors"
	"fmt"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// SendFunc receives every non-empty blob a Builder flushes. The builder
// does not touch the blob after the call returns.
type SendFunc func(*Blob) error

// Unwinder captures the calling thread's current stack, innermost frame
// first.
type Unwinder func() perfdata.StackTrace

var ErrNoUnwinder = errors.New("builder has no unwinder")

// Builder accumulates messages for one thread into blobs, flushing through
// its SendFunc whenever a limit would be exceeded. A Builder is owned by a
// single goroutine and is not safe for concurrent use.
type Builder struct {
	identity Header
	send     SendFunc
	unwind   Unwinder
	limits   Limits

	current Blob
	// run start index -> trace, for call-site deduplication within the
	// current blob
	sites map[uint32]perfdata.StackTrace

	samplesEnabled bool
	deltas         []byte
	previous       Sample

	sent uint64
}

type BuilderOption func(*Builder)

func WithUnwinder(u Unwinder) BuilderOption {
	return func(b *Builder) {
		b.unwind = u
	}
}

func WithLimits(l Limits) BuilderOption {
	return func(b *Builder) {
		b.limits = l
	}
}

// WithPeriodicSamples enables the running periodic-samples message.
func WithPeriodicSamples() BuilderOption {
	return func(b *Builder) {
		b.samplesEnabled = true
	}
}

// NewBuilder returns a builder for the thread identified by header. The
// header's extents are ignored.
func NewBuilder(header Header, send SendFunc, opts ...BuilderOption) *Builder {
	b := &Builder{
		identity: header,
		send:     send,
		limits:   DefaultLimits(),
	}
	b.identity.Addresses = perfdata.AddressRange{}
	b.identity.Interval = perfdata.TimeInterval{}
	for _, opt := range opts {
		opt(b)
	}
	b.reset()
	return b
}

func (b *Builder) reset() {
	b.current = Blob{Header: b.identity}
	b.sites = make(map[uint32]perfdata.StackTrace)
	b.deltas = nil
	b.previous = Sample{}
}

// Header returns the identity the builder stamps on every blob.
func (b *Builder) Header() Header {
	return b.identity
}

// Sent returns the number of blobs emitted so far.
func (b *Builder) Sent() uint64 {
	return b.sent
}

// Empty reports whether the in-progress blob holds nothing worth sending.
func (b *Builder) Empty() bool {
	return len(b.current.Messages) == 0 && len(b.deltas) == 0
}

// messageSlots returns the number of messages the in-progress blob would
// carry if sent now.
func (b *Builder) messageSlots() int {
	n := len(b.current.Messages)
	if len(b.deltas) > 0 {
		n++
	}
	return n
}

// full reports whether one more message would exceed the message limit.
func (b *Builder) full() bool {
	return b.messageSlots() >= b.limits.Messages ||
		len(b.current.StackTraces) >= b.limits.Addresses
}

func (b *Builder) UpdateHeaderWithTime(t perfdata.Time) {
	b.current.Header.Interval = b.current.Header.Interval.Extend(t)
}

func (b *Builder) UpdateHeaderWithAddress(a perfdata.Address) {
	b.current.Header.Addresses = b.current.Header.Addresses.Extend(a)
}

// AddMessage appends m to the in-progress blob, flushing first when the
// blob is full or already carries an overflow-samples message and m is one
// too. Times in m are folded into the header.
func (b *Builder) AddMessage(m Message) error {
	if ps, ok := m.(*PeriodicSamples); ok {
		return fmt.Errorf("%w: periodic samples are added with AddSample (%d bytes)", ErrLimitExceeded, len(ps.Deltas))
	}
	if ovf, ok := m.(*OverflowSamples); ok {
		if len(ovf.PCs) > b.limits.OverflowPCs {
			return fmt.Errorf("%w: %d overflow pcs", ErrLimitExceeded, len(ovf.PCs))
		}
		if b.hasOverflow() {
			if err := b.Send(); err != nil {
				return err
			}
		}
	}
	if b.messageSlots() >= b.limits.Messages {
		if err := b.Send(); err != nil {
			return err
		}
	}

	b.current.Messages = append(b.current.Messages, m)
	for _, t := range times(m) {
		b.UpdateHeaderWithTime(t)
	}
	if ovf, ok := m.(*OverflowSamples); ok {
		for _, pc := range ovf.PCs {
			b.UpdateHeaderWithAddress(pc)
		}
	}
	return nil
}

func (b *Builder) hasOverflow() bool {
	for _, m := range b.current.Messages {
		if m.Kind() == KindOverflowSamples {
			return true
		}
	}
	return false
}

// AddCurrentCallSite captures the caller's stack with the builder's
// unwinder and adds it as a call site.
func (b *Builder) AddCurrentCallSite() (uint32, error) {
	if b.unwind == nil {
		return 0, ErrNoUnwinder
	}
	return b.AddSite(b.unwind())
}

// AddSite returns the index of trace in the stack-trace table, appending it
// when no identical run exists. The blob is flushed first when it is full
// or the run would not fit, so a message added right after always lands
// in the same blob as its call site.
func (b *Builder) AddSite(trace perfdata.StackTrace) (uint32, error) {
	if !b.full() {
		for start, existing := range b.sites {
			if existing.Equal(trace) {
				return start, nil
			}
		}
	}

	need := len(trace) + 1
	if need > b.limits.Addresses {
		return 0, fmt.Errorf("%w: stack trace of %d frames", ErrLimitExceeded, len(trace))
	}
	if b.full() || len(b.current.StackTraces)+need > b.limits.Addresses {
		if err := b.Send(); err != nil {
			return 0, err
		}
	}

	start := uint32(len(b.current.StackTraces))
	b.current.StackTraces = append(b.current.StackTraces, trace...)
	b.current.StackTraces = append(b.current.StackTraces, 0)
	b.sites[start] = append(perfdata.StackTrace(nil), trace...)
	for _, a := range trace {
		b.UpdateHeaderWithAddress(a)
	}
	return start, nil
}

// AddSample appends a periodic sample. When the encoded sample does not
// fit the delta buffer the blob is flushed and the whole sample re-encoded
// against zero.
func (b *Builder) AddSample(s Sample) error {
	if !b.samplesEnabled {
		return fmt.Errorf("%w: periodic samples are disabled", ErrLimitExceeded)
	}
	if len(b.deltas) == 0 && b.messageSlots() >= b.limits.Messages {
		if err := b.Send(); err != nil {
			return err
		}
	}
	if len(b.deltas)+EncodedSize(b.previous, s) > b.limits.DeltaBytes {
		if err := b.Send(); err != nil {
			return err
		}
	}
	if EncodedSize(b.previous, s) > b.limits.DeltaBytes {
		return fmt.Errorf("%w: sample of %d counters", ErrLimitExceeded, len(s.Counts))
	}

	b.deltas = EncodeSample(b.deltas, b.previous, s)
	b.previous = Sample{Time: s.Time, Counts: append([]uint64(nil), s.Counts...)}
	b.UpdateHeaderWithTime(s.Time)
	return nil
}

// Send emits the in-progress blob and starts a new one. Empty blobs are
// dropped. After a send the periodic samples restart against zero.
func (b *Builder) Send() error {
	if b.Empty() {
		return nil
	}
	out := b.current
	if len(b.deltas) > 0 {
		out.Messages = append(out.Messages, &PeriodicSamples{Deltas: b.deltas})
	}
	b.reset()

	if err := b.send(&out); err != nil {
		return fmt.Errorf("failed to send blob: %w", err)
	}
	b.sent++
	return nil
}
