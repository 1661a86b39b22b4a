// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package blob defines the performance-data blob exchanged between the
// in-process collector and the analysis side: its header, the message sum
// type, the per-thread builder that fills blobs, the periodic-sample delta
// codec and the framed stream format used to persist blobs.
package blob

import (
	"errors"
	"fmt"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Limits bounds the size of a single blob. Exceeding any bound forces the
// builder to flush.
type Limits struct {
	Messages    int
	Addresses   int
	DeltaBytes  int
	OverflowPCs int
}

// DefaultLimits returns the limits every decoder is required to accept.
func DefaultLimits() Limits {
	return Limits{
		Messages:    128,
		Addresses:   1024,
		DeltaBytes:  32 * 1024,
		OverflowPCs: 1024,
	}
}

var (
	ErrInvalidCallSite  = errors.New("call site does not start a stack trace")
	ErrHeaderExtent     = errors.New("header does not cover payload")
	ErrLimitExceeded    = errors.New("blob limit exceeded")
	ErrDuplicateSamples = errors.New("more than one samples message")
	ErrTruncatedSamples = errors.New("truncated periodic samples")
)

// Header identifies the thread a blob belongs to and bounds every address
// and time mentioned in its payload.
type Header struct {
	Experiment  uint32                `json:"experiment"`
	CollectorID uint32                `json:"collector_id"`
	Host        string                `json:"host"`
	PID         uint64                `json:"pid"`
	PosixTID    *uint64               `json:"posix_tid,omitempty"`
	Rank        *int32                `json:"rank,omitempty"`
	OpenMPTID   *int32                `json:"omp_tid,omitempty"`
	Addresses   perfdata.AddressRange `json:"addresses"`
	Interval    perfdata.TimeInterval `json:"interval"`
}

// HeaderFor returns an empty-extent header for thread.
func HeaderFor(thread perfdata.ThreadName) Header {
	return Header{
		Experiment:  thread.Experiment,
		CollectorID: thread.CollectorID,
		Host:        thread.Host,
		PID:         thread.PID,
		PosixTID:    thread.PosixTID,
		Rank:        thread.MPIRank,
		OpenMPTID:   thread.OpenMPTID,
	}
}

// Thread returns the name of the thread the blob belongs to.
func (h Header) Thread() perfdata.ThreadName {
	return perfdata.ThreadName{
		Experiment:  h.Experiment,
		CollectorID: h.CollectorID,
		Host:        h.Host,
		PID:         h.PID,
		PosixTID:    h.PosixTID,
		MPIRank:     h.Rank,
		OpenMPTID:   h.OpenMPTID,
	}
}

// Blob is one unit of performance data. StackTraces holds null-terminated
// address runs packed end to end; messages reference a run by its start
// index.
type Blob struct {
	Header      Header             `json:"header"`
	Messages    []Message          `json:"messages"`
	StackTraces []perfdata.Address `json:"stack_traces"`
}

func (b *Blob) Empty() bool {
	return len(b.Messages) == 0
}

// Validate checks the structural invariants of a blob: call sites start a
// run, header extents cover the payload, at most one samples message of
// each kind, and the given limits.
func (b *Blob) Validate(limits Limits) error {
	if len(b.Messages) > limits.Messages {
		return fmt.Errorf("%w: %d messages", ErrLimitExceeded, len(b.Messages))
	}
	if len(b.StackTraces) > limits.Addresses {
		return fmt.Errorf("%w: %d stack-trace addresses", ErrLimitExceeded, len(b.StackTraces))
	}

	starts := b.runStarts()
	periodic, overflow := 0, 0
	for i, m := range b.Messages {
		if site, ok := callSite(m); ok && !starts[site] {
			return fmt.Errorf("message %d (%s) index %d: %w", i, m.Kind(), site, ErrInvalidCallSite)
		}
		for _, t := range times(m) {
			if !b.Header.Interval.Contains(t) {
				return fmt.Errorf("message %d (%s) time %d outside %s: %w",
					i, m.Kind(), t, b.Header.Interval, ErrHeaderExtent)
			}
		}
		switch m := m.(type) {
		case *PeriodicSamples:
			periodic++
			if len(m.Deltas) > limits.DeltaBytes {
				return fmt.Errorf("%w: %d delta bytes", ErrLimitExceeded, len(m.Deltas))
			}
		case *OverflowSamples:
			overflow++
			if len(m.PCs) > limits.OverflowPCs {
				return fmt.Errorf("%w: %d overflow pcs", ErrLimitExceeded, len(m.PCs))
			}
			for _, pc := range m.PCs {
				if !b.Header.Addresses.Contains(pc) {
					return fmt.Errorf("overflow pc %s: %w", pc, ErrHeaderExtent)
				}
			}
		}
	}
	if periodic > 1 || overflow > 1 {
		return ErrDuplicateSamples
	}
	for _, a := range b.StackTraces {
		if a != 0 && !b.Header.Addresses.Contains(a) {
			return fmt.Errorf("stack address %s outside %s: %w", a, b.Header.Addresses, ErrHeaderExtent)
		}
	}
	return nil
}

// runStarts marks every index of the stack-trace table that begins a
// null-terminated run.
func (b *Blob) runStarts() map[uint32]bool {
	starts := make(map[uint32]bool)
	begin := 0
	for i, a := range b.StackTraces {
		if a == 0 {
			starts[uint32(begin)] = true
			begin = i + 1
		}
	}
	return starts
}
