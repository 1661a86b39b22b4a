// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"fmt"
	"sync"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// SamplingMode is how counters on a context are sampled.
type SamplingMode int

const (
	// ModeContinuous samples from the sampling goroutine every interval.
	ModeContinuous SamplingMode = iota
	// ModeKernelEvent samples on kernel entry and exit only.
	ModeKernelEvent
	// ModeReplay samples on kernel entry and exit while the profiling API
	// replays every kernel once per pass.
	ModeReplay
)

func (m SamplingMode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeKernelEvent:
		return "kernel-event"
	case ModeReplay:
		return "replay"
	}
	return "unknown"
}

// Serialized reports whether kernels must run one at a time.
func (m SamplingMode) Serialized() bool {
	return m != ModeContinuous
}

// SelectMode picks the sampling mode for a context from the number of
// passes its events need and its device class.
func SelectMode(passes int, class DeviceClass) SamplingMode {
	switch {
	case passes > 1:
		return ModeReplay
	case class == DeviceKernelOnly:
		return ModeKernelEvent
	}
	return ModeContinuous
}

// contextSampler samples the counters of one context into a builder whose
// header names a synthetic thread for the context.
type contextSampler struct {
	context  perfdata.Handle
	mode     SamplingMode
	counters ContextCounters
	thread   perfdata.ThreadName

	mu      sync.Mutex
	builder *blob.Builder
	// last absolute sample, the base for converting read-and-reset
	// readings into monotonic counts
	origin blob.Sample
}

// samplerThread names the synthetic thread that carries a context's
// samples: the posix tid is the context handle and the OpenMP tid is -1.
func samplerThread(process perfdata.ThreadName, context perfdata.Handle) perfdata.ThreadName {
	name := process
	name.PosixTID = perfdata.Ptr(uint64(context))
	name.OpenMPTID = perfdata.Ptr(int32(-1))
	return name
}

func newContextSampler(process perfdata.ThreadName, context perfdata.Handle, counters ContextCounters,
	numEvents int, now perfdata.Time, send blob.SendFunc) *contextSampler {
	s := &contextSampler{
		context:  context,
		mode:     SelectMode(counters.Passes(), counters.DeviceClass()),
		counters: counters,
		thread:   samplerThread(process, context),
		origin:   blob.Sample{Time: now, Counts: make([]uint64, numEvents)},
	}
	s.builder = blob.NewBuilder(blob.HeaderFor(s.thread), send, blob.WithPeriodicSamples())
	return s
}

// take reads every counter group, converts the readings into absolute
// counts and appends the sample.
func (s *contextSampler) take(now perfdata.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.counters.ReadGroups()
	if err != nil {
		return err
	}
	var elapsed uint64
	if now > s.origin.Time {
		elapsed = uint64(now - s.origin.Time)
	}
	values, err := s.counters.Evaluate(groups, elapsed)
	if err != nil {
		return err
	}
	if len(values) != len(s.origin.Counts) {
		return fmt.Errorf("evaluated %d values for %d events", len(values), len(s.origin.Counts))
	}

	sample := blob.Sample{Time: now, Counts: make([]uint64, len(values))}
	for i, v := range values {
		sample.Counts[i] = s.origin.Counts[i] + v
	}
	if err := s.builder.AddSample(sample); err != nil {
		return err
	}
	s.origin = sample
	return nil
}

func (s *contextSampler) addMessage(m blob.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.AddMessage(m)
}

func (s *contextSampler) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builder.Send()
}
