// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"errors"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// DriverAPI handles a driver-API callback made on thread tid. Kernel
// launches and memory copies are recorded as enqueue messages carrying
// the caller's call site.
func (c *Collector) DriverAPI(tid uint64, site CallbackSite, call DriverCall) {
	if call.Kind == CallOther {
		return
	}
	th := c.thread(tid)
	if th == nil || th.paused.Load() {
		return
	}

	switch site {
	case SiteEntry:
		c.driverEntry(tid, th, call)
	case SiteExit:
		c.driverExit(tid, call)
	}
}

func (c *Collector) driverEntry(tid uint64, th *threadState, call DriverCall) {
	if err := c.contexts.Add(call.ContextID, call.Context); err != nil {
		c.report.fatal("DriverAPI", "context registry add", err)
		return
	}

	// Copies never take the serializer.
	if call.Kind == CallKernelLaunch && c.serialized.Load() > 0 {
		c.serializer.Lock(tid)
	}

	index, err := th.builder.AddCurrentCallSite()
	if err != nil {
		c.report.fatal("DriverAPI", "AddCurrentCallSite", err)
		return
	}
	enqueue := blob.Enqueue{
		Correlation: call.Correlation,
		Context:     call.Context,
		Stream:      call.Stream,
		Time:        call.Time,
		CallSite:    index,
	}
	var m blob.Message = &blob.EnqueueExec{Enqueue: enqueue}
	if call.Kind == CallMemcpy {
		m = &blob.EnqueueXfer{Enqueue: enqueue}
	}
	if err := th.builder.AddMessage(m); err != nil {
		c.report.fatal("DriverAPI", "AddMessage", err)
		return
	}
	c.logger.V(1).Info("enqueue", "kind", call.Kind.String(), "function", call.Function,
		"correlation", call.Correlation, "context", call.Context.String(), "tid", tid)

	c.sampleAtBoundary(call.Context)
}

func (c *Collector) driverExit(tid uint64, call DriverCall) {
	if call.Kind != CallKernelLaunch {
		return
	}
	c.sampleAtBoundary(call.Context)

	// Serialization may have been switched on between entry and exit, in
	// which case this thread never took the serializer.
	if err := c.serializer.Unlock(tid); err != nil && !errors.Is(err, ErrNotOwner) {
		c.report.fatal("DriverAPI", "serializer unlock", err)
	}
}

// sampleAtBoundary samples the context's counters when they are sampled at
// kernel boundaries.
func (c *Collector) sampleAtBoundary(context perfdata.Handle) {
	c.samplersMu.RLock()
	defer c.samplersMu.RUnlock()
	s, ok := c.samplers[context]
	if !ok || s.mode == ModeContinuous {
		return
	}
	if err := s.take(c.clock()); err != nil {
		c.report.fatal("DriverAPI", "take sample", err)
	}
}

// Resource handles a resource-domain callback made on thread tid.
func (c *Collector) Resource(tid uint64, ev ResourceEvent) {
	if th := c.thread(tid); th != nil && th.paused.Load() {
		return
	}

	switch ev.Kind {
	case ContextCreated:
		if err := c.contexts.Add(ev.ContextID, ev.Context); err != nil {
			c.report.fatal("Resource", "context registry add", err)
			return
		}
		c.contextStarted(ev)

	case ContextDestroyStarting:
		c.contextStopping(ev.Context)
		c.contexts.Remove(ev.Context)

	case StreamCreated:
		if err := c.streams.Add(ev.StreamID, ev.Stream); err != nil {
			c.report.fatal("Resource", "stream registry add", err)
		}

	case StreamDestroyStarting:
		c.streams.Remove(ev.Stream)
	}
}

// Synchronize handles a synchronize-domain callback. Nothing is recorded
// for synchronization itself.
func (c *Collector) Synchronize(tid uint64, context, stream perfdata.Handle) {
	if th := c.thread(tid); th == nil || th.paused.Load() {
		return
	}
	c.logger.V(1).Info("synchronize", "context", context.String(), "stream", stream.String(), "tid", tid)
}

// contextStarted counts the new context, initializes the counter library
// for the first one and starts sampling the context's counters.
func (c *Collector) contextStarted(ev ResourceEvent) {
	c.telemetry.recordContext(1)
	c.contextCountMu.Lock()
	c.liveContexts++
	sampling := len(c.config.Events) > 0 && c.counters != nil
	if sampling && !c.libInitialized {
		if err := c.counters.Init(); err != nil {
			c.contextCountMu.Unlock()
			c.report.fatal("Resource", "CounterLibrary.Init", err)
			return
		}
		c.libInitialized = true
	}
	c.contextCountMu.Unlock()
	if !sampling {
		return
	}

	counters, err := c.counters.Open(ev.Context, ev.DeviceID, c.config.Events)
	if err != nil {
		c.report.fatal("Resource", "CounterLibrary.Open", err)
		return
	}
	s := newContextSampler(c.process, ev.Context, counters, len(c.config.Events), c.clock(), c.sendFunc("sampler"))
	if s.mode == ModeReplay {
		c.logger.Info("kernel replay enabled, kernels are re-run once per pass and their timing is not representative",
			"context", ev.Context.String(), "passes", counters.Passes())
	}
	if err := c.sink.Attach(s.thread); err != nil {
		c.logger.Error(err, "failed to attach sampler", "context", ev.Context.String())
	}
	if err := s.addMessage(c.config.Message()); err != nil {
		c.report.fatal("Resource", "AddMessage", err)
		return
	}

	c.samplersMu.Lock()
	c.samplers[ev.Context] = s
	c.samplersMu.Unlock()
	c.logger.V(1).Info("sampling context", "context", ev.Context.String(), "mode", s.mode.String())

	if s.mode.Serialized() {
		c.serialized.Add(1)
	} else {
		c.ensureSamplingLoop()
	}
}

// contextStopping drains activity for a context about to be destroyed and
// retires its sampler. The counter library is shut down with the last
// context.
func (c *Collector) contextStopping(context perfdata.Handle) {
	c.flushActivity("Resource")

	c.samplersMu.Lock()
	s, ok := c.samplers[context]
	delete(c.samplers, context)
	c.samplersMu.Unlock()
	if ok {
		c.retireSampler(s)
	}

	c.telemetry.recordContext(-1)
	c.contextCountMu.Lock()
	defer c.contextCountMu.Unlock()
	if c.liveContexts > 0 {
		c.liveContexts--
	}
	if c.liveContexts == 0 && c.libInitialized {
		c.libInitialized = false
		if err := c.counters.Shutdown(); err != nil {
			c.report.fatal("Resource", "CounterLibrary.Shutdown", err)
		}
	}
}

// retireSampler takes a final sample, flushes the sampler's stream and
// releases its counters.
func (c *Collector) retireSampler(s *contextSampler) {
	if err := s.take(c.clock()); err != nil {
		c.report.fatal("retireSampler", "take sample", err)
		return
	}
	if err := s.flush(); err != nil {
		c.logger.Error(err, "failed to flush sampler", "context", s.context.String())
	}
	if err := c.sink.Terminate(s.thread); err != nil {
		c.logger.Error(err, "failed to terminate sampler", "context", s.context.String())
	}
	if err := s.counters.Close(); err != nil {
		c.report.fatal("retireSampler", "ContextCounters.Close", err)
		return
	}
	if s.mode.Serialized() {
		c.serialized.Add(-1)
	}
}
