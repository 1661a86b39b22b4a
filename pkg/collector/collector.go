// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package collector is the in-process side of gpuperf. It receives GPU
// profiling-API callbacks and activity records from an instrumented
// process, correlates kernel launches and memory transfers with their
// call sites, samples hardware counters per GPU context and emits
// performance-data blobs to a Sink.
//
// Fatal conditions inside the collector end the process with a single
// diagnostic line on stderr; there is no safe recovery from inside an
// instrumented application.
package collector

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sys/unix"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/host"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

const (
	DefaultActivityBufferSize  = 64 << 10
	DefaultActivityBufferLimit = 4 << 20
)

var ErrAlreadyStarted = errors.New("collector already started")

type threadState struct {
	name    perfdata.ThreadName
	builder *blob.Builder
	paused  atomic.Bool
}

// Collector carries all process-wide collector state.
type Collector struct {
	logger    logr.Logger
	api       ProfilingAPI
	counters  CounterLibrary
	sink      Sink
	unwind    blob.Unwinder
	clock     func() perfdata.Time
	report    *reporter
	telemetry *telemetry
	provider  metric.MeterProvider
	config    SamplingConfig
	process   perfdata.ThreadName

	contexts   *Registry
	streams    *Registry
	serializer *serializer
	// contexts whose sampling mode serializes kernels
	serialized atomic.Int32

	threadsMu sync.RWMutex
	threads   map[uint64]*threadState

	// activity builder, filled from whatever thread the profiling API
	// delivers on
	activityMu sync.Mutex
	activity   *blob.Builder

	bufferMu    sync.Mutex
	bufferSize  int
	bufferLimit int
	outstanding int

	contextCountMu sync.Mutex
	liveContexts   int
	libInitialized bool

	// write-locked while contexts start and stop, read-locked while
	// sampling
	samplersMu sync.RWMutex
	samplers   map[perfdata.Handle]*contextSampler

	samplingOnce sync.Once
	samplingWG   sync.WaitGroup
	samplingTID  atomic.Uint64
	exit         atomic.Bool
	wake         chan struct{}
	wakeOnce     sync.Once

	started atomic.Bool
	stopped atomic.Bool
}

type Option func(*Collector)

func WithLogger(logger logr.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

func WithSink(sink Sink) Option {
	return func(c *Collector) {
		c.sink = sink
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Collector) {
		c.provider = provider
	}
}

// WithUnwinder sets how call sites are captured. The default walks the Go
// call stack.
func WithUnwinder(unwind blob.Unwinder) Option {
	return func(c *Collector) {
		c.unwind = unwind
	}
}

func WithClock(clock func() perfdata.Time) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

// WithExitFunc replaces os.Exit for fatal conditions.
func WithExitFunc(exit func(int)) Option {
	return func(c *Collector) {
		c.report.exit = exit
	}
}

// WithDiagnostics sets where fatal and data-loss lines are written. The
// default is stderr.
func WithDiagnostics(w io.Writer) Option {
	return func(c *Collector) {
		c.report.out = w
	}
}

// WithActivityBufferLimit caps the bytes held in outstanding activity
// buffers.
func WithActivityBufferLimit(limit int) Option {
	return func(c *Collector) {
		c.bufferLimit = limit
	}
}

func WithSamplingConfig(cfg SamplingConfig) Option {
	return func(c *Collector) {
		c.config = cfg
	}
}

// WithHost overrides the host name stamped on every blob.
func WithHost(name string) Option {
	return func(c *Collector) {
		c.process.Host = name
	}
}

// WithIdentity sets the experiment and collector IDs, and the MPI rank
// when rank is not nil, stamped on every blob.
func WithIdentity(experiment, collectorID uint32, rank *int32) Option {
	return func(c *Collector) {
		c.process.Experiment = experiment
		c.process.CollectorID = collectorID
		c.process.MPIRank = rank
	}
}

type discardSink struct{}

func (discardSink) Attach(perfdata.ThreadName) error    { return nil }
func (discardSink) Blob(*blob.Blob) error               { return nil }
func (discardSink) Terminate(perfdata.ThreadName) error { return nil }

// New returns a collector driving api. counters may be nil when no
// hardware counters are sampled.
func New(api ProfilingAPI, counters CounterLibrary, opts ...Option) (*Collector, error) {
	c := &Collector{
		logger:      logr.Discard(),
		api:         api,
		counters:    counters,
		sink:        discardSink{},
		unwind:      callers,
		clock:       perfdata.Now,
		report:      &reporter{out: os.Stderr, exit: os.Exit},
		provider:    noop.NewMeterProvider(),
		config:      SamplingConfig{Interval: DefaultSamplingInterval},
		process:     perfdata.ThreadName{Host: host.NameOrFallback(""), PID: uint64(unix.Getpid())},
		contexts:    NewRegistry("context", MaxContexts),
		streams:     NewRegistry("stream", MaxStreams),
		serializer:  newSerializer(),
		threads:     make(map[uint64]*threadState),
		bufferSize:  DefaultActivityBufferSize,
		bufferLimit: DefaultActivityBufferLimit,
		samplers:    make(map[perfdata.Handle]*contextSampler),
		wake:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithName("collector")

	if c.config.Interval == 0 {
		c.config.Interval = DefaultSamplingInterval
	}
	if c.config.Interval > math.MaxInt64 {
		return nil, fmt.Errorf("interval %d: %w", c.config.Interval, ErrInvalidInterval)
	}
	tel, err := newTelemetry(c.provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry: %w", err)
	}
	c.telemetry = tel
	c.activity = blob.NewBuilder(blob.HeaderFor(c.process), c.sendFunc("activity"))
	return c, nil
}

// callers is the default unwinder: the Go call stack of the caller of the
// collector entry point.
func callers() perfdata.StackTrace {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(4, pcs)
	trace := make(perfdata.StackTrace, n)
	for i, pc := range pcs[:n] {
		trace[i] = perfdata.Address(pc)
	}
	return trace
}

func (c *Collector) sendFunc(source string) blob.SendFunc {
	return func(b *blob.Blob) error {
		c.telemetry.recordBlob(source)
		c.logger.V(1).Info("sending blob", "source", source, "thread", b.Header.Thread().String(),
			"messages", len(b.Messages))
		return c.sink.Blob(b)
	}
}

// Process returns the identity of the instrumented process.
func (c *Collector) Process() perfdata.ThreadName {
	return c.process
}

// Config returns the sampling configuration in effect.
func (c *Collector) Config() SamplingConfig {
	return c.config
}

// Start announces the process-wide activity stream.
func (c *Collector) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := c.sink.Attach(c.process); err != nil {
		return fmt.Errorf("failed to attach activity stream: %w", err)
	}
	c.logger.Info("collector started", "host", c.process.Host, "pid", c.process.PID,
		"events", len(c.config.Events), "interval_ns", c.config.Interval)
	return nil
}

// Stop stops the sampling goroutine, drains pending activity and flushes
// every builder. It is safe to call more than once.
func (c *Collector) Stop() {
	if !c.started.Load() || !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.stopSampling()
	c.flushActivity("Stop")

	c.samplersMu.Lock()
	samplers := c.samplers
	c.samplers = make(map[perfdata.Handle]*contextSampler)
	c.samplersMu.Unlock()
	for _, s := range samplers {
		c.retireSampler(s)
	}

	c.threadsMu.Lock()
	threads := c.threads
	c.threads = make(map[uint64]*threadState)
	c.threadsMu.Unlock()
	for _, th := range threads {
		c.finishThread(th)
	}

	if err := c.sink.Terminate(c.process); err != nil {
		c.logger.Error(err, "failed to terminate activity stream")
	}

	c.contextCountMu.Lock()
	if c.libInitialized {
		c.libInitialized = false
		if err := c.counters.Shutdown(); err != nil {
			c.contextCountMu.Unlock()
			c.report.fatal("Stop", "CounterLibrary.Shutdown", err)
			return
		}
	}
	c.contextCountMu.Unlock()
	c.logger.Info("collector stopped")
}

// ThreadStart registers an application thread.
func (c *Collector) ThreadStart(tid uint64) {
	if c.IsSamplingThread(tid) {
		return
	}
	c.thread(tid)
}

// ThreadStop flushes and forgets an application thread.
func (c *Collector) ThreadStop(tid uint64) {
	c.threadsMu.Lock()
	th, ok := c.threads[tid]
	delete(c.threads, tid)
	c.threadsMu.Unlock()
	if ok {
		c.finishThread(th)
	}
}

// Pause makes every callback on tid a no-op until Resume.
func (c *Collector) Pause(tid uint64) {
	if th := c.thread(tid); th != nil {
		th.paused.Store(true)
	}
}

func (c *Collector) Resume(tid uint64) {
	if th := c.thread(tid); th != nil {
		th.paused.Store(false)
	}
}

// thread returns the state of tid, registering it on first use. The
// sampling goroutine's thread is never registered.
func (c *Collector) thread(tid uint64) *threadState {
	if c.IsSamplingThread(tid) {
		return nil
	}
	c.threadsMu.RLock()
	th, ok := c.threads[tid]
	c.threadsMu.RUnlock()
	if ok {
		return th
	}

	c.threadsMu.Lock()
	defer c.threadsMu.Unlock()
	if th, ok := c.threads[tid]; ok {
		return th
	}
	name := c.process
	name.PosixTID = perfdata.Ptr(tid)
	th = &threadState{
		name:    name,
		builder: blob.NewBuilder(blob.HeaderFor(name), c.sendFunc("thread"), blob.WithUnwinder(c.unwind)),
	}
	c.threads[tid] = th
	if err := c.sink.Attach(name); err != nil {
		c.logger.Error(err, "failed to attach thread", "tid", tid)
	}
	return th
}

func (c *Collector) finishThread(th *threadState) {
	if err := th.builder.Send(); err != nil {
		c.logger.Error(err, "failed to flush thread", "thread", th.name.String())
	}
	if err := c.sink.Terminate(th.name); err != nil {
		c.logger.Error(err, "failed to terminate thread", "thread", th.name.String())
	}
}

// IsSamplingThread reports whether tid is the OS thread running the
// counter-sampling goroutine.
func (c *Collector) IsSamplingThread(tid uint64) bool {
	sampling := c.samplingTID.Load()
	return sampling != 0 && sampling == tid
}

// LiveContexts returns the number of GPU contexts currently alive.
func (c *Collector) LiveContexts() int {
	c.contextCountMu.Lock()
	defer c.contextCountMu.Unlock()
	return c.liveContexts
}

func (c *Collector) ensureSamplingLoop() {
	c.samplingOnce.Do(func() {
		if c.exit.Load() {
			return
		}
		started := make(chan struct{})
		c.samplingWG.Add(1)
		go c.samplingLoop(started)
		<-started
	})
}

// samplingLoop samples every continuous-mode context once per interval
// until the exit flag is set. It runs pinned to one OS thread so that the
// thread can be recognized and its own callbacks ignored.
func (c *Collector) samplingLoop(started chan<- struct{}) {
	defer c.samplingWG.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	c.samplingTID.Store(gettid())
	close(started)

	ticker := time.NewTicker(time.Duration(c.config.Interval))
	defer ticker.Stop()
	for !c.exit.Load() {
		c.sampleContinuous()
		select {
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Collector) sampleContinuous() {
	c.samplersMu.RLock()
	defer c.samplersMu.RUnlock()
	for _, s := range c.samplers {
		if s.mode != ModeContinuous {
			continue
		}
		if err := s.take(c.clock()); err != nil {
			c.report.fatal("samplingLoop", "take sample", err)
			return
		}
	}
}

func (c *Collector) stopSampling() {
	c.exit.Store(true)
	c.wakeOnce.Do(func() { close(c.wake) })
	c.samplingWG.Wait()
}
