// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package datatable reassembles performance-data blobs into a queryable
// model. Enqueue and completion halves of GPU events are joined through
// per-process partial tables, completed events are split into classes and
// instances per thread, and periodic counter samples are decoded. The model
// can be turned back into a canonical blob stream for any thread.
package datatable

import (
	"fmt"
	"slices"
	"sort"

	"github.com/go-logr/logr"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

type process struct {
	execs *PartialTable[blob.CompletedExec]
	xfers *PartialTable[blob.CompletedXfer]
}

type thread struct {
	name perfdata.ThreadName

	configured     bool
	samplingPeriod uint64
	// thread-local counter position -> index into Table.counters
	counters []int

	execs *EventTable[KernelClass]
	xfers *EventTable[TransferClass]

	// sorted by time, counts in thread-local order
	samples []blob.Sample
	// periodic samples received before the sampling config
	stashed  [][]byte
	overflow []blob.OverflowSamples
}

// Table is the reassembly engine. It is not safe for concurrent use.
type Table struct {
	logger logr.Logger

	counters []CounterDescription
	devices  []Device
	interval perfdata.TimeInterval
	sites    []perfdata.StackTrace

	// host -> device ID -> index into devices
	hosts     map[string]map[uint32]int
	processes map[perfdata.ProcessKey]*process
	threads   map[perfdata.ThreadKey]*thread
}

type Option func(*Table)

func WithLogger(logger logr.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

func New(opts ...Option) *Table {
	t := &Table{
		logger:    logr.Discard(),
		hosts:     make(map[string]map[uint32]int),
		processes: make(map[perfdata.ProcessKey]*process),
		threads:   make(map[perfdata.ThreadKey]*thread),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithName("datatable")
	return t
}

// Process applies every message of b to the thread named by its header.
// Processing stops at the first error.
func (t *Table) Process(b *blob.Blob) error {
	name := b.Header.Thread()
	th := t.thread(name)
	proc := t.process(name.Process())

	for i, m := range b.Messages {
		if err := t.processMessage(b, name, th, proc, m); err != nil {
			return fmt.Errorf("thread %s: message %d (%s): %w", name, i, m.Kind(), err)
		}
	}
	t.logger.V(1).Info("processed blob", "thread", name.String(), "messages", len(b.Messages))
	return nil
}

func (t *Table) processMessage(b *blob.Blob, name perfdata.ThreadName, th *thread, proc *process, m blob.Message) error {
	switch m := m.(type) {
	case *blob.ContextInfo:
		execs, err := proc.execs.AddContext(m.Context, m.DeviceID)
		if err != nil {
			return err
		}
		xfers, err := proc.xfers.AddContext(m.Context, m.DeviceID)
		if err != nil {
			return err
		}
		t.forwardExecs(execs)
		t.forwardXfers(xfers)

	case *blob.DeviceInfo:
		t.addDevice(name.Host, *m)

	case *blob.EnqueueExec:
		site, err := t.site(b.StackTraces, m.CallSite)
		if err != nil {
			return err
		}
		enqueue := m.Enqueue
		enqueue.CallSite = uint32(site)
		done, err := proc.execs.AddEnqueued(m.Correlation, enqueue, m.Context, name.Key())
		if err != nil {
			return err
		}
		t.forwardExecs(done)

	case *blob.CompletedExec:
		done, err := proc.execs.AddCompleted(m.Correlation, *m)
		if err != nil {
			return err
		}
		t.forwardExecs(done)

	case *blob.EnqueueXfer:
		site, err := t.site(b.StackTraces, m.CallSite)
		if err != nil {
			return err
		}
		enqueue := m.Enqueue
		enqueue.CallSite = uint32(site)
		done, err := proc.xfers.AddEnqueued(m.Correlation, enqueue, m.Context, name.Key())
		if err != nil {
			return err
		}
		t.forwardXfers(done)

	case *blob.CompletedXfer:
		done, err := proc.xfers.AddCompleted(m.Correlation, *m)
		if err != nil {
			return err
		}
		t.forwardXfers(done)

	case *blob.SamplingConfig:
		return t.configure(th, m)

	case *blob.PeriodicSamples:
		if !th.configured {
			th.stashed = append(th.stashed, slices.Clone(m.Deltas))
			return nil
		}
		return t.decodeSamples(th, m.Deltas)

	case *blob.OverflowSamples:
		th.overflow = append(th.overflow, blob.OverflowSamples{
			TimeBegin: m.TimeBegin,
			TimeEnd:   m.TimeEnd,
			PCs:       slices.Clone(m.PCs),
			Counts:    slices.Clone(m.Counts),
		})
		t.interval = t.interval.Union(perfdata.TimeInterval{Begin: m.TimeBegin, End: m.TimeEnd})

	case *blob.ExecClass:
		device, err := t.deviceIndex(name.Host, m.Device)
		if err != nil {
			return err
		}
		site, err := t.site(b.StackTraces, m.CallSite)
		if err != nil {
			return err
		}
		th.execs.ImportClass(m.ClassUID, KernelClass{
			Device:           device,
			CallSite:         site,
			Context:          m.Context,
			Stream:           m.Stream,
			KernelAttributes: m.KernelAttributes,
		})

	case *blob.XferClass:
		device, err := t.deviceIndex(name.Host, m.Device)
		if err != nil {
			return err
		}
		site, err := t.site(b.StackTraces, m.CallSite)
		if err != nil {
			return err
		}
		th.xfers.ImportClass(m.ClassUID, TransferClass{
			Device:             device,
			CallSite:           site,
			Context:            m.Context,
			Stream:             m.Stream,
			TransferAttributes: m.TransferAttributes,
		})

	case *blob.ExecInstance:
		timing := instanceTiming(m.Instance)
		if err := th.execs.ImportInstance(m.ClassUID, timing); err != nil {
			return err
		}
		t.interval = t.interval.Union(timing.Span())

	case *blob.XferInstance:
		timing := instanceTiming(m.Instance)
		if err := th.xfers.ImportInstance(m.ClassUID, timing); err != nil {
			return err
		}
		t.interval = t.interval.Union(timing.Span())

	default:
		t.logger.V(1).Info("ignoring message", "kind", m.Kind().String())
	}
	return nil
}

func instanceTiming(i blob.Instance) Timing {
	return Timing{
		Correlation: i.Correlation,
		TimeEnqueue: i.TimeEnqueue,
		TimeBegin:   i.TimeBegin,
		TimeEnd:     i.TimeEnd,
	}
}

func (t *Table) thread(name perfdata.ThreadName) *thread {
	key := name.Key()
	th, ok := t.threads[key]
	if !ok {
		th = &thread{
			name:  name,
			execs: NewEventTable(kernelContext),
			xfers: NewEventTable(transferContext),
		}
		t.threads[key] = th
	}
	return th
}

// process returns the partial tables of a process, creating them already
// aware of every device known on the host.
func (t *Table) process(key perfdata.ProcessKey) *process {
	proc, ok := t.processes[key]
	if !ok {
		proc = &process{
			execs: NewPartialTable[blob.CompletedExec](),
			xfers: NewPartialTable[blob.CompletedXfer](),
		}
		for id, index := range t.hosts[key.Host] {
			proc.execs.AddDevice(id, index)
			proc.xfers.AddDevice(id, index)
		}
		t.processes[key] = proc
	}
	return proc
}

// addDevice records a device the first time its ID is seen on host and
// makes it known to every process on that host.
func (t *Table) addDevice(host string, info blob.DeviceInfo) {
	ids, ok := t.hosts[host]
	if !ok {
		ids = make(map[uint32]int)
		t.hosts[host] = ids
	}
	if _, ok := ids[info.DeviceID]; ok {
		return
	}
	index := len(t.devices)
	t.devices = append(t.devices, Device{Host: host, DeviceInfo: info})
	ids[info.DeviceID] = index

	for key, proc := range t.processes {
		if key.Host != host {
			continue
		}
		t.forwardExecs(proc.execs.AddDevice(info.DeviceID, index))
		t.forwardXfers(proc.xfers.AddDevice(info.DeviceID, index))
	}
}

func (t *Table) deviceIndex(host string, id uint32) (int, error) {
	index, ok := t.hosts[host][id]
	if !ok {
		return 0, fmt.Errorf("device %d on %s: %w", id, host, ErrUnknownDevice)
	}
	return index, nil
}

// site expands the call site starting at index of table into the global
// site registry.
func (t *Table) site(table []perfdata.Address, index uint32) (int, error) {
	trace, ok := perfdata.ExtractStackTrace(table, index)
	if !ok {
		return 0, fmt.Errorf("index %d: %w", index, blob.ErrInvalidCallSite)
	}
	for i, s := range t.sites {
		if s.Equal(trace) {
			return i, nil
		}
	}
	t.sites = append(t.sites, trace)
	return len(t.sites) - 1, nil
}

func (t *Table) counter(d CounterDescription) int {
	if i := slices.Index(t.counters, d); i >= 0 {
		return i
	}
	t.counters = append(t.counters, d)
	return len(t.counters) - 1
}

func (t *Table) forwardExecs(done []Completed[blob.CompletedExec]) {
	for _, c := range done {
		th, ok := t.threads[c.Thread]
		if !ok {
			continue
		}
		timing := Timing{
			Correlation: c.Enqueue.Correlation,
			TimeEnqueue: c.Enqueue.Time,
			TimeBegin:   c.Completion.TimeBegin,
			TimeEnd:     c.Completion.TimeEnd,
		}
		th.execs.Add(KernelClass{
			Device:           c.Device,
			CallSite:         int(c.Enqueue.CallSite),
			Context:          c.Enqueue.Context,
			Stream:           c.Enqueue.Stream,
			KernelAttributes: c.Completion.KernelAttributes,
		}, timing)
		t.interval = t.interval.Union(timing.Span())
	}
}

func (t *Table) forwardXfers(done []Completed[blob.CompletedXfer]) {
	for _, c := range done {
		th, ok := t.threads[c.Thread]
		if !ok {
			continue
		}
		timing := Timing{
			Correlation: c.Enqueue.Correlation,
			TimeEnqueue: c.Enqueue.Time,
			TimeBegin:   c.Completion.TimeBegin,
			TimeEnd:     c.Completion.TimeEnd,
		}
		th.xfers.Add(TransferClass{
			Device:             c.Device,
			CallSite:           int(c.Enqueue.CallSite),
			Context:            c.Enqueue.Context,
			Stream:             c.Enqueue.Stream,
			TransferAttributes: c.Completion.TransferAttributes,
		}, timing)
		t.interval = t.interval.Union(timing.Span())
	}
}

func (t *Table) configure(th *thread, cfg *blob.SamplingConfig) error {
	if th.configured {
		return ErrDuplicateSamplingConfig
	}
	th.configured = true
	th.samplingPeriod = cfg.Interval
	th.counters = make([]int, len(cfg.Events))
	for i, e := range cfg.Events {
		th.counters[i] = t.counter(e)
	}

	stashed := th.stashed
	th.stashed = nil
	for _, deltas := range stashed {
		if err := t.decodeSamples(th, deltas); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) decodeSamples(th *thread, deltas []byte) error {
	samples, err := blob.DecodeSamples(deltas, len(th.counters))
	if err != nil {
		return err
	}
	for _, s := range samples {
		i := sort.Search(len(th.samples), func(i int) bool { return th.samples[i].Time > s.Time })
		th.samples = slices.Insert(th.samples, i, s)
		t.interval = t.interval.Extend(s.Time)
	}
	return nil
}

func (t *Table) lookup(name perfdata.ThreadName) (*thread, error) {
	th, ok := t.threads[name.Key()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownThread)
	}
	return th, nil
}

// Counters returns the global counter descriptions.
func (t *Table) Counters() []CounterDescription {
	return slices.Clone(t.counters)
}

// Devices returns every known device, indexed by device index.
func (t *Table) Devices() []Device {
	return slices.Clone(t.devices)
}

// Sites returns the global call-site registry.
func (t *Table) Sites() []perfdata.StackTrace {
	return slices.Clone(t.sites)
}

// Interval returns the union of every event and sample time seen.
func (t *Table) Interval() perfdata.TimeInterval {
	return t.interval
}

// Threads returns the name of every thread with data, ordered by name.
func (t *Table) Threads() []perfdata.ThreadName {
	out := make([]perfdata.ThreadName, 0, len(t.threads))
	for _, th := range t.threads {
		out = append(out, th.name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SamplingPeriod returns the sampling interval of the thread in
// nanoseconds, or zero when it was never configured.
func (t *Table) SamplingPeriod(name perfdata.ThreadName) uint64 {
	th, ok := t.threads[name.Key()]
	if !ok {
		return 0
	}
	return th.samplingPeriod
}

// Pending returns the number of event halves still waiting to be joined
// across every process.
func (t *Table) Pending() int {
	n := 0
	for _, proc := range t.processes {
		n += proc.execs.Pending() + proc.xfers.Pending()
	}
	return n
}

// Counts returns, per global counter index, the counter increments of the
// thread over interval. The increment between two consecutive samples is
// apportioned linearly over the part of their span inside interval.
func (t *Table) Counts(name perfdata.ThreadName, interval perfdata.TimeInterval) ([]float64, error) {
	th, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(t.counters))
	for i := 1; i < len(th.samples); i++ {
		prev, cur := th.samples[i-1], th.samples[i]
		span := perfdata.TimeInterval{Begin: prev.Time, End: cur.Time}
		overlap := span.Intersection(interval).Width()
		if overlap == 0 {
			continue
		}
		fraction := float64(overlap) / float64(span.Width())
		for pos, global := range th.counters {
			delta := cur.Counts[pos] - prev.Counts[pos]
			out[global] += float64(delta) * fraction
		}
	}
	return out, nil
}

// VisitPeriodicSamples calls fn for every sample of the thread taken within
// interval. Counts are expanded to global counter order; counters the
// thread does not sample are zero.
func (t *Table) VisitPeriodicSamples(name perfdata.ThreadName, interval perfdata.TimeInterval,
	fn func(perfdata.Time, []uint64) bool) error {
	th, err := t.lookup(name)
	if err != nil {
		return err
	}
	start := sort.Search(len(th.samples), func(i int) bool { return th.samples[i].Time >= interval.Begin })
	for _, s := range th.samples[start:] {
		if s.Time >= interval.End {
			break
		}
		dense := make([]uint64, len(t.counters))
		for pos, global := range th.counters {
			dense[global] = s.Counts[pos]
		}
		if !fn(s.Time, dense) {
			break
		}
	}
	return nil
}

// VisitKernelExecutions calls fn for every kernel execution of the thread
// whose [TimeBegin, TimeEnd) intersects interval.
func (t *Table) VisitKernelExecutions(name perfdata.ThreadName, interval perfdata.TimeInterval,
	fn func(KernelExecution) bool) error {
	th, err := t.lookup(name)
	if err != nil {
		return err
	}
	th.execs.Visit(interval, func(c KernelClass, i Instance) bool {
		return fn(KernelExecution{KernelClass: c, Timing: i.Timing})
	})
	return nil
}

// VisitDataTransfers calls fn for every data transfer of the thread whose
// [TimeBegin, TimeEnd) intersects interval.
func (t *Table) VisitDataTransfers(name perfdata.ThreadName, interval perfdata.TimeInterval,
	fn func(DataTransfer) bool) error {
	th, err := t.lookup(name)
	if err != nil {
		return err
	}
	th.xfers.Visit(interval, func(c TransferClass, i Instance) bool {
		return fn(DataTransfer{TransferClass: c, Timing: i.Timing})
	})
	return nil
}

// VisitOverflowSamples calls fn for every overflow-sample record of the
// thread whose span intersects interval, in arrival order.
func (t *Table) VisitOverflowSamples(name perfdata.ThreadName, interval perfdata.TimeInterval,
	fn func(blob.OverflowSamples) bool) error {
	th, err := t.lookup(name)
	if err != nil {
		return err
	}
	for _, o := range th.overflow {
		span := perfdata.TimeInterval{Begin: o.TimeBegin, End: o.TimeEnd}
		if !span.Intersects(interval) {
			continue
		}
		if !fn(o) {
			break
		}
	}
	return nil
}

// VisitBlobs emits a canonical blob stream for the thread through send.
// Processing the stream into an empty Table reproduces the thread's kernel
// executions, data transfers, periodic samples and counter descriptions.
// Overflow samples are not emitted.
func (t *Table) VisitBlobs(name perfdata.ThreadName, send blob.SendFunc, opts ...blob.BuilderOption) error {
	th, err := t.lookup(name)
	if err != nil {
		return err
	}
	opts = append([]blob.BuilderOption{blob.WithPeriodicSamples()}, opts...)
	b := blob.NewBuilder(blob.HeaderFor(th.name), send, opts...)

	if err := t.emitDevices(b, th); err != nil {
		return err
	}

	if th.configured {
		cfg := &blob.SamplingConfig{Interval: th.samplingPeriod}
		for _, global := range th.counters {
			cfg.Events = append(cfg.Events, t.counters[global])
		}
		if err := b.AddMessage(cfg); err != nil {
			return err
		}
	}

	var errs error
	th.execs.VisitClasses(func(uid uint32, c KernelClass) bool {
		site, err := b.AddSite(t.sites[c.CallSite])
		if err == nil {
			err = b.AddMessage(&blob.ExecClass{
				ClassUID:         uid,
				Device:           t.devices[c.Device].DeviceID,
				CallSite:         site,
				Context:          c.Context,
				Stream:           c.Stream,
				KernelAttributes: c.KernelAttributes,
			})
		}
		errs = err
		return err == nil
	})
	if errs != nil {
		return errs
	}
	th.xfers.VisitClasses(func(uid uint32, c TransferClass) bool {
		site, err := b.AddSite(t.sites[c.CallSite])
		if err == nil {
			err = b.AddMessage(&blob.XferClass{
				ClassUID:           uid,
				Device:             t.devices[c.Device].DeviceID,
				CallSite:           site,
				Context:            c.Context,
				Stream:             c.Stream,
				TransferAttributes: c.TransferAttributes,
			})
		}
		errs = err
		return err == nil
	})
	if errs != nil {
		return errs
	}

	th.execs.VisitInstances(func(i Instance) bool {
		errs = b.AddMessage(&blob.ExecInstance{Instance: wireInstance(i)})
		return errs == nil
	})
	if errs != nil {
		return errs
	}
	th.xfers.VisitInstances(func(i Instance) bool {
		errs = b.AddMessage(&blob.XferInstance{Instance: wireInstance(i)})
		return errs == nil
	})
	if errs != nil {
		return errs
	}

	for _, s := range th.samples {
		if err := b.AddSample(s); err != nil {
			return err
		}
	}
	return b.Send()
}

// emitDevices adds a ContextInfo for every context the thread used and a
// DeviceInfo for every device behind them.
func (t *Table) emitDevices(b *blob.Builder, th *thread) error {
	contextDevice := make(map[perfdata.Handle]int)
	th.execs.VisitClasses(func(_ uint32, c KernelClass) bool {
		contextDevice[c.Context] = c.Device
		return true
	})
	th.xfers.VisitClasses(func(_ uint32, c TransferClass) bool {
		contextDevice[c.Context] = c.Device
		return true
	})

	contexts := make([]perfdata.Handle, 0, len(contextDevice))
	for c := range contextDevice {
		contexts = append(contexts, c)
	}
	slices.Sort(contexts)

	var used []int
	for _, c := range contexts {
		device := contextDevice[c]
		if err := b.AddMessage(&blob.ContextInfo{Context: c, DeviceID: t.devices[device].DeviceID}); err != nil {
			return err
		}
		if !slices.Contains(used, device) {
			used = append(used, device)
		}
	}
	slices.Sort(used)
	for _, device := range used {
		info := t.devices[device].DeviceInfo
		if err := b.AddMessage(&info); err != nil {
			return err
		}
	}
	return nil
}

func wireInstance(i Instance) blob.Instance {
	return blob.Instance{
		ClassUID:    i.Class,
		Correlation: i.Correlation,
		TimeEnqueue: i.TimeEnqueue,
		TimeBegin:   i.TimeBegin,
		TimeEnd:     i.TimeEnd,
	}
}
