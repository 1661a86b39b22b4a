// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blob

import (
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// MessageKind identifies a Message variant on the wire. The values double
// as protobuf field numbers inside an encoded message envelope.
type MessageKind uint32

const (
	KindContextInfo     MessageKind = 1
	KindDeviceInfo      MessageKind = 2
	KindEnqueueExec     MessageKind = 3
	KindCompletedExec   MessageKind = 4
	KindEnqueueXfer     MessageKind = 5
	KindCompletedXfer   MessageKind = 6
	KindOverflowSamples MessageKind = 7
	KindPeriodicSamples MessageKind = 8
	KindSamplingConfig  MessageKind = 9
	KindExecClass       MessageKind = 10
	KindExecInstance    MessageKind = 11
	KindXferClass       MessageKind = 12
	KindXferInstance    MessageKind = 13
)

var kindNames = map[MessageKind]string{
	KindContextInfo:     "context_info",
	KindDeviceInfo:      "device_info",
	KindEnqueueExec:     "enqueue_exec",
	KindCompletedExec:   "completed_exec",
	KindEnqueueXfer:     "enqueue_xfer",
	KindCompletedXfer:   "completed_xfer",
	KindOverflowSamples: "overflow_samples",
	KindPeriodicSamples: "periodic_samples",
	KindSamplingConfig:  "sampling_config",
	KindExecClass:       "exec_class",
	KindExecInstance:    "exec_instance",
	KindXferClass:       "xfer_class",
	KindXferInstance:    "xfer_instance",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Message is one performance-data record. The set of implementations is
// closed: only the types in this file satisfy it.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// CachePreference is the L1/shared-memory split requested for a kernel.
type CachePreference uint32

const (
	CacheInvalid CachePreference = iota
	CacheNone
	CacheShared
	CacheL1
	CacheEqual
)

func (c CachePreference) String() string {
	switch c {
	case CacheNone:
		return "none"
	case CacheShared:
		return "shared"
	case CacheL1:
		return "l1"
	case CacheEqual:
		return "equal"
	}
	return "invalid"
}

// CopyKind is the direction of a memory transfer.
type CopyKind uint32

const (
	CopyUnknown CopyKind = iota
	CopyHostToDevice
	CopyDeviceToHost
	CopyHostToArray
	CopyArrayToHost
	CopyArrayToArray
	CopyArrayToDevice
	CopyDeviceToArray
	CopyDeviceToDevice
	CopyHostToHost
	CopyPeerToPeer
)

var copyKindNames = [...]string{
	"unknown", "htod", "dtoh", "htoa", "atoh", "atoa", "atod", "dtoa", "dtod", "htoh", "ptop",
}

func (c CopyKind) String() string {
	if int(c) < len(copyKindNames) {
		return copyKindNames[c]
	}
	return "unknown"
}

// MemoryKind is the kind of memory at either end of a transfer.
type MemoryKind uint32

const (
	MemoryUnknown MemoryKind = iota
	MemoryPageable
	MemoryPinned
	MemoryDevice
	MemoryArray
	MemoryManaged
)

var memoryKindNames = [...]string{"unknown", "pageable", "pinned", "device", "array", "managed"}

func (m MemoryKind) String() string {
	if int(m) < len(memoryKindNames) {
		return memoryKindNames[m]
	}
	return "unknown"
}

// EventKind describes how a sampled counter is to be interpreted.
type EventKind uint32

const (
	EventCount EventKind = iota
	EventPercentage
	EventRate
	EventUtilization
)

// EventDescription names one sampled hardware event or metric.
type EventDescription struct {
	Name      string    `json:"name"`
	Kind      EventKind `json:"kind"`
	Threshold uint64    `json:"threshold,omitempty"`
}

// ContextInfo binds a driver context to the device it was created on.
type ContextInfo struct {
	Context  perfdata.Handle `json:"context"`
	DeviceID uint32          `json:"device_id"`
}

// DeviceInfo describes one GPU as reported by the profiling API.
type DeviceInfo struct {
	DeviceID                   uint32    `json:"device_id"`
	Name                       string    `json:"name"`
	ComputeCapability          [2]uint32 `json:"compute_capability"`
	MaxGrid                    [3]uint32 `json:"max_grid"`
	MaxBlock                   [3]uint32 `json:"max_block"`
	GlobalMemoryBandwidth      uint64    `json:"global_memory_bandwidth"`
	GlobalMemorySize           uint64    `json:"global_memory_size"`
	ConstantMemorySize         uint32    `json:"constant_memory_size"`
	L2CacheSize                uint32    `json:"l2_cache_size"`
	ThreadsPerWarp             uint32    `json:"threads_per_warp"`
	CoreClockRate              uint32    `json:"core_clock_rate"`
	MemcpyEngines              uint32    `json:"memcpy_engines"`
	Multiprocessors            uint32    `json:"multiprocessors"`
	MaxIPC                     uint32    `json:"max_ipc"`
	MaxWarpsPerMultiprocessor  uint32    `json:"max_warps_per_multiprocessor"`
	MaxBlocksPerMultiprocessor uint32    `json:"max_blocks_per_multiprocessor"`
	MaxRegistersPerBlock       uint32    `json:"max_registers_per_block"`
	MaxSharedMemoryPerBlock    uint32    `json:"max_shared_memory_per_block"`
	MaxThreadsPerBlock         uint32    `json:"max_threads_per_block"`
}

// Enqueue is the driver-API side of a kernel launch or memory transfer.
// CallSite indexes the blob's stack-trace table.
type Enqueue struct {
	Correlation perfdata.CorrelationID `json:"correlation"`
	Context     perfdata.Handle        `json:"context"`
	Stream      perfdata.Handle        `json:"stream"`
	Time        perfdata.Time          `json:"time"`
	CallSite    uint32                 `json:"call_site"`
}

type EnqueueExec struct{ Enqueue }

type EnqueueXfer struct{ Enqueue }

// KernelAttributes are the "what" fields of a kernel execution.
type KernelAttributes struct {
	Function            string          `json:"function"`
	Grid                [3]int32        `json:"grid"`
	Block               [3]int32        `json:"block"`
	CachePreference     CachePreference `json:"cache_preference"`
	RegistersPerThread  uint32          `json:"registers_per_thread"`
	StaticSharedMemory  uint32          `json:"static_shared_memory"`
	DynamicSharedMemory uint32          `json:"dynamic_shared_memory"`
	LocalMemory         uint32          `json:"local_memory"`
}

// CompletedExec is the activity record for a finished kernel.
type CompletedExec struct {
	Correlation perfdata.CorrelationID `json:"correlation"`
	TimeBegin   perfdata.Time          `json:"time_begin"`
	TimeEnd     perfdata.Time          `json:"time_end"`
	KernelAttributes
}

// TransferAttributes are the "what" fields of a memory transfer.
type TransferAttributes struct {
	Size            uint64     `json:"size"`
	Kind            CopyKind   `json:"kind"`
	SourceKind      MemoryKind `json:"source_kind"`
	DestinationKind MemoryKind `json:"destination_kind"`
	Asynchronous    bool       `json:"asynchronous"`
}

// CompletedXfer is the activity record for a finished memory transfer.
type CompletedXfer struct {
	Correlation perfdata.CorrelationID `json:"correlation"`
	TimeBegin   perfdata.Time          `json:"time_begin"`
	TimeEnd     perfdata.Time          `json:"time_end"`
	TransferAttributes
}

// OverflowSamples holds PC sampling results over [TimeBegin, TimeEnd).
// Counts has one entry per (PC, sampled event) pair, PC-major.
type OverflowSamples struct {
	TimeBegin perfdata.Time      `json:"time_begin"`
	TimeEnd   perfdata.Time      `json:"time_end"`
	PCs       []perfdata.Address `json:"pcs"`
	Counts    []uint64           `json:"counts"`
}

// PeriodicSamples carries delta-encoded counter samples, see EncodeSample.
type PeriodicSamples struct {
	Deltas []byte `json:"deltas"`
}

// SamplingConfig lists the events sampled for a thread and the sampling
// period in nanoseconds.
type SamplingConfig struct {
	Interval uint64             `json:"interval"`
	Events   []EventDescription `json:"events"`
}

// ExecClass is a canonicalized kernel class. Device is the profiling-API
// device ID, resolved through the blob's DeviceInfo records.
type ExecClass struct {
	ClassUID uint32          `json:"class_uid"`
	Device   uint32          `json:"device"`
	CallSite uint32          `json:"call_site"`
	Context  perfdata.Handle `json:"context"`
	Stream   perfdata.Handle `json:"stream"`
	KernelAttributes
}

// Instance is the "when" half of a canonicalized event.
type Instance struct {
	ClassUID    uint32                 `json:"class_uid"`
	Correlation perfdata.CorrelationID `json:"correlation"`
	TimeEnqueue perfdata.Time          `json:"time_enqueue"`
	TimeBegin   perfdata.Time          `json:"time_begin"`
	TimeEnd     perfdata.Time          `json:"time_end"`
}

type ExecInstance struct{ Instance }

// XferClass is a canonicalized transfer class.
type XferClass struct {
	ClassUID uint32          `json:"class_uid"`
	Device   uint32          `json:"device"`
	CallSite uint32          `json:"call_site"`
	Context  perfdata.Handle `json:"context"`
	Stream   perfdata.Handle `json:"stream"`
	TransferAttributes
}

type XferInstance struct{ Instance }

func (*ContextInfo) Kind() MessageKind     { return KindContextInfo }
func (*DeviceInfo) Kind() MessageKind      { return KindDeviceInfo }
func (*EnqueueExec) Kind() MessageKind     { return KindEnqueueExec }
func (*CompletedExec) Kind() MessageKind   { return KindCompletedExec }
func (*EnqueueXfer) Kind() MessageKind     { return KindEnqueueXfer }
func (*CompletedXfer) Kind() MessageKind   { return KindCompletedXfer }
func (*OverflowSamples) Kind() MessageKind { return KindOverflowSamples }
func (*PeriodicSamples) Kind() MessageKind { return KindPeriodicSamples }
func (*SamplingConfig) Kind() MessageKind  { return KindSamplingConfig }
func (*ExecClass) Kind() MessageKind       { return KindExecClass }
func (*ExecInstance) Kind() MessageKind    { return KindExecInstance }
func (*XferClass) Kind() MessageKind       { return KindXferClass }
func (*XferInstance) Kind() MessageKind    { return KindXferInstance }

func (*ContextInfo) isMessage()     {}
func (*DeviceInfo) isMessage()      {}
func (*EnqueueExec) isMessage()     {}
func (*CompletedExec) isMessage()   {}
func (*EnqueueXfer) isMessage()     {}
func (*CompletedXfer) isMessage()   {}
func (*OverflowSamples) isMessage() {}
func (*PeriodicSamples) isMessage() {}
func (*SamplingConfig) isMessage()  {}
func (*ExecClass) isMessage()       {}
func (*ExecInstance) isMessage()    {}
func (*XferClass) isMessage()       {}
func (*XferInstance) isMessage()    {}

// times returns every time mentioned by m.
func times(m Message) []perfdata.Time {
	switch m := m.(type) {
	case *EnqueueExec:
		return []perfdata.Time{m.Time}
	case *EnqueueXfer:
		return []perfdata.Time{m.Time}
	case *CompletedExec:
		return []perfdata.Time{m.TimeBegin, m.TimeEnd}
	case *CompletedXfer:
		return []perfdata.Time{m.TimeBegin, m.TimeEnd}
	case *OverflowSamples:
		return []perfdata.Time{m.TimeBegin, m.TimeEnd}
	case *ExecInstance:
		return []perfdata.Time{m.TimeEnqueue, m.TimeBegin, m.TimeEnd}
	case *XferInstance:
		return []perfdata.Time{m.TimeEnqueue, m.TimeBegin, m.TimeEnd}
	}
	return nil
}

// callSite returns the stack-trace index referenced by m, if any.
func callSite(m Message) (uint32, bool) {
	switch m := m.(type) {
	case *EnqueueExec:
		return m.CallSite, true
	case *EnqueueXfer:
		return m.CallSite, true
	case *ExecClass:
		return m.CallSite, true
	case *XferClass:
		return m.CallSite, true
	}
	return 0, false
}
