// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// ProfilingAPI is the part of the GPU vendor profiling API the collector
// calls into. Callbacks flow the other way, through the Collector's
// DriverAPI, Resource, Synchronize, AllocateBuffer and DeliverBuffer
// methods.
type ProfilingAPI interface {
	// FlushActivity forces delivery of every buffered activity record
	// before returning.
	FlushActivity() error
}

// CallbackSite tells whether a driver-API callback fires on entry or exit.
type CallbackSite int

const (
	SiteEntry CallbackSite = iota
	SiteExit
)

// DriverCallKind is the kind of driver-API function being called.
type DriverCallKind int

const (
	CallKernelLaunch DriverCallKind = iota
	CallMemcpy
	// CallOther covers every driver function the collector does not trace.
	CallOther
)

func (k DriverCallKind) String() string {
	switch k {
	case CallKernelLaunch:
		return "kernel_launch"
	case CallMemcpy:
		return "memcpy"
	}
	return "other"
}

// DriverCall describes one driver-API callback.
type DriverCall struct {
	Kind        DriverCallKind
	Function    string
	Correlation perfdata.CorrelationID
	Context     perfdata.Handle
	ContextID   uint32
	Stream      perfdata.Handle
	Time        perfdata.Time
}

// ResourceKind is the kind of resource-domain callback.
type ResourceKind int

const (
	ContextCreated ResourceKind = iota
	ContextDestroyStarting
	StreamCreated
	StreamDestroyStarting
)

// ResourceEvent describes a context or stream being created or destroyed.
type ResourceEvent struct {
	Kind      ResourceKind
	Context   perfdata.Handle
	ContextID uint32
	DeviceID  uint32
	Stream    perfdata.Handle
	StreamID  uint32
}

// ActivityRecord is one asynchronous record delivered by the profiling API.
type ActivityRecord interface {
	isActivityRecord()
}

// ContextRecord binds a context ID to a device.
type ContextRecord struct {
	ContextID uint32
	DeviceID  uint32
}

// DeviceRecord describes a device.
type DeviceRecord struct {
	Info blob.DeviceInfo
}

// KernelRecord reports a finished kernel.
type KernelRecord struct {
	Correlation perfdata.CorrelationID
	ContextID   uint32
	StreamID    uint32
	Start       perfdata.Time
	End         perfdata.Time
	blob.KernelAttributes
}

// MemcpyRecord reports a finished memory transfer.
type MemcpyRecord struct {
	Correlation perfdata.CorrelationID
	ContextID   uint32
	StreamID    uint32
	Start       perfdata.Time
	End         perfdata.Time
	blob.TransferAttributes
}

// UnknownRecord is any record kind the collector does not handle.
type UnknownRecord struct {
	Kind uint32
}

func (ContextRecord) isActivityRecord() {}
func (DeviceRecord) isActivityRecord()  {}
func (KernelRecord) isActivityRecord()  {}
func (MemcpyRecord) isActivityRecord()  {}
func (UnknownRecord) isActivityRecord() {}

// DeviceClass tells which sampling triggers a device supports.
type DeviceClass int

const (
	DeviceContinuous DeviceClass = iota
	DeviceKernelOnly
)

// CounterLibrary is the hardware-counter library. It is initialized once
// the application has created its first GPU context and shut down after
// the last one is destroyed.
type CounterLibrary interface {
	Init() error
	Shutdown() error
	// Open prepares events for sampling on a context.
	Open(context perfdata.Handle, deviceID uint32, events []blob.EventDescription) (ContextCounters, error)
}

// ContextCounters is the set of counters sampled on one context.
type ContextCounters interface {
	DeviceClass() DeviceClass
	// Passes is the number of event-group sets needed to collect every
	// event. More than one pass requires kernel replay.
	Passes() int
	// ReadGroups reads and resets the raw counters of every event group.
	ReadGroups() ([][]uint64, error)
	// Evaluate derives one value per configured event from raw group
	// readings accumulated over elapsed nanoseconds.
	Evaluate(groups [][]uint64, elapsed uint64) ([]uint64, error)
	Close() error
}

// Sink receives everything the collector emits.
type Sink interface {
	Attach(thread perfdata.ThreadName) error
	Blob(b *blob.Blob) error
	Terminate(thread perfdata.ThreadName) error
}
