// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package datatable

import (
	"errors"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

var (
	ErrContextConflict         = errors.New("context bound to a different device")
	ErrDuplicateEnqueue        = errors.New("duplicate enqueue for correlation")
	ErrDuplicateCompletion     = errors.New("duplicate completion for correlation")
	ErrUnknownClass            = errors.New("unknown class uid")
	ErrUnknownDevice           = errors.New("unknown device")
	ErrUnknownThread           = errors.New("unknown thread")
	ErrDuplicateSamplingConfig = errors.New("thread already has a sampling config")
)

// CounterDescription names a sampled hardware counter.
type CounterDescription = blob.EventDescription

// Device is a GPU on a specific host.
type Device struct {
	Host string `json:"host"`
	blob.DeviceInfo
}

// KernelClass is every "what" field of a kernel execution. Device indexes
// Table.Devices and CallSite indexes Table.Sites.
type KernelClass struct {
	Device   int
	CallSite int
	Context  perfdata.Handle
	Stream   perfdata.Handle
	blob.KernelAttributes
}

// TransferClass is every "what" field of a memory transfer.
type TransferClass struct {
	Device   int
	CallSite int
	Context  perfdata.Handle
	Stream   perfdata.Handle
	blob.TransferAttributes
}

// KernelExecution is a kernel class joined with one of its instances.
type KernelExecution struct {
	KernelClass
	Timing
}

// DataTransfer is a transfer class joined with one of its instances.
type DataTransfer struct {
	TransferClass
	Timing
}

func kernelContext(c KernelClass) perfdata.Handle     { return c.Context }
func transferContext(c TransferClass) perfdata.Handle { return c.Context }
