// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfdata

import (
	"fmt"
	"strings"
)

// Handle is an opaque GPU driver object pointer (context or stream). It is
// never interpreted, only compared and carried.
type Handle uint64

func (h Handle) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}

// CorrelationID ties a driver-API enqueue to the activity record describing
// its completion. Unique within a process.
type CorrelationID uint32

// ThreadUID identifies a thread inside the aggregation tree. The high 32
// bits are the rank of the node that assigned it.
type ThreadUID uint64

// NewThreadUID builds the UID for the n-th thread seen by the node of the
// given rank.
func NewThreadUID(rank uint32, n uint32) ThreadUID {
	return ThreadUID(uint64(rank)<<32 | uint64(n))
}

func (u ThreadUID) Rank() uint32 {
	return uint32(u >> 32)
}

func (u ThreadUID) String() string {
	return fmt.Sprintf("%d:%d", u.Rank(), uint32(u))
}

// ThreadName fully names a thread of a monitored process. Optional fields
// use a nil pointer when absent.
type ThreadName struct {
	Experiment  uint32
	CollectorID uint32
	Host        string
	PID         uint64
	PosixTID    *uint64
	MPIRank     *int32
	OpenMPTID   *int32
}

// ThreadKey is the identity of a ThreadName: host, pid and posix tid.
// Usable as a map key.
type ThreadKey struct {
	Host   string
	PID    uint64
	TID    uint64
	HasTID bool
}

// ProcessKey identifies a process: host and pid.
type ProcessKey struct {
	Host string
	PID  uint64
}

func (n ThreadName) Key() ThreadKey {
	k := ThreadKey{Host: n.Host, PID: n.PID}
	if n.PosixTID != nil {
		k.TID, k.HasTID = *n.PosixTID, true
	}
	return k
}

func (n ThreadName) Process() ProcessKey {
	return ProcessKey{Host: n.Host, PID: n.PID}
}

// SameThread reports identity equality: host, pid and posix tid match.
func (n ThreadName) SameThread(other ThreadName) bool {
	return n.Key() == other.Key()
}

func (n ThreadName) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:%d", n.Host, n.PID)
	if n.PosixTID != nil {
		fmt.Fprintf(&b, ":%d", *n.PosixTID)
	}
	if n.MPIRank != nil {
		fmt.Fprintf(&b, " rank=%d", *n.MPIRank)
	}
	if n.OpenMPTID != nil {
		fmt.Fprintf(&b, " omp=%d", *n.OpenMPTID)
	}
	return b.String()
}

func (k ThreadKey) String() string {
	if k.HasTID {
		return fmt.Sprintf("%s:%d:%d", k.Host, k.PID, k.TID)
	}
	return fmt.Sprintf("%s:%d", k.Host, k.PID)
}

// Ptr returns a pointer to a copy of v, for filling optional fields.
func Ptr[T any](v T) *T {
	return &v
}
