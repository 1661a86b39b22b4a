// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfdata

import (
	"fmt"
	"math"
	"time"
)

// Time is a nanosecond count since an arbitrary, process-independent epoch
// (normally the Unix epoch).
type Time uint64

const (
	TheBeginning Time = 0
	TheEnd       Time = math.MaxUint64
)

// Now returns the current wall-clock time.
func Now() Time {
	return FromTime(time.Now())
}

// FromTime converts a time.Time into a Time.
func FromTime(t time.Time) Time {
	ns := t.UnixNano()
	if ns < 0 {
		return TheBeginning
	}
	return Time(ns)
}

// Std converts t back into a time.Time.
func (t Time) Std() time.Time {
	if t > math.MaxInt64 {
		return time.Unix(0, math.MaxInt64)
	}
	return time.Unix(0, int64(t))
}

func (t Time) Add(d uint64) Time {
	if uint64(t) > math.MaxUint64-d {
		return TheEnd
	}
	return t + Time(d)
}

func (t Time) String() string {
	return fmt.Sprintf("%d", uint64(t))
}

// TimeInterval is the half-open interval [Begin, End).
type TimeInterval struct {
	Begin Time
	End   Time
}

// Everything is the interval spanning all representable time.
var Everything = TimeInterval{Begin: TheBeginning, End: TheEnd}

// NewTimeInterval returns the interval covering the single instant t.
func NewTimeInterval(t Time) TimeInterval {
	return TimeInterval{Begin: t, End: t.Add(1)}
}

func (i TimeInterval) Empty() bool {
	return i.Begin >= i.End
}

// Width returns the length of the interval in nanoseconds.
func (i TimeInterval) Width() uint64 {
	if i.Empty() {
		return 0
	}
	return uint64(i.End - i.Begin)
}

func (i TimeInterval) Contains(t Time) bool {
	return t >= i.Begin && t < i.End
}

func (i TimeInterval) Intersects(other TimeInterval) bool {
	return !i.Intersection(other).Empty()
}

func (i TimeInterval) Intersection(other TimeInterval) TimeInterval {
	return TimeInterval{Begin: max(i.Begin, other.Begin), End: min(i.End, other.End)}
}

// Union returns the smallest interval covering both intervals. Empty
// intervals do not contribute.
func (i TimeInterval) Union(other TimeInterval) TimeInterval {
	if i.Empty() {
		return other
	}
	if other.Empty() {
		return i
	}
	return TimeInterval{Begin: min(i.Begin, other.Begin), End: max(i.End, other.End)}
}

// Extend grows the interval to cover the instant t.
func (i TimeInterval) Extend(t Time) TimeInterval {
	return i.Union(NewTimeInterval(t))
}

func (i TimeInterval) String() string {
	return fmt.Sprintf("[%d, %d)", uint64(i.Begin), uint64(i.End))
}
