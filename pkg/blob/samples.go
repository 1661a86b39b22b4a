// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blob

import (
	"fmt"
	"slices"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Sample is one periodic reading: a time and one absolute count per sampled
// event.
type Sample struct {
	Time   perfdata.Time `json:"time"`
	Counts []uint64      `json:"counts"`
}

func (s Sample) Equal(other Sample) bool {
	return s.Time == other.Time && slices.Equal(s.Counts, other.Counts)
}

// Delta encodings. The top two bits of the first byte select the width; the
// remaining six bits hold the most significant payload bits.
const (
	prefix1 byte = 0x00 // 1 byte, 6 bits
	prefix3 byte = 0x40 // 3 bytes, 22 bits
	prefix4 byte = 0x80 // 4 bytes, 30 bits
	prefix9 byte = 0xC0 // 9 bytes, 64 bits

	prefixMask byte = 0xC0
)

// AppendDelta appends the variable-length encoding of v.
func AppendDelta(dst []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(dst, prefix1|byte(v))
	case v < 1<<22:
		return append(dst, prefix3|byte(v>>16), byte(v>>8), byte(v))
	case v < 1<<30:
		return append(dst, prefix4|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return append(dst, prefix9,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// DeltaSize returns the number of bytes AppendDelta would write for v.
func DeltaSize(v uint64) int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<22:
		return 3
	case v < 1<<30:
		return 4
	}
	return 9
}

// EncodeSample appends cur encoded as field-wise deltas against prev. A
// zero-valued prev encodes the absolute values. Counters are unsigned and
// deltas wrap, so decoding always restores the original sample.
func EncodeSample(dst []byte, prev, cur Sample) []byte {
	dst = AppendDelta(dst, uint64(cur.Time-prev.Time))
	for i, c := range cur.Counts {
		var p uint64
		if i < len(prev.Counts) {
			p = prev.Counts[i]
		}
		dst = AppendDelta(dst, c-p)
	}
	return dst
}

// EncodedSize returns the number of bytes EncodeSample would append.
func EncodedSize(prev, cur Sample) int {
	n := DeltaSize(uint64(cur.Time - prev.Time))
	for i, c := range cur.Counts {
		var p uint64
		if i < len(prev.Counts) {
			p = prev.Counts[i]
		}
		n += DeltaSize(c - p)
	}
	return n
}

// DecodeSamples decodes a delta buffer holding samples of numCounters
// counters each. The buffer's first sample is a delta against zero.
func DecodeSamples(deltas []byte, numCounters int) ([]Sample, error) {
	var (
		out   []Sample
		accum = make([]uint64, 1+numCounters)
		field int
	)
	for i := 0; i < len(deltas); {
		var (
			v     uint64
			width int
		)
		switch deltas[i] & prefixMask {
		case prefix1:
			width = 1
		case prefix3:
			width = 3
		case prefix4:
			width = 4
		default:
			width = 9
		}
		if i+width > len(deltas) {
			return nil, fmt.Errorf("delta at byte %d needs %d bytes: %w", i, width, ErrTruncatedSamples)
		}
		if width == 9 {
			for _, b := range deltas[i+1 : i+9] {
				v = v<<8 | uint64(b)
			}
		} else {
			v = uint64(deltas[i] &^ prefixMask)
			for _, b := range deltas[i+1 : i+width] {
				v = v<<8 | uint64(b)
			}
		}
		i += width

		accum[field] += v
		field++
		if field == len(accum) {
			out = append(out, Sample{
				Time:   perfdata.Time(accum[0]),
				Counts: append([]uint64(nil), accum[1:]...),
			})
			field = 0
		}
	}
	if field != 0 {
		return nil, fmt.Errorf("%d trailing fields: %w", field, ErrTruncatedSamples)
	}
	return out, nil
}
