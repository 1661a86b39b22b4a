// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symtab holds the symbol-table side objects that travel with
// performance data: the buffer of every address observed in call sites and
// the linked objects that make up a thread's address space. Symbol
// resolution itself happens downstream.
package symtab

import (
	"fmt"
	"slices"

	"github.com/antimetal/gpuperf/internal/wire"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// AddressBuffer counts how often each address was observed.
type AddressBuffer struct {
	counts map[perfdata.Address]uint64
}

func NewAddressBuffer() *AddressBuffer {
	return &AddressBuffer{counts: make(map[perfdata.Address]uint64)}
}

func (b *AddressBuffer) Add(a perfdata.Address) {
	b.counts[a]++
}

func (b *AddressBuffer) AddStackTrace(trace perfdata.StackTrace) {
	for _, a := range trace {
		b.Add(a)
	}
}

// AddStackTraceTable adds every address of a packed, null-terminated
// stack-trace table. Terminators are skipped.
func (b *AddressBuffer) AddStackTraceTable(table []perfdata.Address) {
	for _, a := range table {
		if a != 0 {
			b.Add(a)
		}
	}
}

// Merge adds the counts of other.
func (b *AddressBuffer) Merge(other *AddressBuffer) {
	for a, n := range other.counts {
		b.counts[a] += n
	}
}

func (b *AddressBuffer) Len() int {
	return len(b.counts)
}

func (b *AddressBuffer) Count(a perfdata.Address) uint64 {
	return b.counts[a]
}

// Addresses returns the observed addresses in ascending order.
func (b *AddressBuffer) Addresses() []perfdata.Address {
	out := make([]perfdata.Address, 0, len(b.counts))
	for a := range b.counts {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Set returns the observed addresses as an AddressSet.
func (b *AddressBuffer) Set() *perfdata.AddressSet {
	return perfdata.NewAddressSet(b.Addresses()...)
}

// Address buffer record:
//
//	1: bitmap (repeated {1: begin, 2: end, 3: bits})
//	2: counts (packed, in ascending address order)
func (b *AddressBuffer) Marshal() []byte {
	var e wire.Encoder
	for _, bm := range b.Set().Bitmaps() {
		e.Message(1, func(e *wire.Encoder) {
			encodeBitmap(e, bm)
		})
	}
	addrs := b.Addresses()
	counts := make([]uint64, len(addrs))
	for i, a := range addrs {
		counts[i] = b.counts[a]
	}
	e.PackedUints(2, counts)
	return e.Bytes()
}

func UnmarshalAddressBuffer(data []byte) (*AddressBuffer, error) {
	var (
		bitmaps []perfdata.AddressBitmap
		counts  []uint64
	)
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			bm, err := decodeBitmap(f.Data)
			if err != nil {
				return err
			}
			bitmaps = append(bitmaps, bm)
		case 2:
			var err error
			counts, err = f.Uints()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode address buffer: %w", err)
	}

	addrs := perfdata.AddressSetFromBitmaps(bitmaps)
	b := NewAddressBuffer()
	i := 0
	for _, r := range addrs.Ranges() {
		for a := r.Begin; a < r.End; a++ {
			if i >= len(counts) {
				return nil, fmt.Errorf("address buffer has %d counts for more addresses: %w", len(counts), wire.ErrTruncated)
			}
			b.counts[a] = counts[i]
			i++
		}
	}
	return b, nil
}

func encodeBitmap(e *wire.Encoder, bm perfdata.AddressBitmap) {
	e.Uint(1, uint64(bm.Range.Begin))
	e.Uint(2, uint64(bm.Range.End))
	e.RawBytes(3, bm.Bits)
}

func decodeBitmap(data []byte) (perfdata.AddressBitmap, error) {
	var bm perfdata.AddressBitmap
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			bm.Range.Begin = perfdata.Address(f.Scalar)
		case 2:
			bm.Range.End = perfdata.Address(f.Scalar)
		case 3:
			bm.Bits = append([]byte(nil), f.Data...)
		}
		return nil
	})
	if err != nil {
		return bm, err
	}
	if uint64(len(bm.Bits))*8 < bm.Range.Width() {
		return bm, fmt.Errorf("bitmap for %s has %d bytes: %w", bm.Range, len(bm.Bits), wire.ErrTruncated)
	}
	return bm, nil
}
