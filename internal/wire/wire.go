// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package wire holds the protobuf wire-format helpers shared by the blob,
// clustering and symbol-table record codecs. Records are hand-encoded with
// protowire so that they stay readable by any protobuf decoder without
// generated code.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a record ends in the middle of a field.
var ErrTruncated = errors.New("truncated record")

// Encoder appends protobuf fields to a byte slice. Zero scalars are
// omitted, matching proto3 semantics.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) Uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// OptionalUint encodes v when it is non-nil, even if it is zero.
func (e *Encoder) OptionalUint(num protowire.Number, v *uint64) {
	if v == nil {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, *v)
}

func (e *Encoder) Int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

// OptionalInt encodes v when it is non-nil, even if it is zero.
func (e *Encoder) OptionalInt(num protowire.Number, v *int32) {
	if v == nil {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(int64(*v)))
}

func (e *Encoder) Bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.Uint(num, 1)
}

func (e *Encoder) String(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *Encoder) RawBytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// Message encodes a nested record. Empty nested records are still written
// so that repeated messages keep their count.
func (e *Encoder) Message(num protowire.Number, fn func(*Encoder)) {
	var inner Encoder
	fn(&inner)
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner.buf)
}

// PackedUints encodes a packed repeated varint field.
func (e *Encoder) PackedUints(num protowire.Number, vs []uint64) {
	if len(vs) == 0 {
		return
	}
	var inner []byte
	for _, v := range vs {
		inner = protowire.AppendVarint(inner, v)
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner)
}

// PackedFloats encodes a packed repeated float (fixed32) field.
func (e *Encoder) PackedFloats(num protowire.Number, vs []float32) {
	if len(vs) == 0 {
		return
	}
	var inner []byte
	for _, v := range vs {
		inner = protowire.AppendFixed32(inner, math.Float32bits(v))
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, inner)
}

// Field is one decoded protobuf field. Scalar is set for varint and fixed
// types, Data for length-delimited ones.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Scalar uint64
	Data   []byte
}

func (f Field) Int() int64 {
	return protowire.DecodeZigZag(f.Scalar)
}

func (f Field) Int32() int32 {
	return int32(protowire.DecodeZigZag(f.Scalar))
}

func (f Field) Bool() bool {
	return f.Scalar != 0
}

func (f Field) String() string {
	return string(f.Data)
}

// Uints decodes a packed repeated varint field.
func (f Field) Uints() ([]uint64, error) {
	var out []uint64
	b := f.Data
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", f.Num, protowire.ParseError(n))
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// Floats decodes a packed repeated float field.
func (f Field) Floats() ([]float32, error) {
	if len(f.Data)%4 != 0 {
		return nil, fmt.Errorf("field %d: %w", f.Num, ErrTruncated)
	}
	out := make([]float32, 0, len(f.Data)/4)
	b := f.Data
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", f.Num, protowire.ParseError(n))
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

// Decode walks every field of a record. Unknown wire types are skipped.
func Decode(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Scalar = uint64(v)
		case protowire.Fixed64Type:
			f.Scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
