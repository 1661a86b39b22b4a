// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blob

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/antimetal/gpuperf/internal/wire"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// Blob layout:
//
//	1: header  (Header)
//	2: message (repeated envelope; the envelope's single field number is the MessageKind)
//	3: stack_traces (packed uint64)
const (
	blobHeader      protowire.Number = 1
	blobMessage     protowire.Number = 2
	blobStackTraces protowire.Number = 3
)

const (
	hdrExperiment protowire.Number = iota + 1
	hdrCollectorID
	hdrHost
	hdrPID
	hdrPosixTID
	hdrRank
	hdrOpenMPTID
	hdrAddrBegin
	hdrAddrEnd
	hdrTimeBegin
	hdrTimeEnd
)

// Marshal encodes b in protobuf wire format.
func Marshal(b *Blob) ([]byte, error) {
	var e wire.Encoder
	e.Message(blobHeader, func(e *wire.Encoder) { encodeHeader(e, b.Header) })
	for i, m := range b.Messages {
		var err error
		e.Message(blobMessage, func(e *wire.Encoder) {
			err = encodeMessage(e, m)
		})
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	e.PackedUints(blobStackTraces, addressesToUints(b.StackTraces))
	return e.Bytes(), nil
}

// Unmarshal decodes a blob produced by Marshal. Unknown message kinds are
// skipped.
func Unmarshal(data []byte) (*Blob, error) {
	b := &Blob{}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case blobHeader:
			h, err := decodeHeader(f.Data)
			if err != nil {
				return fmt.Errorf("header: %w", err)
			}
			b.Header = h
		case blobMessage:
			m, err := decodeEnvelope(f.Data)
			if err != nil {
				return fmt.Errorf("message %d: %w", len(b.Messages), err)
			}
			if m != nil {
				b.Messages = append(b.Messages, m)
			}
		case blobStackTraces:
			vs, err := f.Uints()
			if err != nil {
				return err
			}
			b.StackTraces = uintsToAddresses(vs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}
	return b, nil
}

func encodeHeader(e *wire.Encoder, h Header) {
	e.Uint(hdrExperiment, uint64(h.Experiment))
	e.Uint(hdrCollectorID, uint64(h.CollectorID))
	e.String(hdrHost, h.Host)
	e.Uint(hdrPID, h.PID)
	e.OptionalUint(hdrPosixTID, h.PosixTID)
	e.OptionalInt(hdrRank, h.Rank)
	e.OptionalInt(hdrOpenMPTID, h.OpenMPTID)
	e.Uint(hdrAddrBegin, uint64(h.Addresses.Begin))
	e.Uint(hdrAddrEnd, uint64(h.Addresses.End))
	e.Uint(hdrTimeBegin, uint64(h.Interval.Begin))
	e.Uint(hdrTimeEnd, uint64(h.Interval.End))
}

func decodeHeader(data []byte) (Header, error) {
	var h Header
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case hdrExperiment:
			h.Experiment = uint32(f.Scalar)
		case hdrCollectorID:
			h.CollectorID = uint32(f.Scalar)
		case hdrHost:
			h.Host = f.String()
		case hdrPID:
			h.PID = f.Scalar
		case hdrPosixTID:
			h.PosixTID = perfdata.Ptr(f.Scalar)
		case hdrRank:
			h.Rank = perfdata.Ptr(f.Int32())
		case hdrOpenMPTID:
			h.OpenMPTID = perfdata.Ptr(f.Int32())
		case hdrAddrBegin:
			h.Addresses.Begin = perfdata.Address(f.Scalar)
		case hdrAddrEnd:
			h.Addresses.End = perfdata.Address(f.Scalar)
		case hdrTimeBegin:
			h.Interval.Begin = perfdata.Time(f.Scalar)
		case hdrTimeEnd:
			h.Interval.End = perfdata.Time(f.Scalar)
		}
		return nil
	})
	return h, err
}

// EncodeThread encodes a thread name as a header with empty extents.
func EncodeThread(thread perfdata.ThreadName) []byte {
	var e wire.Encoder
	encodeHeader(&e, HeaderFor(thread))
	return e.Bytes()
}

// DecodeThread decodes a thread name encoded with EncodeThread.
func DecodeThread(data []byte) (perfdata.ThreadName, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return perfdata.ThreadName{}, err
	}
	return h.Thread(), nil
}

func encodeMessage(e *wire.Encoder, m Message) error {
	var err error
	e.Message(protowire.Number(m.Kind()), func(e *wire.Encoder) {
		switch m := m.(type) {
		case *ContextInfo:
			e.Uint(1, uint64(m.Context))
			e.Uint(2, uint64(m.DeviceID))
		case *DeviceInfo:
			encodeDeviceInfo(e, m)
		case *EnqueueExec:
			encodeEnqueue(e, m.Enqueue)
		case *EnqueueXfer:
			encodeEnqueue(e, m.Enqueue)
		case *CompletedExec:
			e.Uint(1, uint64(m.Correlation))
			e.Uint(2, uint64(m.TimeBegin))
			e.Uint(3, uint64(m.TimeEnd))
			encodeKernelAttributes(e, 4, m.KernelAttributes)
		case *CompletedXfer:
			e.Uint(1, uint64(m.Correlation))
			e.Uint(2, uint64(m.TimeBegin))
			e.Uint(3, uint64(m.TimeEnd))
			encodeTransferAttributes(e, 4, m.TransferAttributes)
		case *OverflowSamples:
			e.Uint(1, uint64(m.TimeBegin))
			e.Uint(2, uint64(m.TimeEnd))
			e.PackedUints(3, addressesToUints(m.PCs))
			e.PackedUints(4, m.Counts)
		case *PeriodicSamples:
			e.RawBytes(1, m.Deltas)
		case *SamplingConfig:
			e.Uint(1, m.Interval)
			for _, ev := range m.Events {
				e.Message(2, func(e *wire.Encoder) {
					e.String(1, ev.Name)
					e.Uint(2, uint64(ev.Kind))
					e.Uint(3, ev.Threshold)
				})
			}
		case *ExecClass:
			e.Uint(1, uint64(m.ClassUID))
			e.Uint(2, uint64(m.Device))
			e.Uint(3, uint64(m.CallSite))
			e.Uint(4, uint64(m.Context))
			e.Uint(5, uint64(m.Stream))
			encodeKernelAttributes(e, 6, m.KernelAttributes)
		case *XferClass:
			e.Uint(1, uint64(m.ClassUID))
			e.Uint(2, uint64(m.Device))
			e.Uint(3, uint64(m.CallSite))
			e.Uint(4, uint64(m.Context))
			e.Uint(5, uint64(m.Stream))
			encodeTransferAttributes(e, 6, m.TransferAttributes)
		case *ExecInstance:
			encodeInstance(e, m.Instance)
		case *XferInstance:
			encodeInstance(e, m.Instance)
		default:
			err = fmt.Errorf("unsupported message type %T", m)
		}
	})
	return err
}

func decodeEnvelope(data []byte) (Message, error) {
	var m Message
	err := wire.Decode(data, func(f wire.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		var err error
		m, err = decodeMessage(MessageKind(f.Num), f.Data)
		return err
	})
	return m, err
}

func decodeMessage(kind MessageKind, data []byte) (Message, error) {
	switch kind {
	case KindContextInfo:
		m := &ContextInfo{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.Context = perfdata.Handle(f.Scalar)
			case 2:
				m.DeviceID = uint32(f.Scalar)
			}
			return nil
		})
	case KindDeviceInfo:
		d, err := decodeDeviceInfo(data)
		return d, err
	case KindEnqueueExec:
		m := &EnqueueExec{}
		return m, decodeEnqueue(data, &m.Enqueue)
	case KindEnqueueXfer:
		m := &EnqueueXfer{}
		return m, decodeEnqueue(data, &m.Enqueue)
	case KindCompletedExec:
		m := &CompletedExec{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.Correlation = perfdata.CorrelationID(f.Scalar)
			case 2:
				m.TimeBegin = perfdata.Time(f.Scalar)
			case 3:
				m.TimeEnd = perfdata.Time(f.Scalar)
			default:
				return decodeKernelAttribute(f, 4, &m.KernelAttributes)
			}
			return nil
		})
	case KindCompletedXfer:
		m := &CompletedXfer{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.Correlation = perfdata.CorrelationID(f.Scalar)
			case 2:
				m.TimeBegin = perfdata.Time(f.Scalar)
			case 3:
				m.TimeEnd = perfdata.Time(f.Scalar)
			default:
				decodeTransferAttribute(f, 4, &m.TransferAttributes)
			}
			return nil
		})
	case KindOverflowSamples:
		m := &OverflowSamples{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.TimeBegin = perfdata.Time(f.Scalar)
			case 2:
				m.TimeEnd = perfdata.Time(f.Scalar)
			case 3:
				vs, err := f.Uints()
				if err != nil {
					return err
				}
				m.PCs = uintsToAddresses(vs)
			case 4:
				vs, err := f.Uints()
				if err != nil {
					return err
				}
				m.Counts = vs
			}
			return nil
		})
	case KindPeriodicSamples:
		m := &PeriodicSamples{}
		return m, wire.Decode(data, func(f wire.Field) error {
			if f.Num == 1 {
				m.Deltas = append([]byte(nil), f.Data...)
			}
			return nil
		})
	case KindSamplingConfig:
		m := &SamplingConfig{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.Interval = f.Scalar
			case 2:
				var ev EventDescription
				err := wire.Decode(f.Data, func(f wire.Field) error {
					switch f.Num {
					case 1:
						ev.Name = f.String()
					case 2:
						ev.Kind = EventKind(f.Scalar)
					case 3:
						ev.Threshold = f.Scalar
					}
					return nil
				})
				if err != nil {
					return err
				}
				m.Events = append(m.Events, ev)
			}
			return nil
		})
	case KindExecClass:
		m := &ExecClass{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.ClassUID = uint32(f.Scalar)
			case 2:
				m.Device = uint32(f.Scalar)
			case 3:
				m.CallSite = uint32(f.Scalar)
			case 4:
				m.Context = perfdata.Handle(f.Scalar)
			case 5:
				m.Stream = perfdata.Handle(f.Scalar)
			default:
				return decodeKernelAttribute(f, 6, &m.KernelAttributes)
			}
			return nil
		})
	case KindXferClass:
		m := &XferClass{}
		return m, wire.Decode(data, func(f wire.Field) error {
			switch f.Num {
			case 1:
				m.ClassUID = uint32(f.Scalar)
			case 2:
				m.Device = uint32(f.Scalar)
			case 3:
				m.CallSite = uint32(f.Scalar)
			case 4:
				m.Context = perfdata.Handle(f.Scalar)
			case 5:
				m.Stream = perfdata.Handle(f.Scalar)
			default:
				decodeTransferAttribute(f, 6, &m.TransferAttributes)
			}
			return nil
		})
	case KindExecInstance:
		m := &ExecInstance{}
		return m, decodeInstance(data, &m.Instance)
	case KindXferInstance:
		m := &XferInstance{}
		return m, decodeInstance(data, &m.Instance)
	}
	return nil, nil
}

func encodeEnqueue(e *wire.Encoder, q Enqueue) {
	e.Uint(1, uint64(q.Correlation))
	e.Uint(2, uint64(q.Context))
	e.Uint(3, uint64(q.Stream))
	e.Uint(4, uint64(q.Time))
	e.Uint(5, uint64(q.CallSite))
}

func decodeEnqueue(data []byte, q *Enqueue) error {
	return wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			q.Correlation = perfdata.CorrelationID(f.Scalar)
		case 2:
			q.Context = perfdata.Handle(f.Scalar)
		case 3:
			q.Stream = perfdata.Handle(f.Scalar)
		case 4:
			q.Time = perfdata.Time(f.Scalar)
		case 5:
			q.CallSite = uint32(f.Scalar)
		}
		return nil
	})
}

func encodeInstance(e *wire.Encoder, i Instance) {
	e.Uint(1, uint64(i.ClassUID))
	e.Uint(2, uint64(i.Correlation))
	e.Uint(3, uint64(i.TimeEnqueue))
	e.Uint(4, uint64(i.TimeBegin))
	e.Uint(5, uint64(i.TimeEnd))
}

func decodeInstance(data []byte, i *Instance) error {
	return wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			i.ClassUID = uint32(f.Scalar)
		case 2:
			i.Correlation = perfdata.CorrelationID(f.Scalar)
		case 3:
			i.TimeEnqueue = perfdata.Time(f.Scalar)
		case 4:
			i.TimeBegin = perfdata.Time(f.Scalar)
		case 5:
			i.TimeEnd = perfdata.Time(f.Scalar)
		}
		return nil
	})
}

// Kernel attributes occupy eight consecutive field numbers starting at
// base.
func encodeKernelAttributes(e *wire.Encoder, base protowire.Number, a KernelAttributes) {
	e.String(base, a.Function)
	e.PackedUints(base+1, int32sToUints(a.Grid[:]))
	e.PackedUints(base+2, int32sToUints(a.Block[:]))
	e.Uint(base+3, uint64(a.CachePreference))
	e.Uint(base+4, uint64(a.RegistersPerThread))
	e.Uint(base+5, uint64(a.StaticSharedMemory))
	e.Uint(base+6, uint64(a.DynamicSharedMemory))
	e.Uint(base+7, uint64(a.LocalMemory))
}

func decodeKernelAttribute(f wire.Field, base protowire.Number, a *KernelAttributes) error {
	switch f.Num - base {
	case 0:
		a.Function = f.String()
	case 1, 2:
		vs, err := f.Uints()
		if err != nil {
			return err
		}
		dst := a.Grid[:]
		if f.Num-base == 2 {
			dst = a.Block[:]
		}
		for i := 0; i < len(vs) && i < len(dst); i++ {
			dst[i] = int32(protowire.DecodeZigZag(vs[i]))
		}
	case 3:
		a.CachePreference = CachePreference(f.Scalar)
	case 4:
		a.RegistersPerThread = uint32(f.Scalar)
	case 5:
		a.StaticSharedMemory = uint32(f.Scalar)
	case 6:
		a.DynamicSharedMemory = uint32(f.Scalar)
	case 7:
		a.LocalMemory = uint32(f.Scalar)
	}
	return nil
}

// Transfer attributes occupy five consecutive field numbers starting at
// base.
func encodeTransferAttributes(e *wire.Encoder, base protowire.Number, a TransferAttributes) {
	e.Uint(base, a.Size)
	e.Uint(base+1, uint64(a.Kind))
	e.Uint(base+2, uint64(a.SourceKind))
	e.Uint(base+3, uint64(a.DestinationKind))
	e.Bool(base+4, a.Asynchronous)
}

func decodeTransferAttribute(f wire.Field, base protowire.Number, a *TransferAttributes) {
	switch f.Num - base {
	case 0:
		a.Size = f.Scalar
	case 1:
		a.Kind = CopyKind(f.Scalar)
	case 2:
		a.SourceKind = MemoryKind(f.Scalar)
	case 3:
		a.DestinationKind = MemoryKind(f.Scalar)
	case 4:
		a.Asynchronous = f.Bool()
	}
}

func encodeDeviceInfo(e *wire.Encoder, d *DeviceInfo) {
	e.Uint(1, uint64(d.DeviceID))
	e.String(2, d.Name)
	e.PackedUints(3, uint32sToUints(d.ComputeCapability[:]))
	e.PackedUints(4, uint32sToUints(d.MaxGrid[:]))
	e.PackedUints(5, uint32sToUints(d.MaxBlock[:]))
	e.Uint(6, d.GlobalMemoryBandwidth)
	e.Uint(7, d.GlobalMemorySize)
	e.Uint(8, uint64(d.ConstantMemorySize))
	e.Uint(9, uint64(d.L2CacheSize))
	e.Uint(10, uint64(d.ThreadsPerWarp))
	e.Uint(11, uint64(d.CoreClockRate))
	e.Uint(12, uint64(d.MemcpyEngines))
	e.Uint(13, uint64(d.Multiprocessors))
	e.Uint(14, uint64(d.MaxIPC))
	e.Uint(15, uint64(d.MaxWarpsPerMultiprocessor))
	e.Uint(16, uint64(d.MaxBlocksPerMultiprocessor))
	e.Uint(17, uint64(d.MaxRegistersPerBlock))
	e.Uint(18, uint64(d.MaxSharedMemoryPerBlock))
	e.Uint(19, uint64(d.MaxThreadsPerBlock))
}

func decodeDeviceInfo(data []byte) (*DeviceInfo, error) {
	d := &DeviceInfo{}
	scalars := map[protowire.Number]*uint32{
		8:  &d.ConstantMemorySize,
		9:  &d.L2CacheSize,
		10: &d.ThreadsPerWarp,
		11: &d.CoreClockRate,
		12: &d.MemcpyEngines,
		13: &d.Multiprocessors,
		14: &d.MaxIPC,
		15: &d.MaxWarpsPerMultiprocessor,
		16: &d.MaxBlocksPerMultiprocessor,
		17: &d.MaxRegistersPerBlock,
		18: &d.MaxSharedMemoryPerBlock,
		19: &d.MaxThreadsPerBlock,
	}
	arrays := map[protowire.Number][]uint32{
		3: d.ComputeCapability[:],
		4: d.MaxGrid[:],
		5: d.MaxBlock[:],
	}
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			d.DeviceID = uint32(f.Scalar)
		case 2:
			d.Name = f.String()
		case 6:
			d.GlobalMemoryBandwidth = f.Scalar
		case 7:
			d.GlobalMemorySize = f.Scalar
		default:
			if p, ok := scalars[f.Num]; ok {
				*p = uint32(f.Scalar)
			} else if dst, ok := arrays[f.Num]; ok {
				vs, err := f.Uints()
				if err != nil {
					return err
				}
				for i := 0; i < len(vs) && i < len(dst); i++ {
					dst[i] = uint32(vs[i])
				}
			}
		}
		return nil
	})
	return d, err
}

func addressesToUints(as []perfdata.Address) []uint64 {
	out := make([]uint64, len(as))
	for i, a := range as {
		out[i] = uint64(a)
	}
	return out
}

func uintsToAddresses(vs []uint64) []perfdata.Address {
	out := make([]perfdata.Address, len(vs))
	for i, v := range vs {
		out[i] = perfdata.Address(v)
	}
	return out
}

// Zero entries are kept so array positions survive the round trip.
func int32sToUints(vs []int32) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = protowire.EncodeZigZag(int64(v))
	}
	return out
}

func uint32sToUints(vs []uint32) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}
