// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blob

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

type capture struct {
	blobs []*Blob
}

func (c *capture) send(b *Blob) error {
	c.blobs = append(c.blobs, b)
	return nil
}

func testHeader() Header {
	return Header{Host: "node1", PID: 42, PosixTID: perfdata.Ptr(uint64(43))}
}

func enqueueAt(site uint32, corr uint32, t perfdata.Time) *EnqueueExec {
	return &EnqueueExec{Enqueue{
		Correlation: perfdata.CorrelationID(corr),
		Context:     0x100,
		Stream:      0x200,
		Time:        t,
		CallSite:    site,
	}}
}

func TestBuilder_CallSiteDeduplication(t *testing.T) {
	var c capture
	stack := perfdata.StackTrace{0xA, 0xB}
	b := NewBuilder(testHeader(), c.send, WithUnwinder(func() perfdata.StackTrace { return stack }))

	first, err := b.AddCurrentCallSite()
	require.NoError(t, err)
	require.NoError(t, b.AddMessage(enqueueAt(first, 1, 1000)))

	second, err := b.AddCurrentCallSite()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := b.AddSite(perfdata.StackTrace{0xC})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), other)
	require.NoError(t, b.AddMessage(enqueueAt(other, 2, 2000)))

	require.NoError(t, b.Send())
	require.Len(t, c.blobs, 1)

	out := c.blobs[0]
	assert.Equal(t, []perfdata.Address{0xA, 0xB, 0, 0xC, 0}, out.StackTraces)
	assert.Equal(t, perfdata.TimeInterval{Begin: 1000, End: 2001}, out.Header.Interval)
	assert.Equal(t, perfdata.AddressRange{Begin: 0xA, End: 0xD}, out.Header.Addresses)
	assert.NoError(t, out.Validate(DefaultLimits()))
}

func TestBuilder_EmptyBlobDropped(t *testing.T) {
	var c capture
	b := NewBuilder(testHeader(), c.send)
	require.NoError(t, b.Send())
	assert.Empty(t, c.blobs)
	assert.Equal(t, uint64(0), b.Sent())
}

func TestBuilder_NoUnwinder(t *testing.T) {
	b := NewBuilder(testHeader(), (&capture{}).send)
	_, err := b.AddCurrentCallSite()
	assert.ErrorIs(t, err, ErrNoUnwinder)
}

func TestBuilder_MessageLimitKeepsCallSiteWithMessage(t *testing.T) {
	var c capture
	limits := Limits{Messages: 4, Addresses: 1024, DeltaBytes: 1024, OverflowPCs: 16}
	b := NewBuilder(testHeader(), c.send, WithLimits(limits))

	for i := 0; i < 10; i++ {
		site, err := b.AddSite(perfdata.StackTrace{perfdata.Address(0x1000 + i)})
		require.NoError(t, err)
		require.NoError(t, b.AddMessage(enqueueAt(site, uint32(i), perfdata.Time(100+i))))
	}
	require.NoError(t, b.Send())

	require.Len(t, c.blobs, 3)
	total := 0
	for _, out := range c.blobs {
		require.NoError(t, out.Validate(limits))
		total += len(out.Messages)
	}
	assert.Equal(t, 10, total)
}

func TestBuilder_AddressLimitFlushesBeforeRun(t *testing.T) {
	var c capture
	limits := Limits{Messages: 128, Addresses: 8, DeltaBytes: 1024, OverflowPCs: 16}
	b := NewBuilder(testHeader(), c.send, WithLimits(limits))

	site, err := b.AddSite(perfdata.StackTrace{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, b.AddMessage(enqueueAt(site, 1, 10)))

	// Four frames plus terminator do not fit in the three remaining slots.
	site, err = b.AddSite(perfdata.StackTrace{6, 7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), site)
	require.NoError(t, b.AddMessage(enqueueAt(site, 2, 20)))
	require.NoError(t, b.Send())

	require.Len(t, c.blobs, 2)
	for _, out := range c.blobs {
		require.NoError(t, out.Validate(limits))
	}
	assert.Equal(t, []perfdata.Address{6, 7, 8, 9, 0}, c.blobs[1].StackTraces)

	_, err = b.AddSite(make(perfdata.StackTrace, 8))
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestBuilder_OneOverflowMessagePerBlob(t *testing.T) {
	var c capture
	b := NewBuilder(testHeader(), c.send)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.AddMessage(&OverflowSamples{
			TimeBegin: perfdata.Time(i * 10),
			TimeEnd:   perfdata.Time(i*10 + 5),
			PCs:       []perfdata.Address{0x400000},
			Counts:    []uint64{3},
		}))
	}
	require.NoError(t, b.Send())
	require.Len(t, c.blobs, 2)
	assert.Equal(t, perfdata.AddressRange{Begin: 0x400000, End: 0x400001}, c.blobs[0].Header.Addresses)

	err := b.AddMessage(&OverflowSamples{PCs: make([]perfdata.Address, 2000)})
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestBuilder_SamplesReserveAMessageSlot(t *testing.T) {
	var c capture
	limits := Limits{Messages: 2, Addresses: 16, DeltaBytes: 1024, OverflowPCs: 16}
	b := NewBuilder(testHeader(), c.send, WithLimits(limits), WithPeriodicSamples())

	require.NoError(t, b.AddSample(Sample{Time: 5, Counts: []uint64{1}}))
	require.NoError(t, b.AddMessage(&ContextInfo{Context: 1}))
	require.NoError(t, b.AddMessage(&ContextInfo{Context: 2}))
	require.NoError(t, b.Send())

	require.Len(t, c.blobs, 2)
	for _, out := range c.blobs {
		assert.LessOrEqual(t, len(out.Messages), 2)
	}
	assert.Equal(t, KindPeriodicSamples, c.blobs[0].Messages[1].Kind())
}

func TestBuilder_SamplesDisabled(t *testing.T) {
	b := NewBuilder(testHeader(), (&capture{}).send)
	assert.ErrorIs(t, b.AddSample(Sample{Time: 1}), ErrLimitExceeded)
	assert.ErrorIs(t, b.AddMessage(&PeriodicSamples{}), ErrLimitExceeded)
}

func TestBuilder_SendError(t *testing.T) {
	boom := errors.New("boom")
	b := NewBuilder(testHeader(), func(*Blob) error { return boom })
	require.NoError(t, b.AddMessage(&ContextInfo{Context: 1}))

	err := b.Send()
	assert.ErrorIs(t, err, boom)
	assert.True(t, b.Empty(), "builder resets even when the sink fails")
}

func TestBlob_Validate(t *testing.T) {
	valid := func() *Blob {
		return &Blob{
			Header: Header{
				Addresses: perfdata.AddressRange{Begin: 0xA, End: 0xC},
				Interval:  perfdata.TimeInterval{Begin: 100, End: 201},
			},
			Messages:    []Message{enqueueAt(0, 1, 100), enqueueAt(0, 2, 200)},
			StackTraces: []perfdata.Address{0xA, 0xB, 0},
		}
	}
	require.NoError(t, valid().Validate(DefaultLimits()))

	tests := []struct {
		name   string
		mutate func(*Blob)
		want   error
	}{
		{"call site mid-run", func(b *Blob) { b.Messages[0].(*EnqueueExec).CallSite = 1 }, ErrInvalidCallSite},
		{"time outside header", func(b *Blob) { b.Messages[1].(*EnqueueExec).Time = 201 }, ErrHeaderExtent},
		{"address outside header", func(b *Blob) { b.StackTraces[1] = 0xF }, ErrHeaderExtent},
		{"two periodic messages", func(b *Blob) {
			b.Messages = append(b.Messages, &PeriodicSamples{}, &PeriodicSamples{})
		}, ErrDuplicateSamples},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := valid()
			tt.mutate(b)
			assert.ErrorIs(t, b.Validate(DefaultLimits()), tt.want)
		})
	}
}
