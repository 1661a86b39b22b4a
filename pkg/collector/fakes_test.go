// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collector

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

type fakeAPI struct {
	flushes atomic.Int32
	onFlush func()
}

func (a *fakeAPI) FlushActivity() error {
	a.flushes.Add(1)
	if a.onFlush != nil {
		a.onFlush()
	}
	return nil
}

type fakeCounters struct {
	class     DeviceClass
	passes    int
	increment []uint64

	reads    atomic.Int32
	firstTID atomic.Uint64
	closed   atomic.Bool
}

func (f *fakeCounters) DeviceClass() DeviceClass { return f.class }
func (f *fakeCounters) Passes() int              { return f.passes }

func (f *fakeCounters) ReadGroups() ([][]uint64, error) {
	f.firstTID.CompareAndSwap(0, gettid())
	f.reads.Add(1)
	return [][]uint64{f.increment}, nil
}

func (f *fakeCounters) Evaluate(groups [][]uint64, elapsed uint64) ([]uint64, error) {
	return append([]uint64(nil), groups[0]...), nil
}

func (f *fakeCounters) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeLibrary struct {
	mu        sync.Mutex
	inits     int
	shutdowns int
	opened    map[perfdata.Handle]*fakeCounters
	newSet    func() *fakeCounters
}

func newFakeLibrary(newSet func() *fakeCounters) *fakeLibrary {
	return &fakeLibrary{opened: make(map[perfdata.Handle]*fakeCounters), newSet: newSet}
}

func (l *fakeLibrary) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inits++
	return nil
}

func (l *fakeLibrary) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdowns++
	return nil
}

func (l *fakeLibrary) Open(ctx perfdata.Handle, _ uint32, _ []blob.EventDescription) (ContextCounters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.newSet()
	l.opened[ctx] = set
	return set, nil
}

func (l *fakeLibrary) counts() (inits, shutdowns int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inits, l.shutdowns
}

type sinkRecord struct {
	kind   blob.RecordKind
	thread perfdata.ThreadName
	blob   *blob.Blob
}

type recordingSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (s *recordingSink) Attach(thread perfdata.ThreadName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, sinkRecord{kind: blob.RecordAttach, thread: thread})
	return nil
}

func (s *recordingSink) Blob(b *blob.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, sinkRecord{kind: blob.RecordBlob, thread: b.Header.Thread(), blob: b})
	return nil
}

func (s *recordingSink) Terminate(thread perfdata.ThreadName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, sinkRecord{kind: blob.RecordTerminate, thread: thread})
	return nil
}

func (s *recordingSink) blobs() []*blob.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*blob.Blob
	for _, r := range s.records {
		if r.kind == blob.RecordBlob {
			out = append(out, r.blob)
		}
	}
	return out
}

// kinds returns the record kinds seen for one thread, in order.
func (s *recordingSink) kinds(thread perfdata.ThreadName) []blob.RecordKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []blob.RecordKind
	for _, r := range s.records {
		if r.thread.SameThread(thread) {
			out = append(out, r.kind)
		}
	}
	return out
}

type fatalExit struct{ code int }

type harness struct {
	collector *Collector
	api       *fakeAPI
	sink      *recordingSink
	diag      *bytes.Buffer
	reader    *sdkmetric.ManualReader
}

var testSite = perfdata.StackTrace{0x401000, 0x402000}

func newHarness(t *testing.T, lib CounterLibrary, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		api:    &fakeAPI{},
		sink:   &recordingSink{},
		diag:   &bytes.Buffer{},
		reader: sdkmetric.NewManualReader(),
	}
	var clock atomic.Uint64
	clock.Store(1000)
	base := []Option{
		WithSink(h.sink),
		WithDiagnostics(h.diag),
		WithExitFunc(func(code int) { panic(fatalExit{code}) }),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))),
		WithUnwinder(func() perfdata.StackTrace { return testSite }),
		WithClock(func() perfdata.Time { return perfdata.Time(clock.Add(10)) }),
	}
	c, err := New(h.api, lib, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	h.collector = c
	t.Cleanup(c.Stop)
	return h
}

// counter returns the summed value of an integer sum instrument.
func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, fmt.Sprintf("%s is %T", name, m.Data))
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
