// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pprof converts one thread's GPU activity into a pprof profile.
// Every kernel and transfer becomes a sample whose stack is the CPU call
// site that launched it, topped by a frame naming the GPU operation.
package pprof

import (
	"fmt"
	"slices"

	"github.com/google/pprof/profile"

	"github.com/antimetal/gpuperf/pkg/datatable"
	"github.com/antimetal/gpuperf/pkg/perfdata"
	"github.com/antimetal/gpuperf/pkg/symtab"
)

// Sample value indices.
const (
	KernelTime = iota
	KernelCount
	TransferBytes
)

type sampleKey struct {
	frame    string
	callSite int
	context  perfdata.Handle
}

type converter struct {
	prof      *profile.Profile
	sites     []perfdata.StackTrace
	objects   []symtab.LinkedObject
	mappings  map[int]*profile.Mapping
	locations map[perfdata.Address]*profile.Location
	frames    map[string]*profile.Location
	functions map[string]*profile.Function
	samples   map[sampleKey]*profile.Sample
	order     []sampleKey
}

// FromThread builds the profile of thread over interval. Call-site
// addresses are attributed to the mappings of objects when it is non-nil.
func FromThread(table *datatable.Table, thread perfdata.ThreadName, interval perfdata.TimeInterval,
	objects *symtab.LinkedObjectGroup) (*profile.Profile, error) {
	span := table.Interval()
	span.Begin = max(span.Begin, interval.Begin)
	span.End = min(span.End, interval.End)

	c := &converter{
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "kernel_time", Unit: "nanoseconds"},
				{Type: "kernel_count", Unit: "count"},
				{Type: "transfer_bytes", Unit: "bytes"},
			},
			DefaultSampleType: "kernel_time",
			PeriodType:        &profile.ValueType{Type: "kernel_time", Unit: "nanoseconds"},
			Period:            1,
			TimeNanos:         int64(span.Begin),
			DurationNanos:     int64(span.Width()),
			Comments:          []string{"thread: " + thread.String()},
		},
		sites:     table.Sites(),
		mappings:  make(map[int]*profile.Mapping),
		locations: make(map[perfdata.Address]*profile.Location),
		frames:    make(map[string]*profile.Location),
		functions: make(map[string]*profile.Function),
		samples:   make(map[sampleKey]*profile.Sample),
	}
	if objects != nil {
		c.objects = objects.Objects
	}

	err := table.VisitKernelExecutions(thread, interval, func(e datatable.KernelExecution) bool {
		s := c.sample(sampleKey{frame: "[gpu] " + e.Function, callSite: e.CallSite, context: e.Context})
		s.Value[KernelTime] += int64(e.Interval().Width())
		s.Value[KernelCount]++
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to visit kernel executions: %w", err)
	}
	err = table.VisitDataTransfers(thread, interval, func(x datatable.DataTransfer) bool {
		s := c.sample(sampleKey{frame: "[gpu] memcpy " + x.Kind.String(), callSite: x.CallSite, context: x.Context})
		s.Value[TransferBytes] += int64(x.Size)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to visit data transfers: %w", err)
	}

	for _, k := range c.order {
		c.prof.Sample = append(c.prof.Sample, c.samples[k])
	}
	if err := c.prof.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return c.prof, nil
}

func (c *converter) sample(k sampleKey) *profile.Sample {
	if s, ok := c.samples[k]; ok {
		return s
	}
	locations := []*profile.Location{c.frame(k.frame)}
	if k.callSite >= 0 && k.callSite < len(c.sites) {
		for _, a := range c.sites[k.callSite] {
			locations = append(locations, c.location(a))
		}
	}
	s := &profile.Sample{
		Location: locations,
		Value:    make([]int64, 3),
		Label:    map[string][]string{"context": {k.context.String()}},
	}
	c.samples[k] = s
	c.order = append(c.order, k)
	return s
}

// frame returns the synthetic location of a GPU operation.
func (c *converter) frame(name string) *profile.Location {
	if loc, ok := c.frames[name]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:   uint64(len(c.prof.Location) + 1),
		Line: []profile.Line{{Function: c.function(name)}},
	}
	c.prof.Location = append(c.prof.Location, loc)
	c.frames[name] = loc
	return loc
}

func (c *converter) location(a perfdata.Address) *profile.Location {
	if loc, ok := c.locations[a]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:      uint64(len(c.prof.Location) + 1),
		Address: uint64(a),
		Mapping: c.mapping(a),
		Line:    []profile.Line{{Function: c.function(a.String())}},
	}
	c.prof.Location = append(c.prof.Location, loc)
	c.locations[a] = loc
	return loc
}

func (c *converter) function(name string) *profile.Function {
	if fn, ok := c.functions[name]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(c.prof.Function) + 1),
		Name:       name,
		SystemName: name,
	}
	c.prof.Function = append(c.prof.Function, fn)
	c.functions[name] = fn
	return fn
}

func (c *converter) mapping(a perfdata.Address) *profile.Mapping {
	i := slices.IndexFunc(c.objects, func(o symtab.LinkedObject) bool { return o.Range.Contains(a) })
	if i < 0 {
		return nil
	}
	if m, ok := c.mappings[i]; ok {
		return m
	}
	o := c.objects[i]
	m := &profile.Mapping{
		ID:     uint64(len(c.prof.Mapping) + 1),
		Start:  uint64(o.Range.Begin),
		Limit:  uint64(o.Range.End),
		Offset: o.Offset,
		File:   o.Path,
	}
	c.prof.Mapping = append(c.prof.Mapping, m)
	c.mappings[i] = m
	return m
}
