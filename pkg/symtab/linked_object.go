// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package symtab

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/antimetal/gpuperf/internal/wire"
	"github.com/antimetal/gpuperf/pkg/blob"
	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// LinkedObject is an executable or shared library mapped into a process.
type LinkedObject struct {
	Path       string                `json:"path"`
	Range      perfdata.AddressRange `json:"range"`
	Offset     uint64                `json:"offset"`
	Executable bool                  `json:"executable"`
}

// LinkedObjectGroup is the address space of one thread at a point in time.
type LinkedObjectGroup struct {
	Thread  perfdata.ThreadName `json:"thread"`
	Time    perfdata.Time       `json:"time"`
	Objects []LinkedObject      `json:"objects"`
}

// Find returns the object containing a.
func (g LinkedObjectGroup) Find(a perfdata.Address) (LinkedObject, bool) {
	for _, o := range g.Objects {
		if o.Range.Contains(a) {
			return o, true
		}
	}
	return LinkedObject{}, false
}

// AddressSpaces looks up the linked objects of a thread.
type AddressSpaces interface {
	LinkedObjects(thread perfdata.ThreadName) (LinkedObjectGroup, bool)
}

var ErrMalformedMaps = errors.New("malformed maps line")

// ParseMaps reads the /proc/<pid>/maps format and returns one linked object
// per contiguous file mapping. Anonymous and pseudo mappings are skipped.
func ParseMaps(r io.Reader) ([]LinkedObject, error) {
	var (
		objects []LinkedObject
		byPath  = make(map[string]int)
	)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			return nil, fmt.Errorf("line %d: %w", line, ErrMalformedMaps)
		}
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}

		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("line %d: address range %q: %w", line, fields[0], ErrMalformedMaps)
		}
		begin, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		path := fields[5]
		r := perfdata.AddressRange{Begin: perfdata.Address(begin), End: perfdata.Address(end)}
		if i, ok := byPath[path]; ok {
			objects[i].Range = objects[i].Range.Union(r)
			objects[i].Offset = min(objects[i].Offset, offset)
			continue
		}
		byPath[path] = len(objects)
		objects = append(objects, LinkedObject{Path: path, Range: r, Offset: offset})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	if len(objects) > 0 {
		// The first file mapping is the main executable.
		objects[0].Executable = true
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Range.Begin < objects[j].Range.Begin })
	return objects, nil
}

// StaticAddressSpaces is an in-memory AddressSpaces keyed by process.
// Threads share their process's address space.
type StaticAddressSpaces struct {
	mu     sync.RWMutex
	groups map[perfdata.ProcessKey][]LinkedObject
}

func NewStaticAddressSpaces() *StaticAddressSpaces {
	return &StaticAddressSpaces{groups: make(map[perfdata.ProcessKey][]LinkedObject)}
}

func (s *StaticAddressSpaces) Add(process perfdata.ProcessKey, objects []LinkedObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[process] = objects
}

func (s *StaticAddressSpaces) LinkedObjects(thread perfdata.ThreadName) (LinkedObjectGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	objects, ok := s.groups[thread.Process()]
	if !ok {
		return LinkedObjectGroup{}, false
	}
	return LinkedObjectGroup{Thread: thread, Objects: objects}, true
}

// MapsDirectory serves address spaces from saved maps files named
// "<host>.<pid>.maps" in Dir. Files are parsed on first use.
type MapsDirectory struct {
	Dir string

	once   sync.Map
	static *StaticAddressSpaces
	mu     sync.Mutex
}

func (d *MapsDirectory) LinkedObjects(thread perfdata.ThreadName) (LinkedObjectGroup, bool) {
	d.mu.Lock()
	if d.static == nil {
		d.static = NewStaticAddressSpaces()
	}
	static := d.static
	d.mu.Unlock()

	key := thread.Process()
	if _, loaded := d.once.LoadOrStore(key, struct{}{}); !loaded {
		path := filepath.Join(d.Dir, fmt.Sprintf("%s.%d.maps", key.Host, key.PID))
		if f, err := os.Open(path); err == nil {
			objects, err := ParseMaps(f)
			f.Close()
			if err == nil {
				static.Add(key, objects)
			}
		}
	}
	return static.LinkedObjects(thread)
}

// Linked-object group record:
//
//	1: thread (blob header encoding)
//	2: time
//	3: object (repeated {1: path, 2: begin, 3: end, 4: offset, 5: executable})
func (g LinkedObjectGroup) Marshal() []byte {
	var e wire.Encoder
	e.RawBytes(1, blob.EncodeThread(g.Thread))
	e.Uint(2, uint64(g.Time))
	for _, o := range g.Objects {
		e.Message(3, func(e *wire.Encoder) {
			e.String(1, o.Path)
			e.Uint(2, uint64(o.Range.Begin))
			e.Uint(3, uint64(o.Range.End))
			e.Uint(4, o.Offset)
			e.Bool(5, o.Executable)
		})
	}
	return e.Bytes()
}

func UnmarshalLinkedObjectGroup(data []byte) (LinkedObjectGroup, error) {
	var g LinkedObjectGroup
	err := wire.Decode(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			thread, err := blob.DecodeThread(f.Data)
			if err != nil {
				return err
			}
			g.Thread = thread
		case 2:
			g.Time = perfdata.Time(f.Scalar)
		case 3:
			var o LinkedObject
			err := wire.Decode(f.Data, func(f wire.Field) error {
				switch f.Num {
				case 1:
					o.Path = f.String()
				case 2:
					o.Range.Begin = perfdata.Address(f.Scalar)
				case 3:
					o.Range.End = perfdata.Address(f.Scalar)
				case 4:
					o.Offset = f.Scalar
				case 5:
					o.Executable = f.Bool()
				}
				return nil
			})
			if err != nil {
				return err
			}
			g.Objects = append(g.Objects, o)
		}
		return nil
	})
	if err != nil {
		return LinkedObjectGroup{}, fmt.Errorf("failed to decode linked object group: %w", err)
	}
	return g, nil
}
