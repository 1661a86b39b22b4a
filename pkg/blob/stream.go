// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blob

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/antimetal/gpuperf/pkg/perfdata"
)

// StreamMagic starts every blob stream file.
var StreamMagic = []byte("GPUPERF\x01")

// StreamFileExt is the file name extension of blob stream files.
const StreamFileExt = ".blobs"

// maxFrameSize rejects corrupt length prefixes before allocating.
const (
	maxFrameSize       = 16 << 20
	binaryMaxVarintLen = 10
)

var ErrBadMagic = errors.New("not a blob stream")

// RecordKind tags a frame of a blob stream.
type RecordKind byte

const (
	// RecordAttach announces a thread before its first blob.
	RecordAttach RecordKind = 1
	// RecordBlob carries one performance-data blob.
	RecordBlob RecordKind = 2
	// RecordTerminate announces that a thread sent its last blob.
	RecordTerminate RecordKind = 3
)

func (k RecordKind) String() string {
	switch k {
	case RecordAttach:
		return "attach"
	case RecordBlob:
		return "blob"
	case RecordTerminate:
		return "terminate"
	}
	return "unknown"
}

// Record is one decoded frame. Blob is set for RecordBlob; Thread is set
// for every kind.
type Record struct {
	Kind   RecordKind
	Thread perfdata.ThreadName
	Blob   *Blob
}

// StreamWriter writes frames of the form kind, uvarint length, payload.
// Not safe for concurrent use.
type StreamWriter struct {
	w       io.Writer
	started bool
	written int64
}

func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Written returns the number of bytes written, magic included.
func (s *StreamWriter) Written() int64 {
	return s.written
}

func (s *StreamWriter) WriteAttach(thread perfdata.ThreadName) error {
	return s.writeFrame(RecordAttach, EncodeThread(thread))
}

func (s *StreamWriter) WriteTerminate(thread perfdata.ThreadName) error {
	return s.writeFrame(RecordTerminate, EncodeThread(thread))
}

func (s *StreamWriter) WriteBlob(b *Blob) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	return s.writeFrame(RecordBlob, data)
}

// WriteRecord writes r according to its kind.
func (s *StreamWriter) WriteRecord(r Record) error {
	switch r.Kind {
	case RecordAttach:
		return s.WriteAttach(r.Thread)
	case RecordTerminate:
		return s.WriteTerminate(r.Thread)
	case RecordBlob:
		return s.WriteBlob(r.Blob)
	}
	return fmt.Errorf("unknown record kind %d", r.Kind)
}

func (s *StreamWriter) writeFrame(kind RecordKind, payload []byte) error {
	if !s.started {
		n, err := s.w.Write(StreamMagic)
		s.written += int64(n)
		if err != nil {
			return fmt.Errorf("failed to write stream magic: %w", err)
		}
		s.started = true
	}
	frame := make([]byte, 0, 1+protowire.SizeVarint(uint64(len(payload)))+len(payload))
	frame = append(frame, byte(kind))
	frame = protowire.AppendVarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)
	n, err := s.w.Write(frame)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write %s frame: %w", kind, err)
	}
	return nil
}

// StreamReader reads frames written by a StreamWriter.
type StreamReader struct {
	r       *bufio.Reader
	checked bool
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at a clean end of stream. A
// stream cut in the middle of a frame returns io.ErrUnexpectedEOF.
func (s *StreamReader) Next() (Record, error) {
	if !s.checked {
		magic := make([]byte, len(StreamMagic))
		if _, err := io.ReadFull(s.r, magic); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("failed to read stream magic: %w", err)
		}
		if !bytes.Equal(magic, StreamMagic) {
			return Record{}, ErrBadMagic
		}
		s.checked = true
	}

	kind, err := s.r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	size, err := readUvarint(s.r)
	if err != nil {
		return Record{}, unexpected(err)
	}
	if size > maxFrameSize {
		return Record{}, fmt.Errorf("frame of %d bytes exceeds %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return Record{}, unexpected(err)
	}

	rec := Record{Kind: RecordKind(kind)}
	switch rec.Kind {
	case RecordAttach, RecordTerminate:
		rec.Thread, err = DecodeThread(payload)
	case RecordBlob:
		rec.Blob, err = Unmarshal(payload)
		if err == nil {
			rec.Thread = rec.Blob.Header.Thread()
		}
	default:
		err = fmt.Errorf("unknown record kind %d", kind)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func readUvarint(r io.ByteReader) (uint64, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
		if len(buf) == binaryMaxVarintLen {
			return 0, errors.New("frame length varint overflows 64 bits")
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
