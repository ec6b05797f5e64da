// Package debug is a thread-safe binary trace sink the vCPU core writes
// to from hot paths (the run loop, each backend's Run) without touching
// the structured slog logger. Every entry is source-tagged and
// timestamped; writers append to an atomically-claimed offset so
// multiple goroutines (in practice: one per vCPU) never tear each
// other's entries.
//
// Wire format per entry:
//   - 2 bytes type (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - messageLength bytes message
//
// Reading the trace back (filtering by source, time range, or replaying
// it in order) is an offline-tooling concern outside this package;
// OpenMemory exists so tests can capture and inspect what was written
// during a run without a real file.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type write struct {
	off  int64
	data []byte
}

// logStructuredBuffer is an in-memory Writer: every WriteAt lands at its
// given offset via a sync.Map rather than growing a slice, so concurrent
// writers never race on a shared backing array.
type logStructuredBuffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (b *logStructuredBuffer) WriteAt(p []byte, off int64) (n int, err error) {
	b.data.Store(off, write{
		off:  off,
		data: append([]byte{}, p...),
	})
	val := b.maxSize.Load()
	if val < int64(len(p))+off {
		for {
			if b.maxSize.CompareAndSwap(val, int64(len(p))+off) {
				break
			}
			val = b.maxSize.Load()
		}
	}
	return len(p), nil
}

func (b *logStructuredBuffer) Close() error {
	return nil
}

func (b *logStructuredBuffer) bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		off := key.(int64)
		w := value.(write)
		copy(data[off:off+int64(len(w.data))], w.data)
		return true
	})
	return data
}

// Writer is the sink Open writes entries into: a real file, or
// logStructuredBuffer for OpenMemory.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile truncates filename and opens it as the active trace sink.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open installs w as the active trace sink. The returned error is a
// warning, not a hard failure: it signals that a previously open sink
// was discarded without being drained.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// MemoryTrace is the in-memory sink OpenMemory installs; Bytes returns
// everything written to it so far in wire format.
type MemoryTrace interface {
	Bytes() []byte
}

type memoryWriter struct {
	logStructuredBuffer
}

func (m *memoryWriter) Bytes() []byte { return m.bytes() }

// OpenMemory installs an in-memory trace sink, for tests that want to
// assert on what Writef produced without a real file.
func OpenMemory() (MemoryTrace, error) {
	mem := &memoryWriter{}
	if err := Open(mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// Close releases the active trace sink, if any.
func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

// Kind distinguishes a raw byte payload from a formatted message; both
// share the same wire layout.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func encodeHeader(kind Kind, source string, data []byte) ([]byte, int64) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, int64(len(source) + len(data) + 16)
}

func writeEntry(kind Kind, source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	header, size := encodeHeader(kind, source, data)
	off := offset.Add(uint64(size)) - uint64(size)
	if _, err := fh.w.WriteAt(header, int64(off)); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt([]byte(source), int64(off)+16); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt(data, int64(off)+16+int64(len(source))); err != nil {
		panic(err)
	}
}

// WriteBytes appends a raw-bytes entry tagged with source.
func WriteBytes(source string, data []byte) {
	writeEntry(KindBytes, source, data)
}

// Write appends a string entry tagged with source.
func Write(source string, data string) {
	writeEntry(KindString, source, []byte(data))
}

// Writef appends a formatted string entry. This is what the run loop
// and every backend's Run call to trace exits and cancellations without
// going through the structured slog logger.
func Writef(source string, format string, args ...any) {
	writeEntry(KindString, source, fmt.Appendf(nil, format, args...))
}

// Source is a Writef/Write/WriteBytes bound to a fixed source tag, for
// a package that always traces under the same name.
type Source interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type sourceImpl struct {
	source string
}

func (d *sourceImpl) WriteBytes(data []byte) {
	writeEntry(KindBytes, d.source, data)
}

func (d *sourceImpl) Write(data string) {
	writeEntry(KindString, d.source, []byte(data))
}

func (d *sourceImpl) Writef(format string, args ...any) {
	writeEntry(KindString, d.source, fmt.Appendf(nil, format, args...))
}

// WithSource returns a Source bound to the given tag.
func WithSource(source string) Source {
	return &sourceImpl{source: source}
}
