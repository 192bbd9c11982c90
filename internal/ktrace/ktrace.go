// Package ktrace is the kernel core's boot and panic trace log: an
// append-only sequence of Records kept in memory, which a
// NewWriterAtSink can additionally write out in a binary encoding at
// atomically-allocated offsets for host-side post-mortem use. Records
// are tagged with a WithSource(name) handle and timestamped from the
// kernel's own monotonic clock (internal/timersrc) rather than
// time.Now().
package ktrace

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Clock supplies the timestamp attached to each record. internal/timersrc
// satisfies this with its monotonic nanoseconds-since-boot counter.
type Clock interface {
	Now() uint64
}

// Kind distinguishes informational traces from the panic path.
type Kind uint8

const (
	KindInfo Kind = iota
	KindWarn
	KindPanic
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "INFO"
	case KindWarn:
		return "WARN"
	case KindPanic:
		return "PANIC"
	default:
		return "?"
	}
}

// Record is one decoded trace entry.
type Record struct {
	Kind      Kind
	Source    string
	Message   string
	Timestamp uint64
}

// Log is a thread-safe, append-only sequence of Records held in
// memory. The zero value is not usable; construct with New.
type Log struct {
	clock Clock

	mu      sync.Mutex
	records []Record
}

// New returns an empty Log that timestamps records using clock. If
// clock is nil, timestamps are always zero (useful in tests that do
// not care about ordering).
func New(clock Clock) *Log {
	return &Log{clock: clock}
}

func (l *Log) now() uint64 {
	if l.clock == nil {
		return 0
	}
	return l.clock.Now()
}

func (l *Log) append(kind Kind, source, message string) {
	rec := Record{Kind: kind, Source: source, Message: message, Timestamp: l.now()}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// Records returns a copy of every record appended so far, in order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Source is a log handle bound to a single component name.
type Source struct {
	log  *Log
	name string
}

// WithSource returns a Source bound to name.
func (l *Log) WithSource(name string) Source {
	return Source{log: l, name: name}
}

// Infof records an informational trace line.
func (s Source) Infof(format string, args ...any) {
	s.log.append(KindInfo, s.name, fmt.Sprintf(format, args...))
}

// Warnf records a warning trace line.
func (s Source) Warnf(format string, args ...any) {
	s.log.append(KindWarn, s.name, fmt.Sprintf(format, args...))
}

// Panicf records a panic trace line. It does not stop execution, and
// neither does kernel.Kernel.Panic, which logs through it.
func (s Source) Panicf(format string, args ...any) {
	s.log.append(KindPanic, s.name, fmt.Sprintf(format, args...))
}

// atomicOffsetCodec packs records into a fixed 16-byte-header wire
// format, for callers (such as the tests) that want to persist a trace
// log to an io.WriterAt rather than keep it only in memory.
type atomicOffsetCodec struct {
	w      io.WriterAt
	offset atomic.Uint64
}

// NewWriterAtSink wraps w so that Log records can additionally be
// streamed to it with Write, without blocking concurrent appenders
// on a single mutex the way a plain io.Writer would.
func NewWriterAtSink(w io.WriterAt) *atomicOffsetCodec {
	return &atomicOffsetCodec{w: w}
}

func (s *atomicOffsetCodec) Write(rec Record) error {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(rec.Kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(rec.Source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(rec.Message)))
	binary.LittleEndian.PutUint64(header[8:16], rec.Timestamp)

	size := int64(16 + len(rec.Source) + len(rec.Message))
	off := int64(s.offset.Add(uint64(size))) - size

	if _, err := s.w.WriteAt(header, off); err != nil {
		return err
	}
	if _, err := s.w.WriteAt([]byte(rec.Source), off+16); err != nil {
		return err
	}
	if _, err := s.w.WriteAt([]byte(rec.Message), off+16+int64(len(rec.Source))); err != nil {
		return err
	}
	return nil
}
