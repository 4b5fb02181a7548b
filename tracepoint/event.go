package tracepoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/probekit/probekit/internal/ktime"
	"github.com/probekit/probekit/metrics"
)

var le = binary.LittleEndian

// Every record starts with the common field block: event type, flags,
// preempt count and pid, in the classic ftrace layout.
const (
	commonTypeOffset    = 0
	commonFlagsOffset   = 2
	commonPreemptOffset = 3
	commonPIDOffset     = 4
	commonLen           = 8
)

// FieldKind enumerates the wire types an event field can have.
type FieldKind uint8

const (
	FieldU8 FieldKind = iota
	FieldU16
	FieldU32
	FieldU64
	FieldS8
	FieldS16
	FieldS32
	FieldS64
	// FieldString is a fixed length char array, NUL padded.
	FieldString
)

func (k FieldKind) size() int {
	switch k {
	case FieldU8, FieldS8:
		return 1
	case FieldU16, FieldS16:
		return 2
	case FieldU32, FieldS32:
		return 4
	case FieldU64, FieldS64:
		return 8
	}
	return 0
}

func (k FieldKind) signed() bool {
	return k >= FieldS8 && k <= FieldS64
}

func (k FieldKind) ctype() string {
	switch k {
	case FieldU8:
		return "unsigned char"
	case FieldU16:
		return "unsigned short"
	case FieldU32:
		return "unsigned int"
	case FieldU64:
		return "unsigned long"
	case FieldS8:
		return "char"
	case FieldS16:
		return "short"
	case FieldS32:
		return "int"
	case FieldS64:
		return "long"
	}
	return "?"
}

// Field describes one event payload field. Offset and Size are assigned
// at registration and are measured from the start of the record, common
// block included.
type Field struct {
	Name string
	Kind FieldKind
	// Len is the byte length of FieldString fields.
	Len    int
	Offset int
	Size   int
}

func (f Field) decl() string {
	if f.Kind == FieldString {
		return fmt.Sprintf("char %s[%d]", f.Name, f.Len)
	}
	return fmt.Sprintf("%s %s", f.Kind.ctype(), f.Name)
}

// load returns the raw little endian value of a scalar field.
func (f Field) load(data []byte) (uint64, bool) {
	if f.Offset+f.Size > len(data) {
		return 0, false
	}
	switch f.Size {
	case 1:
		return uint64(data[f.Offset]), true
	case 2:
		return uint64(le.Uint16(data[f.Offset:])), true
	case 4:
		return uint64(le.Uint32(data[f.Offset:])), true
	case 8:
		return le.Uint64(data[f.Offset:]), true
	}
	return 0, false
}

// Int returns the field value sign extended to an int64.
func (f Field) Int(data []byte) (int64, bool) {
	v, ok := f.load(data)
	if !ok {
		return 0, false
	}
	if f.Kind.signed() {
		shift := 64 - 8*f.Size
		return int64(v) << shift >> shift, true
	}
	return int64(v), true
}

// Str returns the field value as a string, trimmed at the first NUL.
func (f Field) Str(data []byte) (string, bool) {
	if f.Kind != FieldString || f.Offset+f.Size > len(data) {
		return "", false
	}
	b := data[f.Offset : f.Offset+f.Size]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), true
}

var commonFields = []Field{
	{Name: "common_type", Kind: FieldU16, Offset: commonTypeOffset, Size: 2},
	{Name: "common_flags", Kind: FieldU8, Offset: commonFlagsOffset, Size: 1},
	{Name: "common_preempt_count", Kind: FieldU8, Offset: commonPreemptOffset, Size: 1},
	{Name: "common_pid", Kind: FieldS32, Offset: commonPIDOffset, Size: 4},
}

// Format is the immutable field layout of an event.
type Format struct {
	fields []Field
	size   int // record size, common block included
	text   string
}

func newFormat(name string, id uint32, fields []Field) (*Format, error) {
	laid := make([]Field, len(fields))
	seen := make(map[string]bool, len(fields)+len(commonFields))
	for _, c := range commonFields {
		seen[c.Name] = true
	}

	off := commonLen
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field %d has no name", i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true

		size := f.Kind.size()
		align := size
		if f.Kind == FieldString {
			if f.Len <= 0 {
				return nil, fmt.Errorf("string field %q has no length", f.Name)
			}
			size, align = f.Len, 1
		} else if size == 0 {
			return nil, fmt.Errorf("field %q has unknown kind %d", f.Name, f.Kind)
		}

		off = (off + align - 1) &^ (align - 1)
		f.Offset, f.Size = off, size
		off += size
		laid[i] = f
	}

	return &Format{
		fields: laid,
		size:   off,
		text:   formatText(name, id, laid),
	}, nil
}

func formatText(name string, id uint32, fields []Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", name)
	fmt.Fprintf(&b, "ID: %d\n", id)
	b.WriteString("format:\n")
	for _, f := range commonFields {
		writeFieldLine(&b, f)
	}
	b.WriteString("\n")
	for _, f := range fields {
		writeFieldLine(&b, f)
	}

	b.WriteString("\nprint fmt: \"")
	for i, f := range fields {
		if i > 0 {
			b.WriteString(" ")
		}
		switch {
		case f.Kind == FieldString:
			fmt.Fprintf(&b, "%s=%%s", f.Name)
		case f.Kind.signed():
			fmt.Fprintf(&b, "%s=%%d", f.Name)
		default:
			fmt.Fprintf(&b, "%s=%%u", f.Name)
		}
	}
	b.WriteString("\"")
	for _, f := range fields {
		fmt.Fprintf(&b, ", REC->%s", f.Name)
	}
	b.WriteString("\n")
	return b.String()
}

func writeFieldLine(b *strings.Builder, f Field) {
	signed := 0
	if f.Kind.signed() {
		signed = 1
	}
	fmt.Fprintf(b, "\tfield:%s;\toffset:%d;\tsize:%d;\tsigned:%d;\n",
		f.decl(), f.Offset, f.Size, signed)
}

// Fields returns a copy of the event payload fields.
func (f *Format) Fields() []Field {
	out := make([]Field, len(f.fields))
	copy(out, f.fields)
	return out
}

// Size returns the record size in bytes, common block included.
func (f *Format) Size() int { return f.size }

// PayloadSize returns the size of the event specific part of a record.
func (f *Format) PayloadSize() int { return f.size - commonLen }

// Text returns the rendered format file contents.
func (f *Format) Text() string { return f.text }

// Field resolves a name against payload and common fields alike.
func (f *Format) Field(name string) (Field, bool) {
	for _, c := range commonFields {
		if c.Name == name {
			return c, true
		}
	}
	for _, fl := range f.fields {
		if fl.Name == name {
			return fl, true
		}
	}
	return Field{}, false
}

// render expands a record into "name=value" pairs.
func (f *Format) render(data []byte) string {
	var b strings.Builder
	for i, fl := range f.fields {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(fl.Name)
		b.WriteString("=")
		if fl.Kind == FieldString {
			s, _ := fl.Str(data)
			b.WriteString(s)
			continue
		}
		v, _ := fl.load(data)
		if fl.Kind.signed() {
			n, _ := fl.Int(data)
			fmt.Fprintf(&b, "%d", n)
		} else {
			fmt.Fprintf(&b, "%d", v)
		}
	}
	return b.String()
}

// Handler consumes a recorded firing of an event. It runs on the firing
// path and must not block.
type Handler func(task Task, rec Record)

// RawHandler consumes the raw argument vector of a firing. Raw handlers
// run on every firing, enabled or not, and see no formatted fields.
type RawHandler func(task Task, args []uint64)

type attached struct {
	tok uint64
	fn  Handler
}

type attachedRaw struct {
	tok uint64
	fn  RawHandler
}

type handlerSet struct {
	recs []attached
	raws []attachedRaw
}

func (s *handlerSet) clone() *handlerSet {
	n := &handlerSet{
		recs: make([]attached, len(s.recs)),
		raws: make([]attachedRaw, len(s.raws)),
	}
	copy(n.recs, s.recs)
	copy(n.raws, s.raws)
	return n
}

// Event is one named tracing event. Its format is immutable after
// registration; the enable flag, filter and attached handlers change at
// runtime without disturbing concurrent firings.
type Event struct {
	m      *Manager
	subsys string
	name   string
	id     uint32
	format *Format

	enabled  atomic.Bool
	filter   atomic.Pointer[filter]
	handlers atomic.Pointer[handlerSet]

	mu      sync.Mutex // attach, detach and filter updates
	nextTok uint64
}

// Subsystem returns the subsystem the event belongs to.
func (e *Event) Subsystem() string { return e.subsys }

// Name returns the event name.
func (e *Event) Name() string { return e.name }

// ID returns the numeric event id.
func (e *Event) ID() uint32 { return e.id }

// Format returns the event's field layout.
func (e *Event) Format() *Format { return e.format }

// Enabled reports whether firings are recorded and dispatched.
func (e *Event) Enabled() bool { return e.enabled.Load() }

// SetEnabled arms or disarms recording and dispatch. Idempotent.
func (e *Event) SetEnabled(on bool) { e.enabled.Store(on) }

// Filter returns the active filter expression, or the empty string.
func (e *Event) Filter() string {
	if f := e.filter.Load(); f != nil {
		return f.src
	}
	return ""
}

// SetFilter compiles and installs a filter predicate. An empty
// expression or "0" clears the filter. Errors wrap ErrFilterParse.
func (e *Event) SetFilter(src string) error {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" || trimmed == "0" {
		e.filter.Store(nil)
		return nil
	}
	f, err := compileFilter(e.format, trimmed)
	if err != nil {
		return err
	}
	e.filter.Store(f)
	return nil
}

// AttachHandler registers fn to run on recorded firings. The returned
// token detaches it.
func (e *Event) AttachHandler(fn Handler) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextTok++
	tok := e.nextTok
	set := e.handlers.Load().clone()
	set.recs = append(set.recs, attached{tok: tok, fn: fn})
	e.handlers.Store(set)
	return tok
}

// AttachRaw registers fn to run on every firing, before the enable
// gate. The returned token detaches it.
func (e *Event) AttachRaw(fn RawHandler) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextTok++
	tok := e.nextTok
	set := e.handlers.Load().clone()
	set.raws = append(set.raws, attachedRaw{tok: tok, fn: fn})
	e.handlers.Store(set)
	return tok
}

// Detach removes the handler identified by token.
func (e *Event) Detach(token uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.handlers.Load().clone()
	for i, h := range set.recs {
		if h.tok == token {
			set.recs = append(set.recs[:i], set.recs[i+1:]...)
			e.handlers.Store(set)
			return true
		}
	}
	for i, h := range set.raws {
		if h.tok == token {
			set.raws = append(set.raws[:i], set.raws[i+1:]...)
			e.handlers.Store(set)
			return true
		}
	}
	return false
}

// Fire records one firing of the event. Raw handlers always run; the
// rest happens only when the event is enabled: the record is assembled,
// checked against the filter, buffered and handed to attached handlers.
// A disabled event does no formatting or buffer work at all.
func (e *Event) Fire(task Task, args []uint64, payload []byte) {
	set := e.handlers.Load()
	for _, h := range set.raws {
		h.fn(task, args)
	}

	if !e.enabled.Load() {
		return
	}

	data := make([]byte, e.format.size)
	le.PutUint16(data[commonTypeOffset:], uint16(e.id))
	var pid, cpu uint32
	if task != nil {
		pid = uint32(task.ID())
		cpu = uint32(task.CPU())
	}
	le.PutUint32(data[commonPIDOffset:], pid)
	copy(data[commonLen:], payload)

	if f := e.filter.Load(); f != nil && !f.match(data) {
		metrics.FilterDrops.Inc()
		return
	}

	rec := Record{TS: uint64(ktime.Now()), CPU: cpu, Data: data}
	e.m.record(task, pid, rec)
	for _, h := range set.recs {
		h.fn(task, rec)
	}
}
