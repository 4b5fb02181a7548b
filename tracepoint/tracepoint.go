// Package tracepoint implements the tracing event directory: named
// events grouped into subsystems, each with an immutable format, an
// enable flag and a filter, feeding a bounded global trace buffer with
// snapshot and blocking streaming readers, plus the saved command name
// cache used when rendering records.
package tracepoint

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/probekit/probekit/logger"
	"github.com/probekit/probekit/metrics"
)

// Task is the identity of the task that fired an event.
type Task interface {
	ID() uint64
	Name() string
	CPU() int
}

// DefaultBufferRecords is the default trace buffer capacity.
const DefaultBufferRecords = 4096

// Options configures a Manager.
type Options struct {
	// BufferRecords caps the trace buffer. Defaults to
	// DefaultBufferRecords.
	BufferRecords int
	// CmdlineCap sizes the saved command name cache. Defaults to
	// DefaultCmdlineCap.
	CmdlineCap int
	Logger     logrus.FieldLogger
}

// Subsystem groups related events.
type Subsystem struct {
	m      *Manager
	name   string
	events map[string]*Event
}

// Name returns the subsystem name.
func (s *Subsystem) Name() string { return s.name }

// Events returns the subsystem's event names, sorted.
func (s *Subsystem) Events() []string {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	names := make([]string, 0, len(s.events))
	for name := range s.events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Event returns the named event.
func (s *Subsystem) Event(name string) (*Event, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	e, ok := s.events[name]
	if !ok {
		return nil, fmt.Errorf("event %s/%s: %w", s.name, name, os.ErrNotExist)
	}
	return e, nil
}

// Manager owns the event directory and the trace buffer.
type Manager struct {
	mu         sync.RWMutex
	subsystems map[string]*Subsystem
	byID       map[uint32]*Event
	nextID     uint32
	closed     bool

	pipe     *pipe
	cmdlines *CmdlineCache
	log      logrus.FieldLogger
}

// NewManager returns an empty event directory.
func NewManager(opts *Options) (*Manager, error) {
	if opts == nil {
		opts = &Options{}
	}
	records := opts.BufferRecords
	if records <= 0 {
		records = DefaultBufferRecords
	}
	cmdCap := opts.CmdlineCap
	if cmdCap <= 0 {
		cmdCap = DefaultCmdlineCap
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	cmdlines, err := NewCmdlineCache(cmdCap)
	if err != nil {
		return nil, err
	}
	return &Manager{
		subsystems: make(map[string]*Subsystem),
		byID:       make(map[uint32]*Event),
		pipe:       newPipe(records),
		cmdlines:   cmdlines,
		log:        log,
	}, nil
}

// Register creates an event under subsys with the given payload fields.
// The format is laid out once and immutable afterwards; the event
// starts disabled with no filter.
func (m *Manager) Register(subsys, name string, fields []Field) (*Event, error) {
	if subsys == "" || strings.ContainsRune(subsys, '/') {
		return nil, fmt.Errorf("invalid subsystem name %q", subsys)
	}
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, fmt.Errorf("invalid event name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, os.ErrClosed
	}

	sub := m.subsystems[subsys]
	if sub == nil {
		sub = &Subsystem{m: m, name: subsys, events: make(map[string]*Event)}
		m.subsystems[subsys] = sub
	}
	if _, ok := sub.events[name]; ok {
		return nil, fmt.Errorf("event %s/%s: %w", subsys, name, os.ErrExist)
	}

	m.nextID++
	id := m.nextID
	format, err := newFormat(name, id, fields)
	if err != nil {
		m.nextID--
		return nil, fmt.Errorf("event %s/%s: %w", subsys, name, err)
	}

	e := &Event{
		m:      m,
		subsys: subsys,
		name:   name,
		id:     id,
		format: format,
	}
	e.handlers.Store(&handlerSet{})
	sub.events[name] = e
	m.byID[id] = e

	m.log.WithFields(logrus.Fields{
		"event": subsys + "/" + name,
		"id":    id,
	}).Debug("Registered tracepoint event")
	return e, nil
}

// Subsystems returns the registered subsystem names, sorted.
func (m *Manager) Subsystems() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.subsystems))
	for name := range m.subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subsystem returns the named subsystem.
func (m *Manager) Subsystem(name string) (*Subsystem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subsystems[name]
	if !ok {
		return nil, fmt.Errorf("subsystem %s: %w", name, os.ErrNotExist)
	}
	return s, nil
}

// Lookup returns the event registered as subsys/name.
func (m *Manager) Lookup(subsys, name string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.subsystems[subsys]; ok {
		if e, ok := s.events[name]; ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("event %s/%s: %w", subsys, name, os.ErrNotExist)
}

// ByID returns the event with the given numeric id.
func (m *Manager) ByID(id uint32) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("event id %d: %w", id, os.ErrNotExist)
	}
	return e, nil
}

// Find returns the first event with the given name in any subsystem,
// searching subsystems in sorted order. Raw attachment opens events by
// bare name.
func (m *Manager) Find(name string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]string, 0, len(m.subsystems))
	for sub := range m.subsystems {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	for _, sub := range subs {
		if e, ok := m.subsystems[sub].events[name]; ok {
			return e, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", name, os.ErrNotExist)
}

// record buffers one assembled record and remembers the task's command
// name for rendering.
func (m *Manager) record(task Task, pid uint32, rec Record) {
	m.pipe.push(rec)
	metrics.TraceRecords.Inc()
	if task != nil {
		m.cmdlines.Add(pid, task.Name())
	}
}

// renderLine expands one record into an ftrace style text line.
func (m *Manager) renderLine(rec Record) string {
	id := rec.EventID()
	pid := int32(rec.PID())

	comm, ok := m.cmdlines.Lookup(uint32(pid))
	if !ok {
		comm = "<...>"
	}

	name := "unknown"
	fields := ""
	if e, err := m.ByID(id); err == nil {
		name = e.name
		fields = e.format.render(rec.Data)
	}

	secs := rec.TS / 1e9
	usecs := rec.TS % 1e9 / 1e3
	return fmt.Sprintf("%16s-%-7d [%03d] .... %5d.%06d: %s: %s\n",
		comm, pid, rec.CPU, secs, usecs, name, fields)
}

// TraceSnapshot renders the buffered records behind the standard
// header. The snapshot is taken once; later records do not appear.
func (m *Manager) TraceSnapshot() string {
	recs, written := m.pipe.snapshot()

	var b strings.Builder
	b.WriteString("# tracer: nop\n")
	b.WriteString("#\n")
	fmt.Fprintf(&b, "# entries-in-buffer/entries-written: %d/%d   #P:%d\n",
		len(recs), written, runtime.NumCPU())
	b.WriteString("#\n")
	b.WriteString("#           TASK-PID     CPU#  TIMESTAMP  FUNCTION\n")
	b.WriteString("#              | |         |       |         |\n")
	for _, rec := range recs {
		b.WriteString(m.renderLine(rec))
	}
	return b.String()
}

// ResetTrace empties the trace buffer.
func (m *Manager) ResetTrace() {
	m.pipe.clear()
}

// OpenPipe returns a blocking stream of rendered trace lines. The
// stream observes only records produced after it was opened.
func (m *Manager) OpenPipe() *Stream {
	return &Stream{m: m, r: m.pipe.openReader()}
}

// SavedCmdlines renders the command name cache, one "pid comm" line per
// entry.
func (m *Manager) SavedCmdlines() string {
	var b strings.Builder
	for _, e := range m.cmdlines.Entries() {
		fmt.Fprintf(&b, "%d %s\n", e.PID, e.Comm)
	}
	return b.String()
}

// CmdlineCap returns the command name cache capacity.
func (m *Manager) CmdlineCap() int { return m.cmdlines.Cap() }

// SetCmdlineCap resizes the command name cache.
func (m *Manager) SetCmdlineCap(n int) error { return m.cmdlines.SetCap(n) }

// Close disables all events and shuts the trace buffer down. Blocked
// pipe readers drain and then observe ErrStreamClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, e := range m.byID {
		e.SetEnabled(false)
	}
	m.pipe.close()
	return nil
}

// Stream renders trace buffer records into text lines on demand,
// blocking until records arrive.
type Stream struct {
	m   *Manager
	r   *PipeReader
	buf []byte
}

// Read fills p with rendered trace lines, blocking while the buffer is
// empty. It drains everything already buffered before blocking again.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		rec, err := s.r.Next()
		if err != nil {
			return 0, err
		}
		s.buf = append(s.buf, s.m.renderLine(rec)...)
		for {
			rec, ok := s.r.TryNext()
			if !ok {
				break
			}
			s.buf = append(s.buf, s.m.renderLine(rec)...)
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close detaches the stream from the trace buffer.
func (s *Stream) Close() error {
	return s.r.Close()
}
