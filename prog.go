package probekit

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/probekit/probekit/kprobe"
	"github.com/probekit/probekit/tracepoint"
)

// helpers are the map operations available to a running program. They
// work on frozen maps: Freeze only blocks the user facing API, the
// program side keeps write access like the original kernel helpers.
type helpers struct{}

// MapLookup reads a value from m into valueOut.
func (helpers) MapLookup(m *Map, key, valueOut interface{}) error {
	return m.lookup(key, valueOut)
}

// MapUpdate writes a value into m.
func (helpers) MapUpdate(m *Map, key, value interface{}, flags MapUpdateFlags) error {
	return m.update(key, value, flags)
}

// MapDelete removes a key from m.
func (helpers) MapDelete(m *Map, key interface{}) error {
	return m.delete(key)
}

// RingbufOutput appends one record to a RingBuf map.
func (helpers) RingbufOutput(m *Map, data []byte) error {
	return m.ringbufOutput(data)
}

// KprobeContext is handed to KProbe and UProbe programs at an entry
// trap. Regs is the live register file; rewriting it changes how the
// interrupted task resumes.
type KprobeContext struct {
	helpers

	// Task is the interrupted task, nil when the trap happened without
	// task context.
	Task kprobe.CurrentTask
	Regs *kprobe.Regs
}

// KretprobeContext is handed to KRetProbe programs when an
// instrumented function returns.
type KretprobeContext struct {
	helpers

	Task kprobe.CurrentTask
	// Regs is the register file at return; Regs.Ret holds the
	// function's return value.
	Regs *kprobe.Regs
	// EntryRegs is the register snapshot saved when the function was
	// entered.
	EntryRegs *kprobe.Regs
	// EntryTime is the monotonic timestamp of the function entry in
	// nanoseconds.
	EntryTime int64
}

// TracepointContext is handed to Tracepoint programs with the record
// assembled for an enabled event.
type TracepointContext struct {
	helpers

	Task  tracepoint.Task
	Event *tracepoint.Event
	// Record is the assembled record; field offsets from the event's
	// Format apply to Record.Data.
	Record tracepoint.Record
}

// RawTracepointContext is handed to RawTracepoint programs. It carries
// only the raw argument array, before any record is assembled.
type RawTracepointContext struct {
	helpers

	Args []uint64
}

// ProgramSpec defines a Program.
type ProgramSpec struct {
	// Name is a debug aid.
	Name string
	// Type decides which attach points accept the program and which
	// context shape Handler must take.
	Type ProgramType
	// Handler is the native program body. Its concrete type must match
	// Type: func(*KprobeContext) for KProbe and UProbe,
	// func(*KretprobeContext) for KRetProbe, func(*TracepointContext)
	// for Tracepoint and func(*RawTracepointContext) for RawTracepoint.
	Handler interface{}
	// Maps lists the maps the program references. The program holds a
	// reference on each until it is closed.
	Maps []*Map
	// License of the program. Informational.
	License string
}

// Program is a loaded program: a type tag, a native handler and
// references on the maps it uses. Handlers run synchronously in the
// context that fired the attach point and must not block or sleep.
type Program struct {
	kern *Kernel
	id   uint32
	name string
	typ  ProgramType
	maps []*Map

	kprobeFn func(*KprobeContext)
	kretFn   func(*KretprobeContext)
	tpFn     func(*TracepointContext)
	rawFn    func(*RawTracepointContext)

	closed atomic.Bool
}

// newProgram validates spec against the handler's concrete type. The
// id and the owning kernel are filled in by Kernel.NewProgram.
func newProgram(spec *ProgramSpec) (*Program, error) {
	if spec.Handler == nil {
		return nil, errors.New("program needs a handler")
	}

	p := &Program{name: spec.Name, typ: spec.Type}
	switch spec.Type {
	case KProbe, UProbe:
		fn, ok := spec.Handler.(func(*KprobeContext))
		if !ok {
			return nil, fmt.Errorf("%s program wants func(*KprobeContext), got %T: %w",
				spec.Type, spec.Handler, ErrTypeMismatch)
		}
		p.kprobeFn = fn
	case KRetProbe:
		fn, ok := spec.Handler.(func(*KretprobeContext))
		if !ok {
			return nil, fmt.Errorf("%s program wants func(*KretprobeContext), got %T: %w",
				spec.Type, spec.Handler, ErrTypeMismatch)
		}
		p.kretFn = fn
	case Tracepoint:
		fn, ok := spec.Handler.(func(*TracepointContext))
		if !ok {
			return nil, fmt.Errorf("%s program wants func(*TracepointContext), got %T: %w",
				spec.Type, spec.Handler, ErrTypeMismatch)
		}
		p.tpFn = fn
	case RawTracepoint:
		fn, ok := spec.Handler.(func(*RawTracepointContext))
		if !ok {
			return nil, fmt.Errorf("%s program wants func(*RawTracepointContext), got %T: %w",
				spec.Type, spec.Handler, ErrTypeMismatch)
		}
		p.rawFn = fn
	default:
		return nil, fmt.Errorf("program type %s: %w", spec.Type, ErrNotSupported)
	}

	for _, m := range spec.Maps {
		if m == nil {
			return nil, errors.New("program references a nil map")
		}
		if m.dead.Load() {
			return nil, fmt.Errorf("program references map %s: %w", m.name, ErrClosed)
		}
	}
	p.maps = make([]*Map, len(spec.Maps))
	copy(p.maps, spec.Maps)
	for _, m := range p.maps {
		m.ref()
	}
	return p, nil
}

func (p *Program) String() string {
	return fmt.Sprintf("%s(%s)#%d", p.typ, p.name, p.id)
}

// Name returns the program name given at creation.
func (p *Program) Name() string { return p.name }

// Type returns the program type.
func (p *Program) Type() ProgramType { return p.typ }

// ID returns the kernel assigned program id.
func (p *Program) ID() uint32 { return p.id }

// KprobeHandler returns the typed body of a KProbe or UProbe program.
// Attach sites call it once and invoke the returned function directly
// on every fire.
func (p *Program) KprobeHandler() (func(*KprobeContext), error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("program %s: %w", p.name, ErrClosed)
	}
	if p.kprobeFn == nil {
		return nil, fmt.Errorf("program %s is %s: %w", p.name, p.typ, ErrTypeMismatch)
	}
	return p.kprobeFn, nil
}

// KretprobeHandler returns the typed body of a KRetProbe program.
func (p *Program) KretprobeHandler() (func(*KretprobeContext), error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("program %s: %w", p.name, ErrClosed)
	}
	if p.kretFn == nil {
		return nil, fmt.Errorf("program %s is %s: %w", p.name, p.typ, ErrTypeMismatch)
	}
	return p.kretFn, nil
}

// TracepointHandler returns the typed body of a Tracepoint program.
func (p *Program) TracepointHandler() (func(*TracepointContext), error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("program %s: %w", p.name, ErrClosed)
	}
	if p.tpFn == nil {
		return nil, fmt.Errorf("program %s is %s: %w", p.name, p.typ, ErrTypeMismatch)
	}
	return p.tpFn, nil
}

// RawTracepointHandler returns the typed body of a RawTracepoint
// program.
func (p *Program) RawTracepointHandler() (func(*RawTracepointContext), error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("program %s: %w", p.name, ErrClosed)
	}
	if p.rawFn == nil {
		return nil, fmt.Errorf("program %s is %s: %w", p.name, p.typ, ErrTypeMismatch)
	}
	return p.rawFn, nil
}

// Close drops the program's references on its maps and unregisters it
// from the kernel. Links holding the program keep their extracted
// handler; detach them first.
func (p *Program) Close() error {
	if p.closed.Swap(true) {
		return fmt.Errorf("program %s: %w", p.name, ErrClosed)
	}
	for _, m := range p.maps {
		m.release()
	}
	if p.kern != nil {
		p.kern.dropProg(p.id)
	}
	return nil
}
