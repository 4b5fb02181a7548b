package probekit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/probekit/probekit/execmem"
	"github.com/probekit/probekit/kprobe"
	"github.com/probekit/probekit/ksym"
	"github.com/probekit/probekit/ktask"
	"github.com/probekit/probekit/logger"
	"github.com/probekit/probekit/tracefs"
	"github.com/probekit/probekit/tracepoint"
)

// Options configures a Kernel.
type Options struct {
	// Symbols seeds the kernel symbol table. A nil table starts empty;
	// text images add their symbols as they are registered.
	Symbols *ksym.Table
	// ArenaPages sizes the executable memory arenas.
	ArenaPages int
	// TraceBufferRecords caps the trace buffer.
	TraceBufferRecords int
	// CmdlineCacheSize caps the saved_cmdlines pid cache.
	CmdlineCacheSize int
	Logger           logrus.FieldLogger
}

// Kernel ties the instrumentation engine together: executable memory,
// the symbol table, tasks, probes, the tracepoint directory and the
// map and program layer. The embedding environment delivers traps to
// HandleBreak and HandleDebug and drives task lifetimes through
// Tasks().
type Kernel struct {
	log    logrus.FieldLogger
	mem    *execmem.Allocator
	syms   *ksym.Table
	tasks  *ktask.Registry
	probes *kprobe.Manager
	events *tracepoint.Manager
	fs     *tracefs.FS

	mu      sync.Mutex
	maps    map[uint32]*Map
	progs   map[uint32]*Program
	mapSeq  uint32
	progSeq uint32
	closed  bool
}

// New assembles a Kernel.
func New(opts *Options) (*Kernel, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	syms := opts.Symbols
	if syms == nil {
		syms = ksym.NewTable()
	}

	mem, err := execmem.NewAllocator(&execmem.Options{
		ArenaPages: opts.ArenaPages,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("executable memory: %w", err)
	}

	probes, err := kprobe.NewManager(&kprobe.Options{
		Memory:  mem,
		Symbols: syms,
		Logger:  log,
	})
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("probe manager: %w", err)
	}

	events, err := tracepoint.NewManager(&tracepoint.Options{
		BufferRecords: opts.TraceBufferRecords,
		CmdlineCap:    opts.CmdlineCacheSize,
		Logger:        log,
	})
	if err != nil {
		probes.Close()
		mem.Close()
		return nil, fmt.Errorf("tracepoint directory: %w", err)
	}

	k := &Kernel{
		log:    log,
		mem:    mem,
		syms:   syms,
		tasks:  ktask.NewRegistry(log),
		probes: probes,
		events: events,
		fs:     tracefs.New(events),
		maps:   make(map[uint32]*Map),
		progs:  make(map[uint32]*Program),
	}

	// Task teardown reclaims the retprobe instances the dying task
	// still has armed.
	k.tasks.OnExit(func(t *ktask.Task) {
		probes.DrainTask(t)
	})

	return k, nil
}

// Memory returns the executable memory allocator.
func (k *Kernel) Memory() *execmem.Allocator { return k.mem }

// Symbols returns the kernel symbol table.
func (k *Kernel) Symbols() *ksym.Table { return k.syms }

// Tasks returns the task registry.
func (k *Kernel) Tasks() *ktask.Registry { return k.tasks }

// Probes returns the probe manager.
func (k *Kernel) Probes() *kprobe.Manager { return k.probes }

// Events returns the tracepoint directory.
func (k *Kernel) Events() *tracepoint.Manager { return k.events }

// Tracefs returns the control plane filesystem over the tracepoint
// directory.
func (k *Kernel) Tracefs() *tracefs.FS { return k.fs }

// HandleBreak is the breakpoint exception entry. The embedder calls it
// when a task traps on a break opcode; it reports whether the trap
// belonged to an installed probe.
func (k *Kernel) HandleBreak(task kprobe.CurrentTask, regs *kprobe.Regs) bool {
	return k.probes.HandleBreak(task, regs)
}

// HandleDebug is the single step exception entry, completing the
// break/step cycle started by HandleBreak.
func (k *Kernel) HandleDebug(task kprobe.CurrentTask, regs *kprobe.Regs) bool {
	return k.probes.HandleDebug(task, regs)
}

// NewMap creates a map from spec.
func (k *Kernel) NewMap(spec *MapSpec) (*Map, error) {
	if spec == nil {
		return nil, errors.New("nil map spec")
	}
	m, err := newMap(spec)
	if err != nil {
		return nil, fmt.Errorf("map create: %w", err)
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, fmt.Errorf("map create: %w", ErrClosed)
	}
	k.mapSeq++
	m.id = k.mapSeq
	m.kern = k
	k.maps[m.id] = m
	k.mu.Unlock()

	k.log.WithField("map", m.String()).Debug("Created map")
	return m, nil
}

// NewProgram loads a program from spec.
func (k *Kernel) NewProgram(spec *ProgramSpec) (*Program, error) {
	if spec == nil {
		return nil, errors.New("nil program spec")
	}
	p, err := newProgram(spec)
	if err != nil {
		return nil, fmt.Errorf("program load: %w", err)
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		for _, m := range p.maps {
			m.release()
		}
		return nil, fmt.Errorf("program load: %w", ErrClosed)
	}
	k.progSeq++
	p.id = k.progSeq
	p.kern = k
	k.progs[p.id] = p
	k.mu.Unlock()

	k.log.WithField("prog", p.String()).Debug("Loaded program")
	return p, nil
}

// MapByID returns the live map with the given id.
func (k *Kernel) MapByID(id uint32) (*Map, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.maps[id]
	return m, ok
}

// ProgramByID returns the live program with the given id.
func (k *Kernel) ProgramByID(id uint32) (*Program, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.progs[id]
	return p, ok
}

func (k *Kernel) dropMap(id uint32) {
	k.mu.Lock()
	delete(k.maps, id)
	k.mu.Unlock()
}

func (k *Kernel) dropProg(id uint32) {
	k.mu.Lock()
	delete(k.progs, id)
	k.mu.Unlock()
}

// Close tears the kernel down: probes unpatch and quiesce, the event
// directory closes, remaining programs drop their map references, and
// the memory arenas unmap. Close is idempotent.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	progs := make([]*Program, 0, len(k.progs))
	for _, p := range k.progs {
		progs = append(progs, p)
	}
	maps := make([]*Map, 0, len(k.maps))
	for _, m := range k.maps {
		maps = append(maps, m)
	}
	k.mu.Unlock()

	var err error
	err = multierr.Append(err, k.probes.Close())
	err = multierr.Append(err, k.events.Close())
	for _, p := range progs {
		if closeErr := p.Close(); closeErr != nil && !errors.Is(closeErr, ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	for _, m := range maps {
		if closeErr := m.Close(); closeErr != nil && !errors.Is(closeErr, ErrClosed) {
			err = multierr.Append(err, closeErr)
		}
		// Ring readers may still hold references. Stop the ring so
		// blocked readers drain what is buffered and terminate.
		if m.ring != nil {
			m.ring.close()
		}
	}
	err = multierr.Append(err, k.mem.Close())
	return err
}
