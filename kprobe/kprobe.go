package kprobe

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/probekit/probekit/execmem"
	"github.com/probekit/probekit/internal/arch"
	"github.com/probekit/probekit/internal/ktime"
	"github.com/probekit/probekit/ksym"
	"github.com/probekit/probekit/logger"
	"github.com/probekit/probekit/metrics"
)

var (
	// ErrAlreadyInstalled is returned when a probe can't share its
	// target address with what is already installed there.
	ErrAlreadyInstalled = errors.New("probe already installed")

	// ErrNotInstalled is returned when unregistering a probe that is
	// not installed.
	ErrNotInstalled = errors.New("probe not installed")
)

// CurrentTask identifies the task that hit a trap. A nil CurrentTask
// means the trap happened without task context, for example from an
// interrupt path.
type CurrentTask interface {
	// ID returns the task identifier.
	ID() uint64
	// Name returns the task command name.
	Name() string
	// CPU returns the processor the task last ran on.
	CPU() int
	// Instances returns the task owned retprobe instance stack.
	Instances() *InstanceStack
}

// Handler runs in the trap context of the interrupted task. It must not
// block, sleep or call back into probe registration.
type Handler func(task CurrentTask, regs *Regs)

// RetHandler runs when an instrumented function returns. inst carries
// the state saved when the function was entered.
type RetHandler func(task CurrentTask, regs *Regs, inst *Instance)

// EntryHandler gates a return probe. Returning false skips arming an
// instance for this call.
type EntryHandler func(task CurrentTask, regs *Regs) bool

// KprobeOptions configures an entry probe on kernel text.
type KprobeOptions struct {
	// Symbol is the function to probe, resolved via the symbol table.
	Symbol string
	// Address probes a raw address instead of a symbol.
	Address uintptr
	// Offset is added to the resolved address.
	Offset uint64
	// Pre runs before the displaced instruction executes.
	Pre Handler
	// Post runs after the displaced instruction executed.
	Post Handler
	// Exclusive refuses to share the probe point with other probes.
	Exclusive bool
}

// KretprobeOptions configures a return probe on kernel text.
type KretprobeOptions struct {
	Symbol  string
	Address uintptr
	Offset  uint64
	// Entry optionally decides per call whether to arm an instance.
	Entry EntryHandler
	// Ret runs at function return.
	Ret       RetHandler
	Exclusive bool
}

// UprobeOptions configures an entry probe on the text of one task.
type UprobeOptions struct {
	// PID owns the address space containing Address.
	PID int
	// Address is the resolved probe address inside the task's image.
	Address   uintptr
	Pre       Handler
	Post      Handler
	Exclusive bool
}

// Kprobe is an installed entry probe.
type Kprobe struct {
	symbol    string
	addr      uintptr
	pid       int
	pre, post Handler
	point     atomic.Pointer[probePoint]
}

// Symbol returns the probed symbol, if the probe was symbol based.
func (k *Kprobe) Symbol() string { return k.symbol }

// Addr returns the probed address.
func (k *Kprobe) Addr() uintptr { return k.addr }

// Kretprobe is an installed return probe.
type Kretprobe struct {
	symbol   string
	addr     uintptr
	entry    EntryHandler
	ret      RetHandler
	point    atomic.Pointer[probePoint]
	inflight atomic.Int64
}

// Symbol returns the probed symbol, if the probe was symbol based.
func (rp *Kretprobe) Symbol() string { return rp.symbol }

// Addr returns the probed address.
func (rp *Kretprobe) Addr() uintptr { return rp.addr }

// pointTables is the published lookup state for trap dispatch. Readers
// load it without locks; updates swap in a copy.
type pointTables struct {
	byAddr    map[uintptr]*probePoint
	bySlotEnd map[uintptr]*probePoint
}

func (t *pointTables) clone() *pointTables {
	n := &pointTables{
		byAddr:    make(map[uintptr]*probePoint, len(t.byAddr)),
		bySlotEnd: make(map[uintptr]*probePoint, len(t.bySlotEnd)),
	}
	for k, v := range t.byAddr {
		n.byAddr[k] = v
	}
	for k, v := range t.bySlotEnd {
		n.bySlotEnd[k] = v
	}
	return n
}

// Options configures a Manager.
type Options struct {
	// Memory provides text lookup and slot allocation. Required.
	Memory *execmem.Allocator
	// Symbols resolves symbol targets.
	Symbols *ksym.Table
	// Arch overrides the native instruction set description.
	Arch   *arch.Info
	Logger logrus.FieldLogger
}

// Manager owns the installed probe points and dispatches their traps.
type Manager struct {
	mem  *execmem.Allocator
	syms *ksym.Table
	arch *arch.Info
	log  logrus.FieldLogger

	mu     sync.Mutex
	closed bool

	points   atomic.Pointer[pointTables]
	patch    patcher
	shared   sharedInstances
	frameSeq atomic.Uint64

	retpoline *execmem.Region
	retAddr   uintptr
}

// NewManager returns a Manager with its return trampoline in place.
func NewManager(opts *Options) (*Manager, error) {
	if opts == nil || opts.Memory == nil {
		return nil, errors.New("missing memory allocator")
	}
	ai := opts.Arch
	if ai == nil {
		var err error
		ai, err = arch.Native()
		if err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	retpoline, err := opts.Memory.AllocKernel(len(ai.Break))
	if err != nil {
		return nil, fmt.Errorf("allocate return trampoline: %w", err)
	}
	if err := retpoline.Write(func(b []byte) error {
		copy(b, ai.Break)
		return nil
	}); err != nil {
		retpoline.Free()
		return nil, fmt.Errorf("fill return trampoline: %w", err)
	}

	m := &Manager{
		mem:       opts.Memory,
		syms:      opts.Symbols,
		arch:      ai,
		log:       log,
		retpoline: retpoline,
		retAddr:   retpoline.Addr(),
	}
	m.points.Store(&pointTables{
		byAddr:    make(map[uintptr]*probePoint),
		bySlotEnd: make(map[uintptr]*probePoint),
	})
	return m, nil
}

// Arch returns the instruction set description the manager patches for.
func (m *Manager) Arch() *arch.Info { return m.arch }

// ReturnTrampoline returns the address return probes detour through.
func (m *Manager) ReturnTrampoline() uintptr { return m.retAddr }

func (m *Manager) resolve(symbol string, addr uintptr, offset uint64) (uintptr, error) {
	if symbol == "" {
		if addr == 0 {
			return 0, errors.New("need a symbol or an address")
		}
		return addr + uintptr(offset), nil
	}
	if m.syms == nil {
		return 0, fmt.Errorf("resolve %q: no symbol table", symbol)
	}
	a, err := m.syms.LookupName(symbol)
	if err != nil {
		return 0, err
	}
	return uintptr(a + offset), nil
}

// RegisterKprobe installs an entry probe on kernel text.
func (m *Manager) RegisterKprobe(opts KprobeOptions) (*Kprobe, error) {
	addr, err := m.resolve(opts.Symbol, opts.Address, opts.Offset)
	if err != nil {
		return nil, err
	}

	k := &Kprobe{
		symbol: opts.Symbol,
		addr:   addr,
		pre:    opts.Pre,
		post:   opts.Post,
	}
	pt, err := m.register(addr, 0, opts.Exclusive, func(l *probeList) {
		l.kprobes = append(l.kprobes, k)
	})
	if err != nil {
		return nil, err
	}
	k.point.Store(pt)

	m.log.WithFields(logrus.Fields{
		"symbol": opts.Symbol,
		"addr":   fmt.Sprintf("%#x", addr),
	}).Debug("Registered kprobe")
	return k, nil
}

// RegisterKretprobe installs a return probe on kernel text.
func (m *Manager) RegisterKretprobe(opts KretprobeOptions) (*Kretprobe, error) {
	if opts.Ret == nil {
		return nil, errors.New("missing return handler")
	}
	addr, err := m.resolve(opts.Symbol, opts.Address, opts.Offset)
	if err != nil {
		return nil, err
	}

	rp := &Kretprobe{
		symbol: opts.Symbol,
		addr:   addr,
		entry:  opts.Entry,
		ret:    opts.Ret,
	}
	pt, err := m.register(addr, 0, opts.Exclusive, func(l *probeList) {
		l.kretprobes = append(l.kretprobes, rp)
	})
	if err != nil {
		return nil, err
	}
	rp.point.Store(pt)

	m.log.WithFields(logrus.Fields{
		"symbol": opts.Symbol,
		"addr":   fmt.Sprintf("%#x", addr),
	}).Debug("Registered kretprobe")
	return rp, nil
}

// RegisterUprobe installs an entry probe on the text of one task.
func (m *Manager) RegisterUprobe(opts UprobeOptions) (*Kprobe, error) {
	if opts.PID <= 0 {
		return nil, fmt.Errorf("invalid pid %d", opts.PID)
	}
	if opts.Address == 0 {
		return nil, errors.New("need a resolved address")
	}

	k := &Kprobe{
		addr: opts.Address,
		pid:  opts.PID,
		pre:  opts.Pre,
		post: opts.Post,
	}
	pt, err := m.register(opts.Address, opts.PID, opts.Exclusive, func(l *probeList) {
		l.kprobes = append(l.kprobes, k)
	})
	if err != nil {
		return nil, err
	}
	k.point.Store(pt)

	m.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%#x", opts.Address),
		"pid":  opts.PID,
	}).Debug("Registered uprobe")
	return k, nil
}

func (m *Manager) register(addr uintptr, pid int, exclusive bool, attach func(*probeList)) (*probePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, os.ErrClosed
	}

	tables := m.points.Load()
	if pt, ok := tables.byAddr[addr]; ok {
		if pt.exclusive || exclusive {
			return nil, fmt.Errorf("probe point %#x is exclusive: %w", addr, ErrAlreadyInstalled)
		}
		if pt.pid != pid {
			return nil, fmt.Errorf("probe point %#x belongs to pid %d: %w", addr, pt.pid, ErrAlreadyInstalled)
		}
		list := pt.probes.Load().clone()
		attach(list)
		pt.probes.Store(list)
		return pt, nil
	}

	pt, err := m.patch.install(m.mem, m.arch, addr, pid)
	if err != nil {
		return nil, err
	}
	pt.exclusive = exclusive

	list := &probeList{}
	attach(list)
	pt.probes.Store(list)

	// Publishing the tables is what makes the patched address
	// dispatchable, like the icache flush after a text poke.
	next := tables.clone()
	next.byAddr[addr] = pt
	next.bySlotEnd[pt.slotEnd] = pt
	m.points.Store(next)
	return pt, nil
}

// UnregisterKprobe removes an entry probe. When the last probe leaves
// the address, the original instruction is restored and the single step
// slot released after in-flight handlers drain.
func (m *Manager) UnregisterKprobe(k *Kprobe) error {
	pt := k.point.Swap(nil)
	if pt == nil {
		return ErrNotInstalled
	}
	err := m.unregister(pt, func(l *probeList) bool {
		for i, p := range l.kprobes {
			if p == k {
				l.kprobes = append(l.kprobes[:i], l.kprobes[i+1:]...)
				return true
			}
		}
		return false
	})
	if err != nil {
		k.point.Store(pt)
	}
	return err
}

// UnregisterKretprobe removes a return probe. Armed instances stay on
// their task stacks; the return trap consumes them without running the
// removed handler.
func (m *Manager) UnregisterKretprobe(rp *Kretprobe) error {
	pt := rp.point.Swap(nil)
	if pt == nil {
		return ErrNotInstalled
	}
	err := m.unregister(pt, func(l *probeList) bool {
		for i, p := range l.kretprobes {
			if p == rp {
				l.kretprobes = append(l.kretprobes[:i], l.kretprobes[i+1:]...)
				return true
			}
		}
		return false
	})
	if err != nil {
		rp.point.Store(pt)
		return err
	}
	for rp.inflight.Load() != 0 {
		runtime.Gosched()
	}
	return nil
}

func (m *Manager) unregister(pt *probePoint, detach func(*probeList) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return os.ErrClosed
	}

	list := pt.probes.Load().clone()
	if !detach(list) {
		return ErrNotInstalled
	}

	if !list.empty() {
		pt.probes.Store(list)
		// Traps in flight may still dispatch the removed probe from
		// their snapshot; wait them out.
		for pt.active.Load() != 0 {
			runtime.Gosched()
		}
		return nil
	}

	// Last probe leaves. Revert the patch before unpublishing, so a
	// failure leaves the point fully installed.
	if err := m.patch.uninstall(m.arch, pt); err != nil {
		return err
	}

	tables := m.points.Load().clone()
	delete(tables.byAddr, pt.addr)
	m.points.Store(tables)

	// Tasks that took the break before the restore still have to walk
	// the slot. Free it only once they are through.
	for pt.active.Load() != 0 {
		runtime.Gosched()
	}

	tables = m.points.Load().clone()
	delete(tables.bySlotEnd, pt.slotEnd)
	m.points.Store(tables)

	pt.probes.Store(&probeList{})
	pt.slot.Free()

	m.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%#x", pt.addr),
	}).Debug("Removed probe point")
	return nil
}

// HandleBreak dispatches a breakpoint trap and reports whether it
// belonged to this manager. On return the register file holds the
// resumption state: the single step slot for entry traps, the saved
// return address for return trampoline hits.
func (m *Manager) HandleBreak(task CurrentTask, regs *Regs) bool {
	if regs.PC == m.retAddr {
		return m.handleReturn(task, regs)
	}

	tables := m.points.Load()
	pt, ok := tables.byAddr[regs.PC]
	if !ok {
		return false
	}
	if pt.pid != 0 && (task == nil || task.ID() != uint64(pt.pid)) {
		return false
	}

	pt.active.Add(1)
	// Re-check under the counter: a concurrent unregister that read
	// active == 0 may already be tearing the point down.
	if cur, stillThere := m.points.Load().byAddr[regs.PC]; !stillThere || cur != pt {
		pt.active.Add(-1)
		return false
	}

	list := pt.probes.Load()
	for _, k := range list.kprobes {
		if k.pre != nil {
			k.pre(task, regs)
		}
		if k.pid != 0 {
			metrics.UprobeFires.Inc()
		} else {
			metrics.KprobeFires.Inc()
		}
	}

	if len(list.kretprobes) > 0 {
		m.armReturn(task, regs, list)
	}

	// Step the displaced instruction out of line.
	regs.PC = pt.slot.Addr()
	regs.Flags |= FlagTrace
	return true
}

func (m *Manager) armReturn(task CurrentTask, regs *Regs, list *probeList) {
	realRA := regs.RA
	frame := m.frameSeq.Add(1)
	armed := false

	for _, rp := range list.kretprobes {
		if rp.entry != nil && !rp.entry(task, regs) {
			continue
		}
		inst := &Instance{
			probe:     rp,
			task:      task,
			frame:     frame,
			retAddr:   realRA,
			entryRegs: *regs,
			ts:        ktime.Now(),
		}
		if task != nil {
			task.Instances().push(inst)
		} else {
			m.shared.push(inst)
		}
		armed = true
	}
	if armed {
		regs.RA = m.retAddr
	}
}

func (m *Manager) handleReturn(task CurrentTask, regs *Regs) bool {
	var pop, peek func() *Instance
	if task != nil {
		st := task.Instances()
		pop, peek = st.pop, st.peek
	} else {
		pop, peek = m.shared.pop, m.shared.peek
	}

	inst := pop()
	if inst == nil {
		// A trampoline hit without an armed instance. Nothing to
		// restore, nothing to run.
		metrics.RetprobeMisses.Inc()
		return false
	}

	// Resume at the saved address; handlers observe the final PC.
	regs.PC = inst.retAddr

	for {
		rp := inst.probe
		if rp != nil && rp.point.Load() != nil {
			rp.inflight.Add(1)
			rp.ret(task, regs, inst)
			rp.inflight.Add(-1)
			metrics.KretprobeFires.Inc()
		}

		// Instances of the same frame belong to probes stacked on one
		// entry; they unwind at the same return trap.
		next := peek()
		if next == nil || next.frame != inst.frame {
			break
		}
		inst = pop()
	}
	return true
}

// HandleDebug completes a single step: it runs the post handlers and
// points the task at the instruction after the probed one.
func (m *Manager) HandleDebug(task CurrentTask, regs *Regs) bool {
	tables := m.points.Load()
	pt, ok := tables.bySlotEnd[regs.PC]
	if !ok {
		return false
	}

	list := pt.probes.Load()
	for _, k := range list.kprobes {
		if k.post != nil {
			k.post(task, regs)
		}
	}

	regs.PC = pt.addr + uintptr(pt.insnLen)
	regs.Flags &^= FlagTrace
	pt.active.Add(-1)
	return true
}

// DrainTask reclaims the instances of a task that died between an entry
// and its return.
func (m *Manager) DrainTask(task CurrentTask) {
	if task == nil {
		return
	}
	n := task.Instances().drain(nil)
	if n > 0 {
		metrics.RetprobeDrained.Add(float64(n))
		m.log.WithFields(logrus.Fields{
			"task":      task.ID(),
			"instances": n,
		}).Debug("Drained retprobe instances")
	}
}

// Close removes every probe point and releases the trampolines.
// Outstanding retprobe instances become invalid.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	tables := m.points.Load()
	var err error
	for _, pt := range tables.byAddr {
		err = multierr.Append(err, m.patch.uninstall(m.arch, pt))
	}
	m.points.Store(&pointTables{
		byAddr:    make(map[uintptr]*probePoint),
		bySlotEnd: make(map[uintptr]*probePoint),
	})
	for _, pt := range tables.byAddr {
		for pt.active.Load() != 0 {
			runtime.Gosched()
		}
		pt.slot.Free()
	}

	m.shared.drain(nil)
	m.retpoline.Free()
	return err
}
