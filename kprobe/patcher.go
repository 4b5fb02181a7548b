package kprobe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/probekit/probekit/execmem"
	"github.com/probekit/probekit/internal/arch"
)

// probePoint is one patched address. It is exclusively owned by the
// patcher while being installed or removed, and shared by every probe
// stacked on the address in between.
type probePoint struct {
	addr uintptr
	// pid is 0 for kernel text, otherwise the owning task.
	pid       int
	insnLen   int
	savedInsn []byte
	text      *execmem.Region
	slot      *execmem.Region
	slotEnd   uintptr
	exclusive bool

	// active counts tasks between their break and debug traps. The
	// point's slot is only released once it drains to zero.
	active atomic.Int64
	probes atomic.Pointer[probeList]
}

// probeList is the immutable set of probes attached to a point.
// Updates swap in a copy.
type probeList struct {
	kprobes    []*Kprobe
	kretprobes []*Kretprobe
}

func (l *probeList) empty() bool {
	return len(l.kprobes) == 0 && len(l.kretprobes) == 0
}

func (l *probeList) clone() *probeList {
	n := &probeList{}
	n.kprobes = append(n.kprobes, l.kprobes...)
	n.kretprobes = append(n.kretprobes, l.kretprobes...)
	return n
}

// patcher serializes all breakpoint installs and removals. The window
// in which text permissions are relaxed never outlives a single call.
type patcher struct {
	mu sync.Mutex
	// inflight is the address currently being patched. A patch
	// attempt for the same address from inside the patch itself is
	// rejected instead of deadlocking.
	inflight atomic.Uintptr
}

// install saves the instruction at addr, builds the single step slot
// and plants the trap opcode. On any failure the text and slot are
// exactly as they were before the call.
func (p *patcher) install(mem *execmem.Allocator, ai *arch.Info, addr uintptr, pid int) (*probePoint, error) {
	if p.inflight.Load() == addr {
		return nil, fmt.Errorf("address %#x is mid-patch: %w", addr, ErrAlreadyInstalled)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight.Store(addr)
	defer p.inflight.Store(0)

	text, ok := mem.Find(addr)
	if !ok {
		return nil, fmt.Errorf("no executable mapping at %#x", addr)
	}
	if text.Owner() != pid {
		return nil, fmt.Errorf("address %#x belongs to pid %d, not %d: %w",
			addr, text.Owner(), pid, ErrAlreadyInstalled)
	}

	code := text.Bytes()
	off := int(addr - text.Addr())
	if off >= len(code) {
		return nil, fmt.Errorf("address %#x past end of text", addr)
	}
	window := code[off:]
	if len(window) > ai.MaxInsnLen {
		window = window[:ai.MaxInsnLen]
	}
	if ai.IsBreak(window) {
		return nil, fmt.Errorf("trap opcode already present at %#x: %w", addr, ErrAlreadyInstalled)
	}

	insnLen, err := ai.InsnLen(window)
	if err != nil {
		return nil, fmt.Errorf("probe at %#x: %w", addr, err)
	}
	if off+insnLen > len(code) {
		return nil, fmt.Errorf("instruction at %#x crosses end of text", addr)
	}

	saved := make([]byte, insnLen)
	copy(saved, code[off:off+insnLen])
	brk := ai.BreakFor(insnLen)

	// The slot holds the displaced instruction followed by a trap, so
	// stepping through it ends in the debug handler.
	slotSize := insnLen + len(ai.Break)
	var slot *execmem.Region
	if pid == 0 {
		slot, err = mem.AllocKernel(slotSize)
	} else {
		slot, err = mem.AllocUser(pid, slotSize)
	}
	if err != nil {
		return nil, fmt.Errorf("allocate slot for %#x: %w", addr, err)
	}

	if err := slot.Write(func(b []byte) error {
		copy(b, saved)
		copy(b[insnLen:], ai.Break)
		return nil
	}); err != nil {
		slot.Free()
		return nil, fmt.Errorf("fill slot for %#x: %w", addr, err)
	}

	// Plant the trap last. Everything before this line left the text
	// untouched, so there is nothing to roll back on failure.
	if err := text.Write(func(b []byte) error {
		copy(b[off:], brk)
		return nil
	}); err != nil {
		slot.Free()
		return nil, fmt.Errorf("patch %#x: %w", addr, err)
	}

	pt := &probePoint{
		addr:      addr,
		pid:       pid,
		insnLen:   insnLen,
		savedInsn: saved,
		text:      text,
		slot:      slot,
		slotEnd:   slot.Addr() + uintptr(insnLen),
	}
	pt.probes.Store(&probeList{})
	return pt, nil
}

// uninstall restores the saved instruction bytes. The slot stays alive
// until the caller has drained in-flight tasks.
func (p *patcher) uninstall(ai *arch.Info, pt *probePoint) error {
	if p.inflight.Load() == pt.addr {
		return fmt.Errorf("address %#x is mid-patch: %w", pt.addr, ErrNotInstalled)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight.Store(pt.addr)
	defer p.inflight.Store(0)

	off := int(pt.addr - pt.text.Addr())
	brkLen := len(ai.BreakFor(pt.insnLen))

	if err := pt.text.Write(func(b []byte) error {
		copy(b[off:], pt.savedInsn[:brkLen])
		return nil
	}); err != nil {
		return fmt.Errorf("restore %#x: %w", pt.addr, err)
	}
	return nil
}
