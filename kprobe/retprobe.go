package kprobe

import (
	"github.com/probekit/probekit/internal/spin"
)

// Instance is the saved entry state of one armed return probe. It is
// created when an instrumented function is entered and consumed when
// the function returns, or reclaimed when the task dies first.
type Instance struct {
	probe *Kretprobe
	task  CurrentTask
	// frame groups the instances armed by a single function entry, so
	// stacked return probes unwind together at the return trap.
	frame     uint64
	retAddr   uintptr
	entryRegs Regs
	ts        int64
	next      *Instance
}

// EntryRegs returns the register snapshot taken at function entry.
func (i *Instance) EntryRegs() *Regs { return &i.entryRegs }

// ReturnAddr returns the saved real return address.
func (i *Instance) ReturnAddr() uintptr { return i.retAddr }

// Time returns the monotonic timestamp of the function entry.
func (i *Instance) Time() int64 { return i.ts }

// Task returns the task the instance belongs to, or nil when it was
// armed without task context.
func (i *Instance) Task() CurrentTask { return i.task }

// InstanceStack is the per task stack of armed retprobe instances.
//
// Only the owning task's execution pushes and pops, so the stack needs
// no locking. The teardown drain runs after the task stopped executing.
type InstanceStack struct {
	top   *Instance
	depth int
}

// Depth returns the number of armed instances.
func (s *InstanceStack) Depth() int { return s.depth }

func (s *InstanceStack) push(i *Instance) {
	i.next = s.top
	s.top = i
	s.depth++
}

func (s *InstanceStack) pop() *Instance {
	i := s.top
	if i == nil {
		return nil
	}
	s.top = i.next
	s.depth--
	i.next = nil
	return i
}

func (s *InstanceStack) peek() *Instance { return s.top }

// drain pops every remaining instance and returns how many there were.
func (s *InstanceStack) drain(fn func(*Instance)) int {
	n := 0
	for i := s.pop(); i != nil; i = s.pop() {
		if fn != nil {
			fn(i)
		}
		n++
	}
	return n
}

// sharedInstances holds instances armed while no task context exists,
// for example from interrupt or idle paths. Pushes and pops happen in
// trap context, so the list is guarded by a non parking spin lock with
// push and pop as the only critical sections.
type sharedInstances struct {
	lock spin.Lock
	top  *Instance
}

func (s *sharedInstances) push(i *Instance) {
	s.lock.Acquire()
	i.next = s.top
	s.top = i
	s.lock.Release()
}

func (s *sharedInstances) pop() *Instance {
	s.lock.Acquire()
	i := s.top
	if i != nil {
		s.top = i.next
		i.next = nil
	}
	s.lock.Release()
	return i
}

func (s *sharedInstances) peek() *Instance {
	s.lock.Acquire()
	i := s.top
	s.lock.Release()
	return i
}

func (s *sharedInstances) drain(fn func(*Instance)) int {
	n := 0
	for i := s.pop(); i != nil; i = s.pop() {
		if fn != nil {
			fn(i)
		}
		n++
	}
	return n
}
