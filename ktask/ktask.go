// Package ktask tracks the tasks whose execution can hit probes: their
// identity, their address space mappings and their retprobe state.
package ktask

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/probekit/probekit/kprobe"
	"github.com/probekit/probekit/ksym"
	"github.com/probekit/probekit/logger"
)

// commLen is the room for a command name, one less than the kernel's
// TASK_COMM_LEN to leave out the terminator.
const commLen = 15

// Mapping is one file backed range of a task's address space.
type Mapping struct {
	// Start and End delimit the mapped range.
	Start, End uint64
	// Offset is the file offset mapped at Start.
	Offset uint64
	// Path names the backing file.
	Path string
	// Symbols optionally carries the image's symbol table, keyed by
	// file offset.
	Symbols *ksym.Table
}

// Contains reports whether addr falls inside the mapping.
func (m *Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// Task is one instrumented thread of execution. It satisfies
// kprobe.CurrentTask.
type Task struct {
	pid int32
	cpu atomic.Int32

	mu       sync.RWMutex
	comm     string
	mappings []Mapping

	probes kprobe.InstanceStack
}

// ID returns the task identifier.
func (t *Task) ID() uint64 { return uint64(t.pid) }

// PID returns the task identifier as a pid.
func (t *Task) PID() int32 { return t.pid }

// Name returns the command name.
func (t *Task) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.comm
}

// SetName updates the command name, truncated to the kernel's comm
// length.
func (t *Task) SetName(comm string) {
	if len(comm) > commLen {
		comm = comm[:commLen]
	}
	t.mu.Lock()
	t.comm = comm
	t.mu.Unlock()
}

// CPU returns the processor the task last ran on.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// SetCPU records the processor the task runs on.
func (t *Task) SetCPU(cpu int) { t.cpu.Store(int32(cpu)) }

// Instances returns the task owned retprobe instance stack.
func (t *Task) Instances() *kprobe.InstanceStack { return &t.probes }

// AddMapping registers a range of the task's address space.
func (t *Task) AddMapping(m Mapping) error {
	if m.End <= m.Start {
		return fmt.Errorf("mapping %q: end %#x not after start %#x", m.Path, m.End, m.Start)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = append(t.mappings, m)
	return nil
}

// Mappings returns a copy of the registered mappings.
func (t *Task) Mappings() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Mapping, len(t.mappings))
	copy(out, t.mappings)
	return out
}

// MappingFor returns the first mapping backed by path.
func (t *Task) MappingFor(path string) (Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.mappings {
		if m.Path == path {
			return m, true
		}
	}
	return Mapping{}, false
}

// ResolveOffset translates a file offset in path to an address in the
// task's address space.
func (t *Task) ResolveOffset(path string, offset uint64) (uint64, error) {
	m, ok := t.MappingFor(path)
	if !ok {
		return 0, fmt.Errorf("pid %d has no mapping of %q", t.pid, path)
	}
	if offset < m.Offset || m.Start+(offset-m.Offset) >= m.End {
		return 0, fmt.Errorf("offset %#x outside mapping of %q", offset, path)
	}
	return m.Start + (offset - m.Offset), nil
}

// Registry tracks the live tasks and runs exit hooks when they die.
type Registry struct {
	mu    sync.RWMutex
	tasks map[int32]*Task
	hooks []func(*Task)
	log   logrus.FieldLogger
}

// NewRegistry returns an empty task registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Registry{
		tasks: make(map[int32]*Task),
		log:   log,
	}
}

// Add registers a new task.
func (r *Registry) Add(pid int, comm string) (*Task, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[int32(pid)]; ok {
		return nil, fmt.Errorf("pid %d already registered", pid)
	}

	t := &Task{pid: int32(pid)}
	t.SetName(comm)
	r.tasks[t.pid] = t

	r.log.WithFields(logrus.Fields{"pid": pid, "comm": t.Name()}).Debug("Task registered")
	return t, nil
}

// Get returns the task with the given pid.
func (r *Registry) Get(pid int) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[int32(pid)]
	return t, ok
}

// Tasks returns a snapshot of the live tasks.
func (r *Registry) Tasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// OnExit registers a hook to run when a task is removed. Hooks run in
// registration order, after the task is unlinked from the registry.
func (r *Registry) OnExit(fn func(*Task)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Remove runs the exit hooks for a task and forgets it. The task must
// no longer be executing.
func (r *Registry) Remove(pid int) error {
	r.mu.Lock()
	t, ok := r.tasks[int32(pid)]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown pid %d", pid)
	}
	delete(r.tasks, int32(pid))
	hooks := make([]func(*Task), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(t)
	}
	r.log.WithFields(logrus.Fields{"pid": pid}).Debug("Task removed")
	return nil
}
