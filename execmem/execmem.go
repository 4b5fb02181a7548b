// Package execmem hands out executable memory for trampolines and
// instrumented text images.
//
// Memory comes from per owner arenas mapped read+execute. Writes happen
// through a scoped window that downgrades the region to read+write and
// restores read+execute before returning, so a region is never writable
// and executable at the same time.
package execmem

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/probekit/probekit/logger"
)

// ErrOutOfMemory is returned when no arena has a free range large
// enough for an allocation.
var ErrOutOfMemory = errors.New("out of executable memory")

// DefaultArenaPages is the number of pages backing an allocation space
// when Options doesn't say otherwise.
const DefaultArenaPages = 64

// Perm is the permission state of a region.
type Perm uint8

const (
	// ReadExecute is the resting state of kernel owned regions.
	ReadExecute Perm = iota
	// ReadExecuteUser is the resting state of task owned regions.
	ReadExecuteUser
	// Writable is the transient state inside a write window.
	Writable
)

func (p Perm) String() string {
	switch p {
	case ReadExecute:
		return "r-x"
	case ReadExecuteUser:
		return "r-xu"
	case Writable:
		return "rw-"
	default:
		return fmt.Sprintf("Perm(%d)", uint8(p))
	}
}

// Options configures an Allocator.
type Options struct {
	// ArenaPages is the number of pages backing each allocation space.
	// Defaults to DefaultArenaPages.
	ArenaPages int
	Logger     logrus.FieldLogger
}

// Allocator manages executable memory for the kernel and for
// instrumented tasks. Each owner allocates from its own arena.
type Allocator struct {
	mu     sync.Mutex
	pages  int
	kernel *arena
	user   map[int]*arena
	log    logrus.FieldLogger
	closed bool
}

// NewAllocator maps the kernel arena and returns an Allocator.
func NewAllocator(opts *Options) (*Allocator, error) {
	if opts == nil {
		opts = &Options{}
	}
	pages := opts.ArenaPages
	if pages <= 0 {
		pages = DefaultArenaPages
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	kernel, err := newArena(0, pages)
	if err != nil {
		return nil, fmt.Errorf("map kernel arena: %w", err)
	}

	return &Allocator{
		pages:  pages,
		kernel: kernel,
		user:   make(map[int]*arena),
		log:    log,
	}, nil
}

// AllocKernel allocates size bytes of kernel executable memory. The
// region comes back read+execute with unspecified contents.
func (a *Allocator) AllocKernel(size int) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, os.ErrClosed
	}

	r, err := a.kernel.alloc(size, 0, ReadExecute)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%#x", r.Addr()),
		"size": size,
	}).Debug("Allocated kernel executable region")
	return r, nil
}

// AllocUser allocates size bytes in the address space of the task with
// the given pid. The backing pages are private to this process, so
// patching them can't leak into another instance of the same image.
func (a *Allocator) AllocUser(pid, size int) (*Region, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("allocate user memory: invalid pid %d", pid)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, os.ErrClosed
	}

	space, ok := a.user[pid]
	if !ok {
		var err error
		space, err = newArena(pid, a.pages)
		if err != nil {
			return nil, fmt.Errorf("map arena for pid %d: %w", pid, err)
		}
		a.user[pid] = space
	}

	r, err := space.alloc(size, pid, ReadExecuteUser)
	if err != nil {
		return nil, err
	}
	a.log.WithFields(logrus.Fields{
		"addr": fmt.Sprintf("%#x", r.Addr()),
		"size": size,
		"pid":  pid,
	}).Debug("Allocated user executable region")
	return r, nil
}

// Find returns the live region containing addr.
func (a *Allocator) Find(addr uintptr) (*Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.kernel.find(addr); ok {
		return r, true
	}
	for _, space := range a.user {
		if r, ok := space.find(addr); ok {
			return r, true
		}
	}
	return nil, false
}

// ReleaseTask frees every region owned by the task with the given pid
// and unmaps its arena.
func (a *Allocator) ReleaseTask(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	space, ok := a.user[pid]
	if !ok {
		return nil
	}
	delete(a.user, pid)
	return space.close()
}

// Close unmaps all arenas. Outstanding regions become invalid.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	err := a.kernel.close()
	for pid, space := range a.user {
		err = multierr.Append(err, space.close())
		delete(a.user, pid)
	}
	return err
}

// arena is a contiguous read+execute mapping carved into page runs.
type arena struct {
	mu       sync.Mutex
	buf      []byte
	pageSize int
	used     []*Region // per page, nil when free
}

func newArena(pid, pages int) (*arena, error) {
	pageSize := os.Getpagesize()
	buf, err := unix.Mmap(-1, 0, pages*pageSize,
		unix.PROT_READ|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d pages: %w", pages, err)
	}

	return &arena{
		buf:      buf,
		pageSize: pageSize,
		used:     make([]*Region, pages),
	}, nil
}

func (ar *arena) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(ar.buf)))
}

func (ar *arena) alloc(size, owner int, perm Perm) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: invalid size", size)
	}
	nPages := (size + ar.pageSize - 1) / ar.pageSize

	ar.mu.Lock()
	defer ar.mu.Unlock()

	first := ar.findRun(nPages)
	if first < 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrOutOfMemory)
	}

	r := &Region{
		arena:     ar,
		owner:     owner,
		buf:       ar.buf[first*ar.pageSize : (first+nPages)*ar.pageSize],
		size:      size,
		state:     perm,
		firstPage: first,
		nPages:    nPages,
	}
	for i := first; i < first+nPages; i++ {
		ar.used[i] = r
	}
	return r, nil
}

func (ar *arena) findRun(nPages int) int {
	run := 0
	for i, r := range ar.used {
		if r != nil {
			run = 0
			continue
		}
		run++
		if run == nPages {
			return i - nPages + 1
		}
	}
	return -1
}

func (ar *arena) free(r *Region) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for i := r.firstPage; i < r.firstPage+r.nPages; i++ {
		if ar.used[i] != r {
			panic(fmt.Sprintf("execmem: corrupt page bookkeeping at page %d", i))
		}
		ar.used[i] = nil
	}
}

func (ar *arena) find(addr uintptr) (*Region, bool) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	base := ar.base()
	if addr < base || addr >= base+uintptr(len(ar.buf)) {
		return nil, false
	}
	r := ar.used[int(addr-base)/ar.pageSize]
	if r == nil {
		return nil, false
	}
	return r, true
}

func (ar *arena) close() error {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.buf == nil {
		return nil
	}
	err := unix.Munmap(ar.buf)
	ar.buf = nil
	return err
}

// Region is a page aligned span of executable memory. The handle is
// single use: freeing it twice is a programming error and panics.
type Region struct {
	mu        sync.Mutex
	arena     *arena
	owner     int
	buf       []byte
	size      int
	state     Perm
	freed     bool
	firstPage int
	nPages    int
}

// Addr returns the first mapped address of the region.
func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.buf)))
}

// Size returns the requested allocation size.
func (r *Region) Size() int { return r.size }

// Owner returns the owning pid, or 0 for kernel memory.
func (r *Region) Owner() int { return r.owner }

// Perm returns the current permission state.
func (r *Region) Perm() Perm {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Bytes returns a read only view of the region contents. Callers must
// not write through it; use Write.
func (r *Region) Bytes() []byte {
	return r.buf[:r.size]
}

// Write opens a writable window over the region, passes its contents to
// fn, and restores execute permission before returning. The window is
// strictly ordered: the region is never writable and executable at
// once, and the write permission is gone by the time Write returns.
func (r *Region) Write(fn func(text []byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		panic(fmt.Sprintf("execmem: write to freed region %#x", r.Addr()))
	}

	resting := r.state
	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("open write window at %#x: %w", r.Addr(), err)
	}
	r.state = Writable

	fnErr := fn(r.buf[:r.size])

	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		// Failing to take write permission away would leave the
		// region writable and executable.
		panic(fmt.Sprintf("execmem: cannot restore r-x at %#x: %v", r.Addr(), err))
	}
	r.state = resting

	return fnErr
}

// Free returns the region's pages to its arena. The contents are wiped
// first so a stale trampoline can't be executed through a dangling
// address.
func (r *Region) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		panic(fmt.Sprintf("execmem: double free of region %#x", r.Addr()))
	}
	r.freed = true

	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_WRITE); err == nil {
		for i := range r.buf {
			r.buf[i] = 0
		}
		if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			panic(fmt.Sprintf("execmem: cannot restore r-x at %#x: %v", r.Addr(), err))
		}
	}
	r.arena.free(r)
}
