package probekit

//go:generate go tool stringer -output types_string.go -type=MapType,ProgramType

// MapType indicates the storage structure backing a Map.
type MapType uint32

// All the map types the kernel knows how to create.
const (
	UnspecifiedMap MapType = iota
	// Hash is a hash map. Inserting a new key beyond MaxEntries fails
	// with ErrMapFull.
	Hash
	// Array is an array map indexed by a uint32 key. All elements
	// exist from creation and elements cannot be deleted.
	Array
	// RingBuf is a byte ring of variable length records. MaxEntries is
	// the ring size in bytes and must be a power of two; when the ring
	// is full the oldest records are evicted.
	RingBuf
	// LRUHash is a hash map that evicts the least recently used entry
	// rather than failing when it runs out of space.
	LRUHash
)

// hasKey returns true if the map type stores discrete keyed elements.
func (mt MapType) hasKey() bool {
	return mt == Hash || mt == Array || mt == LRUHash
}

// ProgramType tags a program with the attach points that accept it and
// the context shape its handler receives.
type ProgramType uint32

// All the program types attach points accept.
const (
	UnspecifiedProgram ProgramType = iota
	// KProbe programs run at function entry traps and receive a
	// KprobeContext.
	KProbe
	// KRetProbe programs run at function return traps and receive a
	// KretprobeContext carrying the saved entry state.
	KRetProbe
	// UProbe programs run at entry traps on one task's text. The
	// context shape is the same register snapshot kprobes get.
	UProbe
	// Tracepoint programs run when a registered event fires and
	// receive the assembled record.
	Tracepoint
	// RawTracepoint programs receive the raw argument array before any
	// record is assembled, whether or not the event is enabled.
	RawTracepoint
)
