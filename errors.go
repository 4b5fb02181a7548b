package probekit

import (
	"errors"
	"os"

	"github.com/probekit/probekit/execmem"
	"github.com/probekit/probekit/kprobe"
	"github.com/probekit/probekit/ksym"
	"github.com/probekit/probekit/tracepoint"
)

// Sentinels of the map and program layer.
var (
	// ErrKeyNotExist is returned when a key does not exist in a map.
	ErrKeyNotExist = errors.New("key does not exist")

	// ErrKeyExist is returned when a key already exists in a map.
	ErrKeyExist = errors.New("key already exists")

	// ErrMapFull is returned when inserting a new element would exceed
	// a map's MaxEntries. Only Hash and Array maps fail this way;
	// RingBuf and LRUHash evict instead.
	ErrMapFull = errors.New("map is full")

	// ErrTypeMismatch is returned when a program's handler signature
	// or attach target disagrees with its declared type.
	ErrTypeMismatch = errors.New("program type mismatch")

	// ErrNotSupported is returned for operations a map or program type
	// does not implement.
	ErrNotSupported = errors.New("not supported")

	// ErrIterationAborted is returned by MapIterator when a map
	// changed too much under it to make progress.
	ErrIterationAborted = errors.New("iteration aborted")

	// ErrClosed is returned when using a closed map, program or
	// kernel.
	ErrClosed = os.ErrClosed
)

// Sentinels of the engine packages, re-exported so callers of the
// facade can match them without importing every subpackage.
var (
	ErrSymbolNotFound   = ksym.ErrSymbolNotFound
	ErrAlreadyInstalled = kprobe.ErrAlreadyInstalled
	ErrNotInstalled     = kprobe.ErrNotInstalled
	ErrOutOfExecMemory  = execmem.ErrOutOfMemory
	ErrFilterParse      = tracepoint.ErrFilterParse
	ErrStreamClosed     = tracepoint.ErrStreamClosed
)
