package probekit

import (
	"github.com/probekit/probekit/internal/spin"
)

// arrayLockStripes bounds the lock table of an array store. Indexes
// share a stripe modulo the table size.
const arrayLockStripes = 64

// arrayStore backs Array maps with one contiguous value block indexed
// by a host endian uint32 key. Every element exists from creation.
type arrayStore struct {
	locks     []spin.Lock
	data      []byte
	valueSize int
	n         uint32
}

func newArrayStore(maxEntries, valueSize uint32) *arrayStore {
	stripes := arrayLockStripes
	if int(maxEntries) < stripes {
		stripes = int(maxEntries)
	}
	return &arrayStore{
		locks:     make([]spin.Lock, stripes),
		data:      make([]byte, int(maxEntries)*int(valueSize)),
		valueSize: int(valueSize),
		n:         maxEntries,
	}
}

func (a *arrayStore) slot(idx uint32) []byte {
	off := int(idx) * a.valueSize
	return a.data[off : off+a.valueSize]
}

func (a *arrayStore) lock(idx uint32) *spin.Lock {
	return &a.locks[int(idx)%len(a.locks)]
}

func (a *arrayStore) lookup(key []byte) ([]byte, error) {
	idx := nativeEndian.Uint32(key)
	if idx >= a.n {
		return nil, ErrKeyNotExist
	}
	out := make([]byte, a.valueSize)
	l := a.lock(idx)
	l.Acquire()
	copy(out, a.slot(idx))
	l.Release()
	return out, nil
}

func (a *arrayStore) update(key, value []byte, flags MapUpdateFlags) error {
	idx := nativeEndian.Uint32(key)
	if idx >= a.n {
		return ErrMapFull
	}
	if flags == UpdateNoExist {
		// Array elements always exist.
		return ErrKeyExist
	}
	l := a.lock(idx)
	l.Acquire()
	copy(a.slot(idx), value)
	l.Release()
	return nil
}

func (a *arrayStore) delete(key []byte) error {
	return ErrNotSupported
}

// nextKey mirrors the original array map: an out of range or nil key
// restarts at index 0, the last index ends the walk.
func (a *arrayStore) nextKey(key []byte) ([]byte, error) {
	idx := ^uint32(0)
	if key != nil {
		idx = nativeEndian.Uint32(key)
	}
	if idx >= a.n {
		return a.keyBytes(0), nil
	}
	if idx == a.n-1 {
		return nil, ErrKeyNotExist
	}
	return a.keyBytes(idx + 1), nil
}

func (a *arrayStore) keyBytes(idx uint32) []byte {
	b := make([]byte, 4)
	nativeEndian.PutUint32(b, idx)
	return b
}
