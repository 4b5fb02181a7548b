package probekit

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

// MapUpdateFlags controls the behavior of Map.Update.
type MapUpdateFlags uint64

const (
	// UpdateAny creates a new element or updates an existing one.
	UpdateAny MapUpdateFlags = iota
	// UpdateNoExist creates a new element only if it did not exist yet.
	UpdateNoExist
	// UpdateExist updates an existing element.
	UpdateExist
)

// MapSpec defines a Map.
type MapSpec struct {
	// Name is passed to the kernel as a debug aid.
	Name string
	Type MapType

	// KeySize and ValueSize are the fixed byte sizes of keys and
	// values. RingBuf maps take neither.
	KeySize   uint32
	ValueSize uint32

	// MaxEntries caps the number of elements, or for RingBuf maps the
	// ring size in bytes.
	MaxEntries uint32
}

func (ms *MapSpec) String() string {
	return fmt.Sprintf("%s(keySize=%d, valueSize=%d, maxEntries=%d)",
		ms.Type, ms.KeySize, ms.ValueSize, ms.MaxEntries)
}

// Copy returns a copy of the spec.
func (ms *MapSpec) Copy() *MapSpec {
	if ms == nil {
		return nil
	}
	cpy := *ms
	return &cpy
}

// mapStore is the type erased storage behind a Map. Keys and values
// are length checked byte strings by the time they reach a store.
type mapStore interface {
	lookup(key []byte) ([]byte, error)
	update(key, value []byte, flags MapUpdateFlags) error
	delete(key []byte) error
	nextKey(key []byte) ([]byte, error)
}

// Map is a kernel object storing key/value pairs or, for RingBuf maps,
// a byte ring of records. Maps are reference counted: programs and
// ring readers hold a reference for as long as they exist, and the
// backing store is released when the last reference goes away.
//
// All methods are safe for concurrent use. The program side update
// paths never block or sleep, so they can run in trap context.
type Map struct {
	kern *Kernel
	id   uint32

	name       string
	typ        MapType
	keySize    uint32
	valueSize  uint32
	maxEntries uint32

	store mapStore
	ring  *ringStore

	refs       atomic.Int64
	frozen     atomic.Bool
	userClosed atomic.Bool
	dead       atomic.Bool
}

// newMap validates spec and builds the backing store. The id and the
// owning kernel are filled in by Kernel.NewMap.
func newMap(spec *MapSpec) (*Map, error) {
	if spec.MaxEntries == 0 {
		return nil, errors.New("map needs MaxEntries")
	}

	m := &Map{
		name:       spec.Name,
		typ:        spec.Type,
		keySize:    spec.KeySize,
		valueSize:  spec.ValueSize,
		maxEntries: spec.MaxEntries,
	}
	m.refs.Store(1)

	switch spec.Type {
	case Hash:
		if spec.KeySize == 0 || spec.ValueSize == 0 {
			return nil, errors.New("hash map needs KeySize and ValueSize")
		}
		m.store = newHashStore(spec.MaxEntries)

	case Array:
		if spec.KeySize != 4 {
			return nil, fmt.Errorf("array map key must be 4 bytes, not %d", spec.KeySize)
		}
		if spec.ValueSize == 0 {
			return nil, errors.New("array map needs ValueSize")
		}
		m.store = newArrayStore(spec.MaxEntries, spec.ValueSize)

	case LRUHash:
		if spec.KeySize == 0 || spec.ValueSize == 0 {
			return nil, errors.New("LRU hash map needs KeySize and ValueSize")
		}
		store, err := newLRUStore(spec.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("LRU hash map: %w", err)
		}
		m.store = store

	case RingBuf:
		if spec.KeySize != 0 || spec.ValueSize != 0 {
			return nil, errors.New("ringbuf map takes no KeySize or ValueSize")
		}
		if spec.MaxEntries&(spec.MaxEntries-1) != 0 {
			return nil, fmt.Errorf("ringbuf size %d is not a power of two", spec.MaxEntries)
		}
		m.ring = newRingStore(spec.MaxEntries)

	default:
		return nil, fmt.Errorf("map type %s: %w", spec.Type, ErrNotSupported)
	}

	return m, nil
}

func (m *Map) String() string {
	return fmt.Sprintf("%s(%s)#%d", m.typ, m.name, m.id)
}

// Name returns the map name given at creation.
func (m *Map) Name() string { return m.name }

// Type returns the map type.
func (m *Map) Type() MapType { return m.typ }

// KeySize returns the size of the map key in bytes.
func (m *Map) KeySize() uint32 { return m.keySize }

// ValueSize returns the size of the map value in bytes.
func (m *Map) ValueSize() uint32 { return m.valueSize }

// MaxEntries returns the capacity of the map.
func (m *Map) MaxEntries() uint32 { return m.maxEntries }

// ID returns the kernel assigned map id.
func (m *Map) ID() uint32 { return m.id }

// Freeze makes the map immutable through the user facing API. Running
// programs keep write access through their context helpers.
func (m *Map) Freeze() error {
	if err := m.checkUser("freeze"); err != nil {
		return err
	}
	m.frozen.Store(true)
	return nil
}

// Lookup retrieves a value from a Map.
//
// Returns an error wrapping ErrKeyNotExist if the key doesn't exist.
// valueOut must be a pointer or implement encoding.BinaryUnmarshaler.
func (m *Map) Lookup(key, valueOut interface{}) error {
	if err := m.checkUser("lookup"); err != nil {
		return err
	}
	return m.lookup(key, valueOut)
}

// LookupBytes retrieves a value from a Map as raw bytes.
func (m *Map) LookupBytes(key interface{}) ([]byte, error) {
	if err := m.checkUser("lookup"); err != nil {
		return nil, err
	}
	return m.lookupBytes(key)
}

// Put replaces or creates a value in a map. Shorthand for Update with
// UpdateAny.
func (m *Map) Put(key, value interface{}) error {
	return m.Update(key, value, UpdateAny)
}

// Update changes the value of a key. With UpdateNoExist the key must
// not exist yet (ErrKeyExist otherwise), with UpdateExist it must
// (ErrKeyNotExist otherwise). A frozen map rejects Update.
func (m *Map) Update(key, value interface{}, flags MapUpdateFlags) error {
	if err := m.checkUser("update"); err != nil {
		return err
	}
	if m.frozen.Load() {
		return fmt.Errorf("update frozen map %s: %w", m.name, os.ErrPermission)
	}
	return m.update(key, value, flags)
}

// Delete removes a key and its value. Returns an error wrapping
// ErrKeyNotExist when the key is absent.
func (m *Map) Delete(key interface{}) error {
	if err := m.checkUser("delete"); err != nil {
		return err
	}
	if m.frozen.Load() {
		return fmt.Errorf("delete from frozen map %s: %w", m.name, os.ErrPermission)
	}
	return m.delete(key)
}

// NextKey finds the key following key and writes it into nextKeyOut.
// A nil key returns the first key; an error wrapping ErrKeyNotExist
// signals the end of the map.
func (m *Map) NextKey(key, nextKeyOut interface{}) error {
	if err := m.checkUser("iterate"); err != nil {
		return err
	}
	nk, err := m.nextKeyBytes(key)
	if err != nil {
		return err
	}
	if err := unmarshalBytes(nextKeyOut, nk); err != nil {
		return fmt.Errorf("can't unmarshal next key: %w", err)
	}
	return nil
}

// NextKeyBytes is NextKey returning the raw key bytes. It returns nil
// at the end of the map.
func (m *Map) NextKeyBytes(key interface{}) ([]byte, error) {
	if err := m.checkUser("iterate"); err != nil {
		return nil, err
	}
	nk, err := m.nextKeyBytes(key)
	if errors.Is(err, ErrKeyNotExist) {
		return nil, nil
	}
	return nk, err
}

// Iterate traverses the map. It is not safe against concurrent
// deletes; other mutations only cost skipped or repeated elements.
func (m *Map) Iterate() *MapIterator {
	return &MapIterator{target: m, maxEntries: m.maxEntries}
}

// Close releases the creator's reference on the map. The map stays
// alive while programs or ring readers still reference it.
func (m *Map) Close() error {
	if m.userClosed.Swap(true) {
		return fmt.Errorf("map %s: %w", m.name, ErrClosed)
	}
	m.release()
	return nil
}

// lookup is the program side read path; it ignores Freeze.
func (m *Map) lookup(key, valueOut interface{}) error {
	raw, err := m.lookupBytes(key)
	if err != nil {
		return err
	}
	if err := unmarshalBytes(valueOut, raw); err != nil {
		return fmt.Errorf("can't unmarshal value: %w", err)
	}
	return nil
}

func (m *Map) lookupBytes(key interface{}) ([]byte, error) {
	store, err := m.keyedStore("lookup")
	if err != nil {
		return nil, err
	}
	kb, err := marshalBytes(key, int(m.keySize))
	if err != nil {
		return nil, fmt.Errorf("can't marshal key: %w", err)
	}
	raw, err := store.lookup(kb)
	if err != nil {
		return nil, fmt.Errorf("lookup in map %s: %w", m.name, err)
	}
	return raw, nil
}

// update is the program side write path; it ignores Freeze.
func (m *Map) update(key, value interface{}, flags MapUpdateFlags) error {
	store, err := m.keyedStore("update")
	if err != nil {
		return err
	}
	kb, err := marshalBytes(key, int(m.keySize))
	if err != nil {
		return fmt.Errorf("can't marshal key: %w", err)
	}
	vb, err := marshalBytes(value, int(m.valueSize))
	if err != nil {
		return fmt.Errorf("can't marshal value: %w", err)
	}
	if err := store.update(kb, vb, flags); err != nil {
		return fmt.Errorf("update map %s: %w", m.name, err)
	}
	return nil
}

// delete is the program side delete path; it ignores Freeze.
func (m *Map) delete(key interface{}) error {
	store, err := m.keyedStore("delete")
	if err != nil {
		return err
	}
	kb, err := marshalBytes(key, int(m.keySize))
	if err != nil {
		return fmt.Errorf("can't marshal key: %w", err)
	}
	if err := store.delete(kb); err != nil {
		return fmt.Errorf("delete from map %s: %w", m.name, err)
	}
	return nil
}

func (m *Map) nextKeyBytes(key interface{}) ([]byte, error) {
	store, err := m.keyedStore("iterate")
	if err != nil {
		return nil, err
	}
	var kb []byte
	if key != nil {
		kb, err = marshalBytes(key, int(m.keySize))
		if err != nil {
			return nil, fmt.Errorf("can't marshal key: %w", err)
		}
	}
	nk, err := store.nextKey(kb)
	if err != nil {
		return nil, fmt.Errorf("next key in map %s: %w", m.name, err)
	}
	return nk, nil
}

// checkUser rejects operations through a handle whose creator already
// closed it. Program side paths skip this and only honor dead, so a
// map pinned by program references stays writable from trap context.
func (m *Map) checkUser(op string) error {
	if m.userClosed.Load() {
		return fmt.Errorf("%s on map %s: %w", op, m.name, ErrClosed)
	}
	return nil
}

// keyedStore returns the element store, rejecting released maps and
// map types without keyed elements.
func (m *Map) keyedStore(op string) (mapStore, error) {
	if m.dead.Load() {
		return nil, fmt.Errorf("%s on map %s: %w", op, m.name, ErrClosed)
	}
	if !m.typ.hasKey() {
		return nil, fmt.Errorf("%s on %s map %s: %w", op, m.typ, m.name, ErrNotSupported)
	}
	return m.store, nil
}

// ref takes an additional reference on the map.
func (m *Map) ref() {
	m.refs.Add(1)
}

// release drops one reference. The last release tears the store down
// and unregisters the map from its kernel.
func (m *Map) release() {
	if m.refs.Add(-1) > 0 {
		return
	}
	m.dead.Store(true)
	if m.ring != nil {
		m.ring.close()
	}
	if m.kern != nil {
		m.kern.dropMap(m.id)
	}
}

// MapIterator iterates a Map.
type MapIterator struct {
	target            *Map
	curKey            []byte
	count, maxEntries uint32
	done              bool
	err               error
}

// Next decodes the next key and value.
//
// Returns false if there are no more entries, or if an error happened.
func (mi *MapIterator) Next(keyOut, valueOut interface{}) bool {
	if mi.err != nil || mi.done {
		return false
	}

	for {
		// Deletes racing the walk can make the map look endless;
		// give up after a full capacity of extra steps.
		if mi.count > mi.maxEntries {
			mi.err = fmt.Errorf("map %s: %w", mi.target.name, ErrIterationAborted)
			return false
		}
		mi.count++

		// A nil []byte in an interface is not a nil key; only the very
		// first step asks for the front of the map.
		var nextKey []byte
		var err error
		if mi.curKey == nil {
			nextKey, err = mi.target.nextKeyBytes(nil)
		} else {
			nextKey, err = mi.target.nextKeyBytes(mi.curKey)
		}
		if err != nil {
			if errors.Is(err, ErrKeyNotExist) {
				mi.done = true
			} else {
				mi.err = err
			}
			return false
		}
		mi.curKey = nextKey

		if err := mi.target.Lookup(nextKey, valueOut); err != nil {
			// Deleted between nextKey and lookup, move on.
			if errors.Is(err, ErrKeyNotExist) {
				continue
			}
			mi.err = err
			return false
		}
		if err := unmarshalBytes(keyOut, nextKey); err != nil {
			mi.err = fmt.Errorf("can't unmarshal key: %w", err)
			return false
		}
		return true
	}
}

// Err returns the error that stopped the iteration, if any.
func (mi *MapIterator) Err() error {
	return mi.err
}
