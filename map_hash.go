package probekit

import (
	"sort"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/probekit/probekit/internal/spin"
)

// hashStore backs Hash maps: buckets selected by xxh3 of the key, one
// spin lock per bucket so program side updates stay non blocking in
// trap context. Critical sections only copy entries in and out.
type hashStore struct {
	buckets []hashBucket
	mask    uint64
	count   atomic.Int64
	max     int64
}

type hashBucket struct {
	lock    spin.Lock
	entries map[string][]byte
}

func newHashStore(maxEntries uint32) *hashStore {
	nBuckets := 1
	for nBuckets < int(maxEntries)/8 {
		nBuckets <<= 1
	}

	h := &hashStore{
		buckets: make([]hashBucket, nBuckets),
		mask:    uint64(nBuckets - 1),
		max:     int64(maxEntries),
	}
	for i := range h.buckets {
		h.buckets[i].entries = make(map[string][]byte)
	}
	return h
}

func (h *hashStore) bucket(key []byte) *hashBucket {
	return &h.buckets[xxh3.Hash(key)&h.mask]
}

func (h *hashStore) lookup(key []byte) ([]byte, error) {
	b := h.bucket(key)
	b.lock.Acquire()
	v, ok := b.entries[string(key)]
	b.lock.Release()
	if !ok {
		return nil, ErrKeyNotExist
	}
	// Values are replaced wholesale and never mutated in place, so the
	// reference stays stable outside the lock.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (h *hashStore) update(key, value []byte, flags MapUpdateFlags) error {
	v := make([]byte, len(value))
	copy(v, value)
	k := string(key)

	b := h.bucket(key)
	b.lock.Acquire()
	_, exists := b.entries[k]
	switch {
	case flags == UpdateNoExist && exists:
		b.lock.Release()
		return ErrKeyExist
	case flags == UpdateExist && !exists:
		b.lock.Release()
		return ErrKeyNotExist
	}
	if !exists {
		// Admit before inserting. The count must never pass max, even
		// when two buckets insert at once.
		if h.count.Add(1) > h.max {
			h.count.Add(-1)
			b.lock.Release()
			return ErrMapFull
		}
	}
	b.entries[k] = v
	b.lock.Release()
	return nil
}

func (h *hashStore) delete(key []byte) error {
	k := string(key)
	b := h.bucket(key)
	b.lock.Acquire()
	if _, ok := b.entries[k]; !ok {
		b.lock.Release()
		return ErrKeyNotExist
	}
	delete(b.entries, k)
	b.lock.Release()
	h.count.Add(-1)
	return nil
}

// nextKey walks buckets in index order and keys in sorted order within
// a bucket. A nil or since deleted key restarts the walk from the
// front, like the original hash map.
func (h *hashStore) nextKey(key []byte) ([]byte, error) {
	start := 0
	after := ""
	if key != nil {
		b := int(xxh3.Hash(key) & h.mask)
		h.buckets[b].lock.Acquire()
		_, ok := h.buckets[b].entries[string(key)]
		h.buckets[b].lock.Release()
		if ok {
			start = b
			after = string(key)
		}
	}

	for i := start; i < len(h.buckets); i++ {
		b := &h.buckets[i]
		b.lock.Acquire()
		keys := make([]string, 0, len(b.entries))
		for k := range b.entries {
			keys = append(keys, k)
		}
		b.lock.Release()
		sort.Strings(keys)

		for _, k := range keys {
			if i == start && after != "" && k <= after {
				continue
			}
			return []byte(k), nil
		}
	}
	return nil, ErrKeyNotExist
}
