package probekit

import (
	"sort"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/probekit/probekit/internal/spin"
)

// lruStore backs LRUHash maps. At capacity the least recently used
// entry is evicted instead of failing the insert; lookups refresh
// recency like the original LRU hash.
type lruStore struct {
	lock spin.Lock
	lru  *lru.LRU[string, []byte]
}

func hashMapKey(k string) uint32 {
	return uint32(xxh3.HashString(k))
}

func newLRUStore(maxEntries uint32) (*lruStore, error) {
	l, err := lru.New[string, []byte](maxEntries, hashMapKey)
	if err != nil {
		return nil, err
	}
	return &lruStore{lru: l}, nil
}

func (s *lruStore) lookup(key []byte) ([]byte, error) {
	s.lock.Acquire()
	v, ok := s.lru.Get(string(key))
	s.lock.Release()
	if !ok {
		return nil, ErrKeyNotExist
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *lruStore) update(key, value []byte, flags MapUpdateFlags) error {
	k := string(key)
	v := make([]byte, len(value))
	copy(v, value)

	s.lock.Acquire()
	_, exists := s.lru.Peek(k)
	switch {
	case flags == UpdateNoExist && exists:
		s.lock.Release()
		return ErrKeyExist
	case flags == UpdateExist && !exists:
		s.lock.Release()
		return ErrKeyNotExist
	}
	s.lru.Add(k, v)
	s.lock.Release()
	return nil
}

func (s *lruStore) delete(key []byte) error {
	s.lock.Acquire()
	ok := s.lru.Remove(string(key))
	s.lock.Release()
	if !ok {
		return ErrKeyNotExist
	}
	return nil
}

// nextKey walks keys in sorted order, like the hash store. Recency is
// left untouched so iterating doesn't distort eviction.
func (s *lruStore) nextKey(key []byte) ([]byte, error) {
	s.lock.Acquire()
	keys := s.lru.Keys()
	s.lock.Release()
	if len(keys) == 0 {
		return nil, ErrKeyNotExist
	}
	sort.Strings(keys)

	if key == nil {
		return []byte(keys[0]), nil
	}
	after := string(key)
	for _, k := range keys {
		if k > after {
			return []byte(k), nil
		}
	}
	return nil, ErrKeyNotExist
}
