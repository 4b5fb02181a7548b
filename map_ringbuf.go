package probekit

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/probekit/probekit/internal/spin"
	"github.com/probekit/probekit/metrics"
)

// ringHeaderSize is the byte cost of one record header in the ring,
// mirroring the original ring buffer's per record header. Records are
// kept 8 byte aligned.
const ringHeaderSize = 8

// ringStore backs RingBuf maps. Producers run in trap context and only
// ever spin; consumers block in a RingReader until woken.
type ringStore struct {
	lock    spin.Lock
	size    int
	used    int
	recs    [][]byte
	head    int
	readers map[*RingReader]struct{}
	closed  bool
}

func newRingStore(size uint32) *ringStore {
	return &ringStore{
		size:    int(size),
		readers: make(map[*RingReader]struct{}),
	}
}

// footprint is the byte cost of one record in the ring.
func footprint(n int) int {
	return ringHeaderSize + align(n, 8)
}

// push appends one record, evicting the oldest records until it fits.
func (s *ringStore) push(data []byte) error {
	need := footprint(len(data))
	if need > s.size {
		return fmt.Errorf("record of %d bytes exceeds ring size %d", len(data), s.size)
	}
	rec := make([]byte, len(data))
	copy(rec, data)

	s.lock.Acquire()
	if s.closed {
		s.lock.Release()
		return ErrClosed
	}
	evicted := 0
	for s.used+need > s.size {
		old := s.recs[s.head]
		s.recs[s.head] = nil
		s.head++
		s.used -= footprint(len(old))
		evicted++
	}
	s.compactLocked()
	s.recs = append(s.recs, rec)
	s.used += need
	s.wakeLocked()
	s.lock.Release()

	if evicted > 0 {
		metrics.RingbufEvictions.Add(float64(evicted))
	}
	return nil
}

// pop removes and returns the oldest record.
func (s *ringStore) pop() ([]byte, bool) {
	s.lock.Acquire()
	if s.head >= len(s.recs) {
		s.lock.Release()
		return nil, false
	}
	rec := s.recs[s.head]
	s.recs[s.head] = nil
	s.head++
	s.used -= footprint(len(rec))
	s.compactLocked()
	s.lock.Release()
	return rec, true
}

// compactLocked reclaims the consumed prefix of the record slice once
// it dominates, keeping the backing array bounded.
func (s *ringStore) compactLocked() {
	if s.head == len(s.recs) {
		s.recs = s.recs[:0]
		s.head = 0
		return
	}
	if s.head >= 32 && s.head*2 >= len(s.recs) {
		n := copy(s.recs, s.recs[s.head:])
		for i := n; i < len(s.recs); i++ {
			s.recs[i] = nil
		}
		s.recs = s.recs[:n]
		s.head = 0
	}
}

func (s *ringStore) wakeLocked() {
	for r := range s.readers {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

func (s *ringStore) isClosed() bool {
	s.lock.Acquire()
	c := s.closed
	s.lock.Release()
	return c
}

// close stops the ring. Buffered records stay readable so consumers
// can drain before they see ErrClosed.
func (s *ringStore) close() {
	s.lock.Acquire()
	if s.closed {
		s.lock.Release()
		return
	}
	s.closed = true
	s.wakeLocked()
	s.lock.Release()
}

// RingbufOutput appends data as one record to a RingBuf map, evicting
// the oldest records when the ring is full.
func (m *Map) RingbufOutput(data []byte) error {
	if err := m.checkUser("ringbuf output"); err != nil {
		return err
	}
	return m.ringbufOutput(data)
}

// ringbufOutput is the program side emit path. It never blocks and is
// safe to call from trap context.
func (m *Map) ringbufOutput(data []byte) error {
	if m.typ != RingBuf {
		return fmt.Errorf("ringbuf output to %s map %s: %w", m.typ, m.name, ErrNotSupported)
	}
	if m.dead.Load() {
		return fmt.Errorf("ringbuf output to map %s: %w", m.name, ErrClosed)
	}
	return m.ring.push(data)
}

// RingbufReader attaches a consumer to a RingBuf map. The reader holds
// a reference on the map until closed. ringbuf.NewReader is the high
// level way to get one.
func (m *Map) RingbufReader() (*RingReader, error) {
	if m.typ != RingBuf {
		return nil, fmt.Errorf("reader on %s map %s: %w", m.typ, m.name, ErrNotSupported)
	}
	if err := m.checkUser("reader"); err != nil {
		return nil, err
	}
	if m.dead.Load() {
		return nil, fmt.Errorf("reader on map %s: %w", m.name, ErrClosed)
	}

	r := &RingReader{store: m.ring, m: m, notify: make(chan struct{}, 1)}
	m.ring.lock.Acquire()
	if m.ring.closed {
		m.ring.lock.Release()
		return nil, fmt.Errorf("reader on map %s: %w", m.name, ErrClosed)
	}
	m.ring.readers[r] = struct{}{}
	m.ring.lock.Release()
	m.ref()
	return r, nil
}

// RingReader consumes records from a RingBuf map in production order.
// Concurrent readers contend for records; each record is delivered
// exactly once.
type RingReader struct {
	store  *ringStore
	m      *Map
	notify chan struct{}
	closed atomic.Bool
}

// Read returns the oldest unconsumed record. It blocks until a record
// is produced or the reader or the map is closed; a closed ring drains
// its remaining records first.
func (r *RingReader) Read() ([]byte, error) {
	for {
		if r.closed.Load() {
			return nil, os.ErrClosed
		}
		if rec, ok := r.store.pop(); ok {
			return rec, nil
		}
		if r.store.isClosed() {
			return nil, os.ErrClosed
		}
		<-r.notify
	}
}

// Close detaches the reader, wakes a blocked Read and releases the
// reader's reference on the map.
func (r *RingReader) Close() error {
	if r.closed.Swap(true) {
		return os.ErrClosed
	}
	r.store.lock.Acquire()
	delete(r.store.readers, r)
	r.store.lock.Release()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	r.m.release()
	return nil
}
