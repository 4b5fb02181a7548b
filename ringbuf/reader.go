// Package ringbuf consumes records produced into RingBuf maps by
// running programs.
package ringbuf

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/probekit/probekit"
)

var ErrClosed = os.ErrClosed

// Record contains one sample emitted into a RingBuf map.
type Record struct {
	RawSample []byte
}

// Reader allows reading RingbufOutput records from user space.
type Reader struct {
	// mu serializes concurrent reads.
	mu   sync.Mutex
	ring *probekit.RingReader
}

// NewReader creates a new ring buffer reader.
func NewReader(ringbufMap *probekit.Map) (*Reader, error) {
	if ringbufMap.Type() != probekit.RingBuf {
		return nil, fmt.Errorf("invalid Map type: %s", ringbufMap.Type())
	}

	maxEntries := int(ringbufMap.MaxEntries())
	if maxEntries == 0 || (maxEntries&(maxEntries-1)) != 0 {
		return nil, fmt.Errorf("ringbuffer map size %d is zero or not a power of two", maxEntries)
	}

	ring, err := ringbufMap.RingbufReader()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to ringbuf: %w", err)
	}

	return &Reader{ring: ring}, nil
}

// Close frees resources used by the reader.
//
// It interrupts calls to Read.
func (r *Reader) Close() error {
	if err := r.ring.Close(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Read the next record from the ring buffer.
//
// Calling Close interrupts the function.
func (r *Reader) Read() (Record, error) {
	return r.ReadBuffer(nil)
}

// ReadBuffer is like Read except that it allows reusing buffers.
//
// buf is used as Record.RawSample if it is large enough to hold the
// sample data. If buf is too small a new buffer will be allocated
// instead. It is valid to pass nil, in which case ReadBuffer behaves
// like Read.
func (r *Reader) ReadBuffer(buf []byte) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sample, err := r.ring.Read()
	if err != nil {
		return Record{}, fmt.Errorf("ringbuffer: %w", err)
	}

	if cap(buf) >= len(sample) {
		buf = buf[:len(sample)]
		copy(buf, sample)
		return Record{RawSample: buf}, nil
	}
	return Record{RawSample: sample}, nil
}
