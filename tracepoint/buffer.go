package tracepoint

import (
	"errors"
	"os"

	"github.com/probekit/probekit/internal/spin"
	"github.com/probekit/probekit/metrics"
)

// ErrStreamClosed is returned by pipe readers once the trace buffer has
// shut down and no buffered records remain.
var ErrStreamClosed = errors.New("trace stream closed")

// Record is one entry of the trace buffer: the assembled event data,
// common field block included, plus capture metadata that lives outside
// the record proper.
type Record struct {
	// TS is the monotonic timestamp of the firing, in nanoseconds.
	TS uint64
	// CPU is the processor the firing task last ran on.
	CPU uint32
	// Data holds the common field block followed by the event payload.
	Data []byte
}

// EventID returns the id stored in the record's common type field.
func (r Record) EventID() uint32 {
	if len(r.Data) < commonLen {
		return 0
	}
	return uint32(le.Uint16(r.Data[commonTypeOffset:]))
}

// PID returns the id stored in the record's common pid field.
func (r Record) PID() uint32 {
	if len(r.Data) < commonLen {
		return 0
	}
	return le.Uint32(r.Data[commonPIDOffset:])
}

// pipe is the bounded trace buffer. Producers run on the firing path,
// so it is guarded by a spinlock and the critical sections only move
// slice headers around.
type pipe struct {
	lock    spin.Lock
	recs    []Record
	head    uint64 // sequence number of the oldest buffered record
	next    uint64 // sequence number the next record will take
	readers map[*PipeReader]struct{}
	closed  bool
}

func newPipe(capacity int) *pipe {
	return &pipe{
		recs:    make([]Record, capacity),
		readers: make(map[*PipeReader]struct{}),
	}
}

func (p *pipe) push(rec Record) {
	p.lock.Acquire()
	if p.closed {
		p.lock.Release()
		return
	}
	if p.next-p.head == uint64(len(p.recs)) {
		// Full. The oldest record is silently overwritten.
		p.head++
		metrics.PipeLost.Inc()
	}
	p.recs[p.next%uint64(len(p.recs))] = rec
	p.next++
	p.wakeLocked()
	p.lock.Release()
}

// wakeLocked nudges every reader without blocking; a reader with a
// pending token is already awake.
func (p *pipe) wakeLocked() {
	for r := range p.readers {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// snapshot copies the buffered records in order and reports the total
// number of records ever written.
func (p *pipe) snapshot() ([]Record, uint64) {
	p.lock.Acquire()
	out := make([]Record, 0, p.next-p.head)
	for seq := p.head; seq < p.next; seq++ {
		out = append(out, p.recs[seq%uint64(len(p.recs))])
	}
	written := p.next
	p.lock.Release()
	return out, written
}

// clear drops all buffered records. Reader cursors catch up on their
// next read.
func (p *pipe) clear() {
	p.lock.Acquire()
	for seq := p.head; seq < p.next; seq++ {
		p.recs[seq%uint64(len(p.recs))] = Record{}
	}
	p.head = p.next
	p.lock.Release()
}

func (p *pipe) close() {
	p.lock.Acquire()
	if !p.closed {
		p.closed = true
		p.wakeLocked()
	}
	p.lock.Release()
}

func (p *pipe) openReader() *PipeReader {
	r := &PipeReader{p: p, notify: make(chan struct{}, 1)}
	p.lock.Acquire()
	r.cursor = p.next
	p.readers[r] = struct{}{}
	p.lock.Release()
	return r
}

// PipeReader is an independent cursor over the trace buffer. It
// observes only records produced after it was opened; records the
// buffer overwrote before the reader got to them are skipped.
type PipeReader struct {
	p      *pipe
	notify chan struct{}
	cursor uint64
	closed bool
}

// Next returns the next record, blocking until one is produced. It
// returns ErrStreamClosed once the buffer has shut down and is
// drained, and os.ErrClosed after Close.
func (r *PipeReader) Next() (Record, error) {
	for {
		rec, ok, err := r.take()
		if err != nil {
			return Record{}, err
		}
		if ok {
			return rec, nil
		}
		<-r.notify
	}
}

// TryNext returns the next record if one is immediately available.
func (r *PipeReader) TryNext() (Record, bool) {
	rec, ok, _ := r.take()
	return rec, ok
}

func (r *PipeReader) take() (Record, bool, error) {
	p := r.p
	p.lock.Acquire()
	if r.closed {
		p.lock.Release()
		return Record{}, false, os.ErrClosed
	}
	if r.cursor < p.head {
		r.cursor = p.head
	}
	if r.cursor < p.next {
		rec := p.recs[r.cursor%uint64(len(p.recs))]
		r.cursor++
		p.lock.Release()
		return rec, true, nil
	}
	closed := p.closed
	p.lock.Release()
	if closed {
		return Record{}, false, ErrStreamClosed
	}
	return Record{}, false, nil
}

// Close detaches the reader from the buffer. A blocked Next returns
// os.ErrClosed.
func (r *PipeReader) Close() error {
	p := r.p
	p.lock.Acquire()
	if !r.closed {
		r.closed = true
		delete(p.readers, r)
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
	p.lock.Release()
	return nil
}
