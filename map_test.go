package probekit

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/probekit/probekit/metrics"
)

// entity is a map key or value with its own wire encoding.
type entity uint32

func (e entity) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(e))
	return buf, nil
}

func (e *entity) UnmarshalBinary(buf []byte) error {
	*e = entity(binary.LittleEndian.Uint32(buf))
	return nil
}

func newTestMap(t *testing.T, k *Kernel, spec *MapSpec) *Map {
	t.Helper()
	m, err := k.NewMap(spec)
	qt.Assert(t, qt.IsNil(err))
	return m
}

func newHashMap(t *testing.T, k *Kernel, maxEntries uint32) *Map {
	t.Helper()
	return newTestMap(t, k, &MapSpec{
		Name:       "counts",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: maxEntries,
	})
}

func TestHashMap(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 8)
	t.Log(m)

	qt.Assert(t, qt.IsNil(m.Put(uint32(1), uint64(100))))

	var v uint64
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(1), &v)))
	qt.Assert(t, qt.Equals(v, uint64(100)))

	qt.Assert(t, qt.ErrorIs(m.Lookup(uint32(9), &v), ErrKeyNotExist))

	qt.Assert(t, qt.ErrorIs(m.Update(uint32(1), uint64(1), UpdateNoExist), ErrKeyExist))
	qt.Assert(t, qt.ErrorIs(m.Update(uint32(9), uint64(1), UpdateExist), ErrKeyNotExist))

	qt.Assert(t, qt.IsNil(m.Update(uint32(1), uint64(101), UpdateExist)))
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(1), &v)))
	qt.Assert(t, qt.Equals(v, uint64(101)))

	raw, err := m.LookupBytes(uint32(1))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(nativeEndian.Uint64(raw), uint64(101)))

	qt.Assert(t, qt.IsNil(m.Delete(uint32(1))))
	qt.Assert(t, qt.ErrorIs(m.Delete(uint32(1)), ErrKeyNotExist))
	qt.Assert(t, qt.ErrorIs(m.Lookup(uint32(1), &v), ErrKeyNotExist))
}

func TestHashMapCapacity(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 2)

	qt.Assert(t, qt.IsNil(m.Put(uint32(1), uint64(1))))
	qt.Assert(t, qt.IsNil(m.Put(uint32(2), uint64(2))))
	qt.Assert(t, qt.ErrorIs(m.Put(uint32(3), uint64(3)), ErrMapFull))

	// Replacing an existing key is not an insert.
	qt.Assert(t, qt.IsNil(m.Put(uint32(1), uint64(11))))

	qt.Assert(t, qt.IsNil(m.Delete(uint32(2))))
	qt.Assert(t, qt.IsNil(m.Put(uint32(3), uint64(3))))
}

func TestHashMapNextKey(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 16)
	for i := uint32(0); i < 5; i++ {
		qt.Assert(t, qt.IsNil(m.Put(i, uint64(i))))
	}

	seen := make(map[uint32]bool)
	var last []byte
	next, err := m.NextKeyBytes(nil)
	qt.Assert(t, qt.IsNil(err))
	for next != nil {
		seen[nativeEndian.Uint32(next)] = true
		last = next
		next, err = m.NextKeyBytes(next)
		qt.Assert(t, qt.IsNil(err))
	}
	qt.Assert(t, qt.Equals(len(seen), 5))
	for i := uint32(0); i < 5; i++ {
		qt.Assert(t, qt.IsTrue(seen[i]))
	}

	// The typed variant reports the end of the map as an error.
	var out uint32
	qt.Assert(t, qt.ErrorIs(m.NextKey(last, &out), ErrKeyNotExist))

	// A key that is gone restarts the walk from the front.
	first, err := m.NextKeyBytes(nil)
	qt.Assert(t, qt.IsNil(err))
	fromMissing, err := m.NextKeyBytes(uint32(99))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(fromMissing, first))
}

func TestMapIterate(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 16)

	want := make(map[entity]uint64)
	for i := 0; i < 5; i++ {
		want[entity(i)] = uint64(i * 11)
		qt.Assert(t, qt.IsNil(m.Put(entity(i), uint64(i*11))))
	}

	var (
		key entity
		v   uint64
	)
	got := make(map[entity]uint64)
	it := m.Iterate()
	for it.Next(&key, &v) {
		got[key] = v
	}
	qt.Assert(t, qt.IsNil(it.Err()))
	qt.Assert(t, qt.DeepEquals(got, want))
}

func TestMapMarshaling(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{
		Name:       "ents",
		Type:       Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 8,
	})

	qt.Assert(t, qt.IsNil(m.Put(entity(1), entity(42))))

	var v entity
	qt.Assert(t, qt.IsNil(m.Lookup(entity(1), &v)))
	qt.Assert(t, qt.Equals(v, entity(42)))

	// Keys of the wrong width never reach the store.
	qt.Assert(t, qt.IsNotNil(m.Put([]byte{1, 2}, entity(0))))
	qt.Assert(t, qt.IsNotNil(m.Put(uint64(1), entity(0))))
}

func TestHashMapConcurrent(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 1024)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(base uint32) {
			defer wg.Done()
			for round := 0; round < 25; round++ {
				for i := uint32(0); i < 64; i++ {
					key := base + i
					if err := m.Put(key, uint64(key)); err != nil {
						t.Error(err)
						return
					}
					var v uint64
					if err := m.Lookup(key, &v); err != nil {
						t.Error(err)
						return
					}
					if err := m.Delete(key); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(uint32(g) * 64)
	}
	wg.Wait()

	next, err := m.NextKeyBytes(nil)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(next))
}

func TestArrayMap(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{
		Name:       "slots",
		Type:       Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 4,
	})

	// Every element exists from creation, zero filled.
	var v uint64
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(0), &v)))
	qt.Assert(t, qt.Equals(v, uint64(0)))

	qt.Assert(t, qt.IsNil(m.Put(uint32(3), uint64(33))))
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(3), &v)))
	qt.Assert(t, qt.Equals(v, uint64(33)))

	qt.Assert(t, qt.ErrorIs(m.Lookup(uint32(4), &v), ErrKeyNotExist))
	qt.Assert(t, qt.ErrorIs(m.Put(uint32(4), uint64(1)), ErrMapFull))
	qt.Assert(t, qt.ErrorIs(m.Update(uint32(1), uint64(1), UpdateNoExist), ErrKeyExist))
	qt.Assert(t, qt.IsNil(m.Update(uint32(1), uint64(11), UpdateExist)))
	qt.Assert(t, qt.ErrorIs(m.Delete(uint32(1)), ErrNotSupported))

	var keys []uint32
	var cur uint32
	qt.Assert(t, qt.IsNil(m.NextKey(nil, &cur)))
	keys = append(keys, cur)
	for {
		var next uint32
		err := m.NextKey(cur, &next)
		if err != nil {
			qt.Assert(t, qt.ErrorIs(err, ErrKeyNotExist))
			break
		}
		keys = append(keys, next)
		cur = next
	}
	qt.Assert(t, qt.DeepEquals(keys, []uint32{0, 1, 2, 3}))

	// An out of range key restarts at the first index.
	nk, err := m.NextKeyBytes(uint32(7))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(nativeEndian.Uint32(nk), uint32(0)))
}

func TestLRUHashMap(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{
		Name:       "recent",
		Type:       LRUHash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 2,
	})

	qt.Assert(t, qt.IsNil(m.Put(uint32(1), uint64(10))))
	qt.Assert(t, qt.IsNil(m.Put(uint32(2), uint64(20))))

	// Touch 1 so 2 becomes the eviction candidate.
	var v uint64
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(1), &v)))

	// Inserting past capacity evicts instead of failing.
	qt.Assert(t, qt.IsNil(m.Put(uint32(3), uint64(30))))
	qt.Assert(t, qt.ErrorIs(m.Lookup(uint32(2), &v), ErrKeyNotExist))
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(1), &v)))
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(3), &v)))

	qt.Assert(t, qt.ErrorIs(m.Update(uint32(1), uint64(1), UpdateNoExist), ErrKeyExist))
	qt.Assert(t, qt.ErrorIs(m.Update(uint32(9), uint64(1), UpdateExist), ErrKeyNotExist))

	qt.Assert(t, qt.IsNil(m.Delete(uint32(1))))
	qt.Assert(t, qt.ErrorIs(m.Delete(uint32(1)), ErrKeyNotExist))
}

func TestRingbufMap(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{
		Name:       "events",
		Type:       RingBuf,
		MaxEntries: 4096,
	})

	rd, err := m.RingbufReader()
	qt.Assert(t, qt.IsNil(err))
	defer rd.Close()

	qt.Assert(t, qt.IsNil(m.RingbufOutput([]byte("one"))))
	qt.Assert(t, qt.IsNil(m.RingbufOutput([]byte("two"))))

	rec, err := rd.Read()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(rec), "one"))
	rec, err = rd.Read()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(rec), "two"))

	// Rings have no keyed elements.
	qt.Assert(t, qt.ErrorIs(m.Put(uint32(0), uint32(0)), ErrNotSupported))
	var v uint32
	qt.Assert(t, qt.ErrorIs(m.Lookup(uint32(0), &v), ErrNotSupported))
	_, err = m.NextKeyBytes(nil)
	qt.Assert(t, qt.ErrorIs(err, ErrNotSupported))

	// And keyed maps are not rings.
	h := newHashMap(t, k, 2)
	qt.Assert(t, qt.ErrorIs(h.RingbufOutput([]byte("x")), ErrNotSupported))
	_, err = h.RingbufReader()
	qt.Assert(t, qt.ErrorIs(err, ErrNotSupported))
}

func TestRingbufEvictsOldest(t *testing.T) {
	k := newTestKernel(t)
	// 16 ring bytes per 8 byte record: the ring holds four.
	m := newTestMap(t, k, &MapSpec{
		Name:       "tiny",
		Type:       RingBuf,
		MaxEntries: 64,
	})

	before := testutil.ToFloat64(metrics.RingbufEvictions)
	for i := 0; i < 6; i++ {
		rec := make([]byte, 8)
		nativeEndian.PutUint64(rec, uint64(i))
		qt.Assert(t, qt.IsNil(m.RingbufOutput(rec)))
	}
	qt.Assert(t, qt.Equals(testutil.ToFloat64(metrics.RingbufEvictions)-before, 2.0))

	rd, err := m.RingbufReader()
	qt.Assert(t, qt.IsNil(err))
	defer rd.Close()
	for i := 2; i < 6; i++ {
		rec, err := rd.Read()
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(nativeEndian.Uint64(rec), uint64(i)))
	}

	// A record bigger than the whole ring can never fit.
	qt.Assert(t, qt.IsNotNil(m.RingbufOutput(make([]byte, 128))))
}

func TestRingbufReaderBlocks(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{Name: "events", Type: RingBuf, MaxEntries: 4096})

	rd, err := m.RingbufReader()
	qt.Assert(t, qt.IsNil(err))
	defer rd.Close()

	got := make(chan []byte, 1)
	go func() {
		rec, err := rd.Read()
		if err != nil {
			t.Error(err)
		}
		got <- rec
	}()

	// Give the reader time to park before producing.
	time.Sleep(10 * time.Millisecond)
	qt.Assert(t, qt.IsNil(m.RingbufOutput([]byte("ping"))))

	select {
	case rec := <-got:
		qt.Assert(t, qt.Equals(string(rec), "ping"))
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not wake")
	}
}

func TestRingbufReaderClose(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{Name: "events", Type: RingBuf, MaxEntries: 4096})

	rd, err := m.RingbufReader()
	qt.Assert(t, qt.IsNil(err))

	errc := make(chan error, 1)
	go func() {
		_, err := rd.Read()
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	qt.Assert(t, qt.IsNil(rd.Close()))

	select {
	case err := <-errc:
		qt.Assert(t, qt.ErrorIs(err, os.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock the reader")
	}

	qt.Assert(t, qt.ErrorIs(rd.Close(), os.ErrClosed))
}

func TestRingReaderPinsMap(t *testing.T) {
	k := newTestKernel(t)
	m := newTestMap(t, k, &MapSpec{Name: "events", Type: RingBuf, MaxEntries: 4096})

	rd, err := m.RingbufReader()
	qt.Assert(t, qt.IsNil(err))
	id := m.ID()

	qt.Assert(t, qt.IsNil(m.Close()))

	// The reader reference keeps the ring alive, but the user handle
	// is spent.
	_, ok := k.MapByID(id)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.ErrorIs(m.RingbufOutput([]byte("x")), ErrClosed))

	// Programs still emit through the helper path.
	var ctx KprobeContext
	qt.Assert(t, qt.IsNil(ctx.RingbufOutput(m, []byte("from prog"))))
	rec, err := rd.Read()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(rec), "from prog"))

	qt.Assert(t, qt.IsNil(rd.Close()))
	_, ok = k.MapByID(id)
	qt.Assert(t, qt.IsFalse(ok))
}

func TestRingbufDrainsOnKernelClose(t *testing.T) {
	k, err := New(&Options{ArenaPages: 8})
	qt.Assert(t, qt.IsNil(err))

	m, err := k.NewMap(&MapSpec{Name: "events", Type: RingBuf, MaxEntries: 4096})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(m.RingbufOutput([]byte("one"))))
	qt.Assert(t, qt.IsNil(m.RingbufOutput([]byte("two"))))

	rd, err := m.RingbufReader()
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.IsNil(k.Close()))

	// Buffered records survive shutdown, then the reader terminates.
	rec, err := rd.Read()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(rec), "one"))
	rec, err = rd.Read()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(string(rec), "two"))
	_, err = rd.Read()
	qt.Assert(t, qt.ErrorIs(err, os.ErrClosed))

	qt.Assert(t, qt.IsNil(rd.Close()))
}

func TestFreeze(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 8)

	qt.Assert(t, qt.IsNil(m.Put(uint32(1), uint64(10))))
	qt.Assert(t, qt.IsNil(m.Freeze()))

	qt.Assert(t, qt.ErrorIs(m.Put(uint32(2), uint64(20)), os.ErrPermission))
	qt.Assert(t, qt.ErrorIs(m.Delete(uint32(1)), os.ErrPermission))

	// Reads are unaffected.
	var v uint64
	qt.Assert(t, qt.IsNil(m.Lookup(uint32(1), &v)))
	qt.Assert(t, qt.Equals(v, uint64(10)))

	// Freeze binds the user facing API only; programs keep writing.
	var ctx KprobeContext
	qt.Assert(t, qt.IsNil(ctx.MapUpdate(m, uint32(2), uint64(20), UpdateAny)))
	qt.Assert(t, qt.IsNil(ctx.MapLookup(m, uint32(2), &v)))
	qt.Assert(t, qt.Equals(v, uint64(20)))
	qt.Assert(t, qt.IsNil(ctx.MapDelete(m, uint32(2))))
}

func TestMapClose(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 8)
	id := m.ID()
	qt.Assert(t, qt.IsNil(m.Put(uint32(1), uint64(1))))

	qt.Assert(t, qt.IsNil(m.Close()))

	_, ok := k.MapByID(id)
	qt.Assert(t, qt.IsFalse(ok))

	var v uint64
	qt.Assert(t, qt.ErrorIs(m.Lookup(uint32(1), &v), ErrClosed))
	qt.Assert(t, qt.ErrorIs(m.Put(uint32(1), uint64(2)), ErrClosed))
	qt.Assert(t, qt.ErrorIs(m.Delete(uint32(1)), ErrClosed))
	_, err := m.NextKeyBytes(nil)
	qt.Assert(t, qt.ErrorIs(err, ErrClosed))
	qt.Assert(t, qt.ErrorIs(m.Freeze(), ErrClosed))
	qt.Assert(t, qt.ErrorIs(m.Close(), ErrClosed))
}

func TestNewMapRejectsBadSpecs(t *testing.T) {
	k := newTestKernel(t)

	for _, spec := range []*MapSpec{
		{Name: "nocap", Type: Hash, KeySize: 4, ValueSize: 4},
		{Name: "nokey", Type: Hash, ValueSize: 4, MaxEntries: 4},
		{Name: "noval", Type: Hash, KeySize: 4, MaxEntries: 4},
		{Name: "widekey", Type: Array, KeySize: 8, ValueSize: 4, MaxEntries: 4},
		{Name: "noval", Type: Array, KeySize: 4, MaxEntries: 4},
		{Name: "nolru", Type: LRUHash, KeySize: 4, MaxEntries: 4},
		{Name: "keyed", Type: RingBuf, KeySize: 4, MaxEntries: 4096},
		{Name: "odd", Type: RingBuf, MaxEntries: 1000},
	} {
		_, err := k.NewMap(spec)
		qt.Assert(t, qt.IsNotNil(err), qt.Commentf("spec %s", spec))
	}

	_, err := k.NewMap(&MapSpec{Name: "mystery", Type: MapType(42), KeySize: 4, ValueSize: 4, MaxEntries: 4})
	qt.Assert(t, qt.ErrorIs(err, ErrNotSupported))

	_, err = k.NewMap(nil)
	qt.Assert(t, qt.IsNotNil(err))
}
