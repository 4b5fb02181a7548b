package execmem

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAllocator(t *testing.T, pages int) *Allocator {
	t.Helper()
	a, err := NewAllocator(&Options{ArenaPages: pages})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAllocKernel(t *testing.T) {
	a := testAllocator(t, 4)

	r, err := a.AllocKernel(16)
	require.NoError(t, err)
	assert.Equal(t, 16, r.Size())
	assert.Equal(t, 0, r.Owner())
	assert.Equal(t, ReadExecute, r.Perm())
	assert.NotZero(t, r.Addr())

	require.NoError(t, r.Write(func(text []byte) error {
		require.Len(t, text, 16)
		copy(text, []byte{0x90, 0x90, 0xcc})
		return nil
	}))

	assert.Equal(t, ReadExecute, r.Perm())
	assert.Equal(t, []byte{0x90, 0x90, 0xcc}, r.Bytes()[:3])

	r.Free()
}

func TestWriteError(t *testing.T) {
	a := testAllocator(t, 4)

	r, err := a.AllocKernel(8)
	require.NoError(t, err)

	fail := errors.New("nope")
	err = r.Write(func([]byte) error { return fail })
	require.ErrorIs(t, err, fail)

	// The window must be closed even after a failed write.
	assert.Equal(t, ReadExecute, r.Perm())
}

func TestDoubleFreePanics(t *testing.T) {
	a := testAllocator(t, 4)

	r, err := a.AllocKernel(8)
	require.NoError(t, err)
	r.Free()

	assert.Panics(t, func() { r.Free() })
}

func TestWriteAfterFreePanics(t *testing.T) {
	a := testAllocator(t, 4)

	r, err := a.AllocKernel(8)
	require.NoError(t, err)
	r.Free()

	assert.Panics(t, func() {
		_ = r.Write(func([]byte) error { return nil })
	})
}

func TestOutOfMemory(t *testing.T) {
	a := testAllocator(t, 1)
	pageSize := os.Getpagesize()

	_, err := a.AllocKernel(pageSize + 1)
	require.ErrorIs(t, err, ErrOutOfMemory)

	r, err := a.AllocKernel(pageSize)
	require.NoError(t, err)

	_, err = a.AllocKernel(1)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Freeing makes the pages reusable.
	r.Free()
	r, err = a.AllocKernel(1)
	require.NoError(t, err)
	r.Free()
}

func TestFind(t *testing.T) {
	a := testAllocator(t, 4)

	r, err := a.AllocKernel(32)
	require.NoError(t, err)

	got, ok := a.Find(r.Addr())
	require.True(t, ok)
	assert.Same(t, r, got)

	got, ok = a.Find(r.Addr() + 31)
	require.True(t, ok)
	assert.Same(t, r, got)

	_, ok = a.Find(r.Addr() + uintptr(len(r.buf)))
	assert.False(t, ok)

	r.Free()
	_, ok = a.Find(r.Addr())
	assert.False(t, ok)
}

func TestAllocUser(t *testing.T) {
	a := testAllocator(t, 2)

	r, err := a.AllocUser(1234, 64)
	require.NoError(t, err)
	assert.Equal(t, 1234, r.Owner())
	assert.Equal(t, ReadExecuteUser, r.Perm())

	_, err = a.AllocUser(0, 64)
	require.Error(t, err)

	got, ok := a.Find(r.Addr())
	require.True(t, ok)
	assert.Same(t, r, got)

	require.NoError(t, a.ReleaseTask(1234))
	_, ok = a.Find(r.Addr())
	assert.False(t, ok)

	// Unknown pids release cleanly.
	require.NoError(t, a.ReleaseTask(99))
}

func TestClose(t *testing.T) {
	a, err := NewAllocator(&Options{ArenaPages: 2})
	require.NoError(t, err)

	_, err = a.AllocUser(7, 8)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.AllocKernel(8)
	require.ErrorIs(t, err, os.ErrClosed)
}
