package spin

import (
	"sync"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestLockExcludes(t *testing.T) {
	var l Lock
	var wg sync.WaitGroup

	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Acquire()
				counter++
				l.Release()
			}
		}()
	}
	wg.Wait()

	qt.Assert(t, qt.Equals(counter, 8000))
}

func TestTryAcquire(t *testing.T) {
	var l Lock

	qt.Assert(t, qt.IsTrue(l.TryAcquire()))
	qt.Assert(t, qt.IsFalse(l.TryAcquire()))
	l.Release()
	qt.Assert(t, qt.IsTrue(l.TryAcquire()))
	l.Release()
}

func TestReleaseUnheld(t *testing.T) {
	var l Lock

	defer func() {
		qt.Assert(t, qt.IsNotNil(recover()))
	}()
	l.Release()
}
