// Package ktime reads the monotonic clock that timestamps trace records
// and retprobe instances.
package ktime

import (
	"time"

	"golang.org/x/sys/unix"
)

// Now returns the current monotonic time in nanoseconds.
func Now() int64 {
	ts := unix.Timespec{}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// The vDSO path cannot fail for a valid clock id. Keep a
		// usable timestamp anyway.
		return time.Now().UnixNano()
	}
	return ts.Nano()
}

// Since returns the duration elapsed since a Now timestamp.
func Since(ns int64) time.Duration {
	return time.Duration(Now() - ns)
}
