// Package link attaches loaded programs to attach points in a running
// Kernel: kprobes and kretprobes on kernel symbols, uprobes on task
// mappings of executables, and static trace events by group and name.
//
// Every attach returns a Link. Closing the Link detaches the program
// and waits for handlers still running at the attach point to return.
// Closing a Link does not close the program; the same program can be
// attached to any number of points.
package link

import (
	"errors"
	"regexp"
)

var (
	// Trace event groups, names and kernel symbols must adhere to this
	// set of characters. Non-empty, first character must not be a
	// number, all characters must be alphanumeric or underscore.
	rgxTraceEvent = regexp.MustCompile("^[a-zA-Z_][0-9a-zA-Z_]*$")

	errInvalidInput = errors.New("invalid input")
)

// A Link binds a program to one attach point.
type Link interface {
	// Close detaches the program from the attach point. It returns an
	// error if the link was already closed.
	Close() error

	isLink()
}
