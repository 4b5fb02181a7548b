package link

import (
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/probekit/probekit"
	"github.com/probekit/probekit/tracepoint"
)

// TracepointOptions configures an AttachTracepoint call.
type TracepointOptions struct {
	// Group and Name of the trace event under events/ in the tracing
	// filesystem.
	Group string
	Name  string
	// Program must be of type Tracepoint.
	Program *probekit.Program
}

// AttachTracepoint attaches a program to the trace event named by
// group and name. The program runs on every recorded firing, after the
// enable gate and the filter, with the assembled record.
//
// Note that attaching does not enable the event; write 1 to its enable
// file or call SetEnabled on the event to start it firing.
func AttachTracepoint(kern *probekit.Kernel, opts TracepointOptions) (Link, error) {
	if kern == nil {
		return nil, fmt.Errorf("kernel cannot be nil: %w", errInvalidInput)
	}
	if opts.Group == "" || opts.Name == "" {
		return nil, fmt.Errorf("group and name cannot be empty: %w", errInvalidInput)
	}
	if opts.Program == nil {
		return nil, fmt.Errorf("prog cannot be nil: %w", errInvalidInput)
	}
	if !rgxTraceEvent.MatchString(opts.Group) || !rgxTraceEvent.MatchString(opts.Name) {
		return nil, fmt.Errorf("group and name '%s/%s' must be alphanumeric or underscore: %w",
			opts.Group, opts.Name, errInvalidInput)
	}
	if t := opts.Program.Type(); t != probekit.Tracepoint {
		return nil, fmt.Errorf("program type %s is not a %s: %w", t, probekit.Tracepoint, errInvalidInput)
	}
	fn, err := opts.Program.TracepointHandler()
	if err != nil {
		return nil, err
	}

	tid, err := getTraceEventID(kern, opts.Group, opts.Name)
	if err != nil {
		return nil, err
	}
	ev, err := kern.Events().ByID(uint32(tid))
	if err != nil {
		return nil, fmt.Errorf("trace event %s/%s: %w", opts.Group, opts.Name, err)
	}

	tok := ev.AttachHandler(func(task tracepoint.Task, rec tracepoint.Record) {
		fn(&probekit.TracepointContext{Task: task, Event: ev, Record: rec})
	})
	return &tracepointLink{ev: ev, tok: tok}, nil
}

// getTraceEventID reads a trace event's ID from the tracing filesystem
// given its group and name.
func getTraceEventID(kern *probekit.Kernel, group, name string) (uint64, error) {
	data, err := fs.ReadFile(kern.Tracefs(), path.Join("events", group, name, "id"))
	if err != nil {
		return 0, fmt.Errorf("reading trace event ID of %s/%s: %w", group, name, err)
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

type tracepointLink struct {
	ev  *tracepoint.Event
	tok uint64
}

var _ Link = (*tracepointLink)(nil)

func (tl *tracepointLink) isLink() {}

func (tl *tracepointLink) Close() error {
	if !tl.ev.Detach(tl.tok) {
		return fmt.Errorf("close tracepoint %s/%s: %w", tl.ev.Subsystem(), tl.ev.Name(), probekit.ErrClosed)
	}
	return nil
}
