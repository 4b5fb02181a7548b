package link

import (
	"fmt"

	"github.com/probekit/probekit"
	"github.com/probekit/probekit/tracepoint"
)

// RawTracepointOptions configures an AttachRawTracepoint call.
type RawTracepointOptions struct {
	// Name of the trace event, without its group. The event is found
	// by searching every registered subsystem.
	Name string
	// Program must be of type RawTracepoint.
	Program *probekit.Program
}

// AttachRawTracepoint attaches a program directly to the trace event
// with the given name. The program runs on every firing with the raw
// argument array, before the enable gate, the filter and record
// assembly.
func AttachRawTracepoint(kern *probekit.Kernel, opts RawTracepointOptions) (Link, error) {
	if kern == nil {
		return nil, fmt.Errorf("kernel cannot be nil: %w", errInvalidInput)
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("name cannot be empty: %w", errInvalidInput)
	}
	if opts.Program == nil {
		return nil, fmt.Errorf("prog cannot be nil: %w", errInvalidInput)
	}
	if t := opts.Program.Type(); t != probekit.RawTracepoint {
		return nil, fmt.Errorf("program type %s is not a %s: %w", t, probekit.RawTracepoint, errInvalidInput)
	}
	fn, err := opts.Program.RawTracepointHandler()
	if err != nil {
		return nil, err
	}

	ev, err := kern.Events().Find(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("raw tracepoint %s: %w", opts.Name, err)
	}

	tok := ev.AttachRaw(func(task tracepoint.Task, args []uint64) {
		fn(&probekit.RawTracepointContext{Args: args})
	})
	return &rawTracepointLink{ev: ev, tok: tok}, nil
}

type rawTracepointLink struct {
	ev  *tracepoint.Event
	tok uint64
}

var _ Link = (*rawTracepointLink)(nil)

func (rl *rawTracepointLink) isLink() {}

func (rl *rawTracepointLink) Close() error {
	if !rl.ev.Detach(rl.tok) {
		return fmt.Errorf("close raw tracepoint %s: %w", rl.ev.Name(), probekit.ErrClosed)
	}
	return nil
}
