package link

import (
	"fmt"

	"github.com/probekit/probekit"
	"github.com/probekit/probekit/kprobe"
)

// UprobeOptions defines additional parameters that will be used
// when attaching a Uprobe.
type UprobeOptions struct {
	// Offset is the file offset to patch, overriding the symbol
	// lookup. The symbol name may be empty when Offset is set.
	Offset uint64
	// Exclusive refuses to share the probe point with other probes.
	Exclusive bool
}

// Uprobe attaches the given program to the instruction at the given
// symbol in pid's mapping of the executable. For example,
// /bin/bash::readline():
//
//	up, err := ex.Uprobe(kern, 123, "readline", prog, nil)
//
// The symbol's file offset is translated to an address through the
// task's recorded mapping of the file. The probe patches only that
// task's image; other tasks mapping the same file are untouched.
//
// The returned Link must be Closed to restore the patched text.
func (ex *Executable) Uprobe(kern *probekit.Kernel, pid int, symbol string, prog *probekit.Program, opts *UprobeOptions) (Link, error) {
	if kern == nil {
		return nil, fmt.Errorf("kernel cannot be nil: %w", errInvalidInput)
	}
	if prog == nil {
		return nil, fmt.Errorf("prog cannot be nil: %w", errInvalidInput)
	}
	if t := prog.Type(); t != probekit.UProbe {
		return nil, fmt.Errorf("program type %s is not a %s: %w", t, probekit.UProbe, errInvalidInput)
	}
	fn, err := prog.KprobeHandler()
	if err != nil {
		return nil, err
	}

	var off uint64
	switch {
	case opts != nil && opts.Offset != 0:
		off = opts.Offset
	case symbol == "":
		return nil, fmt.Errorf("need a symbol or an offset: %w", errInvalidInput)
	default:
		off, err = ex.offset(symbol)
		if err != nil {
			return nil, err
		}
	}

	task, ok := kern.Tasks().Get(pid)
	if !ok {
		return nil, fmt.Errorf("uprobe %s:%#x: no task with pid %d", ex.path, off, pid)
	}
	addr, err := task.ResolveOffset(ex.path, off)
	if err != nil {
		return nil, fmt.Errorf("uprobe %s:%#x: %w", ex.path, off, err)
	}

	uo := kprobe.UprobeOptions{
		PID:     pid,
		Address: uintptr(addr),
		Pre: func(task kprobe.CurrentTask, regs *kprobe.Regs) {
			fn(&probekit.KprobeContext{Task: task, Regs: regs})
		},
	}
	if opts != nil {
		uo.Exclusive = opts.Exclusive
	}

	up, err := kern.Probes().RegisterUprobe(uo)
	if err != nil {
		return nil, fmt.Errorf("attach uprobe %s:%#x: %w", ex.path, off, err)
	}
	return &uprobeLink{kern: kern, path: ex.path, up: up}, nil
}

type uprobeLink struct {
	kern *probekit.Kernel
	path string
	up   *kprobe.Kprobe
}

var _ Link = (*uprobeLink)(nil)

func (ul *uprobeLink) isLink() {}

func (ul *uprobeLink) Close() error {
	if err := ul.kern.Probes().UnregisterKprobe(ul.up); err != nil {
		return fmt.Errorf("close uprobe %s: %w", ul.path, err)
	}
	return nil
}
