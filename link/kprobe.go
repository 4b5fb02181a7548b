package link

import (
	"fmt"

	"github.com/probekit/probekit"
	"github.com/probekit/probekit/kprobe"
)

// KprobeOptions defines additional parameters that will be used
// when attaching a Kprobe or Kretprobe.
type KprobeOptions struct {
	// Offset of the probe relative to the resolved symbol address.
	// Useful when attaching past a function's prologue.
	Offset uint64
	// Exclusive refuses to share the probe point with other probes.
	Exclusive bool
}

// Kprobe attaches the given program to the entry of the kernel symbol.
// The symbol is resolved through the kernel's symbol table. For
// example, printk():
//
//	kp, err := link.Kprobe(kern, "printk", prog, nil)
//
// The returned Link patches the kernel text and must be Closed to
// restore it.
func Kprobe(kern *probekit.Kernel, symbol string, prog *probekit.Program, opts *KprobeOptions) (Link, error) {
	if err := checkKprobeInput(kern, symbol, prog, probekit.KProbe); err != nil {
		return nil, err
	}
	fn, err := prog.KprobeHandler()
	if err != nil {
		return nil, err
	}

	var ko kprobe.KprobeOptions
	ko.Symbol = symbol
	if opts != nil {
		ko.Offset = opts.Offset
		ko.Exclusive = opts.Exclusive
	}
	ko.Pre = func(task kprobe.CurrentTask, regs *kprobe.Regs) {
		fn(&probekit.KprobeContext{Task: task, Regs: regs})
	}

	kp, err := kern.Probes().RegisterKprobe(ko)
	if err != nil {
		return nil, fmt.Errorf("attach kprobe %s: %w", symbol, err)
	}
	return &kprobeLink{kern: kern, kp: kp}, nil
}

// Kretprobe attaches the given program to the return of the kernel
// symbol. The program runs once per return, after the instrumented
// function's body, with the entry snapshot and entry timestamp of the
// matching call.
//
// The returned Link must be Closed to remove the probe. Closing waits
// until program invocations already running have returned; instances
// armed for calls still in flight are discarded.
func Kretprobe(kern *probekit.Kernel, symbol string, prog *probekit.Program, opts *KprobeOptions) (Link, error) {
	if err := checkKprobeInput(kern, symbol, prog, probekit.KRetProbe); err != nil {
		return nil, err
	}
	fn, err := prog.KretprobeHandler()
	if err != nil {
		return nil, err
	}

	var ko kprobe.KretprobeOptions
	ko.Symbol = symbol
	if opts != nil {
		ko.Offset = opts.Offset
		ko.Exclusive = opts.Exclusive
	}
	ko.Ret = func(task kprobe.CurrentTask, regs *kprobe.Regs, inst *kprobe.Instance) {
		fn(&probekit.KretprobeContext{
			Task:      task,
			Regs:      regs,
			EntryRegs: inst.EntryRegs(),
			EntryTime: inst.Time(),
		})
	}

	rp, err := kern.Probes().RegisterKretprobe(ko)
	if err != nil {
		return nil, fmt.Errorf("attach kretprobe %s: %w", symbol, err)
	}
	return &kretprobeLink{kern: kern, rp: rp}, nil
}

func checkKprobeInput(kern *probekit.Kernel, symbol string, prog *probekit.Program, typ probekit.ProgramType) error {
	if kern == nil {
		return fmt.Errorf("kernel cannot be nil: %w", errInvalidInput)
	}
	if symbol == "" {
		return fmt.Errorf("symbol name cannot be empty: %w", errInvalidInput)
	}
	if prog == nil {
		return fmt.Errorf("prog cannot be nil: %w", errInvalidInput)
	}
	if !rgxTraceEvent.MatchString(symbol) {
		return fmt.Errorf("symbol '%s' must be alphanumeric or underscore: %w", symbol, errInvalidInput)
	}
	if t := prog.Type(); t != typ {
		return fmt.Errorf("program type %s is not a %s: %w", t, typ, errInvalidInput)
	}
	return nil
}

type kprobeLink struct {
	kern *probekit.Kernel
	kp   *kprobe.Kprobe
}

var _ Link = (*kprobeLink)(nil)

func (kl *kprobeLink) isLink() {}

func (kl *kprobeLink) Close() error {
	if err := kl.kern.Probes().UnregisterKprobe(kl.kp); err != nil {
		return fmt.Errorf("close kprobe %s: %w", kl.kp.Symbol(), err)
	}
	return nil
}

type kretprobeLink struct {
	kern *probekit.Kernel
	rp   *kprobe.Kretprobe
}

var _ Link = (*kretprobeLink)(nil)

func (kl *kretprobeLink) isLink() {}

func (kl *kretprobeLink) Close() error {
	if err := kl.kern.Probes().UnregisterKretprobe(kl.rp); err != nil {
		return fmt.Errorf("close kretprobe %s: %w", kl.rp.Symbol(), err)
	}
	return nil
}
