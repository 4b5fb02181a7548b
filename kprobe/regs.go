package kprobe

// FlagTrace marks a register file as single stepping. It occupies the
// same bit as the x86 trap flag.
const FlagTrace uint64 = 1 << 8

// Regs is the register file of an interrupted task, delivered to probe
// handlers at trap time. Handlers may rewrite it; the task resumes at
// PC with the updated contents.
type Regs struct {
	// PC is the address of the trapping instruction.
	PC uintptr
	// SP is the stack pointer.
	SP uintptr
	// RA is the return address of the current frame.
	RA uintptr
	// Flags holds the trap state flags.
	Flags uint64
	// Args are the integer argument registers.
	Args [6]uint64
	// Ret is the integer return value register.
	Ret uint64
}

// Arg returns the i'th argument register, or 0 when out of range.
func (r *Regs) Arg(i int) uint64 {
	if i < 0 || i >= len(r.Args) {
		return 0
	}
	return r.Args[i]
}

// SingleStepping reports whether the trace flag is set.
func (r *Regs) SingleStepping() bool {
	return r.Flags&FlagTrace != 0
}
