// Package kprobe plants breakpoints on live instruction memory and
// dispatches the resulting traps to probe handlers.
//
// Installing a probe saves the instruction at the target address,
// copies it into a single step slot in executable memory and overwrites
// the original with the architecture's trap opcode. When a task hits
// the trap, HandleBreak runs the pre handlers and redirects the task
// into the slot with the trace flag set. The displaced instruction
// executes there, the debug trap fires at the end of the slot, and
// HandleDebug runs the post handlers before resuming at the next
// original instruction.
//
// Return probes additionally swap the task's return address for a
// return trampoline and park the real one in a retprobe instance. The
// instance stack is strictly LIFO per task, so nested and recursive
// calls unwind in order.
package kprobe
