// Package probekit is an in-process rendition of the kernel's dynamic
// instrumentation engine.
//
// The engine patches breakpoints into really mapped, really W^X
// protected executable memory, dispatches the resulting traps to
// kprobes, kretprobes and uprobes, and fans tracepoint events out to a
// bounded trace buffer behind an ftrace style control plane. Programs
// are native Go handlers with a type tag; they receive a typed context
// when their attach point fires and exchange data through maps in the
// manner of eBPF: hashes, arrays, LRU hashes and ring buffers with
// opaque, length checked keys and values.
//
// The embedding environment plays the part of the CPU. It registers
// text images and tasks, and delivers traps by calling
// Kernel.HandleBreak and Kernel.HandleDebug from the "interrupted"
// goroutine; everything downstream of a trap runs synchronously in
// that context and never blocks or sleeps.
//
// The root package holds the Kernel, the map store and the program
// layer. Attaching programs to probes and tracepoints lives in link,
// consuming ring buffer maps in ringbuf, and the engine pieces in
// their own packages: execmem, kprobe, tracepoint, tracefs, ksym and
// ktask.
package probekit
