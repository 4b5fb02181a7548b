package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/probekit/probekit"
	"github.com/probekit/probekit/execmem"
	"github.com/probekit/probekit/kprobe"
	"github.com/probekit/probekit/ktask"
	"github.com/probekit/probekit/link"
	"github.com/probekit/probekit/logger"
	"github.com/probekit/probekit/metrics"
	"github.com/probekit/probekit/ringbuf"
	"github.com/probekit/probekit/tracepoint"
)

var le = binary.LittleEndian

// run builds the kernel, instruments a synthetic vfs_read and drives
// the configured number of tasks and calls through it.
func run() error {
	k, err := probekit.New(&probekit.Options{
		ArenaPages:         viper.GetInt(keyArenaPages),
		TraceBufferRecords: viper.GetInt(keyTraceBuffer),
		Logger:             logger.GetLogger(),
	})
	if err != nil {
		return err
	}
	defer k.Close()

	text, err := newTextImage(k, 512)
	if err != nil {
		return err
	}
	insn := uintptr(len(k.Probes().Arch().Nop))
	readAddr := text.Addr() + 8*insn
	k.Symbols().Add("vfs_read", uint64(readAddr), "T")

	tasks := viper.GetInt(keyTasks)
	calls := viper.GetInt(keyCalls)

	counts, err := k.NewMap(&probekit.MapSpec{
		Name: "read_counts", Type: probekit.Hash, KeySize: 8, ValueSize: 8, MaxEntries: 64,
	})
	if err != nil {
		return err
	}
	fdCounts, err := k.NewMap(&probekit.MapSpec{
		Name: "fd_counts", Type: probekit.Hash, KeySize: 4, ValueSize: 8, MaxEntries: 64,
	})
	if err != nil {
		return err
	}
	// Each emitted record costs 24 ring bytes: a 16 byte sample plus
	// the record header. Size the ring so the full workload fits even
	// if the consumer never gets scheduled, since the ring overwrites
	// the oldest records when it wraps.
	ringBytes := uint32(4096)
	for int(ringBytes) < tasks*calls*24 {
		ringBytes *= 2
	}
	events, err := k.NewMap(&probekit.MapSpec{
		Name: "read_events", Type: probekit.RingBuf, MaxEntries: ringBytes,
	})
	if err != nil {
		return err
	}

	ev, err := k.Events().Register("syscalls", "sys_enter_read", []tracepoint.Field{
		{Name: "fd", Kind: tracepoint.FieldU32},
		{Name: "count", Kind: tracepoint.FieldU64},
	})
	if err != nil {
		return err
	}
	// Flip the event on through its control file, the way a tracer
	// sitting on the mounted filesystem would.
	if err := writeControlFile(k, "events/syscalls/sys_enter_read/enable", "1"); err != nil {
		return err
	}
	if filter := viper.GetString(keyFilter); filter != "" {
		if err := writeControlFile(k, "events/syscalls/sys_enter_read/filter", filter); err != nil {
			return fmt.Errorf("filter %q: %w", filter, err)
		}
	}

	progs, links, err := loadPrograms(k, counts, fdCounts, events)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range progs {
			p.Close()
		}
	}()

	expected := tasks * calls

	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error { return consumeEvents(rd, expected) })

	var pipeDone func() error
	if viper.GetBool(keyFollowPipe) {
		pipeDone, err = followPipe(k, &g)
		if err != nil {
			return err
		}
	}

	var workers errgroup.Group
	for i := 0; i < tasks; i++ {
		task, err := k.Tasks().Add(100+i, fmt.Sprintf("worker-%d", i))
		if err != nil {
			return err
		}
		fd := uint32(3 + i)
		workers.Go(func() error {
			for c := 0; c < calls; c++ {
				count := uint64(512 * (c + 1))
				if err := fireRead(k, ev, task, readAddr, fd, count); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := workers.Wait(); err != nil {
		return err
	}

	for _, l := range links {
		if err := l.Close(); err != nil {
			return err
		}
	}
	if pipeDone != nil {
		if err := pipeDone(); err != nil {
			return err
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := rd.Close(); err != nil {
		return err
	}

	if !viper.GetBool(keyFollowPipe) {
		if err := dumpTrace(k); err != nil {
			return err
		}
	}
	if err := dumpMaps(counts, fdCounts); err != nil {
		return err
	}
	if viper.GetBool(keyShowMetrics) {
		return dumpMetrics()
	}
	return nil
}

// newTextImage allocates kernel text filled with native no-ops, so any
// no-op multiple is a valid probe target.
func newTextImage(k *probekit.Kernel, size int) (*execmem.Region, error) {
	text, err := k.Memory().AllocKernel(size)
	if err != nil {
		return nil, err
	}
	nop := k.Probes().Arch().Nop
	err = text.Write(func(b []byte) error {
		for i := range b {
			b[i] = nop[i%len(nop)]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return text, nil
}

// loadPrograms loads the three demo programs and attaches them: an
// entry probe that emits one ring buffer record per call, a return
// probe that counts returns per task and a tracepoint program that
// counts firings per file descriptor.
func loadPrograms(k *probekit.Kernel, counts, fdCounts, events *probekit.Map) ([]*probekit.Program, []link.Link, error) {
	entry, err := k.NewProgram(&probekit.ProgramSpec{
		Name: "emit_read",
		Type: probekit.KProbe,
		Handler: func(ctx *probekit.KprobeContext) {
			rec := make([]byte, 16)
			le.PutUint64(rec, ctx.Task.ID())
			le.PutUint64(rec[8:], ctx.Regs.Arg(2))
			if err := ctx.RingbufOutput(events, rec); err != nil {
				log.WithError(err).Debug("Ring buffer full")
			}
		},
		Maps:    []*probekit.Map{events},
		License: "GPL",
	})
	if err != nil {
		return nil, nil, err
	}

	ret, err := k.NewProgram(&probekit.ProgramSpec{
		Name: "count_read_returns",
		Type: probekit.KRetProbe,
		Handler: func(ctx *probekit.KretprobeContext) {
			id := ctx.Task.ID()
			var n uint64
			_ = ctx.MapLookup(counts, id, &n)
			_ = ctx.MapUpdate(counts, id, n+1, probekit.UpdateAny)
		},
		Maps:    []*probekit.Map{counts},
		License: "GPL",
	})
	if err != nil {
		return nil, nil, err
	}

	tp, err := k.NewProgram(&probekit.ProgramSpec{
		Name: "count_read_fds",
		Type: probekit.Tracepoint,
		Handler: func(ctx *probekit.TracepointContext) {
			f, ok := ctx.Event.Format().Field("fd")
			if !ok {
				return
			}
			v, ok := f.Int(ctx.Record.Data)
			if !ok {
				return
			}
			fd := uint32(v)
			var n uint64
			_ = ctx.MapLookup(fdCounts, fd, &n)
			_ = ctx.MapUpdate(fdCounts, fd, n+1, probekit.UpdateAny)
		},
		Maps:    []*probekit.Map{fdCounts},
		License: "GPL",
	})
	if err != nil {
		return nil, nil, err
	}

	progs := []*probekit.Program{entry, ret, tp}

	kpLink, err := link.Kprobe(k, "vfs_read", entry, nil)
	if err != nil {
		return nil, nil, err
	}
	krLink, err := link.Kretprobe(k, "vfs_read", ret, nil)
	if err != nil {
		return nil, nil, err
	}
	tpLink, err := link.AttachTracepoint(k, link.TracepointOptions{
		Group:   "syscalls",
		Name:    "sys_enter_read",
		Program: tp,
	})
	if err != nil {
		return nil, nil, err
	}

	return progs, []link.Link{kpLink, krLink, tpLink}, nil
}

// fireRead plays one read(2) call: the tracepoint fires at syscall
// entry, then the instrumented function traps on entry, single steps
// and returns through the retprobe trampoline.
func fireRead(k *probekit.Kernel, ev *tracepoint.Event, task *ktask.Task, addr uintptr, fd uint32, count uint64) error {
	payload := make([]byte, ev.Format().PayloadSize())
	if f, ok := ev.Format().Field("fd"); ok {
		le.PutUint32(payload[f.Offset-8:], fd)
	}
	if f, ok := ev.Format().Field("count"); ok {
		le.PutUint64(payload[f.Offset-8:], count)
	}
	ev.Fire(task, []uint64{uint64(fd), 0, count}, payload)

	regs := &kprobe.Regs{PC: addr, SP: 0x7ffd0000, RA: 0xc0de0000}
	regs.Args[0] = uint64(fd)
	regs.Args[2] = count
	if !k.HandleBreak(task, regs) {
		return fmt.Errorf("break at %#x not claimed", addr)
	}
	regs.PC += uintptr(len(k.Probes().Arch().Nop))
	if !k.HandleDebug(task, regs) {
		return fmt.Errorf("step out of %#x not completed", addr)
	}
	regs.PC = regs.RA
	if regs.PC == k.Probes().ReturnTrampoline() {
		regs.Ret = count
		if !k.HandleBreak(task, regs) {
			return fmt.Errorf("trampoline return for %#x not claimed", addr)
		}
	}
	return nil
}

// consumeEvents drains exactly want records from the ring buffer.
func consumeEvents(rd *ringbuf.Reader, want int) error {
	for got := 0; got < want; got++ {
		rec, err := rd.Read()
		if err != nil {
			return fmt.Errorf("after %d ring buffer records: %w", got, err)
		}
		if len(rec.RawSample) >= 16 {
			log.WithFields(logrus.Fields{
				"task":  le.Uint64(rec.RawSample),
				"count": le.Uint64(rec.RawSample[8:]),
			}).Debug("Ring buffer record")
		}
	}
	log.WithField("records", want).Info("Ring buffer drained")
	return nil
}

// followPipe streams trace_pipe to stdout until the returned stop
// function is called.
func followPipe(k *probekit.Kernel, g *errgroup.Group) (func() error, error) {
	f, err := k.Tracefs().Open("trace_pipe")
	if err != nil {
		return nil, err
	}
	g.Go(func() error {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fmt.Println(sc.Text())
		}
		err := sc.Err()
		if err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, probekit.ErrStreamClosed) {
			return err
		}
		return nil
	})
	return f.Close, nil
}

func writeControlFile(k *probekit.Kernel, name, value string) error {
	f, err := k.Tracefs().Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	w, ok := f.(io.Writer)
	if !ok {
		return fmt.Errorf("%s is read only", name)
	}
	if _, err := w.Write([]byte(value)); err != nil {
		return err
	}
	return nil
}

func dumpTrace(k *probekit.Kernel) error {
	b, err := fs.ReadFile(k.Tracefs(), "trace")
	if err != nil {
		return err
	}
	fmt.Print(string(b))
	return nil
}

func dumpMaps(counts, fdCounts *probekit.Map) error {
	type kv struct {
		k uint64
		v uint64
	}

	var rows []kv
	var id, n uint64
	it := counts.Iterate()
	for it.Next(&id, &n) {
		rows = append(rows, kv{id, n})
	}
	if err := it.Err(); err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].k < rows[j].k })
	fmt.Printf("\n%s:\n", counts)
	for _, r := range rows {
		fmt.Printf("  task %d: %d returns\n", r.k, r.v)
	}

	rows = rows[:0]
	var fd uint32
	it = fdCounts.Iterate()
	for it.Next(&fd, &n) {
		rows = append(rows, kv{uint64(fd), n})
	}
	if err := it.Err(); err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].k < rows[j].k })
	fmt.Printf("%s:\n", fdCounts)
	for _, r := range rows {
		fmt.Printf("  fd %d: %d entries\n", r.k, r.v)
	}
	return nil
}

func dumpMetrics() error {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Println()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			fmt.Printf("%s %v\n", name, m.GetCounter().GetValue())
		}
	}
	return nil
}
