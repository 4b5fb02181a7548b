package tracepoint

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/probekit/probekit/metrics"
)

type testTask struct {
	id   uint64
	comm string
	cpu  int
}

func (t *testTask) ID() uint64   { return t.id }
func (t *testTask) Name() string { return t.comm }
func (t *testTask) CPU() int     { return t.cpu }

var wakeupFields = []Field{
	{Name: "comm", Kind: FieldString, Len: 16},
	{Name: "pid", Kind: FieldS32},
	{Name: "prio", Kind: FieldS32},
}

// wakeupPayload lays out the payload of the test event: char[16] at 0,
// two ints behind it.
func wakeupPayload(comm string, pid, prio int32) []byte {
	b := make([]byte, 24)
	copy(b, comm)
	le.PutUint32(b[16:], uint32(pid))
	le.PutUint32(b[20:], uint32(prio))
	return b
}

func newTestManager(t *testing.T, opts *Options) *Manager {
	t.Helper()
	m, err := NewManager(opts)
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func registerWakeup(t *testing.T, m *Manager) *Event {
	t.Helper()
	e, err := m.Register("sched", "sched_wakeup", wakeupFields)
	qt.Assert(t, qt.IsNil(err))
	return e
}

func TestRegisterAndLookup(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	qt.Assert(t, qt.Equals(e.Subsystem(), "sched"))
	qt.Assert(t, qt.Equals(e.Name(), "sched_wakeup"))
	qt.Assert(t, qt.Equals(e.ID(), uint32(1)))
	qt.Assert(t, qt.IsFalse(e.Enabled()))

	_, err := m.Register("sched", "sched_wakeup", nil)
	qt.Assert(t, qt.ErrorIs(err, os.ErrExist))
	_, err = m.Register("bad/name", "x", nil)
	qt.Assert(t, qt.IsNotNil(err))

	got, err := m.Lookup("sched", "sched_wakeup")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, e))

	got, err = m.ByID(1)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, e))

	got, err = m.Find("sched_wakeup")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got, e))

	_, err = m.Lookup("sched", "nope")
	qt.Assert(t, qt.ErrorIs(err, os.ErrNotExist))
	_, err = m.ByID(99)
	qt.Assert(t, qt.ErrorIs(err, os.ErrNotExist))

	qt.Assert(t, qt.DeepEquals(m.Subsystems(), []string{"sched"}))
	sub, err := m.Subsystem("sched")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(sub.Events(), []string{"sched_wakeup"}))
}

func TestFormatText(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)

	text := e.Format().Text()
	qt.Assert(t, qt.StringContains(text, "name: sched_wakeup\n"))
	qt.Assert(t, qt.StringContains(text, "ID: 1\n"))
	qt.Assert(t, qt.StringContains(text, "\tfield:int common_pid;\toffset:4;\tsize:4;\tsigned:1;\n"))
	qt.Assert(t, qt.StringContains(text, "\tfield:char comm[16];\toffset:8;\tsize:16;\tsigned:0;\n"))
	qt.Assert(t, qt.StringContains(text, "\tfield:int pid;\toffset:24;\tsize:4;\tsigned:1;\n"))
	qt.Assert(t, qt.StringContains(text, "\tfield:int prio;\toffset:28;\tsize:4;\tsigned:1;\n"))
	qt.Assert(t, qt.StringContains(text, `print fmt: "comm=%s pid=%d prio=%d", REC->comm, REC->pid, REC->prio`))

	qt.Assert(t, qt.Equals(e.Format().Size(), 32))
	qt.Assert(t, qt.Equals(e.Format().PayloadSize(), 24))
}

func TestDisabledEventDoesNothing(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	task := &testTask{id: 7, comm: "cat"}

	recorded := testutil.ToFloat64(metrics.TraceRecords)
	fired := 0
	e.AttachHandler(func(Task, Record) { fired++ })

	e.Fire(task, nil, wakeupPayload("cat", 7, 0))
	qt.Assert(t, qt.Equals(fired, 0))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(metrics.TraceRecords), recorded))
	qt.Assert(t, qt.IsFalse(strings.Contains(m.TraceSnapshot(), "sched_wakeup")))

	e.SetEnabled(true)
	e.Fire(task, nil, wakeupPayload("cat", 7, 0))
	qt.Assert(t, qt.Equals(fired, 1))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(metrics.TraceRecords), recorded+1))
	qt.Assert(t, qt.StringContains(m.TraceSnapshot(), "sched_wakeup: comm=cat pid=7 prio=0"))
}

func TestRawHandlersAlwaysRun(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)

	var rawArgs []uint64
	tok := e.AttachRaw(func(_ Task, args []uint64) {
		rawArgs = append([]uint64(nil), args...)
	})

	// Disabled, no payload work: the raw handler still sees the args.
	e.Fire(nil, []uint64{1, 2, 3}, nil)
	qt.Assert(t, qt.DeepEquals(rawArgs, []uint64{1, 2, 3}))
	qt.Assert(t, qt.IsFalse(strings.Contains(m.TraceSnapshot(), "sched_wakeup")))

	qt.Assert(t, qt.IsTrue(e.Detach(tok)))
	qt.Assert(t, qt.IsFalse(e.Detach(tok)))

	rawArgs = nil
	e.Fire(nil, []uint64{4}, nil)
	qt.Assert(t, qt.HasLen(rawArgs, 0))
}

func TestHandlerSeesRecord(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	var got Record
	e.AttachHandler(func(_ Task, rec Record) { got = rec })
	e.Fire(&testTask{id: 42, comm: "cat", cpu: 2}, nil, wakeupPayload("cat", 42, 5))

	qt.Assert(t, qt.Equals(got.EventID(), e.ID()))
	qt.Assert(t, qt.Equals(got.PID(), uint32(42)))
	qt.Assert(t, qt.Equals(got.CPU, uint32(2)))
	qt.Assert(t, qt.IsTrue(got.TS > 0))

	pid, ok := e.Format().fields[1].Int(got.Data)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(pid, int64(42)))
	comm, ok := e.Format().fields[0].Str(got.Data)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(comm, "cat"))
}

// assembledRecord builds the record a firing is expected to produce,
// timestamp aside.
func assembledRecord(id uint32, pid, cpu uint32, payload []byte) Record {
	data := make([]byte, commonLen+len(payload))
	le.PutUint16(data[commonTypeOffset:], uint16(id))
	le.PutUint32(data[commonPIDOffset:], pid)
	copy(data[commonLen:], payload)
	return Record{CPU: cpu, Data: data}
}

func TestRecordAssembly(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	var got []Record
	e.AttachHandler(func(_ Task, rec Record) { got = append(got, rec) })

	e.Fire(&testTask{id: 3, comm: "cat", cpu: 1}, nil, wakeupPayload("cat", 3, 10))
	e.Fire(nil, nil, wakeupPayload("idle", 0, 0))

	want := []Record{
		assembledRecord(e.ID(), 3, 1, wakeupPayload("cat", 3, 10)),
		assembledRecord(e.ID(), 0, 0, wakeupPayload("idle", 0, 0)),
	}
	qt.Assert(t, qt.CmpEquals(got, want, cmpopts.IgnoreFields(Record{}, "TS")))
	for _, rec := range got {
		qt.Assert(t, qt.IsTrue(rec.TS > 0))
	}
}

func TestFilterGatesRecording(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	fired := 0
	e.AttachHandler(func(Task, Record) { fired++ })
	qt.Assert(t, qt.IsNil(e.SetFilter("pid > 10")))
	qt.Assert(t, qt.Equals(e.Filter(), "pid > 10"))

	drops := testutil.ToFloat64(metrics.FilterDrops)
	e.Fire(nil, nil, wakeupPayload("x", 5, 0))
	qt.Assert(t, qt.Equals(fired, 0))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(metrics.FilterDrops), drops+1))

	e.Fire(nil, nil, wakeupPayload("x", 11, 0))
	qt.Assert(t, qt.Equals(fired, 1))

	snap := m.TraceSnapshot()
	qt.Assert(t, qt.StringContains(snap, "pid=11"))
	qt.Assert(t, qt.IsFalse(strings.Contains(snap, "pid=5")))

	// Clearing restores unconditional pass.
	qt.Assert(t, qt.IsNil(e.SetFilter("0")))
	qt.Assert(t, qt.Equals(e.Filter(), ""))
	e.Fire(nil, nil, wakeupPayload("x", 5, 0))
	qt.Assert(t, qt.Equals(fired, 2))
}

func TestPipeOrderingAndLateReader(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	early := m.OpenPipe()
	defer early.Close()

	e.Fire(nil, nil, wakeupPayload("a", 1, 0))

	late := m.OpenPipe()
	defer late.Close()

	e.Fire(nil, nil, wakeupPayload("b", 2, 0))
	e.Fire(nil, nil, wakeupPayload("c", 3, 0))

	buf := make([]byte, 4096)
	n, err := early.Read(buf)
	qt.Assert(t, qt.IsNil(err))
	lines := strings.Split(strings.TrimSuffix(string(buf[:n]), "\n"), "\n")
	qt.Assert(t, qt.HasLen(lines, 3))
	qt.Assert(t, qt.StringContains(lines[0], "pid=1"))
	qt.Assert(t, qt.StringContains(lines[1], "pid=2"))
	qt.Assert(t, qt.StringContains(lines[2], "pid=3"))

	n, err = late.Read(buf)
	qt.Assert(t, qt.IsNil(err))
	lines = strings.Split(strings.TrimSuffix(string(buf[:n]), "\n"), "\n")
	qt.Assert(t, qt.HasLen(lines, 2))
	qt.Assert(t, qt.StringContains(lines[0], "pid=2"))
	qt.Assert(t, qt.StringContains(lines[1], "pid=3"))
}

func TestPipeBlocksUntilData(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	s := m.OpenPipe()
	defer s.Close()

	type result struct {
		line string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := s.Read(buf)
		got <- result{line: string(buf[:n]), err: err}
	}()

	select {
	case r := <-got:
		t.Fatalf("read returned early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	e.Fire(nil, nil, wakeupPayload("a", 1, 0))
	select {
	case r := <-got:
		qt.Assert(t, qt.IsNil(r.err))
		qt.Assert(t, qt.StringContains(r.line, "pid=1"))
	case <-time.After(2 * time.Second):
		t.Fatal("read did not wake up")
	}
}

func TestPipeCloseSemantics(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	s := m.OpenPipe()
	e.Fire(nil, nil, wakeupPayload("a", 1, 0))
	qt.Assert(t, qt.IsNil(m.Close()))

	// Buffered data drains first, then the stream reports closure.
	buf := make([]byte, 4096)
	n, err := s.Read(buf)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.StringContains(string(buf[:n]), "pid=1"))

	_, err = s.Read(buf)
	qt.Assert(t, qt.ErrorIs(err, ErrStreamClosed))

	// A reader closed by its owner reports os.ErrClosed instead.
	s2 := m.OpenPipe()
	qt.Assert(t, qt.IsNil(s2.Close()))
	_, err = s2.Read(buf)
	qt.Assert(t, qt.ErrorIs(err, os.ErrClosed))
}

func TestCloseWakesBlockedReader(t *testing.T) {
	m := newTestManager(t, nil)
	registerWakeup(t, m)

	s := m.OpenPipe()
	errs := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 64))
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	qt.Assert(t, qt.IsNil(m.Close()))

	select {
	case err := <-errs:
		qt.Assert(t, qt.ErrorIs(err, ErrStreamClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader did not wake on close")
	}
}

func TestBufferOverwritesOldest(t *testing.T) {
	m := newTestManager(t, &Options{BufferRecords: 2})
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	lost := testutil.ToFloat64(metrics.PipeLost)
	e.Fire(nil, nil, wakeupPayload("a", 1, 0))
	e.Fire(nil, nil, wakeupPayload("b", 2, 0))
	e.Fire(nil, nil, wakeupPayload("c", 3, 0))
	qt.Assert(t, qt.Equals(testutil.ToFloat64(metrics.PipeLost), lost+1))

	snap := m.TraceSnapshot()
	qt.Assert(t, qt.StringContains(snap, "entries-in-buffer/entries-written: 2/3"))
	qt.Assert(t, qt.IsFalse(strings.Contains(snap, "pid=1")))
	qt.Assert(t, qt.StringContains(snap, "pid=2"))
	qt.Assert(t, qt.StringContains(snap, "pid=3"))

	m.ResetTrace()
	snap = m.TraceSnapshot()
	qt.Assert(t, qt.StringContains(snap, "entries-in-buffer/entries-written: 0/3"))
	qt.Assert(t, qt.IsFalse(strings.Contains(snap, "pid=")))
}

func TestSavedCmdlines(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	e.Fire(&testTask{id: 9, comm: "dog"}, nil, wakeupPayload("dog", 9, 0))
	e.Fire(&testTask{id: 7, comm: "cat"}, nil, wakeupPayload("cat", 7, 0))

	qt.Assert(t, qt.Equals(m.SavedCmdlines(), "7 cat\n9 dog\n"))
	qt.Assert(t, qt.Equals(m.CmdlineCap(), DefaultCmdlineCap))

	// Rendering uses the cache; an unknown pid renders as <...>.
	snap := m.TraceSnapshot()
	qt.Assert(t, qt.StringContains(snap, "cat-7"))
	qt.Assert(t, qt.StringContains(snap, "dog-9"))

	qt.Assert(t, qt.IsNil(m.SetCmdlineCap(1)))
	qt.Assert(t, qt.Equals(m.CmdlineCap(), 1))
	qt.Assert(t, qt.HasLen(m.cmdlines.Entries(), 1))

	qt.Assert(t, qt.IsNotNil(m.SetCmdlineCap(0)))
}

func TestUnknownCommRenders(t *testing.T) {
	m := newTestManager(t, nil)
	e := registerWakeup(t, m)
	e.SetEnabled(true)

	// No task context: pid 0, no cmdline entry.
	e.Fire(nil, nil, wakeupPayload("x", 1, 0))
	qt.Assert(t, qt.StringContains(m.TraceSnapshot(), "<...>-0"))
}

func TestRegisterAfterManagerClose(t *testing.T) {
	m := newTestManager(t, nil)
	qt.Assert(t, qt.IsNil(m.Close()))
	_, err := m.Register("sched", "sched_wakeup", nil)
	qt.Assert(t, qt.ErrorIs(err, os.ErrClosed))
}
