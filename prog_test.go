package probekit

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestProgramHandlerTypes(t *testing.T) {
	k := newTestKernel(t)

	kp := func(*KprobeContext) {}
	krp := func(*KretprobeContext) {}
	tp := func(*TracepointContext) {}
	rtp := func(*RawTracepointContext) {}

	good := []*ProgramSpec{
		{Name: "kp", Type: KProbe, Handler: kp},
		{Name: "up", Type: UProbe, Handler: kp},
		{Name: "krp", Type: KRetProbe, Handler: krp},
		{Name: "tp", Type: Tracepoint, Handler: tp},
		{Name: "rtp", Type: RawTracepoint, Handler: rtp},
	}
	for _, spec := range good {
		p, err := k.NewProgram(spec)
		qt.Assert(t, qt.IsNil(err), qt.Commentf("%s", spec.Type))
		qt.Assert(t, qt.Equals(p.Type(), spec.Type))
		qt.Assert(t, qt.IsNil(p.Close()))
	}

	bad := []*ProgramSpec{
		{Name: "kp", Type: KProbe, Handler: krp},
		{Name: "up", Type: UProbe, Handler: tp},
		{Name: "krp", Type: KRetProbe, Handler: kp},
		{Name: "tp", Type: Tracepoint, Handler: rtp},
		{Name: "rtp", Type: RawTracepoint, Handler: tp},
	}
	for _, spec := range bad {
		_, err := k.NewProgram(spec)
		qt.Assert(t, qt.ErrorIs(err, ErrTypeMismatch), qt.Commentf("%s", spec.Type))
	}

	_, err := k.NewProgram(&ProgramSpec{Name: "none", Type: KProbe})
	qt.Assert(t, qt.IsNotNil(err))

	_, err = k.NewProgram(&ProgramSpec{Name: "mystery", Type: ProgramType(42), Handler: kp})
	qt.Assert(t, qt.ErrorIs(err, ErrNotSupported))

	_, err = k.NewProgram(nil)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestProgramHandlerAccessors(t *testing.T) {
	k := newTestKernel(t)

	p, err := k.NewProgram(&ProgramSpec{
		Name:    "probe",
		Type:    KProbe,
		Handler: func(*KprobeContext) {},
	})
	qt.Assert(t, qt.IsNil(err))
	defer p.Close()

	fn, err := p.KprobeHandler()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNotNil(fn))

	_, err = p.KretprobeHandler()
	qt.Assert(t, qt.ErrorIs(err, ErrTypeMismatch))
	_, err = p.TracepointHandler()
	qt.Assert(t, qt.ErrorIs(err, ErrTypeMismatch))
	_, err = p.RawTracepointHandler()
	qt.Assert(t, qt.ErrorIs(err, ErrTypeMismatch))
}

func TestProgramPinsMaps(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 8)
	id := m.ID()

	p, err := k.NewProgram(&ProgramSpec{
		Name:    "holder",
		Type:    KProbe,
		Handler: func(*KprobeContext) {},
		Maps:    []*Map{m},
	})
	qt.Assert(t, qt.IsNil(err))

	// Closing the user handle leaves the map pinned by the program.
	qt.Assert(t, qt.IsNil(m.Close()))
	_, ok := k.MapByID(id)
	qt.Assert(t, qt.IsTrue(ok))

	var ctx KprobeContext
	qt.Assert(t, qt.IsNil(ctx.MapUpdate(m, uint32(1), uint64(1), UpdateAny)))
	var v uint64
	qt.Assert(t, qt.IsNil(ctx.MapLookup(m, uint32(1), &v)))
	qt.Assert(t, qt.Equals(v, uint64(1)))

	// The last reference going away releases the map for real.
	qt.Assert(t, qt.IsNil(p.Close()))
	_, ok = k.MapByID(id)
	qt.Assert(t, qt.IsFalse(ok))
	qt.Assert(t, qt.ErrorIs(ctx.MapLookup(m, uint32(1), &v), ErrClosed))
}

func TestProgramRejectsDeadMap(t *testing.T) {
	k := newTestKernel(t)
	m := newHashMap(t, k, 8)
	qt.Assert(t, qt.IsNil(m.Close()))

	_, err := k.NewProgram(&ProgramSpec{
		Name:    "stale",
		Type:    KProbe,
		Handler: func(*KprobeContext) {},
		Maps:    []*Map{m},
	})
	qt.Assert(t, qt.ErrorIs(err, ErrClosed))

	_, err = k.NewProgram(&ProgramSpec{
		Name:    "nilref",
		Type:    KProbe,
		Handler: func(*KprobeContext) {},
		Maps:    []*Map{nil},
	})
	qt.Assert(t, qt.IsNotNil(err))
}

func TestProgramClose(t *testing.T) {
	k := newTestKernel(t)

	p, err := k.NewProgram(&ProgramSpec{
		Name:    "probe",
		Type:    KProbe,
		Handler: func(*KprobeContext) {},
	})
	qt.Assert(t, qt.IsNil(err))
	id := p.ID()

	got, ok := k.ProgramByID(id)
	qt.Assert(t, qt.IsTrue(ok))
	qt.Assert(t, qt.Equals(got, p))

	qt.Assert(t, qt.IsNil(p.Close()))
	_, ok = k.ProgramByID(id)
	qt.Assert(t, qt.IsFalse(ok))
	qt.Assert(t, qt.ErrorIs(p.Close(), ErrClosed))

	// A closed program cannot hand out its handler anymore.
	_, err = p.KprobeHandler()
	qt.Assert(t, qt.ErrorIs(err, ErrClosed))
}
