// Package tracefs exposes the tracing control plane of a
// tracepoint.Manager as an fs.FS, shaped like the kernel's tracing
// directory: events/<subsystem>/<event>/{enable,format,filter,id}, the
// trace snapshot, the blocking trace_pipe stream and the saved command
// name files. Files that accept writes implement io.Writer on the
// handle returned by Open.
package tracefs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/probekit/probekit/tracepoint"
)

// ErrInvalidInput is returned for writes a control file does not
// accept.
var ErrInvalidInput = errors.New("invalid input")

// FS serves the control plane. It implements fs.FS, fs.ReadDirFS and
// fs.StatFS.
type FS struct {
	m     *tracepoint.Manager
	birth time.Time
}

// New returns the control plane surface of m.
func New(m *tracepoint.Manager) *FS {
	return &FS{m: m, birth: time.Now()}
}

// Manager returns the event directory behind the file system.
func (fsys *FS) Manager() *tracepoint.Manager { return fsys.m }

// Open opens the named control file. Handles onto enable, filter,
// trace and saved_cmdlines_size also implement io.Writer.
func (fsys *FS) Open(name string) (fs.File, error) {
	f, err := fsys.open(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

func (fsys *FS) open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}
	m := fsys.m

	switch name {
	case ".":
		return fsys.dir(name, fsys.rootEntries()), nil
	case "events":
		return fsys.dir(name, fsys.subsystemEntries()), nil
	case "trace":
		return fsys.file(name, m.TraceSnapshot(), 0o644, func([]byte) error {
			m.ResetTrace()
			return nil
		}), nil
	case "trace_pipe":
		return &pipeFile{info: fsys.info("trace_pipe", 0o444), s: m.OpenPipe()}, nil
	case "saved_cmdlines":
		return fsys.file(name, m.SavedCmdlines(), 0o444, nil), nil
	case "saved_cmdlines_size":
		return fsys.file(name, fmt.Sprintf("%d\n", m.CmdlineCap()), 0o644, func(b []byte) error {
			n, err := strconv.Atoi(strings.TrimSpace(string(b)))
			if err != nil {
				return fmt.Errorf("%w: %q", ErrInvalidInput, string(b))
			}
			return m.SetCmdlineCap(n)
		}), nil
	}

	rest, ok := strings.CutPrefix(name, "events/")
	if !ok {
		return nil, fs.ErrNotExist
	}
	segs := strings.Split(rest, "/")
	switch len(segs) {
	case 1:
		sub, err := m.Subsystem(segs[0])
		if err != nil {
			return nil, err
		}
		entries := make([]fs.DirEntry, 0, len(sub.Events()))
		for _, ev := range sub.Events() {
			entries = append(entries, fsys.dirEntry(ev))
		}
		return fsys.dir(name, entries), nil
	case 2:
		if _, err := m.Lookup(segs[0], segs[1]); err != nil {
			return nil, err
		}
		return fsys.dir(name, []fs.DirEntry{
			fsys.fileEntry("enable", 0o644),
			fsys.fileEntry("filter", 0o644),
			fsys.fileEntry("format", 0o444),
			fsys.fileEntry("id", 0o444),
		}), nil
	case 3:
		ev, err := m.Lookup(segs[0], segs[1])
		if err != nil {
			return nil, err
		}
		return fsys.eventFile(ev, segs[2])
	}
	return nil, fs.ErrNotExist
}

func (fsys *FS) eventFile(ev *tracepoint.Event, leaf string) (fs.File, error) {
	switch leaf {
	case "enable":
		v := "0\n"
		if ev.Enabled() {
			v = "1\n"
		}
		return fsys.file(leaf, v, 0o644, func(b []byte) error {
			switch strings.TrimSuffix(string(b), "\n") {
			case "0":
				ev.SetEnabled(false)
			case "1":
				ev.SetEnabled(true)
			default:
				return fmt.Errorf("%w: %q", ErrInvalidInput, string(b))
			}
			return nil
		}), nil
	case "filter":
		src := ev.Filter()
		if src == "" {
			src = "none"
		}
		return fsys.file(leaf, src+"\n", 0o644, func(b []byte) error {
			return ev.SetFilter(strings.TrimSuffix(string(b), "\n"))
		}), nil
	case "format":
		return fsys.file(leaf, ev.Format().Text(), 0o444, nil), nil
	case "id":
		return fsys.file(leaf, fmt.Sprintf("%d\n", ev.ID()), 0o444, nil), nil
	}
	return nil, fs.ErrNotExist
}

// ReadDir lists the named directory.
func (fsys *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, ok := f.(*dirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	return d.entries, nil
}

// Stat describes the named control file.
func (fsys *FS) Stat(name string) (fs.FileInfo, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (fsys *FS) rootEntries() []fs.DirEntry {
	return []fs.DirEntry{
		fsys.dirEntry("events"),
		fsys.fileEntry("saved_cmdlines", 0o444),
		fsys.fileEntry("saved_cmdlines_size", 0o644),
		fsys.fileEntry("trace", 0o644),
		fsys.fileEntry("trace_pipe", 0o444),
	}
}

func (fsys *FS) subsystemEntries() []fs.DirEntry {
	subs := fsys.m.Subsystems()
	entries := make([]fs.DirEntry, 0, len(subs))
	for _, sub := range subs {
		entries = append(entries, fsys.dirEntry(sub))
	}
	return entries
}

// Control files stat with size zero, like the kernel's tracing files.
func (fsys *FS) info(name string, mode fs.FileMode) fileInfo {
	return fileInfo{name: path.Base(name), mode: mode, mod: fsys.birth}
}

func (fsys *FS) file(name, content string, mode fs.FileMode, write func([]byte) error) *textFile {
	return &textFile{
		info:  fsys.info(name, mode),
		r:     strings.NewReader(content),
		write: write,
	}
}

func (fsys *FS) dir(name string, entries []fs.DirEntry) *dirFile {
	return &dirFile{
		info:    fsys.info(name, fs.ModeDir | 0o555),
		entries: entries,
	}
}

func (fsys *FS) dirEntry(name string) fs.DirEntry {
	return dirEntry{info: fsys.info(name, fs.ModeDir | 0o555)}
}

func (fsys *FS) fileEntry(name string, mode fs.FileMode) fs.DirEntry {
	return dirEntry{info: fsys.info(name, mode)}
}

type fileInfo struct {
	name string
	mode fs.FileMode
	mod  time.Time
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return 0 }
func (i fileInfo) Mode() fs.FileMode  { return i.mode }
func (i fileInfo) ModTime() time.Time { return i.mod }
func (i fileInfo) IsDir() bool        { return i.mode.IsDir() }
func (i fileInfo) Sys() any           { return nil }

type dirEntry struct {
	info fileInfo
}

func (e dirEntry) Name() string               { return e.info.name }
func (e dirEntry) IsDir() bool                { return e.info.IsDir() }
func (e dirEntry) Type() fs.FileMode          { return e.info.mode.Type() }
func (e dirEntry) Info() (fs.FileInfo, error) { return e.info, nil }

// textFile is a control file whose contents were snapshotted at open.
type textFile struct {
	info   fileInfo
	r      *strings.Reader
	write  func([]byte) error
	closed bool
}

func (f *textFile) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *textFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.Read(p)
}

func (f *textFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if f.write == nil {
		return 0, fs.ErrPermission
	}
	if err := f.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *textFile) Close() error {
	f.closed = true
	return nil
}

// pipeFile streams rendered trace lines, blocking until data arrives.
type pipeFile struct {
	info fileInfo
	s    *tracepoint.Stream
}

func (f *pipeFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *pipeFile) Read(p []byte) (int, error) { return f.s.Read(p) }
func (f *pipeFile) Close() error               { return f.s.Close() }

// dirFile lists a control plane directory.
type dirFile struct {
	info    fileInfo
	entries []fs.DirEntry
	pos     int
}

func (d *dirFile) Stat() (fs.FileInfo, error) { return d.info, nil }
func (d *dirFile) Close() error               { return nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: fs.ErrInvalid}
}

func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if n <= 0 {
		rest := d.entries[d.pos:]
		d.pos = len(d.entries)
		return rest, nil
	}
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := d.entries[d.pos:end]
	d.pos = end
	return out, nil
}
