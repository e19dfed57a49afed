// Package channeltest provides a scripted in-memory Session for exercising
// channel operations without a network.
package channeltest

import (
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

// Primitive names used as keys in Session scripts and the Calls log.
const (
	Handshake   = "handshake"
	OpenChannel = "open_channel"
	Exec        = "exec"
	Read        = "read"
	ReadStderr  = "read_stderr"
	CloseChan   = "close_channel"
	OpenSFTP    = "open_sftp"
	Open        = "open"
	FileRead    = "file_read"
	FileWrite   = "file_write"
	FileClose   = "file_close"
	OpenDir     = "opendir"
	DirNext     = "dir_next"
	Mkdir       = "mkdir"
	Rmdir       = "rmdir"
)

// Socket records arm requests and fires them on demand.
type Socket struct {
	mu      sync.Mutex
	arms    int
	waiters map[int]func()
	nextID  int
}

func (s *Socket) Arm(_ channel.Direction, ready func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters == nil {
		s.waiters = make(map[int]func())
	}
	s.arms++
	id := s.nextID
	s.nextID++
	s.waiters[id] = ready
	return func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}
}

// Fire notifies every armed waiter and returns how many there were.
func (s *Socket) Fire() int {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	ids := make([]int, 0, len(waiters))
	for id := range waiters {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		waiters[id]()
	}
	return len(waiters)
}

func (s *Socket) Arms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arms
}

func (s *Socket) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// CommandResult is what an exec'd command produces.
type CommandResult struct {
	Stdout string
	Stderr string
	Exit   int
	Signal string
}

// Session is a fake channel.Session backed by an in-memory file system.
type Session struct {
	mu sync.Mutex

	sock      Socket
	Direction channel.Direction

	// Script maps a primitive name to the errors its next calls return, in
	// order. A nil entry lets the call run normally.
	Script map[string][]error
	// Commands maps an exact command line to its result.
	Commands map[string]CommandResult
	// Default handles commands missing from Commands.
	Default func(cmd string) CommandResult
	// WriteLimit caps how many bytes a single file write accepts.
	WriteLimit int

	Files map[string][]byte
	Dirs  map[string]bool

	calls  []string
	paths  []string
	execs  []string
	closed bool
}

func NewSession() *Session {
	return &Session{
		Direction: channel.Inbound,
		Script:    make(map[string][]error),
		Commands:  make(map[string]CommandResult),
		Files:     make(map[string][]byte),
		Dirs:      map[string]bool{"/": true},
	}
}

// On appends errors to the script for primitive.
func (s *Session) On(primitive string, errs ...error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Script[primitive] = append(s.Script[primitive], errs...)
	return s
}

// Block scripts n would-block results for primitive.
func (s *Session) Block(primitive string, n int) *Session {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = channel.ErrWouldBlock
	}
	return s.On(primitive, errs...)
}

// Put stores a remote file, creating parent directories.
func (s *Session) Put(p string, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	s.Files[p] = []byte(data)
	s.mkdirAll(path.Dir(p))
}

// MkdirAll creates a remote directory tree.
func (s *Session) MkdirAll(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Clean(p))
}

func (s *Session) mkdirAll(p string) {
	for p != "/" && p != "." && !s.Dirs[p] {
		s.Dirs[p] = true
		p = path.Dir(p)
	}
}

// File returns a remote file's contents.
func (s *Session) File(p string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.Files[path.Clean(p)]
	return string(data), ok
}

func (s *Session) HasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Dirs[path.Clean(p)]
}

// Calls returns every primitive invoked, in order.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns how many times primitive was invoked.
func (s *Session) Count(primitive string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == primitive {
			n++
		}
	}
	return n
}

// Paths returns the SFTP requests made, as "open /p", "mkdir /p" and so on.
func (s *Session) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Execs returns every command passed to Exec.
func (s *Session) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Fire wakes every operation waiting on the socket.
func (s *Session) Fire() int { return s.sock.Fire() }

// Arms returns how many times the socket was armed.
func (s *Session) Arms() int { return s.sock.Arms() }

// Armed returns how many notifications are currently armed.
func (s *Session) Armed() int { return s.sock.Armed() }

// step logs the call and pops the next scripted error for it.
func (s *Session) step(primitive string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, primitive)
	script := s.Script[primitive]
	if len(script) == 0 {
		return nil
	}
	err := script[0]
	s.Script[primitive] = script[1:]
	return err
}

func (s *Session) Socket() channel.Socket { return &s.sock }

func (s *Session) BlockDirections() channel.Direction { return s.Direction }

func (s *Session) Handshake() error { return s.step(Handshake) }

func (s *Session) OpenChannel() (channel.Channel, error) {
	if err := s.step(OpenChannel); err != nil {
		return nil, err
	}
	return &Channel{s: s}, nil
}

func (s *Session) OpenSFTP() (channel.SFTP, error) {
	if err := s.step(OpenSFTP); err != nil {
		return nil, err
	}
	return &SFTP{s: s}, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var errNotExist = &channel.Error{Code: 2, Message: "No such file or directory"}

// Channel is a fake exec channel.
type Channel struct {
	s      *Session
	stdout *strings.Reader
	stderr *strings.Reader
	result CommandResult
}

func (c *Channel) Exec(command string) error {
	if err := c.s.step(Exec); err != nil {
		return err
	}
	c.s.mu.Lock()
	c.s.execs = append(c.s.execs, command)
	res, ok := c.s.Commands[command]
	def := c.s.Default
	c.s.mu.Unlock()
	if !ok && def != nil {
		res = def(command)
	}
	c.result = res
	c.stdout = strings.NewReader(res.Stdout)
	c.stderr = strings.NewReader(res.Stderr)
	return nil
}

func (c *Channel) Read(p []byte) (int, error) {
	if err := c.s.step(Read); err != nil {
		return 0, err
	}
	return c.stdout.Read(p)
}

func (c *Channel) ReadStderr(p []byte) (int, error) {
	if err := c.s.step(ReadStderr); err != nil {
		return 0, err
	}
	return c.stderr.Read(p)
}

func (c *Channel) Close() error       { return c.s.step(CloseChan) }
func (c *Channel) ExitStatus() int    { return c.result.Exit }
func (c *Channel) ExitSignal() string { return c.result.Signal }

// SFTP is a fake SFTP subsystem over the session's file map.
type SFTP struct {
	s *Session
}

func (f *SFTP) Open(p string, flag int, _ os.FileMode) (channel.File, error) {
	if err := f.s.step(Open); err != nil {
		return nil, err
	}
	p = path.Clean(p)
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.paths = append(f.s.paths, "open "+p)

	data, ok := f.s.Files[p]
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		if !f.s.Dirs[path.Dir(p)] {
			return nil, errNotExist
		}
		if flag&os.O_TRUNC != 0 || !ok {
			f.s.Files[p] = nil
		}
		return &File{s: f.s, path: p, write: true}, nil
	}
	if !ok {
		return nil, errNotExist
	}
	return &File{s: f.s, path: p, data: append([]byte(nil), data...)}, nil
}

func (f *SFTP) OpenDir(p string) (channel.Dir, error) {
	if err := f.s.step(OpenDir); err != nil {
		return nil, err
	}
	p = path.Clean(p)
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.paths = append(f.s.paths, "opendir "+p)
	if !f.s.Dirs[p] {
		return nil, errNotExist
	}

	// Entries come back unsorted, as a real server would send them.
	var entries []os.FileInfo
	entries = append(entries, fileInfo{name: ".", dir: true}, fileInfo{name: "..", dir: true})
	for name, data := range f.s.Files {
		if path.Dir(name) == p {
			entries = append(entries, fileInfo{name: path.Base(name), size: int64(len(data))})
		}
	}
	for name := range f.s.Dirs {
		if name != p && path.Dir(name) == p {
			entries = append(entries, fileInfo{name: path.Base(name), dir: true})
		}
	}
	return &Dir{s: f.s, entries: entries}, nil
}

func (f *SFTP) Mkdir(p string, _ os.FileMode) error {
	if err := f.s.step(Mkdir); err != nil {
		return err
	}
	p = path.Clean(p)
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.paths = append(f.s.paths, "mkdir "+p)
	if !f.s.Dirs[path.Dir(p)] {
		return errNotExist
	}
	f.s.Dirs[p] = true
	return nil
}

func (f *SFTP) Rmdir(p string) error {
	if err := f.s.step(Rmdir); err != nil {
		return err
	}
	p = path.Clean(p)
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.paths = append(f.s.paths, "rmdir "+p)
	if !f.s.Dirs[p] {
		return errNotExist
	}
	for name := range f.s.Files {
		if path.Dir(name) == p {
			return &channel.Error{Code: 4, Message: "Directory not empty"}
		}
	}
	for name := range f.s.Dirs {
		if name != p && path.Dir(name) == p {
			return &channel.Error{Code: 4, Message: "Directory not empty"}
		}
	}
	delete(f.s.Dirs, p)
	return nil
}

// File is a fake remote file handle.
type File struct {
	s     *Session
	path  string
	data  []byte
	off   int
	write bool
}

func (f *File) Read(p []byte) (int, error) {
	if err := f.s.step(FileRead); err != nil {
		return 0, err
	}
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	if err := f.s.step(FileWrite); err != nil {
		return 0, err
	}
	if !f.write {
		return 0, errors.New("file not open for writing")
	}
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.WriteLimit > 0 && len(p) > f.s.WriteLimit {
		p = p[:f.s.WriteLimit]
	}
	f.s.Files[f.path] = append(f.s.Files[f.path], p...)
	return len(p), nil
}

func (f *File) Close() error { return f.s.step(FileClose) }

// Dir is a fake directory stream.
type Dir struct {
	s       *Session
	entries []os.FileInfo
	i       int
}

func (d *Dir) Next() (os.FileInfo, error) {
	if err := d.s.step(DirNext); err != nil {
		return nil, err
	}
	if d.i >= len(d.entries) {
		return nil, io.EOF
	}
	e := d.entries[d.i]
	d.i++
	return e, nil
}

func (d *Dir) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() os.FileMode {
	if fi.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }

var _ channel.Session = (*Session)(nil)
