package sshop

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

// dirTransfer runs one child per entry, files first, each after the
// previous one finished. A failed child does not stop its siblings; the
// first failure becomes the transfer's result.
type dirTransfer struct {
	op
	loop channel.Poster

	files, dirs []string
	idx         int
	current     Operation
	firstErr    *channel.Result
	spawn       func(name string, isDir bool) child
}

func (t *dirTransfer) Cancel() {
	if t.current != nil {
		t.current.Cancel()
	}
	t.Runner.Cancel()
}

// Entries returns the children in the order they run.
func (t *dirTransfer) Entries() []string {
	out := append([]string(nil), t.files...)
	return append(out, t.dirs...)
}

func (t *dirTransfer) sortEntries() {
	sort.Strings(t.files)
	sort.Strings(t.dirs)
}

func (t *dirTransfer) next() {
	if t.Done() {
		return
	}
	var c child
	switch {
	case t.idx < len(t.files):
		c = t.spawn(t.files[t.idx], false)
	case t.idx < len(t.files)+len(t.dirs):
		c = t.spawn(t.dirs[t.idx-len(t.files)], true)
	default:
		t.current = nil
		if t.firstErr != nil {
			t.FailWith(t.firstErr.ErrorCode, t.firstErr.ErrorString)
			return
		}
		t.Complete(0, "")
		return
	}
	t.idx++
	t.current = c

	c.OnComplete(func(res channel.Result) {
		if res.Failed() {
			log.Warn("directory transfer entry failed",
				"kind", t.Kind(), "code", res.ErrorCode, "error", res.ErrorString)
			if t.firstErr == nil {
				t.firstErr = &res
			}
		}
		t.loop.Post(t.next)
	})
	c.run()
}

// DirDownload mirrors a remote directory under a local parent.
type DirDownload struct {
	dirTransfer
	remote, target string
	dir            channel.Dir
}

func newDirDownload(loop channel.Poster, conn *channel.Conn, remote, localParent string) *DirDownload {
	d := &DirDownload{
		dirTransfer: dirTransfer{op: newOp(conn, "dir-download"), loop: loop},
		remote:      remote,
		target:      filepath.Join(localParent, path.Base(remote)),
	}
	d.first = d.start
	d.spawn = func(name string, isDir bool) child {
		if isDir {
			return newDirDownload(loop, conn, path.Join(d.remote, name), d.target)
		}
		return newFileDownload(conn, path.Join(d.remote, name), filepath.Join(d.target, name))
	}
	return d
}

func (d *DirDownload) start() {
	if err := os.MkdirAll(d.target, 0o755); err != nil {
		d.FailWith(-1, fmt.Sprintf("could not create local directory %s: %v", d.target, err))
		return
	}
	sftpStep(d.Runner, func(s channel.SFTP) {
		d.Try(func() error {
			dir, err := s.OpenDir(d.remote)
			d.dir = dir
			return err
		}, d.list)
	})
}

func (d *DirDownload) list() {
	for {
		fi, err := d.dir.Next()
		switch {
		case errors.Is(err, io.EOF):
			d.dir.Close()
			d.sortEntries()
			d.next()
			return
		case errors.Is(err, channel.ErrWouldBlock):
			d.Wait(d.list)
			return
		case err != nil:
			d.dir.Close()
			d.Fail(err)
			return
		}

		name := fi.Name()
		if name == "." || name == ".." {
			continue
		}
		if fi.IsDir() {
			d.dirs = append(d.dirs, name)
		} else {
			d.files = append(d.files, name)
		}
	}
}

// DirUpload mirrors the contents of a local directory into a remote one.
type DirUpload struct {
	dirTransfer
	local, remote string
}

func newDirUpload(loop channel.Poster, conn *channel.Conn, local, remote string) *DirUpload {
	u := &DirUpload{
		dirTransfer: dirTransfer{op: newOp(conn, "dir-upload"), loop: loop},
		local:       local,
		remote:      remote,
	}
	u.first = u.start
	u.spawn = func(name string, isDir bool) child {
		if isDir {
			return newDirUpload(loop, conn, filepath.Join(u.local, name), path.Join(u.remote, name))
		}
		return newFileUpload(conn, filepath.Join(u.local, name), path.Join(u.remote, name))
	}
	return u
}

func (u *DirUpload) start() {
	entries, err := os.ReadDir(u.local)
	if err != nil {
		u.FailWith(-1, fmt.Sprintf("could not list local directory %s: %v", u.local, err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			u.dirs = append(u.dirs, e.Name())
		} else {
			u.files = append(u.files, e.Name())
		}
	}
	u.sortEntries()

	sftpStep(u.Runner, func(s channel.SFTP) {
		u.Try(func() error { return s.Mkdir(u.remote, 0o755) }, u.next)
	})
}
