package sshop

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

// sftpStep fetches the connection's shared SFTP session, then runs next.
func sftpStep(r *channel.Runner, next func(channel.SFTP)) {
	r.Conn().SFTP(func(s channel.SFTP, err error) {
		if r.Done() {
			return
		}
		if err != nil {
			r.Fail(err)
			return
		}
		next(s)
	})
}

// FileDownload copies one remote file to a local path.
type FileDownload struct {
	op
	remote, local string

	file channel.File
	out  *os.File
	buf  []byte
}

func newFileDownload(conn *channel.Conn, remote, local string) *FileDownload {
	d := &FileDownload{op: newOp(conn, "download"), remote: remote, local: local}
	d.first = d.start
	d.OnComplete(func(channel.Result) {
		if d.out != nil {
			d.out.Close()
		}
	})
	return d
}

func (d *FileDownload) start() {
	out, err := os.Create(d.local)
	if err != nil {
		d.FailWith(-1, fmt.Sprintf("could not open local file %s: %v", d.local, err))
		return
	}
	d.out = out
	d.buf = make([]byte, DownloadChunk)

	sftpStep(d.Runner, func(s channel.SFTP) {
		d.Try(func() error {
			f, err := s.Open(d.remote, os.O_RDONLY, 0)
			d.file = f
			return err
		}, d.read)
	})
}

func (d *FileDownload) read() {
	for {
		n, err := d.file.Read(d.buf)
		if n > 0 {
			if _, werr := d.out.Write(d.buf[:n]); werr != nil {
				d.FailWith(-1, fmt.Sprintf("could not write %s: %v", d.local, werr))
				return
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			d.finish()
			return
		case errors.Is(err, channel.ErrWouldBlock):
			d.Wait(d.read)
			return
		case err != nil:
			d.Fail(err)
			return
		}
	}
}

func (d *FileDownload) finish() {
	d.Try(d.file.Close, func() {
		if err := d.out.Close(); err != nil {
			d.out = nil
			d.FailWith(-1, fmt.Sprintf("could not close %s: %v", d.local, err))
			return
		}
		d.out = nil
		d.Complete(0, "")
	})
}

// FileUpload copies one local file to a remote path.
type FileUpload struct {
	op
	local, remote string

	file    channel.File
	in      *os.File
	buf     []byte
	pending []byte
	inEOF   bool
}

func newFileUpload(conn *channel.Conn, local, remote string) *FileUpload {
	u := &FileUpload{op: newOp(conn, "upload"), local: local, remote: remote}
	u.first = u.start
	u.OnComplete(func(channel.Result) {
		if u.in != nil {
			u.in.Close()
		}
	})
	return u
}

func (u *FileUpload) start() {
	in, err := os.Open(u.local)
	if err != nil {
		u.FailWith(-1, fmt.Sprintf("could not open local file %s: %v", u.local, err))
		return
	}
	u.in = in
	u.buf = make([]byte, UploadChunk)

	sftpStep(u.Runner, func(s channel.SFTP) {
		u.Try(func() error {
			f, err := s.Open(u.remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			u.file = f
			return err
		}, u.write)
	})
}

func (u *FileUpload) write() {
	for {
		if len(u.pending) == 0 {
			if u.inEOF {
				u.Try(u.file.Close, func() { u.Complete(0, "") })
				return
			}
			n, err := u.in.Read(u.buf)
			if errors.Is(err, io.EOF) {
				u.inEOF = true
			} else if err != nil {
				u.FailWith(-1, fmt.Sprintf("could not read %s: %v", u.local, err))
				return
			}
			u.pending = u.buf[:n]
			continue
		}

		n, err := u.file.Write(u.pending)
		u.pending = u.pending[n:]
		switch {
		case errors.Is(err, channel.ErrWouldBlock):
			u.Wait(u.write)
			return
		case err != nil:
			u.Fail(err)
			return
		}
	}
}

// Rmdir removes one empty remote directory.
type Rmdir struct {
	op
	remote string
}

func newRmdir(conn *channel.Conn, remote string) *Rmdir {
	r := &Rmdir{op: newOp(conn, "rmdir"), remote: remote}
	r.first = func() {
		sftpStep(r.Runner, func(s channel.SFTP) {
			r.Try(func() error { return s.Rmdir(r.remote) }, func() { r.Complete(0, "") })
		})
	}
	return r
}
