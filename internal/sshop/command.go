package sshop

import (
	"errors"
	"io"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

// Command runs one remote command and collects its stdout and stderr.
type Command struct {
	op
	command string

	ch        channel.Channel
	buf       []byte
	stdoutEOF bool
	stderrEOF bool
}

func newCommand(conn *channel.Conn, command string) *Command {
	c := &Command{op: newOp(conn, "command"), command: command}
	c.first = c.open
	return c
}

func (c *Command) Command() string { return c.command }

func (c *Command) open() {
	c.Try(func() error {
		ch, err := c.Conn().Session().OpenChannel()
		c.ch = ch
		return err
	}, c.exec)
}

func (c *Command) exec() {
	c.Try(func() error { return c.ch.Exec(c.command) }, func() {
		c.buf = make([]byte, DownloadChunk)
		c.read()
	})
}

// read drains stdout and stderr alternately until both report EOF.
func (c *Command) read() {
	for !c.stdoutEOF || !c.stderrEOF {
		progress := false

		if !c.stdoutEOF {
			ok, err := c.drain(c.ch.Read, &c.stdoutEOF)
			if err != nil {
				c.Fail(err)
				return
			}
			progress = progress || ok
		}
		if !c.stderrEOF {
			ok, err := c.drain(c.ch.ReadStderr, &c.stderrEOF)
			if err != nil {
				c.Fail(err)
				return
			}
			progress = progress || ok
		}

		if !progress {
			c.Wait(c.read)
			return
		}
	}
	c.close()
}

func (c *Command) drain(read func([]byte) (int, error), eof *bool) (bool, error) {
	n, err := read(c.buf)
	if n > 0 {
		c.Output().Write(c.buf[:n])
	}
	switch {
	case errors.Is(err, io.EOF):
		*eof = true
		return true, nil
	case errors.Is(err, channel.ErrWouldBlock):
		return n > 0, nil
	case err != nil:
		return false, err
	}
	return n > 0, nil
}

func (c *Command) close() {
	c.Try(c.ch.Close, func() {
		code := c.ch.ExitStatus()
		msg := ""
		if code != 0 {
			msg = c.ch.ExitSignal()
			log.Debug("remote command exited nonzero",
				"command", c.command, "exit", code, "signal", msg)
		}
		c.Complete(code, msg)
	})
}
