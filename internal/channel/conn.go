package channel

import (
	"errors"
	"log/slog"
)

type connState int

const (
	connIdle connState = iota
	connConnecting
	connReady
)

// watch is one readiness registration. Bumping gen invalidates any
// notification that is still in flight.
type watch struct {
	gen     uint64
	armed   bool
	disable func()
	arms    int
}

// Conn owns a Session. It performs the handshake on first use, opens the
// shared SFTP subsystem lazily, and runs its operations one after another.
type Conn struct {
	loop    Poster
	session Session
	log     *slog.Logger

	state     connState
	hsWatch   watch
	hsWaiters []func(error)

	sftp        SFTP
	sftpOpening bool
	sftpWatch   watch
	sftpWaiters []func(SFTP, error)

	queue []queued
	busy  bool
}

type queued struct {
	runner *Runner
	first  func()
}

func NewConn(loop Poster, session Session, name string) *Conn {
	return &Conn{
		loop:    loop,
		session: session,
		log:     slog.With("component", "channel", "conn", name),
	}
}

func (c *Conn) Session() Session { return c.session }

// Close drops the shared SFTP handle and closes the session.
func (c *Conn) Close() error {
	c.sftp = nil
	c.state = connIdle
	return c.session.Close()
}

// wait arms w on the session's current blocking direction and runs cont once
// when it fires.
func (c *Conn) wait(w *watch, cont func()) {
	dir := c.session.BlockDirections()
	if dir == 0 {
		dir = Inbound
	}

	w.gen++
	gen := w.gen
	w.armed = true
	w.arms++
	w.disable = c.session.Socket().Arm(dir, func() {
		c.loop.Post(func() {
			if !w.armed || w.gen != gen {
				return
			}
			w.armed = false
			if w.disable != nil {
				w.disable()
				w.disable = nil
			}
			cont()
		})
	})
}

// cancel invalidates any pending notification on w.
func (c *Conn) cancel(w *watch) {
	w.gen++
	w.armed = false
	if w.disable != nil {
		w.disable()
		w.disable = nil
	}
}

// retry calls fn until it stops returning ErrWouldBlock, then hands its
// result to next. A fast path that never blocks finishes in the same turn.
func (c *Conn) retry(w *watch, fn func() error, next func(error)) {
	err := fn()
	if errors.Is(err, ErrWouldBlock) {
		c.wait(w, func() { c.retry(w, fn, next) })
		return
	}
	next(err)
}

// Ready runs cont once the session is connected and authenticated.
func (c *Conn) Ready(cont func(error)) {
	switch c.state {
	case connReady:
		cont(nil)
		return
	case connConnecting:
		c.hsWaiters = append(c.hsWaiters, cont)
		return
	}

	c.state = connConnecting
	c.hsWaiters = append(c.hsWaiters, cont)
	c.retry(&c.hsWatch, c.session.Handshake, func(err error) {
		if err != nil {
			c.state = connIdle
			c.log.Error("ssh handshake failed", "error", err)
		} else {
			c.state = connReady
		}
		waiters := c.hsWaiters
		c.hsWaiters = nil
		for _, w := range waiters {
			w(err)
		}
	})
}

// SFTP runs cont with the shared SFTP subsystem, opening it on first use.
func (c *Conn) SFTP(cont func(SFTP, error)) {
	if c.sftp != nil {
		cont(c.sftp, nil)
		return
	}
	c.sftpWaiters = append(c.sftpWaiters, cont)
	if c.sftpOpening {
		return
	}
	c.sftpOpening = true

	var opened SFTP
	c.retry(&c.sftpWatch, func() error {
		s, err := c.session.OpenSFTP()
		opened = s
		return err
	}, func(err error) {
		c.sftpOpening = false
		if err == nil {
			c.sftp = opened
		} else {
			c.log.Error("could not open sftp session", "error", err)
		}
		waiters := c.sftpWaiters
		c.sftpWaiters = nil
		for _, w := range waiters {
			w(c.sftp, err)
		}
	})
}

// enqueue schedules r behind every operation already issued on c.
func (c *Conn) enqueue(r *Runner, first func()) {
	c.queue = append(c.queue, queued{runner: r, first: first})
	if !c.busy {
		c.next()
	}
}

func (c *Conn) next() {
	if len(c.queue) == 0 {
		c.busy = false
		return
	}
	q := c.queue[0]
	c.queue = c.queue[1:]
	c.busy = true

	// canceled while queued
	if q.runner.Done() {
		c.next()
		return
	}

	q.runner.OnComplete(func(Result) {
		c.loop.Post(c.next)
	})
	q.runner.Start(q.first)
}

// Queued returns the number of operations waiting behind the running one.
func (c *Conn) Queued() int { return len(c.queue) }
