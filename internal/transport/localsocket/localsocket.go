// Package localsocket carries framed messages over unix domain sockets.
package localsocket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/molequeue/internal/transport"
)

var log = slog.Default()

// Conn is a point-to-point connection; its endpoints are always empty.
type Conn struct {
	id       string
	path     string
	conn     net.Conn
	handlers []transport.MessageHandler

	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool
	started bool
	done    chan struct{}
}

func newConn(c net.Conn, path string) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		path: path,
		conn: c,
		open: true,
		done: make(chan struct{}),
	}
}

// Dial connects to a listener at path.
func Dial(path string) (*Conn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return newConn(c, path), nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) ConnectionString() string { return c.path }

func (c *Conn) OnMessage(fn transport.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *Conn) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrConnectionClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	go c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		data, err := ReadFrame(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn("local socket read failed", "conn", c.id, "error", err)
			}
			c.Close()
			return
		}
		c.mu.Lock()
		handlers := append([]transport.MessageHandler(nil), c.handlers...)
		c.mu.Unlock()
		msg := transport.Message{Data: data}
		for _, h := range handlers {
			h(c, msg)
		}
	}
}

func (c *Conn) Send(msg transport.Message) error {
	if !c.IsOpen() {
		return transport.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, msg.Data); err != nil {
		return fmt.Errorf("send on %s: %w", c.id, err)
	}
	return nil
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.mu.Unlock()
	return c.conn.Close()
}

// Done is closed when the read loop exits.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Listener accepts local socket clients at a filesystem path.
type Listener struct {
	path     string
	ln       net.Listener
	mu       sync.Mutex
	handlers []func(transport.Connection)
	wg       sync.WaitGroup
}

func NewListener(path string) *Listener {
	return &Listener{path: path}
}

func (l *Listener) ConnectionString() string { return l.path }

func (l *Listener) OnNewConnection(fn func(transport.Connection)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Start removes a stale socket file, listens and accepts in the background.
func (l *Listener) Start() error {
	if _, err := os.Stat(l.path); err == nil {
		if err := os.Remove(l.path); err != nil {
			return fmt.Errorf("remove stale socket %s: %w", l.path, err)
		}
	}
	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.path, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ln)
	log.Info("local socket listening", "path", l.path)
	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error("local socket accept failed", "path", l.path, "error", err)
			}
			return
		}
		conn := newConn(c, l.path)
		l.mu.Lock()
		handlers := append([]func(transport.Connection){}, l.handlers...)
		l.mu.Unlock()
		for _, h := range handlers {
			h(conn)
		}
		if err := conn.Start(); err != nil {
			log.Warn("could not start local socket connection", "conn", conn.ID(), "error", err)
		}
	}
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return transport.ErrNotStarted
	}
	err := ln.Close()
	l.wg.Wait()
	os.Remove(l.path)
	return err
}
