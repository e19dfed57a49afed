// Package bus carries messages over a nanomsg router/dealer pair.
//
// The server side is a raw REP socket: every inbound message arrives with a
// routing header naming the peer pipe, and that header is handed up as the
// message's reply-to endpoint. Sending a message whose To is that header routes
// it back to the same peer, so one listening socket serves many logical clients.
package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/xrep"
	"go.nanomsg.org/mangos/v3/protocol/xreq"
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/ipc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/ChuLiYu/molequeue/internal/transport"
)

var log = slog.Default()

// PollInterval is how long a receive blocks before checking for shutdown.
const PollInterval = 100 * time.Millisecond

// Conn wraps one mangos socket as a transport.Connection.
type Conn struct {
	id       string
	addr     string
	sock     mangos.Socket
	server   bool
	reqID    atomic.Uint32
	mu       sync.Mutex
	handlers []transport.MessageHandler
	open     bool
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newConn(sock mangos.Socket, addr string, server bool) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		addr:   addr,
		sock:   sock,
		server: server,
		open:   true,
		stopCh: make(chan struct{}),
	}
	c.reqID.Store(uint32(time.Now().UnixNano()))
	return c
}

// Dial opens a dealer-side connection to a bus listener.
func Dial(addr string) (*Conn, error) {
	sock, err := xreq.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("create bus socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, PollInterval); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set receive deadline: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newConn(sock, addr, false), nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) ConnectionString() string { return c.addr }

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
	c.wg.Add(1)
	go c.recvLoop()
	return nil
}

func (c *Conn) recvLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		m, err := c.sock.RecvMsg()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if !errors.Is(err, mangos.ErrClosed) {
				log.Warn("bus receive failed", "addr", c.addr, "error", err)
			}
			return
		}

		msg := transport.Message{Data: append([]byte(nil), m.Body...)}
		if c.server {
			msg.ReplyTo = transport.EndpointID(m.Header)
		}
		m.Free()

		c.mu.Lock()
		handlers := append([]transport.MessageHandler(nil), c.handlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(c, msg)
		}
	}
}

func (c *Conn) Send(msg transport.Message) error {
	if !c.IsOpen() {
		return transport.ErrConnectionClosed
	}
	m := mangos.NewMessage(len(msg.Data))
	if c.server {
		m.Header = append(m.Header, msg.To...)
	} else {
		// dealer frames need a request id with the high bit set
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, c.reqID.Add(1)|0x80000000)
		m.Header = append(m.Header, hdr...)
	}
	m.Body = append(m.Body, msg.Data...)
	if err := c.sock.SendMsg(m); err != nil {
		return fmt.Errorf("bus send on %s: %w", c.addr, err)
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

	close(c.stopCh)
	c.wg.Wait()
	return c.sock.Close()
}

// Listener binds the router side; it announces a single multiplexed connection.
type Listener struct {
	addr     string
	mu       sync.Mutex
	conn     *Conn
	handlers []func(transport.Connection)
}

func NewListener(addr string) *Listener {
	return &Listener{addr: addr}
}

func (l *Listener) ConnectionString() string { return l.addr }

func (l *Listener) OnNewConnection(fn func(transport.Connection)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

func (l *Listener) Start() error {
	sock, err := xrep.NewSocket()
	if err != nil {
		return fmt.Errorf("create bus socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, PollInterval); err != nil {
		sock.Close()
		return fmt.Errorf("set receive deadline: %w", err)
	}
	if err := sock.Listen(l.addr); err != nil {
		sock.Close()
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}

	conn := newConn(sock, l.addr, true)
	l.mu.Lock()
	l.conn = conn
	handlers := append([]func(transport.Connection){}, l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(conn)
	}
	log.Info("bus listening", "addr", l.addr)
	return conn.Start()
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return transport.ErrNotStarted
	}
	return conn.Close()
}
