// ============================================================================
// MoleQueue Client - 阻塞式 JSON-RPC 客戶端
// ============================================================================
//
// Package: internal/client
// 文件: client.go
// 功能: 透過任一 transport.Connection 向伺服器發送請求並等待回覆
//
// 請求流程:
//   1. dispatcher 產生請求並登記 packet id
//   2. 以 packet id 建立等待通道
//   3. 讀取 goroutine 解析回覆，dispatcher 事件依 id 投遞到等待通道
//   4. 呼叫者在 context 截止前取得結果
//
// jobStateChanged 通知沒有 id，交給 OnJobStateChanged 註冊的監聽器。
//
// ============================================================================

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/molequeue/internal/jsonrpc"
	"github.com/ChuLiYu/molequeue/internal/transport"
	"github.com/ChuLiYu/molequeue/internal/transport/bus"
	"github.com/ChuLiYu/molequeue/internal/transport/localsocket"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

var log = slog.With("component", "client")

var (
	ErrClosed        = errors.New("client closed")
	ErrUnknownJob    = errors.New("unknown moleQueueId")
	ErrUnexpectedRep = errors.New("unexpected reply")
)

// RequestError is a JSON-RPC error reply from the server.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// SubmissionCode interprets the error code as a submission error code.
func (e *RequestError) SubmissionCode() types.SubmissionErrorCode {
	return types.SubmissionErrorCode(e.Code)
}

// Submission is the server's acknowledgement of a submitted job.
type Submission struct {
	MoleQueueID      types.ID
	WorkingDirectory string
}

// Client talks to one MoleQueue server.
type Client struct {
	conn transport.Connection

	dmu        sync.Mutex // guards dispatcher
	dispatcher *jsonrpc.Dispatcher

	mu        sync.Mutex
	waiters   map[types.ID]chan jsonrpc.Event
	listeners []func(jsonrpc.JobStateChanged)
	closed    bool
}

// New wraps conn. Call Start before issuing requests.
func New(conn transport.Connection) *Client {
	c := &Client{
		conn:       conn,
		dispatcher: jsonrpc.NewDispatcher(),
		waiters:    make(map[types.ID]chan jsonrpc.Event),
	}
	c.dispatcher.Subscribe(c.handleEvent)
	conn.OnMessage(func(conn transport.Connection, msg transport.Message) {
		c.dmu.Lock()
		defer c.dmu.Unlock()
		c.dispatcher.InterpretIncomingPacket(conn, msg)
	})
	return c
}

// DialLocal connects to a server's local socket and starts the client.
func DialLocal(path string) (*Client, error) {
	conn, err := localsocket.Dial(path)
	if err != nil {
		return nil, err
	}
	c := New(conn)
	if err := c.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// DialBus connects to a server's message bus address and starts the client.
func DialBus(addr string) (*Client, error) {
	conn, err := bus.Dial(addr)
	if err != nil {
		return nil, err
	}
	c := New(conn)
	if err := c.Start(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Start() error { return c.conn.Start() }

// Close closes the connection and fails every outstanding request.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// OnJobStateChanged registers fn for jobStateChanged notifications. fn runs on
// the connection's read goroutine.
func (c *Client) OnJobStateChanged(fn func(jsonrpc.JobStateChanged)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// ============================================================================
// 請求
// ============================================================================

// ListQueues returns every queue and the programs it offers.
func (c *Client) ListQueues(ctx context.Context) (types.QueueList, error) {
	ev, err := c.call(ctx, func(d *jsonrpc.Dispatcher, id types.ID) []byte {
		return d.GenerateQueueListRequest(id)
	})
	if err != nil {
		return nil, err
	}
	switch r := ev.(type) {
	case jsonrpc.QueueListResult:
		return r.Queues, nil
	case jsonrpc.QueueListFailed:
		return nil, &RequestError{Code: r.Code, Message: r.Message}
	}
	return nil, unexpected(ev)
}

// SubmitJob submits job and returns its moleQueueId and working directory.
func (c *Client) SubmitJob(ctx context.Context, job types.Job) (Submission, error) {
	ev, err := c.call(ctx, func(d *jsonrpc.Dispatcher, id types.ID) []byte {
		return d.GenerateJobRequest(job, id)
	})
	if err != nil {
		return Submission{}, err
	}
	switch r := ev.(type) {
	case jsonrpc.SubmissionSucceeded:
		return Submission{MoleQueueID: r.MoleQueueID, WorkingDirectory: r.WorkingDirectory}, nil
	case jsonrpc.SubmissionFailed:
		return Submission{}, &RequestError{Code: r.Code, Message: r.Message}
	}
	return Submission{}, unexpected(ev)
}

// CancelJob asks the server to kill a job.
func (c *Client) CancelJob(ctx context.Context, moleQueueID types.ID) error {
	ev, err := c.call(ctx, func(d *jsonrpc.Dispatcher, id types.ID) []byte {
		return d.GenerateJobCancellation(moleQueueID, id)
	})
	if err != nil {
		return err
	}
	switch r := ev.(type) {
	case jsonrpc.CancelConfirmed:
		return nil
	case jsonrpc.CancelFailed:
		return &RequestError{Code: r.Code, Message: r.Message}
	}
	return unexpected(ev)
}

// LookupJob returns the server's current view of a job.
func (c *Client) LookupJob(ctx context.Context, moleQueueID types.ID) (types.Job, error) {
	ev, err := c.call(ctx, func(d *jsonrpc.Dispatcher, id types.ID) []byte {
		return d.GenerateLookupJobRequest(moleQueueID, id)
	})
	if err != nil {
		return types.Job{}, err
	}
	switch r := ev.(type) {
	case jsonrpc.LookupResult:
		return types.JobFromHash(r.Job)
	case jsonrpc.LookupFailed:
		return types.Job{}, fmt.Errorf("%w: %d", ErrUnknownJob, r.MoleQueueID)
	}
	return types.Job{}, unexpected(ev)
}

func unexpected(ev jsonrpc.Event) error {
	return fmt.Errorf("%w: %T", ErrUnexpectedRep, ev)
}

// call sends the request built by gen and waits for the matching reply.
func (c *Client) call(ctx context.Context, gen func(*jsonrpc.Dispatcher, types.ID) []byte) (jsonrpc.Event, error) {
	ch := make(chan jsonrpc.Event, 1)

	c.dmu.Lock()
	id := c.dispatcher.NextPacketID()
	data := gen(c.dispatcher, id)
	c.dmu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiters[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(transport.Message{Data: data}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			c.dropPending(id)
			return nil, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(id types.ID) {
	c.dmu.Lock()
	c.dispatcher.DropPending(id)
	c.dmu.Unlock()
}

// ============================================================================
// 回覆分派
// ============================================================================

func replyID(ev jsonrpc.Event) (types.ID, bool) {
	switch e := ev.(type) {
	case jsonrpc.QueueListResult:
		return e.ID, true
	case jsonrpc.QueueListFailed:
		return e.ID, true
	case jsonrpc.SubmissionSucceeded:
		return e.ID, true
	case jsonrpc.SubmissionFailed:
		return e.ID, true
	case jsonrpc.CancelConfirmed:
		return e.ID, true
	case jsonrpc.CancelFailed:
		return e.ID, true
	case jsonrpc.LookupResult:
		return e.ID, true
	case jsonrpc.LookupFailed:
		return e.ID, true
	}
	return 0, false
}

func (c *Client) handleEvent(ev jsonrpc.Event) {
	if n, ok := ev.(jsonrpc.JobStateChanged); ok {
		c.mu.Lock()
		listeners := append([]func(jsonrpc.JobStateChanged){}, c.listeners...)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(n)
		}
		return
	}

	id, ok := replyID(ev)
	if !ok {
		log.Debug("ignoring event", "event", fmt.Sprintf("%T", ev))
		return
	}
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		log.Debug("reply for unknown request", "id", id)
		return
	}
	ch <- ev
}
