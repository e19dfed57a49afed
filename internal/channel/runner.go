package channel

import (
	"bytes"
	"errors"
	"time"
)

// State of a resumable operation.
type State int

const (
	NotStarted State = iota
	Running
	AwaitingReadable
	AwaitingWritable
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case AwaitingReadable:
		return "awaiting readability"
	case AwaitingWritable:
		return "awaiting writability"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the single terminal outcome of an operation.
type Result struct {
	Output      string
	ErrorCode   int
	ErrorString string
	Duration    time.Duration
}

// Failed reports a nonzero error code.
func (r Result) Failed() bool { return r.ErrorCode != 0 }

// Runner drives one resumable operation on a Conn. Operations own a Runner
// and express their steps as continuations passed to Try and Wait.
type Runner struct {
	conn      *Conn
	kind      string
	state     State
	watch     watch
	output    bytes.Buffer
	result    Result
	started   time.Time
	listeners []func(Result)
}

func NewRunner(conn *Conn, kind string) *Runner {
	return &Runner{conn: conn, kind: kind}
}

func (r *Runner) Kind() string   { return r.kind }
func (r *Runner) Conn() *Conn    { return r.conn }
func (r *Runner) State() State   { return r.state }
func (r *Runner) Result() Result { return r.result }

// Rearms counts how many times the operation suspended on readiness.
func (r *Runner) Rearms() int { return r.watch.arms }

// Output is the buffer accumulating the operation's output.
func (r *Runner) Output() *bytes.Buffer { return &r.output }

func (r *Runner) Done() bool {
	return r.state == Complete || r.state == Failed
}

// OnComplete registers a listener for the terminal result.
func (r *Runner) OnComplete(fn func(Result)) {
	r.listeners = append(r.listeners, fn)
}

// Execute queues the operation on its connection; first runs once every
// earlier operation finished and the session is ready.
func (r *Runner) Execute(first func()) {
	r.conn.enqueue(r, first)
}

// Start runs the operation immediately. Composite operations use it to run
// children inside their own turn on the connection.
func (r *Runner) Start(first func()) {
	if r.state != NotStarted {
		return
	}
	r.state = Running
	r.started = time.Now()
	r.conn.Ready(func(err error) {
		if r.Done() {
			return
		}
		if err != nil {
			r.Fail(err)
			return
		}
		first()
	})
}

// Wait suspends until the session's socket is ready, then runs cont.
func (r *Runner) Wait(cont func()) {
	if r.Done() {
		return
	}
	if r.conn.session.BlockDirections()&Outbound != 0 {
		r.state = AwaitingWritable
	} else {
		r.state = AwaitingReadable
	}
	r.conn.wait(&r.watch, func() {
		if r.Done() {
			return
		}
		r.state = Running
		cont()
	})
}

// Try calls fn until it stops blocking. A hard error fails the operation;
// success runs next in the same turn. While blocked the operation reports
// the direction it waits on.
func (r *Runner) Try(fn func() error, next func()) {
	if r.Done() {
		return
	}
	r.state = Running
	err := fn()
	switch {
	case errors.Is(err, ErrWouldBlock):
		r.Wait(func() { r.Try(fn, next) })
	case err != nil:
		r.Fail(err)
	default:
		next()
	}
}

// Fail completes the operation with the code and text carried by err.
func (r *Runner) Fail(err error) {
	code, msg := CodeOf(err)
	r.finish(Failed, code, msg)
}

// FailWith completes the operation with an explicit code and text.
func (r *Runner) FailWith(code int, msg string) {
	if code == 0 {
		code = -1
	}
	r.finish(Failed, code, msg)
}

// Complete finishes with an exit code; a nonzero code is still a completion
// with an error result, as for a remote command exiting nonzero.
func (r *Runner) Complete(code int, msg string) {
	r.finish(Complete, code, msg)
}

// Cancel stops the operation at its next suspension point and reports
// ErrCanceled. It is a no-op once the operation is done.
func (r *Runner) Cancel() {
	if r.Done() {
		return
	}
	r.conn.cancel(&r.watch)
	if r.state == NotStarted {
		r.started = time.Now()
	}
	r.finish(Failed, -1, ErrCanceled.Error())
}

func (r *Runner) finish(state State, code int, msg string) {
	if r.Done() {
		return
	}
	r.conn.cancel(&r.watch)
	r.state = state
	r.result = Result{
		Output:      r.output.String(),
		ErrorCode:   code,
		ErrorString: msg,
		Duration:    time.Since(r.started),
	}
	listeners := r.listeners
	r.listeners = nil
	for _, fn := range listeners {
		fn(r.result)
	}
}
