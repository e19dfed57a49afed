package queue

import (
	"strings"
	"time"

	"github.com/ChuLiYu/molequeue/internal/channel"
	"github.com/ChuLiYu/molequeue/internal/sshop"
)

// fakeOp records what was asked of it; tests complete it by hand.
type fakeOp struct {
	kind      string
	args      []string
	listeners []func(channel.Result)
	executed  bool
	canceled  bool
	done      bool
	result    channel.Result
}

func (o *fakeOp) Execute() { o.executed = true }
func (o *fakeOp) Cancel() { o.canceled = true }
func (o *fakeOp) OnComplete(fn func(channel.Result)) { o.listeners = append(o.listeners, fn) }
func (o *fakeOp) Result() channel.Result { return o.result }
func (o *fakeOp) Done() bool { return o.done }
func (o *fakeOp) String() string { return o.kind + " " + strings.Join(o.args, " ") }

func (o *fakeOp) finish(res channel.Result) {
	o.done = true
	o.result = res
	for _, fn := range o.listeners {
		fn(res)
	}
}

func (o *fakeOp) succeed(output string) { o.finish(channel.Result{Output: output}) }

func (o *fakeOp) fail(code int, msg string) {
	o.finish(channel.Result{ErrorCode: code, ErrorString: msg})
}

type fakeFactory struct {
	ops    []*fakeOp
	closed bool
}

func (f *fakeFactory) add(kind string, args ...string) sshop.Operation {
	op := &fakeOp{kind: kind, args: args}
	f.ops = append(f.ops, op)
	return op
}

func (f *fakeFactory) NewCommand(command string) sshop.Operation { return f.add("command", command) }
func (f *fakeFactory) NewFileUpload(local, remote string) sshop.Operation {
	return f.add("upload", local, remote)
}
func (f *fakeFactory) NewFileDownload(remote, local string) sshop.Operation {
	return f.add("download", remote, local)
}
func (f *fakeFactory) NewDirUpload(local, remote string) sshop.Operation {
	return f.add("dir-upload", local, remote)
}
func (f *fakeFactory) NewDirDownload(remote, localParent string) sshop.Operation {
	return f.add("dir-download", remote, localParent)
}
func (f *fakeFactory) NewRemoveDir(remote string) sshop.Operation { return f.add("remove", remote) }
func (f *fakeFactory) NewRmdir(remote string) sshop.Operation { return f.add("rmdir", remote) }
func (f *fakeFactory) ConnectionString() string { return "user@cluster" }
func (f *fakeFactory) Close() error {
	f.closed = true
	return nil
}

// last returns the most recent operation.
func (f *fakeFactory) last() *fakeOp {
	if len(f.ops) == 0 {
		return nil
	}
	return f.ops[len(f.ops)-1]
}

// fakeScheduler runs posted funcs inline and records timers.
type fakeScheduler struct {
	timers  []time.Duration
	stopped int
}

func (s *fakeScheduler) Post(fn func()) { fn() }

func (s *fakeScheduler) Every(interval time.Duration, fn func()) func() {
	s.timers = append(s.timers, interval)
	return func() { s.stopped++ }
}

func channelResult(code int, output string) channel.Result {
	return channel.Result{ErrorCode: code, Output: output}
}
