package sshop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

// DebugEnv turns on logging of every ssh/scp invocation and its output.
const DebugEnv = "MOLEQUEUE_DEBUG_SSH"

// ProcessConfig describes how to reach a host with the OpenSSH tools.
type ProcessConfig struct {
	SSHCommand   string
	SCPCommand   string
	User         string
	Host         string
	Port         int
	IdentityFile string
}

func (c ProcessConfig) remote() string {
	if c.User == "" {
		return c.Host
	}
	return c.User + "@" + c.Host
}

// Process builds operations that shell out to ssh and scp.
type Process struct {
	loop  channel.Poster
	cfg   ProcessConfig
	debug bool
}

func NewProcess(loop channel.Poster, cfg ProcessConfig) *Process {
	if cfg.SSHCommand == "" {
		cfg.SSHCommand = "ssh"
	}
	if cfg.SCPCommand == "" {
		cfg.SCPCommand = "scp"
	}
	return &Process{loop: loop, cfg: cfg, debug: os.Getenv(DebugEnv) != ""}
}

func (p *Process) sshArgs(command string) []string {
	args := []string{p.cfg.SSHCommand, "-q"}
	if p.cfg.IdentityFile != "" {
		args = append(args, "-i", p.cfg.IdentityFile)
	}
	if p.cfg.Port > 0 && p.cfg.Port != 22 {
		args = append(args, "-p", strconv.Itoa(p.cfg.Port))
	}
	return append(args, p.cfg.remote(), command)
}

func (p *Process) scpArgs(recursive bool, from, to string) []string {
	args := []string{p.cfg.SCPCommand, "-q"}
	if recursive {
		args = append(args, "-r")
	}
	if p.cfg.IdentityFile != "" {
		args = append(args, "-i", p.cfg.IdentityFile)
	}
	if p.cfg.Port > 0 && p.cfg.Port != 22 {
		args = append(args, "-P", strconv.Itoa(p.cfg.Port))
	}
	return append(args, from, to)
}

func (p *Process) hostPath(remote string) string {
	return p.cfg.remote() + ":" + remote
}

func (p *Process) newOp(kind string, argv []string) *ProcessOp {
	return &ProcessOp{loop: p.loop, kind: kind, argv: argv, debug: p.debug}
}

func (p *Process) NewCommand(command string) Operation {
	return p.newOp("command", p.sshArgs(command))
}

func (p *Process) NewFileUpload(local, remote string) Operation {
	return p.newOp("upload", p.scpArgs(false, local, p.hostPath(remote)))
}

func (p *Process) NewFileDownload(remote, local string) Operation {
	return p.newOp("download", p.scpArgs(false, p.hostPath(remote), local))
}

func (p *Process) NewDirUpload(local, remote string) Operation {
	return p.newOp("dir-upload", p.scpArgs(true, local, p.hostPath(remote)))
}

func (p *Process) NewDirDownload(remote, localParent string) Operation {
	return p.newOp("dir-download", p.scpArgs(true, p.hostPath(remote), localParent))
}

func (p *Process) NewRemoveDir(remote string) Operation {
	return p.NewCommand("rm -rf " + ShellQuote(remote))
}

func (p *Process) NewRmdir(remote string) Operation {
	return p.NewCommand("rmdir " + ShellQuote(remote))
}

func (p *Process) ConnectionString() string {
	if p.cfg.Port > 0 && p.cfg.Port != 22 {
		return fmt.Sprintf("%s:%d", p.cfg.remote(), p.cfg.Port)
	}
	return p.cfg.remote()
}

func (p *Process) Close() error { return nil }

var _ Factory = (*Process)(nil)

// ProcessOp runs one ssh or scp invocation on its own goroutine and reports
// back on the loop.
type ProcessOp struct {
	loop  channel.Poster
	kind  string
	argv  []string
	debug bool

	started   bool
	done      bool
	cancel    context.CancelFunc
	result    channel.Result
	listeners []func(channel.Result)
}

// Args returns the argv the operation runs.
func (o *ProcessOp) Args() []string { return append([]string(nil), o.argv...) }

func (o *ProcessOp) Execute() {
	if o.started || o.done {
		return
	}
	o.started = true

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	argv := o.argv
	if o.debug {
		log.Info("running", "kind", o.kind, "argv", strings.Join(argv, " "))
	}

	go func() {
		begin := time.Now()
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		code, msg := 0, ""
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) && ee.ExitCode() > 0 {
				code = ee.ExitCode()
			} else {
				code = -1
			}
			msg = err.Error()
		}
		res := channel.Result{
			Output:      string(out),
			ErrorCode:   code,
			ErrorString: msg,
			Duration:    time.Since(begin),
		}
		o.loop.Post(func() { o.finish(res) })
	}()
}

func (o *ProcessOp) Cancel() {
	if o.done {
		return
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.finish(channel.Result{ErrorCode: -1, ErrorString: channel.ErrCanceled.Error()})
}

func (o *ProcessOp) OnComplete(fn func(channel.Result)) {
	o.listeners = append(o.listeners, fn)
}

func (o *ProcessOp) Result() channel.Result { return o.result }

func (o *ProcessOp) Done() bool { return o.done }

func (o *ProcessOp) finish(res channel.Result) {
	if o.done {
		return
	}
	o.done = true
	if o.cancel != nil {
		o.cancel()
	}
	o.result = res
	if o.debug {
		log.Info("finished", "kind", o.kind, "exit", res.ErrorCode, "output", res.Output)
	}
	listeners := o.listeners
	o.listeners = nil
	for _, fn := range listeners {
		fn(res)
	}
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
