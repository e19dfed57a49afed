// Package sshop implements remote commands and SFTP transfers as resumable
// operations on a channel.Conn, plus an equivalent set driven by the
// OpenSSH ssh and scp binaries.
package sshop

import (
	"log/slog"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

var log = slog.With("component", "sshop")

const (
	// DownloadChunk is the read size for remote files.
	DownloadChunk = 24 * 1024
	// UploadChunk is the write size for local files.
	UploadChunk = 100 * 1024
)

// Operation is one remote action. It emits exactly one result to its
// OnComplete listeners.
type Operation interface {
	Execute()
	Cancel()
	OnComplete(fn func(channel.Result))
	Result() channel.Result
	Done() bool
}

// Factory builds operations against one remote host.
type Factory interface {
	// NewCommand runs command in the remote login shell.
	NewCommand(command string) Operation
	NewFileUpload(local, remote string) Operation
	NewFileDownload(remote, local string) Operation
	// NewDirUpload copies the contents of local into remote, creating remote.
	NewDirUpload(local, remote string) Operation
	// NewDirDownload copies remote into localParent/<base of remote>.
	NewDirDownload(remote, localParent string) Operation
	// NewRemoveDir deletes a remote tree.
	NewRemoveDir(remote string) Operation
	// NewRmdir removes a single empty remote directory.
	NewRmdir(remote string) Operation
	ConnectionString() string
	Close() error
}

// op binds a Runner to the first step of its sequence.
type op struct {
	*channel.Runner
	first func()
}

func newOp(conn *channel.Conn, kind string) op {
	return op{Runner: channel.NewRunner(conn, kind)}
}

// Execute queues the operation behind earlier ones on the connection.
func (o *op) Execute() { o.Runner.Execute(o.first) }

// run starts the operation immediately, inside a parent's turn.
func (o *op) run() { o.Start(o.first) }

// child is an operation a directory transfer can run inline.
type child interface {
	Operation
	run()
}
