package sshop

import (
	"github.com/ChuLiYu/molequeue/internal/channel"
)

// Native builds operations that share one channel.Conn.
type Native struct {
	loop   channel.Poster
	conn   *channel.Conn
	target string
}

func NewNative(loop channel.Poster, conn *channel.Conn, target string) *Native {
	return &Native{loop: loop, conn: conn, target: target}
}

func (n *Native) NewCommand(command string) Operation {
	return newCommand(n.conn, command)
}

func (n *Native) NewFileUpload(local, remote string) Operation {
	return newFileUpload(n.conn, local, remote)
}

func (n *Native) NewFileDownload(remote, local string) Operation {
	return newFileDownload(n.conn, remote, local)
}

func (n *Native) NewDirUpload(local, remote string) Operation {
	return newDirUpload(n.loop, n.conn, local, remote)
}

func (n *Native) NewDirDownload(remote, localParent string) Operation {
	return newDirDownload(n.loop, n.conn, remote, localParent)
}

func (n *Native) NewRemoveDir(remote string) Operation {
	return newCommand(n.conn, "rm -rf "+ShellQuote(remote))
}

func (n *Native) NewRmdir(remote string) Operation {
	return newRmdir(n.conn, remote)
}

func (n *Native) ConnectionString() string { return n.target }

func (n *Native) Close() error { return n.conn.Close() }

var _ Factory = (*Native)(nil)
