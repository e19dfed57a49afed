// Package channel turns a non-blocking SSH/SFTP session API into resumable,
// event-driven operations.
//
// Every primitive on Session, Channel, SFTP, File and Dir either completes,
// fails, or returns ErrWouldBlock. On ErrWouldBlock the caller asks the
// session which direction it is blocked on, arms a one-shot readiness
// notification on the Socket, and calls the same primitive again when the
// notification fires.
package channel

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrWouldBlock is the sentinel a primitive returns instead of blocking.
	ErrWouldBlock = errors.New("channel: operation would block")
	// ErrCanceled completes an operation that was canceled before finishing.
	ErrCanceled = errors.New("channel: operation canceled")
)

// Direction is a bit set of the traffic a session is blocked on.
type Direction uint8

const (
	Inbound Direction = 1 << iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	case Inbound | Outbound:
		return "inbound|outbound"
	default:
		return "none"
	}
}

// Error carries the error code and text reported by a session primitive.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("channel error %d: %s", e.Code, e.Message)
}

// CodeOf extracts an error code and string from err. Errors that carry no
// code map to -1.
func CodeOf(err error) (int, string) {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Code == 0 {
			return -1, ce.Message
		}
		return ce.Code, ce.Message
	}
	return -1, err.Error()
}

// Poster runs callbacks on the goroutine that owns all operation state.
type Poster interface {
	Post(fn func())
}

// Socket reports readiness of the transport beneath a session.
type Socket interface {
	// Arm requests one notification when the socket becomes ready in any of
	// the given directions. ready may be called from any goroutine. The
	// returned func disables the notification.
	Arm(dir Direction, ready func()) (disable func())
}

// Session is a connected, non-blocking SSH session handle.
type Session interface {
	Socket() Socket
	// BlockDirections reports what the last ErrWouldBlock was waiting on.
	BlockDirections() Direction
	// Handshake establishes the transport and authenticates.
	Handshake() error
	OpenChannel() (Channel, error)
	OpenSFTP() (SFTP, error)
	Close() error
}

// Channel is one exec channel.
type Channel interface {
	Exec(command string) error
	// Read and ReadStderr return io.EOF once the peer closed the stream.
	Read(p []byte) (int, error)
	ReadStderr(p []byte) (int, error)
	// Close waits for the remote exit status.
	Close() error
	ExitStatus() int
	ExitSignal() string
}

// SFTP is a subsystem session shared by all transfers on a connection.
type SFTP interface {
	Open(path string, flag int, perm os.FileMode) (File, error)
	OpenDir(path string) (Dir, error)
	Mkdir(path string, perm os.FileMode) error
	Rmdir(path string) error
}

// File is an open remote file.
type File interface {
	// Read returns io.EOF at end of file.
	Read(p []byte) (int, error)
	// Write may accept fewer bytes than offered.
	Write(p []byte) (int, error)
	Close() error
}

// Dir streams the entries of a remote directory.
type Dir interface {
	// Next returns io.EOF after the last entry.
	Next() (os.FileInfo, error)
	Close() error
}
