package jsonrpc

import (
	"github.com/ChuLiYu/molequeue/internal/transport"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Event is emitted by the Dispatcher for every interpreted packet.
// Listeners type-switch on the concrete event.
type Event interface {
	event()
}

// Route identifies where a request came from and where its reply goes.
type Route struct {
	Conn    transport.Connection
	ReplyTo transport.EndpointID
}

// Reply sends data back along the route.
func (r Route) Reply(data []byte) error {
	if r.Conn == nil {
		return transport.ErrConnectionClosed
	}
	return r.Conn.Send(transport.Message{To: r.ReplyTo, Data: data})
}

// Protocol errors. Each one is answered with an error reply.

// InvalidPacket is raised when the bytes are not JSON at all.
type InvalidPacket struct {
	Route
	Raw []byte
}

// InvalidRequest is raised for non-object packets, failed structural
// validation, and method/form combinations a method does not accept.
type InvalidRequest struct {
	Route
	ID     any
	Packet any
}

// UnrecognizedMethod is raised for a method name outside the known set.
type UnrecognizedMethod struct {
	Route
	ID     any
	Packet Object
}

// Requests received by a server.

type QueueListRequest struct {
	Route
	ID any
}

type JobSubmissionRequest struct {
	Route
	ID      any
	Options Object
}

type CancelJobRequest struct {
	Route
	ID          any
	MoleQueueID types.ID
}

type LookupJobRequest struct {
	Route
	ID          any
	MoleQueueID types.ID
}

// Replies received by a client.

type QueueListResult struct {
	ID     types.ID
	Queues types.QueueList
}

type QueueListFailed struct {
	ID      types.ID
	Code    int
	Message string
}

type SubmissionSucceeded struct {
	ID               types.ID
	MoleQueueID      types.ID
	WorkingDirectory string
}

type SubmissionFailed struct {
	ID      types.ID
	Code    int
	Message string
}

type CancelConfirmed struct {
	ID          types.ID
	MoleQueueID types.ID
}

type CancelFailed struct {
	ID      types.ID
	Code    int
	Message string
}

type LookupResult struct {
	ID  types.ID
	Job Object
}

type LookupFailed struct {
	ID          types.ID
	MoleQueueID types.ID
}

// JobStateChanged is the notification a server pushes on every transition.
type JobStateChanged struct {
	MoleQueueID types.ID
	OldState    types.JobState
	NewState    types.JobState
}

func (InvalidPacket) event()        {}
func (InvalidRequest) event()       {}
func (UnrecognizedMethod) event()   {}
func (QueueListRequest) event()     {}
func (JobSubmissionRequest) event() {}
func (CancelJobRequest) event()     {}
func (LookupJobRequest) event()     {}
func (QueueListResult) event()      {}
func (QueueListFailed) event()      {}
func (SubmissionSucceeded) event()  {}
func (SubmissionFailed) event()     {}
func (CancelConfirmed) event()      {}
func (CancelFailed) event()         {}
func (LookupResult) event()         {}
func (LookupFailed) event()         {}
func (JobStateChanged) event()      {}
