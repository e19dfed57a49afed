package jsonrpc

import (
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// PacketCounter hands out request ids. It starts at a time-seeded random value
// and wraps at the width of types.ID.
type PacketCounter struct {
	next atomic.Uint64
}

func NewPacketCounter() *PacketCounter {
	c := &PacketCounter{}
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	c.next.Store(uint64(r.Uint32()))
	return c
}

// Next returns the current id and advances the counter.
func (c *PacketCounter) Next() types.ID {
	return c.next.Add(1) - 1
}

func encode(packet Object) []byte {
	data, err := json.Marshal(packet)
	if err != nil {
		log.Error("failed to encode packet", "error", err)
		data, _ = json.Marshal(emptyError(packet["id"], CodeInternalError, "Internal error", nil))
	}
	return data
}

func emptyRequest(id types.ID, method string) Object {
	return Object{"jsonrpc": Version, "method": method, "id": id}
}

func emptyResponse(id any) Object {
	return Object{"jsonrpc": Version, "id": id}
}

func emptyError(id any, code int, message string, data any) Object {
	errObj := Object{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	return Object{"jsonrpc": Version, "id": id, "error": errObj}
}

// Requests. Each one registers its id before the bytes are returned.

func (d *Dispatcher) GenerateJobRequest(job types.Job, id types.ID) []byte {
	packet := emptyRequest(id, "submitJob")
	packet["params"] = job.Hash()
	d.registerRequest(id, MethodSubmitJob)
	return encode(packet)
}

func (d *Dispatcher) GenerateJobCancellation(moleQueueID, id types.ID) []byte {
	packet := emptyRequest(id, "cancelJob")
	packet["params"] = Object{"moleQueueId": moleQueueID}
	d.registerRequest(id, MethodCancelJob)
	return encode(packet)
}

func (d *Dispatcher) GenerateLookupJobRequest(moleQueueID, id types.ID) []byte {
	packet := emptyRequest(id, "lookupJob")
	packet["params"] = Object{"moleQueueId": moleQueueID}
	d.registerRequest(id, MethodLookupJob)
	return encode(packet)
}

func (d *Dispatcher) GenerateQueueListRequest(id types.ID) []byte {
	packet := emptyRequest(id, "listQueues")
	d.registerRequest(id, MethodListQueues)
	return encode(packet)
}

// Responses echo the id of the request they answer.

func GenerateJobSubmissionConfirmation(moleQueueID types.ID, workingDirectory string, id any) []byte {
	packet := emptyResponse(id)
	packet["result"] = Object{
		"moleQueueId":      moleQueueID,
		"workingDirectory": workingDirectory,
	}
	return encode(packet)
}

func GenerateJobCancellationConfirmation(moleQueueID types.ID, id any) []byte {
	packet := emptyResponse(id)
	packet["result"] = moleQueueID
	return encode(packet)
}

// GenerateLookupJobResponse answers with the job hash, or with an
// "Unknown MoleQueue ID" error when job is nil.
func GenerateLookupJobResponse(job *types.Job, moleQueueID types.ID, id any) []byte {
	if job == nil {
		return encode(emptyError(id, 0, "Unknown MoleQueue ID", moleQueueID))
	}
	packet := emptyResponse(id)
	packet["result"] = job.Hash()
	return encode(packet)
}

func GenerateQueueList(queues types.QueueList, id any) []byte {
	result := Object{}
	for name, programs := range queues {
		list := make([]any, 0, len(programs))
		for _, p := range programs {
			list = append(list, p)
		}
		result[name] = list
	}
	packet := emptyResponse(id)
	packet["result"] = result
	return encode(packet)
}

// GenerateErrorResponse builds an error reply; data is omitted when nil.
func GenerateErrorResponse(code int, message string, data any, id any) []byte {
	return encode(emptyError(id, code, message, data))
}

func GenerateJobStateChangeNotification(moleQueueID types.ID, oldState, newState types.JobState) []byte {
	return encode(Object{
		"jsonrpc": Version,
		"method":  "jobStateChanged",
		"params": Object{
			"moleQueueId": moleQueueID,
			"oldState":    oldState.String(),
			"newState":    newState.String(),
		},
	})
}
