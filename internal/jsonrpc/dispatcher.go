// Package jsonrpc maps the job-queue operations onto JSON-RPC 2.0 packets.
//
// A Dispatcher is not safe for concurrent use. Servers confine it to their
// event loop; clients guard it with a mutex.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/molequeue/internal/transport"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

var log = slog.Default()

// Dispatcher parses inbound packets, correlates replies with the requests it
// generated and emits typed events to its listeners.
type Dispatcher struct {
	pending   map[types.ID]PacketMethod
	counter   *PacketCounter
	strict    bool
	listeners []func(Event)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		pending: make(map[types.ID]PacketMethod),
		counter: NewPacketCounter(),
	}
}

// SetStrict toggles strict structural validation of inbound packets.
func (d *Dispatcher) SetStrict(strict bool) { d.strict = strict }

// Subscribe adds a listener. Every listener sees every event once.
func (d *Dispatcher) Subscribe(fn func(Event)) {
	d.listeners = append(d.listeners, fn)
}

// NextPacketID returns a fresh request id.
func (d *Dispatcher) NextPacketID() types.ID { return d.counter.Next() }

// PendingRequests returns the ids still awaiting a reply, sorted.
func (d *Dispatcher) PendingRequests() []types.ID {
	ids := make([]types.ID, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DropPending forgets a request whose reply is no longer awaited. A late
// reply to it is then ignored.
func (d *Dispatcher) DropPending(id types.ID) {
	delete(d.pending, id)
}

func (d *Dispatcher) registerRequest(id types.ID, method PacketMethod) {
	d.pending[id] = method
}

func (d *Dispatcher) registerReply(id types.ID) {
	delete(d.pending, id)
}

func (d *Dispatcher) emit(ev Event) {
	for _, fn := range d.listeners {
		fn(ev)
	}
}

// GuessPacketMethod resolves a request's method by name and a reply's
// method through the pending request table.
func (d *Dispatcher) GuessPacketMethod(root Object) PacketMethod {
	if nonNull(root, "method") {
		name, ok := root["method"].(string)
		if !ok {
			return MethodInvalid
		}
		if m, ok := methodNames[name]; ok {
			return m
		}
		return MethodUnrecognized
	}

	// a reply without a usable id cannot be matched to anything we sent
	if !nonNull(root, "id") {
		return MethodInvalid
	}
	id, ok := asID(root["id"])
	if !ok {
		return MethodIgnore
	}
	if m, ok := d.pending[id]; ok {
		return m
	}
	return MethodIgnore
}

// InterpretIncomingPacket parses msg and dispatches every packet it contains.
func (d *Dispatcher) InterpretIncomingPacket(conn transport.Connection, msg transport.Message) {
	route := Route{Conn: conn, ReplyTo: msg.ReplyTo}

	dec := json.NewDecoder(bytes.NewReader(msg.Data))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil || dec.More() {
		d.emit(InvalidPacket{Route: route, Raw: append([]byte(nil), msg.Data...)})
		return
	}
	d.interpret(route, root)
}

func (d *Dispatcher) interpret(route Route, value any) {
	if batch, ok := value.([]any); ok {
		for _, item := range batch {
			d.interpret(route, item)
		}
		return
	}

	root, ok := value.(map[string]any)
	if !ok {
		d.emit(InvalidRequest{Route: route, Packet: value})
		return
	}

	form := GuessPacketForm(root)
	switch form {
	case FormRequest:
		if !ValidateRequest(root, d.strict) {
			form = FormInvalid
		}
	case FormResult, FormError:
		if !ValidateResponse(root, d.strict) {
			form = FormInvalid
		}
	case FormNotification:
		if !ValidateNotification(root, d.strict) {
			form = FormInvalid
		}
	}

	method := d.GuessPacketMethod(root)
	d.dispatch(route, form, method, root)

	if form == FormResult || form == FormError {
		if id, ok := asID(root["id"]); ok {
			d.registerReply(id)
		}
	}
}

func (d *Dispatcher) dispatch(route Route, form PacketForm, method PacketMethod, root Object) {
	switch method {
	case MethodIgnore:
		log.Debug("ignoring reply addressed to another client", "id", root["id"])
		return
	case MethodInvalid:
		d.invalidRequest(route, root)
		return
	case MethodUnrecognized:
		d.emit(UnrecognizedMethod{Route: route, ID: root["id"], Packet: root})
		return
	}

	switch {
	case method == MethodListQueues && form == FormRequest:
		d.handleListQueuesRequest(route, root)
	case method == MethodListQueues && form == FormResult:
		d.handleListQueuesResult(root)
	case method == MethodListQueues && form == FormError:
		d.handleListQueuesError(root)
	case method == MethodSubmitJob && form == FormRequest:
		d.handleSubmitJobRequest(route, root)
	case method == MethodSubmitJob && form == FormResult:
		d.handleSubmitJobResult(root)
	case method == MethodSubmitJob && form == FormError:
		d.handleSubmitJobError(root)
	case method == MethodCancelJob && form == FormRequest:
		d.handleCancelJobRequest(route, root)
	case method == MethodCancelJob && form == FormResult:
		d.handleCancelJobResult(root)
	case method == MethodCancelJob && form == FormError:
		d.handleCancelJobError(root)
	case method == MethodLookupJob && form == FormRequest:
		d.handleLookupJobRequest(route, root)
	case method == MethodLookupJob && form == FormResult:
		d.handleLookupJobResult(root)
	case method == MethodLookupJob && form == FormError:
		d.handleLookupJobError(root)
	case method == MethodJobStateChanged && form == FormNotification:
		d.handleJobStateChanged(root)
	default:
		d.invalidRequest(route, root)
	}
}

func (d *Dispatcher) invalidRequest(route Route, root Object) {
	d.emit(InvalidRequest{Route: route, ID: root["id"], Packet: root})
}

func dump(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unprintable>"
	}
	return string(data)
}

func illFormed(what string, root Object) {
	log.Warn(what+" is ill-formed", "packet", dump(root))
}

func replyID(root Object) types.ID {
	id, _ := asID(root["id"])
	return id
}

func params(root Object) (Object, bool) {
	p, ok := root["params"].(map[string]any)
	return p, ok
}

func (d *Dispatcher) handleListQueuesRequest(route Route, root Object) {
	d.emit(QueueListRequest{Route: route, ID: root["id"]})
}

func (d *Dispatcher) handleListQueuesResult(root Object) {
	result, ok := root["result"].(map[string]any)
	if !ok {
		illFormed("queue list result", root)
		return
	}

	queues := types.QueueList{}
	for name, value := range result {
		if value == nil {
			queues[name] = []string{}
			continue
		}
		programs, ok := value.([]any)
		if !ok {
			log.Warn("program list is ill-formed", "queue", name, "value", dump(value))
			queues[name] = []string{}
			continue
		}
		list := make([]string, 0, len(programs))
		for _, p := range programs {
			if s, ok := p.(string); ok {
				list = append(list, s)
			}
		}
		queues[name] = list
	}
	d.emit(QueueListResult{ID: replyID(root), Queues: queues})
}

func (d *Dispatcher) handleSubmitJobRequest(route Route, root Object) {
	p, ok := params(root)
	if !ok {
		illFormed("submitJob request", root)
		return
	}
	d.emit(JobSubmissionRequest{Route: route, ID: root["id"], Options: p})
}

func (d *Dispatcher) handleSubmitJobResult(root Object) {
	result, ok := root["result"].(map[string]any)
	if !ok {
		illFormed("job submission result", root)
		return
	}
	moleQueueID, ok := asID(result["moleQueueId"])
	dir, isStr := result["workingDirectory"].(string)
	if !ok || !isStr {
		illFormed("job submission result", root)
		return
	}
	d.emit(SubmissionSucceeded{ID: replyID(root), MoleQueueID: moleQueueID, WorkingDirectory: dir})
}

func errorFields(root Object) (int, string, bool) {
	errObj, ok := root["error"].(map[string]any)
	if !ok {
		return 0, "", false
	}
	code, ok := asInt(errObj["code"])
	msg, isStr := errObj["message"].(string)
	if !ok || !isStr {
		return 0, "", false
	}
	return int(code), msg, true
}

func (d *Dispatcher) handleListQueuesError(root Object) {
	code, msg, ok := errorFields(root)
	if !ok {
		illFormed("queue list failure response", root)
		return
	}
	log.Warn("queue list request failed", "code", code, "message", msg)
	d.emit(QueueListFailed{ID: replyID(root), Code: code, Message: msg})
}

func (d *Dispatcher) handleSubmitJobError(root Object) {
	code, msg, ok := errorFields(root)
	if !ok {
		illFormed("job submission failure response", root)
		return
	}
	d.emit(SubmissionFailed{ID: replyID(root), Code: code, Message: msg})
}

func (d *Dispatcher) handleCancelJobRequest(route Route, root Object) {
	p, ok := params(root)
	if !ok {
		illFormed("job cancellation request", root)
		return
	}
	moleQueueID, ok := asID(p["moleQueueId"])
	if !ok {
		illFormed("job cancellation request", root)
		return
	}
	d.emit(CancelJobRequest{Route: route, ID: root["id"], MoleQueueID: moleQueueID})
}

func (d *Dispatcher) handleCancelJobResult(root Object) {
	moleQueueID, ok := asID(root["result"])
	if !ok {
		illFormed("job cancellation result", root)
		return
	}
	d.emit(CancelConfirmed{ID: replyID(root), MoleQueueID: moleQueueID})
}

func (d *Dispatcher) handleCancelJobError(root Object) {
	code, msg, ok := errorFields(root)
	if !ok {
		illFormed("job cancellation failure response", root)
		return
	}
	d.emit(CancelFailed{ID: replyID(root), Code: code, Message: msg})
}

func (d *Dispatcher) handleLookupJobRequest(route Route, root Object) {
	p, ok := params(root)
	if !ok {
		illFormed("job lookup request", root)
		return
	}
	moleQueueID, ok := asID(p["moleQueueId"])
	if !ok {
		illFormed("job lookup request", root)
		return
	}
	d.emit(LookupJobRequest{Route: route, ID: root["id"], MoleQueueID: moleQueueID})
}

func (d *Dispatcher) handleLookupJobResult(root Object) {
	result, ok := root["result"].(map[string]any)
	if !ok {
		illFormed("job lookup result", root)
		return
	}
	d.emit(LookupResult{ID: replyID(root), Job: result})
}

func (d *Dispatcher) handleLookupJobError(root Object) {
	errObj, _ := root["error"].(map[string]any)
	moleQueueID, ok := asID(errObj["data"])
	if _, _, valid := errorFields(root); !valid || !ok {
		illFormed("job lookup failure response", root)
		return
	}
	d.emit(LookupFailed{ID: replyID(root), MoleQueueID: moleQueueID})
}

func (d *Dispatcher) handleJobStateChanged(root Object) {
	p, ok := params(root)
	if !ok {
		illFormed("job state change notification", root)
		return
	}
	moleQueueID, ok := asID(p["moleQueueId"])
	oldName, oldOK := p["oldState"].(string)
	newName, newOK := p["newState"].(string)
	if !ok || !oldOK || !newOK {
		illFormed("job state change notification", root)
		return
	}
	d.emit(JobStateChanged{
		MoleQueueID: moleQueueID,
		OldState:    types.ParseJobState(oldName),
		NewState:    types.ParseJobState(newName),
	})
}
