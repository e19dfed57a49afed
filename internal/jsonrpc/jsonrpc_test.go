package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/molequeue/internal/transport"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type recordingConn struct {
	sent []transport.Message
}

func (c *recordingConn) ID() string { return "recording" }
func (c *recordingConn) OnMessage(transport.MessageHandler) {}
func (c *recordingConn) Start() error { return nil }
func (c *recordingConn) IsOpen() bool { return true }
func (c *recordingConn) Close() error { return nil }
func (c *recordingConn) ConnectionString() string { return "recording" }
func (c *recordingConn) Send(msg transport.Message) error { c.sent = append(c.sent, msg); return nil }

// newTestDispatcher returns a dispatcher whose events are collected and whose
// protocol errors are answered on the recording connection.
func newTestDispatcher(t *testing.T) (*Dispatcher, *[]Event) {
	t.Helper()
	d := NewDispatcher()
	events := &[]Event{}
	d.Subscribe(func(ev Event) { *events = append(*events, ev) })
	d.Subscribe(func(ev Event) { ReplyToProtocolError(ev) })
	return d, events
}

func deliver(d *Dispatcher, conn transport.Connection, replyTo transport.EndpointID, data []byte) {
	d.InterpretIncomingPacket(conn, transport.Message{ReplyTo: replyTo, Data: data})
}

func decodeObject(t *testing.T, data []byte) Object {
	t.Helper()
	var obj Object
	require.NoError(t, json.Unmarshal(data, &obj))
	return obj
}

func sampleJob() types.Job {
	job := types.NewJob()
	job.Queue = "cluster"
	job.Program = "gamess"
	job.Description = "water optimization"
	job.NumberOfCores = 4
	job.InputFile = types.FileSpec{Filename: "water.inp", Contents: "$CONTRL $END"}
	job.Keywords = map[string]string{"basis": "6-31G"}
	return job
}

// ============================================================================
// Round trip
// ============================================================================

func TestRoundTrip_SubmitJob(t *testing.T) {
	client := NewDispatcher()
	server, events := newTestDispatcher(t)
	conn := &recordingConn{}

	job := sampleJob()
	deliver(server, conn, "peer-1", client.GenerateJobRequest(job, 17))

	require.Len(t, *events, 1)
	ev, ok := (*events)[0].(JobSubmissionRequest)
	require.True(t, ok, "expected JobSubmissionRequest, got %T", (*events)[0])
	assert.Equal(t, json.Number("17"), ev.ID)
	assert.Equal(t, transport.EndpointID("peer-1"), ev.ReplyTo)

	got, err := types.JobFromHash(ev.Options)
	require.NoError(t, err)
	assert.Equal(t, job, got)
	assert.Empty(t, conn.sent)
}

func TestRoundTrip_Requests(t *testing.T) {
	client := NewDispatcher()

	tests := []struct {
		name   string
		packet []byte
		want   Event
	}{
		{
			name:   "cancelJob",
			packet: client.GenerateJobCancellation(42, 3),
			want:   CancelJobRequest{ID: json.Number("3"), MoleQueueID: 42},
		},
		{
			name:   "lookupJob",
			packet: client.GenerateLookupJobRequest(42, 4),
			want:   LookupJobRequest{ID: json.Number("4"), MoleQueueID: 42},
		},
		{
			name:   "listQueues",
			packet: client.GenerateQueueListRequest(5),
			want:   QueueListRequest{ID: json.Number("5")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, events := newTestDispatcher(t)
			deliver(server, nil, "", tt.packet)

			require.Len(t, *events, 1)
			switch got := (*events)[0].(type) {
			case CancelJobRequest:
				got.Route = Route{}
				assert.Equal(t, tt.want, got)
			case LookupJobRequest:
				got.Route = Route{}
				assert.Equal(t, tt.want, got)
			case QueueListRequest:
				got.Route = Route{}
				assert.Equal(t, tt.want, got)
			default:
				t.Fatalf("unexpected event %T", got)
			}
		})
	}
}

func TestRoundTrip_Replies(t *testing.T) {
	job := sampleJob()
	job.MoleQueueID = 42

	tests := []struct {
		name     string
		register func(d *Dispatcher) types.ID
		reply    func(id types.ID) []byte
		want     func(id types.ID) Event
	}{
		{
			name:     "submission confirmation",
			register: func(d *Dispatcher) types.ID { d.GenerateJobRequest(job, 10); return 10 },
			reply: func(id types.ID) []byte {
				return GenerateJobSubmissionConfirmation(42, "/tmp/jobs/42", id)
			},
			want: func(id types.ID) Event {
				return SubmissionSucceeded{ID: id, MoleQueueID: 42, WorkingDirectory: "/tmp/jobs/42"}
			},
		},
		{
			name:     "submission failure",
			register: func(d *Dispatcher) types.ID { d.GenerateJobRequest(job, 11); return 11 },
			reply: func(id types.ID) []byte {
				return GenerateErrorResponse(int(types.InvalidQueue), "Unknown queue: nope", nil, id)
			},
			want: func(id types.ID) Event {
				return SubmissionFailed{ID: id, Code: int(types.InvalidQueue), Message: "Unknown queue: nope"}
			},
		},
		{
			name:     "cancel confirmation",
			register: func(d *Dispatcher) types.ID { d.GenerateJobCancellation(42, 12); return 12 },
			reply:    func(id types.ID) []byte { return GenerateJobCancellationConfirmation(42, id) },
			want:     func(id types.ID) Event { return CancelConfirmed{ID: id, MoleQueueID: 42} },
		},
		{
			name:     "lookup failure",
			register: func(d *Dispatcher) types.ID { d.GenerateLookupJobRequest(99, 13); return 13 },
			reply:    func(id types.ID) []byte { return GenerateLookupJobResponse(nil, 99, id) },
			want:     func(id types.ID) Event { return LookupFailed{ID: id, MoleQueueID: 99} },
		},
		{
			name:     "queue list",
			register: func(d *Dispatcher) types.ID { d.GenerateQueueListRequest(14); return 14 },
			reply: func(id types.ID) []byte {
				return GenerateQueueList(types.QueueList{"Local": {"sleep"}, "cluster": {"gamess", "nwchem"}}, id)
			},
			want: func(id types.ID) Event {
				return QueueListResult{ID: id, Queues: types.QueueList{"Local": {"sleep"}, "cluster": {"gamess", "nwchem"}}}
			},
		},
		{
			name:     "queue list failure",
			register: func(d *Dispatcher) types.ID { d.GenerateQueueListRequest(15); return 15 },
			reply:    func(id types.ID) []byte { return GenerateErrorResponse(CodeInternalError, "busy", nil, id) },
			want:     func(id types.ID) Event { return QueueListFailed{ID: id, Code: CodeInternalError, Message: "busy"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, events := newTestDispatcher(t)
			id := tt.register(client)

			deliver(client, &recordingConn{}, "", tt.reply(id))

			require.Len(t, *events, 1)
			assert.Equal(t, tt.want(id), (*events)[0])
			assert.Empty(t, client.PendingRequests(), "reply must clear the pending entry")
		})
	}
}

func TestRoundTrip_LookupResult(t *testing.T) {
	client, events := newTestDispatcher(t)
	job := sampleJob()
	job.MoleQueueID = 42
	job.State = types.StateRunningRemote

	client.GenerateLookupJobRequest(42, 20)
	deliver(client, nil, "", GenerateLookupJobResponse(&job, 42, 20))

	require.Len(t, *events, 1)
	ev, ok := (*events)[0].(LookupResult)
	require.True(t, ok)
	got, err := types.JobFromHash(ev.Job)
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestRoundTrip_JobStateChanged(t *testing.T) {
	client, events := newTestDispatcher(t)

	deliver(client, nil, "", GenerateJobStateChangeNotification(42, types.StateSubmitted, types.StateRunningRemote))

	require.Len(t, *events, 1)
	assert.Equal(t, JobStateChanged{
		MoleQueueID: 42,
		OldState:    types.StateSubmitted,
		NewState:    types.StateRunningRemote,
	}, (*events)[0])
}

// ============================================================================
// Request correlation
// ============================================================================

func TestIDCorrelation(t *testing.T) {
	client, events := newTestDispatcher(t)
	client.GenerateLookupJobRequest(7, 500)

	reply := GenerateLookupJobResponse(nil, 7, 500)
	root := decodeObject(t, reply)
	assert.Equal(t, MethodLookupJob, client.GuessPacketMethod(root))

	deliver(client, nil, "", reply)
	require.Len(t, *events, 1)

	assert.Equal(t, MethodIgnore, client.GuessPacketMethod(root))
	deliver(client, nil, "", reply)
	assert.Len(t, *events, 1, "second reply with the same id must be ignored")
}

func TestGuessPacketMethod(t *testing.T) {
	d := NewDispatcher()
	d.GenerateQueueListRequest(8)

	tests := []struct {
		name string
		root Object
		want PacketMethod
	}{
		{"known method", Object{"method": "submitJob", "id": 1}, MethodSubmitJob},
		{"unknown method", Object{"method": "frobnicate", "id": 1}, MethodUnrecognized},
		{"non-string method", Object{"method": 12, "id": 1}, MethodInvalid},
		{"reply to pending request", Object{"result": Object{}, "id": json.Number("8")}, MethodListQueues},
		{"reply to someone else", Object{"result": Object{}, "id": json.Number("9")}, MethodIgnore},
		{"reply with string id", Object{"result": Object{}, "id": "8"}, MethodIgnore},
		{"no method and no id", Object{"result": Object{}}, MethodInvalid},
		{"reply with null id", Object{"result": Object{}, "id": nil}, MethodInvalid},
		{"reply with negative id", Object{"result": Object{}, "id": json.Number("-8")}, MethodIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.GuessPacketMethod(tt.root))
		})
	}
}

func TestGuessPacketForm(t *testing.T) {
	tests := []struct {
		name string
		root Object
		want PacketForm
	}{
		{"request", Object{"method": "listQueues", "id": 1}, FormRequest},
		{"request with null id", Object{"method": "listQueues", "id": nil}, FormRequest},
		{"notification", Object{"method": "jobStateChanged"}, FormNotification},
		{"result", Object{"result": 1, "id": 1}, FormResult},
		{"error", Object{"error": Object{}, "id": 1}, FormError},
		{"null method", Object{"method": nil, "id": 1}, FormInvalid},
		{"empty", Object{}, FormInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GuessPacketForm(tt.root))
		})
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidationStrictness(t *testing.T) {
	request := Object{"jsonrpc": "2.0", "method": "listQueues", "id": 1, "extra": true}
	assert.True(t, ValidateRequest(request, false))
	assert.False(t, ValidateRequest(request, true))

	notification := Object{"jsonrpc": "2.0", "method": "jobStateChanged", "params": Object{}, "id": 1}
	assert.False(t, ValidateNotification(notification, false))
	assert.False(t, ValidateNotification(notification, true))
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name string
		root Object
		want bool
	}{
		{"minimal", Object{"method": "listQueues", "id": 1}, true},
		{"string id", Object{"method": "listQueues", "id": "abc"}, true},
		{"null id", Object{"method": "listQueues", "id": nil}, true},
		{"object id", Object{"method": "listQueues", "id": Object{}}, false},
		{"missing id", Object{"method": "listQueues"}, false},
		{"array params", Object{"method": "submitJob", "id": 1, "params": []any{}}, true},
		{"scalar params", Object{"method": "submitJob", "id": 1, "params": "x"}, false},
		{"non-string method", Object{"method": 3, "id": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateRequest(tt.root, false))
		})
	}
}

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name string
		root Object
		want bool
	}{
		{"result", Object{"result": 1, "id": 1}, true},
		{"error", Object{"error": Object{"code": -32600, "message": "bad"}, "id": 1}, true},
		{"both", Object{"result": 1, "error": Object{"code": 1, "message": "x"}, "id": 1}, false},
		{"neither", Object{"id": 1}, false},
		{"missing id", Object{"result": 1}, false},
		{"fractional code", Object{"error": Object{"code": json.Number("1.5"), "message": "x"}, "id": 1}, false},
		{"missing message", Object{"error": Object{"code": 1}, "id": 1}, false},
		{"error not object", Object{"error": "boom", "id": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateResponse(tt.root, false))
		})
	}
}

// ============================================================================
// Protocol errors
// ============================================================================

func TestBatchIndependence(t *testing.T) {
	server, events := newTestDispatcher(t)
	conn := &recordingConn{}

	batch := `[{"jsonrpc":"2.0","method":"listQueues","id":1}, 42]`
	deliver(server, conn, "peer-7", []byte(batch))

	require.Len(t, *events, 2)
	_, isRequest := (*events)[0].(QueueListRequest)
	_, isInvalid := (*events)[1].(InvalidRequest)
	assert.True(t, isRequest)
	assert.True(t, isInvalid)

	require.Len(t, conn.sent, 1, "exactly one protocol error reply")
	assert.Equal(t, transport.EndpointID("peer-7"), conn.sent[0].To)
	reply := decodeObject(t, conn.sent[0].Data)
	assert.EqualValues(t, CodeInvalidRequest, reply["error"].(map[string]any)["code"])
}

func TestProtocolErrorReplies(t *testing.T) {
	tests := []struct {
		name     string
		packet   string
		wantCode float64
		wantID   any
	}{
		{"unparsable", `{"jsonrpc": "2.0", "method"`, CodeParseError, nil},
		{"not an object", `"hello"`, CodeInvalidRequest, nil},
		{"unknown method", `{"jsonrpc":"2.0","method":"frobnicate","id":3}`, CodeMethodNotFound, float64(3)},
		{"notification for request-only method", `{"jsonrpc":"2.0","method":"submitJob","params":{}}`, CodeInvalidRequest, nil},
		{"request with bad params", `{"jsonrpc":"2.0","method":"submitJob","id":4,"params":5}`, CodeInvalidRequest, float64(4)},
		{"request for notification method", `{"jsonrpc":"2.0","method":"jobStateChanged","id":5,"params":{}}`, CodeInvalidRequest, float64(5)},
		{"reply with null id", `{"jsonrpc":"2.0","result":{},"id":null}`, CodeInvalidRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestDispatcher(t)
			conn := &recordingConn{}
			deliver(server, conn, "endpoint-A", []byte(tt.packet))

			require.Len(t, conn.sent, 1)
			assert.Equal(t, transport.EndpointID("endpoint-A"), conn.sent[0].To)

			reply := decodeObject(t, conn.sent[0].Data)
			assert.Equal(t, "2.0", reply["jsonrpc"])
			assert.Equal(t, tt.wantID, reply["id"])
			errObj := reply["error"].(map[string]any)
			assert.Equal(t, tt.wantCode, errObj["code"])
			assert.Contains(t, errObj, "data")
		})
	}
}

func TestParseErrorCarriesRawPacket(t *testing.T) {
	server, _ := newTestDispatcher(t)
	conn := &recordingConn{}
	deliver(server, conn, "", []byte("not json"))

	require.Len(t, conn.sent, 1)
	reply := decodeObject(t, conn.sent[0].Data)
	data := reply["error"].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "not json", data["receivedPacket"])
}

func TestIllFormedPacketsAreDropped(t *testing.T) {
	tests := []struct {
		name   string
		packet string
	}{
		{"cancel with string id", `{"jsonrpc":"2.0","method":"cancelJob","id":1,"params":{"moleQueueId":"42"}}`},
		{"cancel with negative id", `{"jsonrpc":"2.0","method":"cancelJob","id":6,"params":{"moleQueueId":-5}}`},
		{"lookup with fractional id", `{"jsonrpc":"2.0","method":"lookupJob","id":7,"params":{"moleQueueId":1.5}}`},
		{"lookup without params", `{"jsonrpc":"2.0","method":"lookupJob","id":2}`},
		{"submit with array params", `{"jsonrpc":"2.0","method":"submitJob","id":3,"params":[]}`},
		{"state change missing newState", `{"jsonrpc":"2.0","method":"jobStateChanged","params":{"moleQueueId":1,"oldState":"None"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, events := newTestDispatcher(t)
			conn := &recordingConn{}
			deliver(server, conn, "", []byte(tt.packet))

			assert.Empty(t, *events)
			assert.Empty(t, conn.sent)
		})
	}
}

func TestDropPending(t *testing.T) {
	client, events := newTestDispatcher(t)
	client.GenerateQueueListRequest(21)
	client.DropPending(21)
	assert.Empty(t, client.PendingRequests())

	// a late reply is someone else's now
	deliver(client, &recordingConn{}, "", GenerateQueueList(types.QueueList{}, 21))
	assert.Empty(t, *events)
}

func TestIllFormedReplyStillClearsPending(t *testing.T) {
	client, events := newTestDispatcher(t)
	client.GenerateJobCancellation(42, 77)

	deliver(client, nil, "", []byte(`{"jsonrpc":"2.0","id":77,"result":"forty-two"}`))

	assert.Empty(t, *events)
	assert.Empty(t, client.PendingRequests())
}

func TestStrictModeRejectsExtraMembers(t *testing.T) {
	server, events := newTestDispatcher(t)
	server.SetStrict(true)
	conn := &recordingConn{}

	deliver(server, conn, "", []byte(`{"jsonrpc":"2.0","method":"listQueues","id":1,"extra":1}`))

	require.Len(t, *events, 1)
	_, ok := (*events)[0].(InvalidRequest)
	assert.True(t, ok)
	require.Len(t, conn.sent, 1)
}

// ============================================================================
// Generation
// ============================================================================

func TestPacketCounterIncrements(t *testing.T) {
	c := NewPacketCounter()
	first := c.Next()
	assert.Equal(t, first+1, c.Next())
	assert.Equal(t, first+2, c.Next())
}

func TestGeneratedRequestsRegisterIDs(t *testing.T) {
	d := NewDispatcher()
	d.GenerateQueueListRequest(3)
	d.GenerateLookupJobRequest(1, 1)
	d.GenerateJobCancellation(1, 2)

	assert.Equal(t, []types.ID{1, 2, 3}, d.PendingRequests())
}

func TestGenerateQueueList_Shape(t *testing.T) {
	packet := decodeObject(t, GenerateQueueList(types.QueueList{"Local": {"a", "b"}}, 9))

	assert.Equal(t, "2.0", packet["jsonrpc"])
	assert.Equal(t, float64(9), packet["id"])
	assert.Equal(t, map[string]any{"Local": []any{"a", "b"}}, packet["result"])
}

func TestGenerateLookupJobResponse_UnknownJob(t *testing.T) {
	packet := decodeObject(t, GenerateLookupJobResponse(nil, 12, 1))

	errObj := packet["error"].(map[string]any)
	assert.Equal(t, "Unknown MoleQueue ID", errObj["message"])
	assert.Equal(t, float64(0), errObj["code"])
	assert.Equal(t, float64(12), errObj["data"])
}
