package jsonrpc

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Version is the value of the "jsonrpc" member on every packet.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// PacketForm is derived from the members present on a packet.
type PacketForm int

const (
	FormInvalid PacketForm = iota
	FormRequest
	FormResult
	FormError
	FormNotification
)

func (f PacketForm) String() string {
	switch f {
	case FormRequest:
		return "request"
	case FormResult:
		return "result"
	case FormError:
		return "error"
	case FormNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// PacketMethod names the domain method a packet belongs to.
type PacketMethod int

const (
	MethodIgnore PacketMethod = iota - 3
	MethodUnrecognized
	MethodInvalid
	MethodListQueues
	MethodSubmitJob
	MethodCancelJob
	MethodLookupJob
	MethodJobStateChanged
)

var methodNames = map[string]PacketMethod{
	"listQueues":      MethodListQueues,
	"submitJob":       MethodSubmitJob,
	"cancelJob":       MethodCancelJob,
	"lookupJob":       MethodLookupJob,
	"jobStateChanged": MethodJobStateChanged,
}

func (m PacketMethod) String() string {
	for name, method := range methodNames {
		if method == m {
			return name
		}
	}
	switch m {
	case MethodIgnore:
		return "ignore"
	case MethodUnrecognized:
		return "unrecognized"
	default:
		return "invalid"
	}
}

// Object is a decoded JSON object. Numbers are json.Number.
type Object = map[string]any

func has(obj Object, key string) bool {
	_, ok := obj[key]
	return ok
}

func nonNull(obj Object, key string) bool {
	v, ok := obj[key]
	return ok && v != nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func isNumber(v any) bool {
	switch v.(type) {
	case json.Number, float64, float32, int, int64, uint64, uint32, int32:
		return true
	}
	return false
}

// isIntegral accepts numbers without a fractional part or exponent.
func isIntegral(v any) bool {
	_, ok := asInt(v)
	return ok
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i, true
		}
		if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
			return int64(u), true
		}
		return 0, false
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	}
	return 0, false
}

// asID reads an integral JSON value as an unsigned id.
func asID(v any) (types.ID, bool) {
	if n, ok := v.(json.Number); ok {
		if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
			return u, true
		}
	}
	i, ok := asInt(v)
	if !ok || i < 0 {
		return 0, false
	}
	return types.ID(i), true
}

func onlyKeys(obj Object, allowed ...string) bool {
	for key := range obj {
		found := false
		for _, a := range allowed {
			if key == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GuessPacketForm classifies a packet by member presence.
func GuessPacketForm(root Object) PacketForm {
	if nonNull(root, "method") {
		if has(root, "id") {
			return FormRequest
		}
		return FormNotification
	}
	if has(root, "result") {
		return FormResult
	}
	if has(root, "error") {
		return FormError
	}
	return FormInvalid
}

// ValidateRequest checks the members a request must carry.
// Strict mode also requires "jsonrpc" and rejects unknown top-level members.
func ValidateRequest(root Object, strict bool) bool {
	if !isString(root["method"]) {
		return false
	}
	if !has(root, "id") {
		return false
	}
	if id := root["id"]; id != nil && !isString(id) && !isNumber(id) {
		return false
	}
	if has(root, "params") && !isObject(root["params"]) && !isArray(root["params"]) {
		return false
	}
	if strict {
		if !has(root, "jsonrpc") || !onlyKeys(root, "jsonrpc", "method", "params", "id") {
			return false
		}
	}
	return true
}

// ValidateResponse checks result and error packets.
func ValidateResponse(root Object, strict bool) bool {
	if !has(root, "id") {
		return false
	}
	if has(root, "result") == has(root, "error") {
		return false
	}
	if has(root, "error") {
		errObj, ok := root["error"].(map[string]any)
		if !ok {
			return false
		}
		if !isIntegral(errObj["code"]) || !isString(errObj["message"]) {
			return false
		}
		if strict && !onlyKeys(errObj, "code", "message", "data") {
			return false
		}
	}
	if strict {
		if !has(root, "jsonrpc") || !onlyKeys(root, "jsonrpc", "result", "error", "id") {
			return false
		}
	}
	return true
}

// ValidateNotification rejects any packet carrying an id, strict or not.
func ValidateNotification(root Object, strict bool) bool {
	if !isString(root["method"]) {
		return false
	}
	if has(root, "id") {
		return false
	}
	if has(root, "params") && !isObject(root["params"]) && !isArray(root["params"]) {
		return false
	}
	if strict {
		if !has(root, "jsonrpc") || !onlyKeys(root, "jsonrpc", "method", "params") {
			return false
		}
	}
	return true
}
