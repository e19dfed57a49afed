package jsonrpc

// ReplyToProtocolError answers protocol-error events with the matching
// JSON-RPC error, on the connection and endpoint the packet came from.
// It returns the error code sent, or 0 when ev is not a protocol error.
func ReplyToProtocolError(ev Event) int {
	var (
		route Route
		code  int
		data  []byte
	)

	switch e := ev.(type) {
	case InvalidPacket:
		route, code = e.Route, CodeParseError
		data = GenerateErrorResponse(code, "Parse error", Object{"receivedPacket": string(e.Raw)}, nil)
	case InvalidRequest:
		route, code = e.Route, CodeInvalidRequest
		data = GenerateErrorResponse(code, "Invalid request", Object{"receivedJson": e.Packet}, e.ID)
	case UnrecognizedMethod:
		route, code = e.Route, CodeMethodNotFound
		data = GenerateErrorResponse(code, "Method not found", Object{"request": e.Packet}, e.ID)
	default:
		return 0
	}

	if err := route.Reply(data); err != nil {
		log.Warn("could not send protocol error reply", "code", code, "error", err)
	}
	return code
}
