// Package proxy is the inbound surface: the JSON-RPC message handler shared
// by every transport, the session registry, and the HTTP and stdio
// transports themselves.
package proxy

import (
	"encoding/json"

	"onemcp/pkg/mcperr"
)

const jsonrpcVersion = "2.0"

// Envelope-level JSON-RPC codes. Everything past the envelope uses the
// mcperr taxonomy.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

// request is the inbound JSON-RPC envelope. Params stay raw until the
// method handler knows their shape.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the envelope carries no id and therefore
// expects no response.
func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type errorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *errorObject    `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

// errorResponse maps an error onto the JSON-RPC error object. Typed errors
// keep their code and data; anything else surfaces as an internal error
// with the cause hidden from the client.
func errorResponse(id json.RawMessage, err error) *response {
	me := mcperr.Wrap(err)
	return &response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &errorObject{Code: me.Code, Message: me.Message, Data: me.Data},
	}
}

// protocolError builds an envelope-level error response. A nil id marshals
// as JSON null, which is what JSON-RPC prescribes for parse errors.
func protocolError(id json.RawMessage, code int, message string) *response {
	return &response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &errorObject{Code: code, Message: message},
	}
}
