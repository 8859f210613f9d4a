// Package rpc serves the battle client to a UI as JSON-RPC 2.0 over HTTP,
// with a websocket stream of notifications.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/tolelom/framebattles/core"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData tells the UI how to present a failure.
type ErrorData struct {
	Kind        string `json:"kind"`
	Recoverable bool   `json:"recoverable"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
)

// Codes for the client error kinds.
const (
	CodeChainSwitch  = -32010
	CodeInvalidState = -32011
	CodeSubmission   = -32012
	CodeFetch        = -32013
	CodeNotFound     = -32014
)

var kindCodes = map[core.Kind]int{
	core.KindValidation:   CodeInvalidParams,
	core.KindChainSwitch:  CodeChainSwitch,
	core.KindInvalidState: CodeInvalidState,
	core.KindSubmission:   CodeSubmission,
	core.KindFetch:        CodeFetch,
	core.KindNotFound:     CodeNotFound,
}

func errResponse(id any, code int, msg string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

// errorResponse maps err onto the code of its kind.
func errorResponse(id any, err error) Response {
	var ce *core.Error
	if !errors.As(err, &ce) {
		return errResponse(id, CodeInternalError, err.Error())
	}
	code, ok := kindCodes[ce.Kind]
	if !ok {
		code = CodeInternalError
	}
	resp := errResponse(id, code, err.Error())
	resp.Error.Data = &ErrorData{Kind: ce.Kind.String(), Recoverable: ce.Recoverable}
	return resp
}

func okResponse(id, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}
