// Package verto is the Verto signaling adapter: JSON-RPC 2.0 over
// WebSocket, carrying login, verto.invite, verto.answer, verto.bye, and
// verto.info between browser endpoints and the session core. Client call
// ids are chosen by the endpoint and preserved end to end.
package verto

import (
	"encoding/json"
	"sync/atomic"
)

// Request is a JSON-RPC 2.0 request or notification frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error member, carrying the adapter's numeric
// code taxonomy on the wire.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DialogParams is the verto dialogParams object shared by invite, answer,
// and bye.
type DialogParams struct {
	CallID            string `json:"callID"`
	DestinationNumber string `json:"destination_number,omitempty"`
	CallerIDName      string `json:"caller_id_name,omitempty"`
	CallerIDNumber    string `json:"caller_id_number,omitempty"`
}

// LoginParams carries the login method's credentials.
type LoginParams struct {
	Login    string `json:"login"`
	Passwd   string `json:"passwd"`
	SessID   string `json:"sessid,omitempty"`
	UserData any    `json:"userVariables,omitempty"`
}

// CallParams carries the SDP-bearing call methods' parameters.
type CallParams struct {
	SDP    string       `json:"sdp,omitempty"`
	Dialog DialogParams `json:"dialogParams"`
}

// InfoParams carries verto.info payloads (DTMF).
type InfoParams struct {
	DTMF   string       `json:"dtmf,omitempty"`
	Dialog DialogParams `json:"dialogParams"`
}

var reqCounter atomic.Int64

// newRequest builds an outbound server-to-client request.
func newRequest(method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: "2.0",
		ID:      reqCounter.Add(1),
		Method:  method,
		Params:  raw,
	}, nil
}

func okResponse(id int64, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errResponse(id int64, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
