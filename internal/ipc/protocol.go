// Package ipc implements the wootsim control socket: line-delimited JSON
// requests and responses over a Unix domain socket.
//
// Client sends: {"type": "read", "device": 0, "scan_code": 5}
// Server responds: {"status": "ok", "value": 0.3} or {"status": "error", "error": "msg"}
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"wootsim/internal/analog"
)

// Request types.
const (
	TypeInitialise   = "initialise"
	TypeUninitialize = "uninitialize"
	TypeSetMode      = "set_mode"
	TypeRead         = "read"
	TypePeek         = "peek"
	TypeSnapshot     = "snapshot"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one line sent by a client.
type Request struct {
	Type     string  `json:"type"`
	Device   uint32  `json:"device,omitempty"`
	ScanCode *uint16 `json:"scan_code,omitempty"`
	Mode     string  `json:"mode,omitempty"`
}

// Response is one line sent back for each request.
type Response struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Value  *float32          `json:"value,omitempty"`
	Keys   []analog.KeyState `json:"keys,omitempty"`
}

// OK returns a success response.
func OK() Response { return Response{Status: StatusOK} }

// OKValue returns a success response carrying an analog value.
func OKValue(v float32) Response { return Response{Status: StatusOK, Value: &v} }

// Err returns an error response.
func Err(err error) Response { return Response{Status: StatusError, Error: err.Error()} }

// ErrMissingScanCode is returned for read/peek requests without a scan_code.
var ErrMissingScanCode = errors.New("scan_code is required")

// ParseRequest decodes and validates a single request line.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}

	switch req.Type {
	case TypeInitialise, TypeUninitialize, TypeSnapshot:
	case TypeSetMode:
		if req.Mode == "" {
			return Request{}, errors.New("set_mode requires mode")
		}
	case TypeRead, TypePeek:
		if req.ScanCode == nil {
			return Request{}, ErrMissingScanCode
		}
	case "":
		return Request{}, errors.New("missing request type")
	default:
		return Request{}, fmt.Errorf("unknown request type: %q", req.Type)
	}
	return req, nil
}

// ScanCodePtr is a helper for building read/peek requests.
func ScanCodePtr(sc uint16) *uint16 { return &sc }
