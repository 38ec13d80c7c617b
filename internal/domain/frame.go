package domain

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of frame sent over the gateway socket.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is one of *Request, *Response or *Event. The set is closed: only
// types in this package implement it.
type Frame interface {
	Type() FrameType
	frame()
}

// Request invokes a method on the remote side. ID must be unique among the
// requests still outstanding on the same connection.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// Event is pushed by the remote side without a preceding request.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorShape is the error body carried by a failed Response.
type ErrorShape struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (*Request) Type() FrameType  { return FrameTypeRequest }
func (*Response) Type() FrameType { return FrameTypeResponse }
func (*Event) Type() FrameType    { return FrameTypeEvent }

func (*Request) frame()  {}
func (*Response) frame() {}
func (*Event) frame()    {}

// wireFrame is the flat JSON shape of every frame on the wire.
type wireFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// DecodeFrame parses one text frame. Malformed JSON, an unknown type tag or a
// frame missing its required fields all yield ErrMalformedFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch w.Type {
	case FrameTypeRequest:
		if w.ID == "" || w.Method == "" {
			return nil, fmt.Errorf("%w: request requires id and method", ErrMalformedFrame)
		}
		return &Request{ID: w.ID, Method: w.Method, Params: w.Params}, nil
	case FrameTypeResponse:
		if w.ID == "" || w.OK == nil {
			return nil, fmt.Errorf("%w: response requires id and ok", ErrMalformedFrame)
		}
		return &Response{ID: w.ID, OK: *w.OK, Payload: w.Payload, Error: w.Error}, nil
	case FrameTypeEvent:
		if w.Event == "" {
			return nil, fmt.Errorf("%w: event requires a name", ErrMalformedFrame)
		}
		return &Event{Name: w.Event, Payload: w.Payload}, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, w.Type)
	}
}

// EncodeFrame serializes f into its wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	var w wireFrame
	switch v := f.(type) {
	case *Request:
		w = wireFrame{Type: FrameTypeRequest, ID: v.ID, Method: v.Method, Params: v.Params}
	case *Response:
		ok := v.OK
		w = wireFrame{Type: FrameTypeResponse, ID: v.ID, OK: &ok, Payload: v.Payload, Error: v.Error}
	case *Event:
		w = wireFrame{Type: FrameTypeEvent, Event: v.Name, Payload: v.Payload}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrMalformedFrame, f)
	}
	return json.Marshal(w)
}
