package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxBinarySessionID is the longest session id a binary frame can carry.
const MaxBinarySessionID = 255

// MaxInputChunk is the largest input payload a client puts in one message.
// Larger inputs are split so no frame approaches the server's read limit.
const MaxInputChunk = 64 * 1024

type header struct {
	Module    string      `json:"module"`
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

type initWire struct {
	header
	ShellType string            `json:"shell_type,omitempty"`
	ShellArgs []string          `json:"shell_args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
}

type dataWire struct {
	header
	Data []byte `json:"data"`
}

type resizeWire struct {
	header
	Cols *int `json:"cols,omitempty"`
	Rows *int `json:"rows,omitempty"`
}

type initAckWire struct {
	header
	Success bool `json:"success"`
}

type exitWire struct {
	header
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

type errorWire struct {
	header
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeRequest parses one client frame. Failures are *DecodeError values
// wrapping ErrInvalidMessage.
func DecodeRequest(kind FrameKind, payload []byte) (Request, error) {
	if kind == BinaryFrame {
		sessionID, data, err := decodeBinaryFrame(payload)
		if err != nil {
			return nil, &DecodeError{Err: err, Type: TypeInput}
		}
		return Input{SessionID: sessionID, Data: data}, nil
	}

	var h header
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrInvalidMessage, err)}
	}
	fail := func(err error) (Request, error) {
		return nil, &DecodeError{Err: err, Type: h.Type, RequestID: h.RequestID, SessionID: h.SessionID}
	}

	if h.Module != Module {
		return fail(fmt.Errorf("%w %q", ErrUnknownModule, h.Module))
	}

	switch h.Type {
	case TypeInit:
		var w initWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		return Init{
			RequestID: w.RequestID,
			ShellType: w.ShellType,
			ShellArgs: w.ShellArgs,
			Cwd:       w.Cwd,
			Env:       w.Env,
			Cols:      w.Cols,
			Rows:      w.Rows,
		}, nil

	case TypeInput:
		var w dataWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		if w.SessionID == "" {
			return fail(ErrSessionIDRequired)
		}
		return Input{SessionID: w.SessionID, Data: w.Data}, nil

	case TypeResize:
		var w resizeWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		if w.SessionID == "" {
			return fail(ErrSessionIDRequired)
		}
		r := Resize{SessionID: w.SessionID, Cols: 80, Rows: 24}
		if w.Cols != nil {
			r.Cols = *w.Cols
		}
		if w.Rows != nil {
			r.Rows = *w.Rows
		}
		return r, nil

	case TypeClose, TypeDestroy:
		if h.SessionID == "" {
			return fail(ErrSessionIDRequired)
		}
		return Close{SessionID: h.SessionID}, nil

	default:
		return fail(fmt.Errorf("%w %q", ErrUnknownType, h.Type))
	}
}

// EncodeRequest serialises a request. Input is always sent as JSON.
func EncodeRequest(req Request) ([]byte, error) {
	switch r := req.(type) {
	case Init:
		return json.Marshal(initWire{
			header:    header{Module: Module, Type: TypeInit, RequestID: r.RequestID},
			ShellType: r.ShellType,
			ShellArgs: r.ShellArgs,
			Cwd:       r.Cwd,
			Env:       r.Env,
			Cols:      r.Cols,
			Rows:      r.Rows,
		})
	case Input:
		return json.Marshal(dataWire{
			header: header{Module: Module, Type: TypeInput, SessionID: r.SessionID},
			Data:   nonNil(r.Data),
		})
	case Resize:
		cols, rows := r.Cols, r.Rows
		return json.Marshal(resizeWire{
			header: header{Module: Module, Type: TypeResize, SessionID: r.SessionID},
			Cols:   &cols,
			Rows:   &rows,
		})
	case Close:
		return json.Marshal(header{Module: Module, Type: TypeClose, SessionID: r.SessionID})
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
}

// EncodeInputFrame builds a binary input frame for the session.
func EncodeInputFrame(sessionID string, data []byte) ([]byte, error) {
	return encodeBinaryFrame(sessionID, data)
}

// EncodeEvent serialises an event. Output uses a binary frame when enc is
// EncodingBinary and the session id fits in one; everything else is JSON text.
func EncodeEvent(ev Event, enc Encoding) (FrameKind, []byte, error) {
	var v any
	switch e := ev.(type) {
	case InitAck:
		v = initAckWire{
			header:  header{Module: Module, Type: TypeInitAck, RequestID: e.RequestID, SessionID: e.SessionID},
			Success: e.Success,
		}
	case Output:
		if enc == EncodingBinary && len(e.SessionID) <= MaxBinarySessionID {
			frame, err := encodeBinaryFrame(e.SessionID, e.Data)
			if err != nil {
				return 0, nil, err
			}
			return BinaryFrame, frame, nil
		}
		v = dataWire{
			header: header{Module: Module, Type: TypeOutput, SessionID: e.SessionID},
			Data:   nonNil(e.Data),
		}
	case Exit:
		v = exitWire{
			header: header{Module: Module, Type: TypeExit, SessionID: e.SessionID},
			Code:   e.Code,
			Signal: e.Signal,
		}
	case Error:
		v = errorWire{
			header:  header{Module: Module, Type: TypeError, RequestID: e.RequestID, SessionID: e.SessionID},
			Code:    e.Code,
			Message: e.Message,
		}
	default:
		return 0, nil, fmt.Errorf("unsupported event %T", ev)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return 0, nil, err
	}
	return TextFrame, payload, nil
}

// DecodeEvent parses one server frame. Binary frames decode to Output.
func DecodeEvent(kind FrameKind, payload []byte) (Event, error) {
	if kind == BinaryFrame {
		sessionID, data, err := decodeBinaryFrame(payload)
		if err != nil {
			return nil, &DecodeError{Err: err, Type: TypeOutput}
		}
		return Output{SessionID: sessionID, Data: data}, nil
	}

	var h header
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrInvalidMessage, err)}
	}
	fail := func(err error) (Event, error) {
		return nil, &DecodeError{Err: err, Type: h.Type, RequestID: h.RequestID, SessionID: h.SessionID}
	}
	if h.Module != Module {
		return fail(fmt.Errorf("%w %q", ErrUnknownModule, h.Module))
	}

	switch h.Type {
	case TypeInitAck:
		var w initAckWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		return InitAck{RequestID: w.RequestID, SessionID: w.SessionID, Success: w.Success}, nil
	case TypeOutput:
		var w dataWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		return Output{SessionID: w.SessionID, Data: w.Data}, nil
	case TypeExit:
		var w exitWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		return Exit{SessionID: w.SessionID, Code: w.Code, Signal: w.Signal}, nil
	case TypeError:
		var w errorWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrInvalidMessage, err))
		}
		return Error{SessionID: w.SessionID, RequestID: w.RequestID, Code: w.Code, Message: w.Message}, nil
	default:
		return fail(fmt.Errorf("%w %q", ErrUnknownType, h.Type))
	}
}

func encodeBinaryFrame(sessionID string, data []byte) ([]byte, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if len(sessionID) > MaxBinarySessionID {
		return nil, fmt.Errorf("%w: session id longer than %d bytes", ErrInvalidMessage, MaxBinarySessionID)
	}
	frame := make([]byte, 0, 1+len(sessionID)+len(data))
	frame = append(frame, byte(len(sessionID)))
	frame = append(frame, sessionID...)
	frame = append(frame, data...)
	return frame, nil
}

func decodeBinaryFrame(frame []byte) (string, []byte, error) {
	if len(frame) == 0 {
		return "", nil, fmt.Errorf("%w: empty binary frame", ErrInvalidMessage)
	}
	n := int(frame[0])
	if n == 0 {
		return "", nil, ErrSessionIDRequired
	}
	if len(frame) < 1+n {
		return "", nil, fmt.Errorf("%w: truncated binary frame", ErrInvalidMessage)
	}
	data := make([]byte, len(frame)-1-n)
	copy(data, frame[1+n:])
	return string(frame[1 : 1+n]), data, nil
}

// nonNil keeps empty payloads as "" instead of null on the wire.
func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
