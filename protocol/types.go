// Package protocol defines the messages exchanged between a client and the
// broker and their wire encoding.
//
// Control messages are JSON envelopes tagged with a module and a type.
// Terminal bytes travel either as base64 inside JSON or as binary frames laid
// out as [len u8][session id][payload].
package protocol

import (
	"errors"
	"fmt"
)

// Module is the envelope tag for the PTY subsystem.
const Module = "pty"

// MessageType is the envelope "type" tag.
type MessageType string

// Client to server.
const (
	TypeInit   MessageType = "init"
	TypeInput  MessageType = "input"
	TypeResize MessageType = "resize"
	TypeClose  MessageType = "close"
	// TypeDestroy is accepted as an alias of TypeClose.
	TypeDestroy MessageType = "destroy"
)

// Server to client.
const (
	TypeInitAck MessageType = "init_ack"
	TypeOutput  MessageType = "output"
	TypeExit    MessageType = "exit"
	TypeError   MessageType = "error"
)

// FrameKind mirrors the WebSocket message type of a frame. The values match
// RFC 6455 opcodes for text and binary.
type FrameKind int

const (
	TextFrame   FrameKind = 1
	BinaryFrame FrameKind = 2
)

// Encoding selects how output events are sent.
type Encoding string

const (
	EncodingBinary Encoding = "binary"
	EncodingJSON   Encoding = "json"
)

// ParseEncoding maps a query or config value to an Encoding. Empty selects
// binary.
func ParseEncoding(value string) (Encoding, error) {
	switch Encoding(value) {
	case "", EncodingBinary:
		return EncodingBinary, nil
	case EncodingJSON:
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("unknown output encoding %q", value)
	}
}

// Wire error codes carried by Error events.
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeSessionIDRequired = "SESSION_ID_REQUIRED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSpawnFailed       = "SPAWN_FAILED"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeInvalidGeometry   = "INVALID_GEOMETRY"
	CodeWriteFailed       = "WRITE_FAILED"
	CodeRateLimited       = "RATE_LIMITED"
)

var (
	// ErrInvalidMessage is the root of every decode failure.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownModule is returned for envelopes addressed to another module.
	ErrUnknownModule = fmt.Errorf("%w: unknown module", ErrInvalidMessage)
	// ErrUnknownType is returned for unrecognised type tags.
	ErrUnknownType = fmt.Errorf("%w: unknown type", ErrInvalidMessage)
	// ErrSessionIDRequired is returned when a session-scoped request has no id.
	ErrSessionIDRequired = fmt.Errorf("%w: session_id is required", ErrInvalidMessage)
)

// DecodeError carries whatever identifiers could be recovered from a message
// that failed to decode, so the error can be reported back in context.
type DecodeError struct {
	Err       error
	Type      MessageType
	RequestID string
	SessionID string
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
	}
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Request is one of Init, Input, Resize or Close.
type Request interface {
	RequestType() MessageType
}

// Init asks for a new session.
type Init struct {
	RequestID string
	ShellType string
	ShellArgs []string
	Cwd       string
	Env       map[string]string
	Cols      int
	Rows      int
}

// Input carries keyboard or pasted bytes for a session.
type Input struct {
	SessionID string
	Data      []byte
}

// Resize changes a session's geometry.
type Resize struct {
	SessionID string
	Cols      int
	Rows      int
}

// Close ends a session.
type Close struct {
	SessionID string
}

func (Init) RequestType() MessageType   { return TypeInit }
func (Input) RequestType() MessageType  { return TypeInput }
func (Resize) RequestType() MessageType { return TypeResize }
func (Close) RequestType() MessageType  { return TypeClose }

// Event is one of InitAck, Output, Exit or Error.
type Event interface {
	EventType() MessageType
	// Session returns the session the event belongs to, or "".
	Session() string
}

// InitAck answers an Init request.
type InitAck struct {
	RequestID string
	SessionID string
	Success   bool
}

// Output carries bytes produced by a session.
type Output struct {
	SessionID string
	Data      []byte
}

// Exit is the final event for a session.
type Exit struct {
	SessionID string
	Code      int
	Signal    string
}

// Error reports a failed request. SessionID and RequestID are optional.
type Error struct {
	SessionID string
	RequestID string
	Code      string
	Message   string
}

func (InitAck) EventType() MessageType { return TypeInitAck }
func (Output) EventType() MessageType  { return TypeOutput }
func (Exit) EventType() MessageType    { return TypeExit }
func (Error) EventType() MessageType   { return TypeError }

func (e InitAck) Session() string { return e.SessionID }
func (e Output) Session() string  { return e.SessionID }
func (e Exit) Session() string    { return e.SessionID }
func (e Error) Session() string   { return e.SessionID }
