// Package wire defines the frame format spoken between gateway and client:
// inbound request messages and outbound envelopes (results, errors and
// notifications).
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the gateway's default protocol version, returned from
// initialize when the client does not request a specific version.
const ProtocolVersion = "1.0"

// Error kinds carried in error envelopes.
const (
	KindDecodeError    = "decode_error"
	KindMethodNotFound = "method_not_found"
	KindHandlerError   = "handler_error"
	KindInternalError  = "internal_error"
	KindInvalidParams  = "invalid_params"
)

// Message is a decoded inbound frame: {"method": ..., "params": ..., "id": ...}.
// A missing id marks the request as fire-and-forget; the gateway still answers
// it, but the client cannot correlate the response.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     *RequestID      `json:"id,omitempty"`
}

// DecodeMessage parses one inbound frame. A parse failure here is a
// per-message decode error, not a connection failure.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &msg, nil
}

// Error is the error payload of an error envelope. Bare errors marshal as a
// plain string (pre-dispatch rejections such as a missing method); all others
// marshal as {"message": ..., "kind": ...}.
type Error struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`

	bare bool
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Message
}

func (e *Error) MarshalJSON() ([]byte, error) {
	if e.bare {
		return json.Marshal(e.Message)
	}
	type plain Error
	return json.Marshal((*plain)(e))
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		e.Message = str
		e.bare = true
		return nil
	}
	type plain Error
	return json.Unmarshal(data, (*plain)(e))
}

// Envelope is an outbound frame. Exactly one of Result, Err or the
// notification pair (Type, Data) is populated.
type Envelope struct {
	Result json.RawMessage
	Err    *Error
	Type   string
	Data   json.RawMessage
	ID     *RequestID
}

// envelopeJSON is the on-wire shape shared by MarshalJSON and UnmarshalJSON.
type envelopeJSON struct {
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
	Type   string          `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	ID     *RequestID      `json:"id,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Result: e.Result,
		Err:    e.Err,
		Type:   e.Type,
		Data:   e.Data,
		ID:     e.ID,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Result = raw.Result
	e.Err = raw.Err
	e.Type = raw.Type
	e.Data = raw.Data
	e.ID = raw.ID
	return nil
}

// IsNotification reports whether the envelope is a notification frame.
func (e *Envelope) IsNotification() bool {
	return e.Type == "notification"
}

// NewResult builds a success envelope for the given request ID.
func NewResult(id *RequestID, result any) (*Envelope, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{Result: b, ID: id}, nil
}

// NewError builds an error envelope with a structured {message, kind} payload.
func NewError(id *RequestID, kind, message string) *Envelope {
	return &Envelope{Err: &Error{Message: message, Kind: kind}, ID: id}
}

// NewBareError builds a pre-dispatch rejection envelope whose error field is a
// plain string: {"error": "<text>"}. It is only used before a method can be
// attributed to the frame, so it never carries an ID.
func NewBareError(message string) *Envelope {
	return &Envelope{Err: &Error{Message: message, bare: true}}
}

// NewNotification builds a notification envelope. Notifications never carry a
// request ID.
func NewNotification(data []byte) *Envelope {
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		data = quoted
	}
	return &Envelope{Type: "notification", Data: data}
}
