package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Frame types carried in the "type" discriminant.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeCommand      = "command"
	TypeResponse     = "response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSelectTarget = "select-target"
)

// ErrMalformed marks a frame that could not be parsed at all.
var ErrMalformed = errors.New("malformed frame")

// Envelope is the header shared by every frame.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// ParseEnvelope reads the discriminant of a raw frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

type RegisterFrame struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
}

func NewRegister(identity string) RegisterFrame {
	return RegisterFrame{Type: TypeRegister, Identity: identity}
}

type KeepaliveFrame struct {
	Type string `json:"type"`
}

func NewPing() KeepaliveFrame { return KeepaliveFrame{Type: TypePing} }

// SelectTargetFrame is sent by relay clients asking to control a target.
type SelectTargetFrame struct {
	Type     string   `json:"type"`
	TargetID TargetID `json:"targetId"`
}

// Response answers exactly one command. ID is empty for responses the
// relay pushes on its own.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func OK(id string, data any) Response {
	return Response{Type: TypeResponse, ID: id, Success: true, Data: data}
}

func Fail(id, message string) Response {
	return Response{Type: TypeResponse, ID: id, Success: false, Error: message}
}

// TargetID identifies a browser target. On the wire it may arrive as a
// JSON number or string.
type TargetID string

func (t *TargetID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TargetID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("target id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("target id must be an integer: %s", n)
	}
	*t = TargetID(n.String())
	return nil
}
