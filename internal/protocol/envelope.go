package protocol

import (
	"fmt"
	"time"
)

// Message kinds carried in the outer {message, data} wrapper.
const (
	MsgACK   = "ACK"
	MsgEVT   = "EVT"
	MsgDSP   = "DSP"
	MsgPIN   = "PIN"
	MsgCNF   = "CNF"
	MsgREADY = "READY"
	MsgMSG   = "MSG"
	MsgRSP   = "RSP"
	MsgERR   = "ERR"
)

// IsFinal reports whether a message kind terminates the session.
// The allow-list of final messages is the sole commit gate; anything
// not on it is treated as non-terminal by default.
func IsFinal(message string) bool {
	switch message {
	case MsgMSG, MsgRSP, MsgERR:
		return true
	}
	return false
}

// IsProgress reports whether a message kind is a known progress event.
func IsProgress(message string) bool {
	switch message {
	case MsgEVT, MsgDSP, MsgPIN, MsgCNF, MsgREADY:
		return true
	}
	return false
}

// Envelope is the outer wrapper for an outbound command.
type Envelope struct {
	Message string       `json:"message"`
	Data    EnvelopeData `json:"data"`
}

// EnvelopeData carries the command, the POS identity, and the
// per-session request id.
type EnvelopeData struct {
	Command   string          `json:"command"`
	EcrID     string          `json:"EcrId"`
	RequestID string          `json:"requestId"`
	Data      *CommandPayload `json:"data,omitempty"`
}

// CommandPayload is the command-specific inner body.
type CommandPayload struct {
	Params      map[string]interface{} `json:"params,omitempty"`
	Transaction map[string]interface{} `json:"transaction,omitempty"`
	Lodging     map[string]interface{} `json:"lodging,omitempty"`
}

// Response is an inbound {message, data} unit from the terminal. The
// data shape varies per command, so it stays generic and is passed
// through to the POS untouched.
type Response struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// CmdResult extracts data.cmdResult.result, or "" when absent.
func (r *Response) CmdResult() string {
	cr, ok := r.Data["cmdResult"].(map[string]interface{})
	if !ok {
		return ""
	}
	result, _ := cr["result"].(string)
	return result
}

// ResponseLabel extracts data.response, or "" when absent.
func (r *Response) ResponseLabel() string {
	label, _ := r.Data["response"].(string)
	return label
}

// NewCommand builds a MSG envelope for a command.
func NewCommand(command, ecrID, requestID string, payload *CommandPayload) Envelope {
	return Envelope{
		Message: MsgMSG,
		Data: EnvelopeData{
			Command:   command,
			EcrID:     ecrID,
			RequestID: requestID,
			Data:      payload,
		},
	}
}

// NewRequestID allocates a 6-digit zero-padded request id derived from
// the current epoch milliseconds. Unique within a session; collisions
// across sessions are harmless because correlation is per-connection.
func NewRequestID() string {
	return fmt.Sprintf("%06d", time.Now().UnixMilli()%1_000_000)
}
