// internal/proto/proto.go
package proto

import (
	"encoding/json"
	"fmt"
)

const (
	ProtoVersion = "1"

	MsgTypePush       = "push"
	MsgTypePushAck    = "push_ack"
	MsgTypeSend       = "send"
	MsgTypeSendOK     = "send_ok"
	MsgTypeReceive    = "receive"
	MsgTypeReceiveOK  = "receive_ok"
	MsgTypeUpcheck    = "upcheck"
	MsgTypeUpcheckOK  = "upcheck_ok"
	MsgTypeError      = "error"
	UpcheckReply      = "I'm up!"
	defaultTypeAnswer = "unknown"
)

// Error codes carried by ErrorMsg; transports map them back to sentinels.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// SendRequest is the body of POST /send. Payload is base64; From and To are
// base64 public keys. From may be empty to use the node's default key.
type SendRequest struct {
	Payload string   `json:"payload"`
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
}

type SendResponse struct {
	Key string `json:"key"`
}

type ReceiveResponse struct {
	Payload string `json:"payload"`
}

// Framed messages exchanged over QUIC. "type" is always the first member.

type PushMsg struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	Envelope string `json:"envelope"`
}

type PushAckMsg struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type SendMsg struct {
	Type string `json:"type"`
	SendRequest
}

type SendOKMsg struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type ReceiveMsg struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	To   string `json:"to,omitempty"`
}

type ReceiveOKMsg struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

type UpcheckMsg struct {
	Type string `json:"type"`
}

type ErrorMsg struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (e ErrorMsg) Err() error {
	return fmt.Errorf("remote %s: %s", e.Code, e.Error)
}

// PeekType returns the message type, or "unknown" when absent.
func PeekType(data []byte) string {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type == "" {
		return defaultTypeAnswer
	}
	return hdr.Type
}

func NewError(code string, err error) ErrorMsg {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorMsg{Type: MsgTypeError, Code: code, Error: msg}
}

// TypeCap bounds frame sizes per message type; only messages that carry
// envelopes or payloads may exceed SoftMaxFrameSize.
func TypeCap(msgType string) int {
	switch msgType {
	case MsgTypePush, MsgTypeSend, MsgTypeReceiveOK:
		return MaxFrameSize
	default:
		return SoftMaxFrameSize
	}
}
