package events

import (
	"consult-platform/internal/calls"
	"consult-platform/internal/media"
)

// Inbound command types.
const (
	CmdInitiate = "initiate"
	CmdAccept   = "accept"
	CmdReject   = "reject"
	CmdCancel   = "cancel"
	CmdEnd      = "end"
	CmdJoined   = "joined"
	CmdLeft     = "left"
	CmdTopUp    = "topup"
	CmdAck      = "ack"
	CmdPing     = "ping"
)

// Inbound is a command sent by a party. ID is echoed on the reply so the
// client can match it.
type Inbound struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	CalleeID  string `json:"callee_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	// Seq is the highest notification sequence acknowledged (ack only).
	Seq uint64 `json:"seq,omitempty"`
}

// Outbound is a notification with the party's delivery sequence number.
type Outbound struct {
	Seq uint64 `json:"seq"`
	calls.Notification
}

const replyType = "reply"

// Reply answers one Inbound command.
type Reply struct {
	Type       string             `json:"type"`
	ID         string             `json:"id,omitempty"`
	Command    string             `json:"command"`
	OK         bool               `json:"ok"`
	Call       *calls.CallRequest `json:"call,omitempty"`
	Credential *media.Credential  `json:"credential,omitempty"`
	Error      *ErrorBody         `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Status  calls.Status `json:"status,omitempty"`
}
