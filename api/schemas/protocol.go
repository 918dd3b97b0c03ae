package schemas

import (
	"fmt"
	"time"
)

// ProtocolName and ProtocolVersion pin the agent-to-agent wire contract.
const (
	ProtocolName    = "evold/a2a"
	ProtocolVersion = "1"
)

// MessageType enumerates the six message kinds peers exchange.
type MessageType string

const (
	MsgHello    MessageType = "hello"
	MsgPublish  MessageType = "publish"
	MsgFetch    MessageType = "fetch"
	MsgReport   MessageType = "report"
	MsgDecision MessageType = "decision"
	MsgRevoke   MessageType = "revoke"
)

// ValidMessageType reports whether t is one of the six protocol types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MsgHello, MsgPublish, MsgFetch, MsgReport, MsgDecision, MsgRevoke:
		return true
	}
	return false
}

// Message is the A2A protocol envelope. Payload interpretation depends on
// Type; for publish messages it is an AssetEnvelope.
type Message struct {
	Protocol        string         `json:"protocol"`
	ProtocolVersion string         `json:"protocol_version"`
	Type            MessageType    `json:"message_type"`
	ID              string         `json:"message_id"`
	SenderID        string         `json:"sender_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// Validate enforces the envelope contract before a message is sent or
// accepted.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if m.Protocol != ProtocolName {
		return fmt.Errorf("message %s: protocol %q, want %q", m.ID, m.Protocol, ProtocolName)
	}
	if m.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("message %s: protocol version %q, want %q", m.ID, m.ProtocolVersion, ProtocolVersion)
	}
	if !ValidMessageType(m.Type) {
		return fmt.Errorf("message %s: unknown type %q", m.ID, m.Type)
	}
	if m.ID == "" {
		return fmt.Errorf("message id is empty")
	}
	if m.SenderID == "" {
		return fmt.Errorf("message %s: sender id is empty", m.ID)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message %s: timestamp is zero", m.ID)
	}
	return nil
}
