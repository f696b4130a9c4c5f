package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/catalogsync/errs"
)

// MessageType identifies a real-time wire frame.
type MessageType string

const (
	// MessageSnapshot carries the full record collection (server to viewer).
	MessageSnapshot MessageType = "snapshot"
	// MessageEvent carries one mutation event (server to viewer).
	MessageEvent MessageType = "event"
	// MessageRequestSnapshot asks the server for a fresh snapshot (viewer to server).
	MessageRequestSnapshot MessageType = "request_snapshot"
)

// Message is the envelope exchanged over the real-time channel.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Records   []Record    `json:"records,omitempty"`
	Count     int         `json:"count,omitempty"`
	Event     *Event      `json:"event,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewSnapshotMessage builds a snapshot frame from a point-in-time record list.
func NewSnapshotMessage(sessionID string, records []Record, ts time.Time) Message {
	cloned := CloneRecords(records)
	return Message{
		Type:      MessageSnapshot,
		SessionID: sessionID,
		Records:   cloned,
		Count:     len(cloned),
		Event:     nil,
		Timestamp: ts,
	}
}

// NewEventMessage wraps an event in a wire frame.
func NewEventMessage(evt Event) Message {
	clone := evt.Clone()
	return Message{
		Type:      MessageEvent,
		SessionID: "",
		Records:   nil,
		Count:     0,
		Event:     &clone,
		Timestamp: evt.Timestamp,
	}
}

// NewSnapshotRequest builds the viewer's snapshot request frame.
func NewSnapshotRequest(ts time.Time) Message {
	return Message{Type: MessageRequestSnapshot, Timestamp: ts}
}

// EncodeMessage serialises a wire frame.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// DecodeMessage parses and validates a wire frame.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errs.New("schema/message", errs.CodeValidation,
			errs.WithMessage("malformed message"), errs.WithCause(err))
	}
	switch msg.Type {
	case MessageSnapshot, MessageRequestSnapshot:
	case MessageEvent:
		if msg.Event == nil {
			return Message{}, errs.New("schema/message", errs.CodeValidation, errs.WithMessage("event message without event"))
		}
		if err := msg.Event.Validate(); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, errs.New("schema/message", errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
	if msg.Type == MessageSnapshot && msg.Records == nil {
		msg.Records = []Record{}
	}
	return msg, nil
}
