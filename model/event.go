package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event tags, carried in the type field.
const (
	EventTypeMessage     = "message"
	EventTypeTyping      = "typing"
	EventTypeReadReceipt = "read_receipt"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Event is the closed set of frames exchanged over a room channel.
// A new kind must be added to DecodeEvent, EncodeEvent and every dispatch
// switch that consumes events.
type Event interface {
	EventType() string
}

type MessageEvent struct {
	MessageID   string          `json:"message_id,omitempty"`
	ID          string          `json:"id,omitempty"`
	SenderEmail string          `json:"sender_email,omitempty"`
	SenderName  string          `json:"sender_name,omitempty"`
	Content     string          `json:"content"`
	Kind        string          `json:"message_type,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	IsPublic    *bool           `json:"is_public,omitempty"`
}

func (MessageEvent) EventType() string { return EventTypeMessage }

// Ident returns the message identifier regardless of which wire field
// carried it. Servers differ on message_id vs id.
func (e MessageEvent) Ident() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return e.ID
}

// Public treats an absent is_public flag as public.
func (e MessageEvent) Public() bool {
	return e.IsPublic == nil || *e.IsPublic
}

type TypingEvent struct {
	UserName string `json:"user_name,omitempty"`
	Typing   bool   `json:"typing"`
}

func (TypingEvent) EventType() string { return EventTypeTyping }

type ReadReceiptEvent struct {
	MessageID string `json:"message_id"`
	UserEmail string `json:"user_email"`
}

func (ReadReceiptEvent) EventType() string { return EventTypeReadReceipt }

type envelope struct {
	Type string `json:"type"`
}

func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case MessageEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			MessageEvent
		}{EventTypeMessage, e})
	case TypingEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			TypingEvent
		}{EventTypeTyping, e})
	case ReadReceiptEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			ReadReceiptEvent
		}{EventTypeReadReceipt, e})
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case EventTypeMessage:
		var e MessageEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeTyping:
		var e TypingEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeReadReceipt:
		var e ReadReceiptEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}
