package model

import (
	"encoding/json"
	"time"
)

// Message kinds carried in the message_type wire field.
const (
	KindText   = "text"
	KindFile   = "file"
	KindSystem = "system"
)

// Visibility of a message within its room. Carried on the wire as the
// is_public flag; enforcement is a server responsibility.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Public() bool {
	return v != VisibilityPrivate
}

// Message is one transcript entry of a room. ID is unique within the room
// and server-issued; ReadBy only ever grows.
type Message struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_email"`
	SenderName  string          `json:"sender_name"`
	Content     string          `json:"content"`
	Kind        string          `json:"message_type"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadBy      []string        `json:"read_by,omitempty"`
	Public      bool            `json:"is_public"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// Identity of the console user on whose behalf the engine acts.
type Identity struct {
	Email string
	Name  string
}

// Wire is a pair of event channels attached to one participant's websocket
// session. RX carries events received from the participant, TX events to be
// delivered to them.
type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event),
	}
}
