// Package v1 defines the coderoom collaboration protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event constants (wire-stable).
const (
	// EventJoin requests room membership for a username (client -> server).
	EventJoin = "join"
	// EventJoined announces a membership update to the room (server -> room).
	EventJoined = "joined"

	// EventDisconnected announces a last-connection departure (server -> room).
	EventDisconnected = "disconnected"

	// EventCodeChange carries a code buffer update. Inbound it names the room;
	// the relayed copy carries the code only and is never echoed to the sender.
	EventCodeChange = "code-change"
	// EventSyncCode requests a targeted resync of the room's code buffer
	// (client -> server) and carries the reply (server -> client).
	EventSyncCode = "sync-code"

	// EventSendMessage submits a chat message (client -> server).
	EventSendMessage = "send-message"
	// EventReceiveMessage relays an accepted chat message to the whole room,
	// sender included (server -> room).
	EventReceiveMessage = "receive-message"

	// EventFetchMessages requests chat history (client -> server) and names
	// the unicast reply as well (server -> client).
	EventFetchMessages = "fetch-messages"

	// EventSuperseded notifies an evicted connection that a newer connection
	// registered its username in the room (server -> client).
	EventSuperseded = "superseded"

	// EventError is a generic transport-level error envelope (server -> client).
	EventError = "error"
)

// Envelope is the canonical wire wrapper: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Validate performs structural validation for an Envelope against the
// closed event set.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("missing field: event")
	}

	switch e.Event {
	case EventJoin,
		EventJoined,
		EventDisconnected,
		EventCodeChange,
		EventSyncCode,
		EventSendMessage,
		EventReceiveMessage,
		EventFetchMessages,
		EventSuperseded,
		EventError:
		return nil
	default:
		return fmt.Errorf("unknown event: %q", e.Event)
	}
}

// ---- Payloads ----

// ClientInfo identifies one live connection within a room.
type ClientInfo struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
}

// JoinPayload requests membership in a room.
type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// JoinedPayload announces the room's full member list after a join.
type JoinedPayload struct {
	Clients      []ClientInfo `json:"clients"`
	Username     string       `json:"username"`
	ConnectionID string       `json:"connectionId"`
}

// DisconnectedPayload announces that a username's last connection left.
type DisconnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	Username     string `json:"username"`
}

// CodeChangePayload is the inbound code update. Code is a pointer so a
// missing field can be told apart from an intentionally empty buffer.
type CodeChangePayload struct {
	RoomID string  `json:"roomId,omitempty"`
	Code   *string `json:"code,omitempty"`
}

// CodePayload is the outbound code relay/sync shape: the code only.
type CodePayload struct {
	Code string `json:"code"`
}

// SyncCodePayload requests a targeted resync. ConnectionID may be empty,
// in which case the requesting connection is the target. Code, when
// present, is applied to the room buffer before the reply.
type SyncCodePayload struct {
	ConnectionID string  `json:"connectionId,omitempty"`
	RoomID       string  `json:"roomId"`
	Code         *string `json:"code,omitempty"`
}

// SendMessagePayload submits a chat message to a room.
type SendMessagePayload struct {
	RoomID   string `json:"roomId"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

// MessagePayload is the relayed chat message shape, used both for
// receive-message pushes and fetch-messages replies.
type MessagePayload struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// FetchMessagesPayload requests the retained history of a room.
type FetchMessagesPayload struct {
	RoomID string `json:"roomId"`
}

// MessagesPayload is the unicast history reply.
type MessagesPayload struct {
	Messages []MessagePayload `json:"messages"`
}

// SupersededPayload tells an evicted connection which room it was forced
// to leave.
type SupersededPayload struct {
	RoomID string `json:"roomId"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
