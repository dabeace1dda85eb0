// Package protocol defines the WebSocket message types and structures used
// for conversation synchronization between the client engine and the server.
// All messages are serialized as JSON and follow a consistent envelope format
// with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate      = "authenticate"
	TypeJoinConversation  = "join_conversation"
	TypeSendMessage       = "send_message"
	TypeEditMessage       = "edit_message"
	TypeLeaveConversation = "leave_conversation"
)

// Server -> Client message types.
const (
	TypeAuthenticated       = "authenticated"
	TypeConversationJoined  = "conversation_joined"
	TypeConversationHistory = "conversation_history"
	TypeMessage             = "message"
	TypeError               = "error"
)

// TypeTyping flows in both directions: outbound it carries only isTyping,
// inbound the server adds the originating userId.
const TypeTyping = "typing"

// ErrUnknownType is returned by the parse helpers for a well-formed envelope
// whose type is not part of this protocol. Receivers ignore such frames
// rather than treating them as fatal.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg exchanges the opaque bearer token for an authenticated
// session on the socket. It is the only frame accepted before authentication.
type AuthenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// JoinConversationMsg subscribes the socket to a conversation. The protocol
// is single-room per socket; joining replaces any previous subscription.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// SendMessageMsg carries a new chat line. The nonce is generated by the
// client and echoed back on the server's message frame so the sender can
// correlate the echo with its optimistic local copy.
type SendMessageMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// EditMessageMsg requests an edit of a previously sent message. Edits are
// appended to the conversation as linked markers; history is never mutated.
type EditMessageMsg struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

// LeaveConversationMsg unsubscribes the socket from its active conversation.
type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// TypingMsg signals a user's typing state. Outbound frames carry no user ID;
// the server stamps the sender before fanning out.
type TypingMsg struct {
	Type        string `json:"type"`
	IsTyping    bool   `json:"isTyping"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms the bearer token was accepted. UserID is the
// resolved identity of the caller.
type AuthenticatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
}

// ConversationJoinedMsg confirms a join_conversation request.
type ConversationJoinedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// ConversationHistoryMsg delivers the history backfill for a freshly joined
// conversation, oldest first.
type ConversationHistoryMsg struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
}

// MessageMsg delivers one chat line to subscribed sockets, including an echo
// to the sender carrying the server-assigned ID and the original nonce.
type MessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// ErrorMsg communicates an error condition. The connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client->server
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing. ErrUnknownType is returned (wrapped) for
// types not sent by clients.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveConversation:
		var m LeaveConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw WebSocket bytes into a typed server->client
// message. ErrUnknownType is returned (wrapped) for unrecognized types so the
// client can skip frames introduced by newer servers.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticated:
		var m AuthenticatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationJoined:
		var m ConversationJoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationHistory:
		var m ConversationHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Encode creates a JSON-encoded byte slice for an envelope of the given type.
// The msgType is injected into the payload under the "type" key so callers
// can pass payload structs without filling the Type field themselves.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
