// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage    = "send_message"
	TypeRequestHistory = "request_history"
	TypeQueryPresence  = "query_presence"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeMessageDelivered = "message_delivered"
	TypePresenceInfo     = "presence_info"
	TypeError            = "error"
	TypePong             = "pong"
)

// Sender values used in MessageDeliveredMsg, relative to the receiving
// connection.
const (
	SenderMe    = "me"
	SenderOther = "other"
)

// Error codes carried in ErrorMsg.
const (
	CodeInvalidRequest    = "invalid_request"
	CodePersistenceFailed = "persistence_failed"
	CodeRateLimited       = "rate_limited"
	CodeParseError        = "parse_error"
	CodeUnsupportedType   = "unsupported_type"
)

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

// SendMessageMsg is sent by the client to deliver a direct message to another
// user. The receiver ID is trusted as-is; contact-graph authorization is the
// responsibility of the REST layer that handed out the receiver ID.
type SendMessageMsg struct {
	Type       string `json:"type"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// RequestHistoryMsg asks the server to replay the full ordered conversation
// between the authenticated user and the given peer.
type RequestHistoryMsg struct {
	Type   string `json:"type"`
	PeerID int64  `json:"peer_id"`
}

// QueryPresenceMsg asks whether a peer is currently online and when they were
// last seen.
type QueryPresenceMsg struct {
	Type   string `json:"type"`
	PeerID int64  `json:"peer_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// MessageDeliveredMsg carries one direct message to a client connection. The
// same shape is used for live fan-out to the receiver, the acknowledgment to
// the sender, and history replay, so clients render exactly one event type.
//
// Sender is relative to the connection receiving the event: "me" when the
// connection's user authored the message, "other" when the peer did. Time is
// RFC3339; formatting for display is a client concern.
type MessageDeliveredMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Time      string `json:"time"`
	Delivered bool   `json:"delivered"`
}

// PresenceInfoMsg answers a query_presence request.
type PresenceInfoMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"user_id"`
	LastSeen string `json:"last_seen"`
	Online   bool   `json:"online"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
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
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestHistory:
		var m RequestHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQueryPresence:
		var m QueryPresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
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
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
