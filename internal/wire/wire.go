// Package wire defines the JSON text frames exchanged with the sync server
// and the canonical query hashing that keys the client-side query cache.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client-originated frame ops.
const (
	OpAddQuery    = "add-query"
	OpRemoveQuery = "remove-query"
	OpTransact    = "transact"
	OpJoinRoom    = "join-room"
	OpLeaveRoom   = "leave-room"
	OpSetPresence = "set-presence"
	OpBroadcast   = "broadcast"
)

// Server-originated frame types.
const (
	TypeQueryResult     = "query-result"
	TypeQueryError      = "query-error"
	TypeMutationAck     = "mutation-ack"
	TypeMutationError   = "mutation-error"
	TypePresenceUpdate  = "presence-update"
	TypeRoomJoined      = "room-joined"
	TypeRoomLeft        = "room-left"
	TypeServerBroadcast = "server-broadcast"
)

// ErrorInfo is the error payload shape shared by query and mutation
// failures.
type ErrorInfo struct {
	Message string `json:"message"`
	Hint    any    `json:"hint,omitempty"`
}

func (e *ErrorInfo) Error() string { return e.Message }

// QueryResult is the result envelope a query-result frame carries.
type QueryResult struct {
	Store         any   `json:"store"`
	PageInfo      any   `json:"pageInfo,omitempty"`
	Aggregate     any   `json:"aggregate,omitempty"`
	ProcessedTxID int64 `json:"processedTxId,omitempty"`
}

// ClientMessage is one outbound frame. Every frame carries its op and a
// locally generated client event id for server-side tracing.
type ClientMessage struct {
	Op            string `json:"op"`
	ClientEventID string `json:"client-event-id,omitempty"`

	EventID  string `json:"eventId,omitempty"`
	Query    any    `json:"query,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Once     bool   `json:"once,omitempty"`
	Steps    []any  `json:"steps,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	Presence any    `json:"presence,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// Encode renders the frame as a JSON text frame.
func (m ClientMessage) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s frame: %w", m.Op, err)
	}
	return string(data), nil
}

// ServerMessage is one inbound frame, decoded loosely: only the fields
// relevant to the frame's type are populated.
type ServerMessage struct {
	Type string `json:"type"`

	Hash        string       `json:"hash,omitempty"`
	Result      *QueryResult `json:"result,omitempty"`
	Err         *ErrorInfo   `json:"error,omitempty"`
	OnceEventID string       `json:"onceEventId,omitempty"`
	EventID     string       `json:"eventId,omitempty"`
	TxID        int64        `json:"txId,omitempty"`
	RoomID      string       `json:"roomId,omitempty"`
	Peers       map[string]any `json:"peers,omitempty"`
	Topic       string       `json:"topic,omitempty"`
	Payload     any          `json:"payload,omitempty"`
}

// DecodeServerMessage parses a raw inbound text frame.
func DecodeServerMessage(raw string) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server frame: %w", err)
	}
	if msg.Type == "" {
		return ServerMessage{}, fmt.Errorf("decode server frame: missing type")
	}
	return msg, nil
}
