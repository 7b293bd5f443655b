package protocol

import "time"

// Message is a chat message as it appears on the wire and in history
// responses. IDs are allocated by the store in send order per session.
type Message struct {
	ID          int64          `json:"id"`
	ChatID      string         `json:"chat_id"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	SenderID    string         `json:"sender_id"`
	SenderType  SenderType     `json:"sender_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReadBy      []string       `json:"read_by"` // user ids, set semantics
}

// DefaultMessageType is assumed when message.create omits message_type.
const DefaultMessageType = "text"

// MessageCreate asks the server to persist and broadcast a new message.
type MessageCreate struct {
	Content     string         `json:"content"`
	MessageType string         `json:"message_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HistoryRequest pages backwards through persisted messages. A zero
// BeforeMessageID means "most recent".
type HistoryRequest struct {
	BeforeMessageID int64 `json:"before_message_id,omitempty"`
	Limit           int   `json:"limit,omitempty"`
}

// Typing is carried by both typing.start and typing.stop.
type Typing struct {
	IsTyping bool `json:"is_typing"`
}

// MessageRead marks messages as read by the sending identity.
type MessageRead struct {
	MessageIDs []int64 `json:"message_ids"`
}

// MembersRequest has no fields; admin-only.
type MembersRequest struct{}

// MessageNew announces a newly persisted message to session members.
type MessageNew struct {
	Message Message `json:"message"`
}

// HistoryResponse returns the requested page, oldest first.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

// TypingUpdate relays a peer's typing state. Never echoed to the sender.
type TypingUpdate struct {
	Sender   Identity `json:"sender"`
	IsTyping bool     `json:"is_typing"`
}

// ReadUpdate carries the full post-update snapshots of the affected
// messages. Receivers replace their local read_by lists wholesale, so any
// delivery order converges.
type ReadUpdate struct {
	Sender   Identity  `json:"sender"`
	Messages []Message `json:"messages"`
}

// NotificationLevel grades notification.system events.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification is a server-authored broadcast such as a mode switch. Mode
// events carry the session state after the event so receivers can mirror it
// without parsing the human-readable content.
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Content string            `json:"content"`
	Event   string            `json:"event,omitempty"` // e.g. "mode.switch", "agent.join", "agent.leave"
	Mode    string            `json:"mode,omitempty"`
	AgentID string            `json:"agent_id,omitempty"`
}

// Notification event names.
const (
	EventModeSwitch = "mode.switch"
	EventAgentJoin  = "agent.join"
	EventAgentLeave = "agent.leave"
)

// ErrorCode identifies an application-level rejection.
type ErrorCode string

const (
	CodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	CodeUnknownType    ErrorCode = "UNKNOWN_TYPE"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeInternal       ErrorCode = "INTERNAL"
)

// ErrorPayload rejects one request; the connection stays open.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// MembersResponse is the live membership snapshot; admin-only.
type MembersResponse struct {
	Members []string `json:"members"` // client ids
	Count   int      `json:"count"`
}
