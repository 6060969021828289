package socket

import (
	"encoding/json"

	"agrichat/internal/domain/conversation"
)

// Event names shared with the consultation server. Client-emitted and
// server-pushed events use the same envelope.
const (
	EventMessageSend           = "message:send"
	EventMessageReceive        = "message:receive"
	EventMessageRead           = "message:read"
	EventTyping                = "conversation:typing"
	EventConversationCreated   = "conversation:created"
	EventConversationCompleted = "conversation:completed"
	EventReopenRequested       = "conversation:reopen-requested"
	EventReopenApproved        = "conversation:reopen-approved"
	EventUserOnline            = "user:online"
	EventUserOffline           = "user:offline"
)

// Envelope is the wire frame for every socket event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageSendPayload announces a just-persisted message for live fan-out.
type MessageSendPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	ReceiverID     string `json:"receiverId"`
}

// MessageReceivePayload pushes a new message to the counterpart.
type MessageReceivePayload struct {
	ConversationID string               `json:"conversationId"`
	Message        conversation.Message `json:"message"`
}

// TypingPayload relays typing state. UserID is filled in server-side on the
// way back out.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageReadPayload reports a conversation-level read receipt.
type MessageReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	ReadBy         string `json:"readBy,omitempty"`
}

// ConversationCreatedPayload announces a freshly initiated consultation.
type ConversationCreatedPayload struct {
	ConversationID string `json:"conversationId"`
	ExpertID       string `json:"expertId,omitempty"`
	FarmerID       string `json:"farmerId,omitempty"`
}

// ConversationCompletedPayload announces a completed consultation with its
// rating.
type ConversationCompletedPayload struct {
	ConversationID string `json:"conversationId"`
	ExpertID       string `json:"expertId,omitempty"`
	Rating         int    `json:"rating"`
}

// ReopenPayload covers both reopen-requested and reopen-approved
// announcements.
type ReopenPayload struct {
	ConversationID string `json:"conversationId"`
	ExpertID       string `json:"expertId,omitempty"`
	FarmerID       string `json:"farmerId,omitempty"`
}
