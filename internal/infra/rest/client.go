package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agrichat/internal/domain/conversation"
)

var (
	ErrUnauthorized = errors.New("rest: unauthorized")
	ErrNotFound     = errors.New("rest: not found")
)

// APIError carries the server-supplied failure message from a non-success
// envelope.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest: request failed with status %d", e.Status)
	}
	return "rest: " + e.Message
}

// TokenSource supplies the current session bearer token.
type TokenSource func() string

// Config defines REST client settings.
type Config struct {
	BaseURL     string
	CallTimeout time.Duration
}

// Client wraps the consultation REST API. Every response is wrapped in the
// server envelope {success, data, error:{message}}.
type Client struct {
	baseURL     string
	http        *http.Client
	token       TokenSource
	callTimeout time.Duration
	logger      *slog.Logger
}

// Pagination mirrors the server's page metadata on message fetches.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewClient returns a typed client for the given base URL.
func NewClient(cfg Config, token TokenSource, logger *slog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("rest: base url required")
	}
	if token == nil {
		return nil, errors.New("rest: token source required")
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     base,
		http:        &http.Client{},
		token:       token,
		callTimeout: callTimeout,
		logger:      logger,
	}, nil
}

// ListConversations returns the summaries for one status bucket, or all when
// bucket is empty.
func (c *Client) ListConversations(ctx context.Context, bucket conversation.Bucket) ([]conversation.Conversation, error) {
	path := "/conversations"
	if bucket != "" {
		path += "?status=" + url.QueryEscape(string(bucket))
	}
	var out struct {
		Conversations []wireConversation `json:"conversations"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	items := make([]conversation.Conversation, 0, len(out.Conversations))
	for _, conv := range out.Conversations {
		items = append(items, mapConversation(conv))
	}
	return items, nil
}

// CreateConversation initiates (or resumes) a consultation with an expert.
func (c *Client) CreateConversation(ctx context.Context, expertID string) (conversation.Conversation, error) {
	body := map[string]string{"expertId": expertID}
	var out struct {
		Conversation wireConversation `json:"conversation"`
	}
	if err := c.call(ctx, http.MethodPost, "/conversations/create", body, &out); err != nil {
		return conversation.Conversation{}, err
	}
	return mapConversation(out.Conversation), nil
}

// FetchMessages loads one page of persisted messages plus the conversation
// snapshot, oldest first as ordered by the server.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, page, limit int) ([]conversation.Message, conversation.Conversation, Pagination, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages" +
		"?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	var out struct {
		Messages     []wireMessage    `json:"messages"`
		Conversation wireConversation `json:"conversation"`
		Pagination   Pagination       `json:"pagination"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, conversation.Conversation{}, Pagination{}, err
	}
	msgs := make([]conversation.Message, 0, len(out.Messages))
	for _, msg := range out.Messages {
		msgs = append(msgs, mapMessage(msg, conversationID))
	}
	return msgs, mapConversation(out.Conversation), out.Pagination, nil
}

// SendMessage persists a message and returns the server-confirmed copy.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, images []string) (conversation.Message, error) {
	body := map[string]any{"content": content}
	if len(images) > 0 {
		body["images"] = images
	}
	var out struct {
		Message wireMessage `json:"message"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, http.MethodPost, path, body, &out); err != nil {
		return conversation.Message{}, err
	}
	return mapMessage(out.Message, conversationID), nil
}

// MarkRead flips every unread message in the conversation to read for the
// calling party.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/mark-read"
	return c.call(ctx, http.MethodPost, path, nil, nil)
}

// CompleteConversation closes an answered conversation with the farmer's
// rating and optional comment.
func (c *Client) CompleteConversation(ctx context.Context, conversationID string, rating int, comment string) error {
	body := map[string]any{"rating": rating}
	if comment != "" {
		body["comment"] = comment
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/complete"
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// RequestReopen asks to resume a completed conversation.
func (c *Client) RequestReopen(ctx context.Context, conversationID, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/reopen-request"
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// ResolveReopen approves or rejects a pending reopen request (expert only).
func (c *Client) ResolveReopen(ctx context.Context, conversationID string, approved bool) error {
	body := map[string]bool{"approved": approved}
	path := "/conversations/" + url.PathEscape(conversationID) + "/reopen-approve"
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// DeleteConversation soft-deletes a conversation. No undo.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// UnreadCount returns the total unread badge across all conversations.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unreadCount"`
	}
	if err := c.call(ctx, http.MethodGet, "/conversations/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", method, path, err)
	}

	if !envelope.Success {
		msg := ""
		if envelope.Error != nil {
			msg = envelope.Error.Message
		}
		c.logger.Warn("api call failed", "method", method, "path", path, "status", resp.StatusCode, "message", msg)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("rest: decode %s %s data: %w", method, path, err)
	}
	return nil
}

type wireParty struct {
	ID          string `json:"_id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

type wireLastMessage struct {
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type wireConversation struct {
	ID            string           `json:"id"`
	Farmer        *wireParty       `json:"farmer,omitempty"`
	Expert        *wireParty       `json:"expert,omitempty"`
	Status        string           `json:"status"`
	UnreadCount   int              `json:"unreadCount"`
	Rating        int              `json:"rating,omitempty"`
	RatingComment string           `json:"ratingComment,omitempty"`
	CompletedAt   time.Time        `json:"completedAt,omitempty"`
	LastMessage   *wireLastMessage `json:"lastMessage,omitempty"`
	LastMessageAt time.Time        `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt,omitempty"`
}

type wireMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	Sender    wireParty `json:"sender"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

func mapConversation(conv wireConversation) conversation.Conversation {
	out := conversation.Conversation{
		ID:            conv.ID,
		Status:        conversation.Status(conv.Status),
		UnreadCount:   conv.UnreadCount,
		Rating:        conv.Rating,
		RatingComment: conv.RatingComment,
		CompletedAt:   conv.CompletedAt,
		LastMessageAt: conv.LastMessageAt,
		CreatedAt:     conv.CreatedAt,
	}
	if conv.Farmer != nil {
		out.FarmerID = conv.Farmer.ID
	}
	if conv.Expert != nil {
		out.ExpertID = conv.Expert.ID
	}
	if conv.LastMessage != nil {
		out.LastMessage = &conversation.Message{
			ConversationID: conv.ID,
			Content:        conv.LastMessage.Content,
			Images:         append([]string(nil), conv.LastMessage.Images...),
			CreatedAt:      conv.LastMessage.CreatedAt,
			DeliveryState:  conversation.DeliveryConfirmed,
		}
	}
	return out
}

func mapMessage(msg wireMessage, conversationID string) conversation.Message {
	return conversation.Message{
		ID:             msg.ID,
		ConversationID: conversationID,
		Sender: conversation.Sender{
			ID:          msg.Sender.ID,
			DisplayName: msg.Sender.DisplayName,
			Avatar:      msg.Sender.Avatar,
		},
		Content:       msg.Content,
		Images:        append([]string(nil), msg.Images...),
		IsRead:        msg.IsRead,
		CreatedAt:     msg.CreatedAt,
		DeliveryState: conversation.DeliveryConfirmed,
	}
}
