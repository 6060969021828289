package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agrichat/internal/domain/conversation"
	"agrichat/internal/infra/rest"
	"agrichat/internal/infra/socket"
	"agrichat/internal/infra/storage/s3"
)

var (
	ErrActionNotAllowed = errors.New("chat: action not allowed in current state")
	ErrClosed           = errors.New("chat: session closed")
)

// MessageStore is the REST collaborator subset the synchronizer consumes.
type MessageStore interface {
	FetchMessages(ctx context.Context, conversationID string, page, limit int) ([]conversation.Message, conversation.Conversation, rest.Pagination, error)
	SendMessage(ctx context.Context, conversationID, content string, images []string) (conversation.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	CompleteConversation(ctx context.Context, conversationID string, rating int, comment string) error
	RequestReopen(ctx context.Context, conversationID, reason string) error
	ResolveReopen(ctx context.Context, conversationID string, approved bool) error
	CreateConversation(ctx context.Context, expertID string) (conversation.Conversation, error)
}

// Emitter is the socket surface the synchronizer consumes. It never owns the
// connection; emits degrade to no-ops when the socket is down.
type Emitter interface {
	Emit(event string, payload any) error
	On(event string, fn socket.Handler) (cancel func())
	IsConnected() bool
}

// Draft is the user input of a failed send, handed back so the caller can
// restore it instead of losing the typed text.
type Draft struct {
	Content string
	Images  []string
}

// SendFailedError wraps a send failure together with the restorable draft.
type SendFailedError struct {
	Draft Draft
	Err   error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("chat: send failed: %v", e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// EventKind classifies session notifications.
type EventKind string

const (
	EventLoaded           EventKind = "loaded"
	EventMessageConfirmed EventKind = "message_confirmed"
	EventMessageReceived  EventKind = "message_received"
	EventMessagesRead     EventKind = "messages_read"
	EventMessageFailed    EventKind = "message_failed"
	EventStatusChanged    EventKind = "status_changed"
)

// Event describes a state change observers (the chat screen, the list
// aggregator) may react to.
type Event struct {
	Kind           EventKind
	ConversationID string
}

// Session merges the three message sources of one open conversation — the
// initial REST fetch, local optimistic sends and socket-pushed events — into
// a single ordered, deduplicated list. Canonical order is chronological,
// oldest first; confirmed history is never reordered and new entries only
// ever land at the newest end.
type Session struct {
	store    MessageStore
	uploader s3.Uploader
	sock     Emitter
	logger   *slog.Logger

	me   conversation.Sender
	role conversation.Role

	mu       sync.Mutex
	conv     conversation.Conversation
	messages []conversation.Message
	seen     map[string]struct{}
	closed   bool
	cancels  []func()

	subMu     sync.Mutex
	observers []func(Event)
}

// NewSession builds an unbound session for the local user. Call Open (or
// OpenWithExpert) before anything else.
func NewSession(store MessageStore, uploader s3.Uploader, sock Emitter, me conversation.Sender, role conversation.Role, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if uploader == nil {
		uploader = s3.NoopUploader{}
	}
	return &Session{
		store:    store,
		uploader: uploader,
		sock:     sock,
		logger:   logger,
		me:       me,
		role:     role,
		seen:     make(map[string]struct{}),
	}
}

// OnEvent registers an observer for session events and returns its cancel.
func (s *Session) OnEvent(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			s.observers[idx] = nil
			s.subMu.Unlock()
		})
	}
}

// Open binds the session to an existing conversation: loads persisted
// history, marks it read, and layers live socket events on top.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	msgs, conv, _, err := s.store.FetchMessages(ctx, conversationID, 1, 50)
	if err != nil {
		return fmt.Errorf("chat: load conversation: %w", err)
	}
	// Server order is authoritative; sorting here only settles pages that
	// arrive newest-first.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.conv = conv
	s.messages = msgs
	s.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			s.seen[m.ID] = struct{}{}
		}
	}
	s.mu.Unlock()

	s.attach()
	s.notify(Event{Kind: EventLoaded, ConversationID: conversationID})

	if conv.UnreadCount > 0 {
		if err := s.MarkRead(ctx); err != nil {
			s.logger.Warn("mark read on open failed", "conversation_id", conversationID, "error", err)
		}
	}
	return nil
}

// OpenWithExpert initiates (or resumes) a conversation with the given expert
// and binds to it. Used when the farmer starts from an expert profile rather
// than an existing thread.
func (s *Session) OpenWithExpert(ctx context.Context, expertID string) error {
	conv, err := s.store.CreateConversation(ctx, expertID)
	if err != nil {
		return fmt.Errorf("chat: create conversation: %w", err)
	}
	if s.sock != nil {
		payload := socket.ConversationCreatedPayload{ConversationID: conv.ID, ExpertID: conv.ExpertID, FarmerID: conv.FarmerID}
		if err := s.sock.Emit(socket.EventConversationCreated, payload); err != nil && !errors.Is(err, socket.ErrNotConnected) {
			s.logger.Warn("conversation created announce failed", "error", err)
		}
	}
	return s.Open(ctx, conv.ID)
}

// attach wires the socket handlers for the bound conversation.
func (s *Session) attach() {
	if s.sock == nil {
		return
	}
	cancelReceive := s.sock.On(socket.EventMessageReceive, s.handleReceive)
	cancelRead := s.sock.On(socket.EventMessageRead, s.handleReadReceipt)

	s.mu.Lock()
	s.cancels = append(s.cancels, cancelReceive, cancelRead)
	s.mu.Unlock()
}

// Close detaches the session's socket listeners. The shared socket stays up;
// its lifetime belongs to the session manager, not to any single screen.
// In-flight sends resolving after Close are dropped safely.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Conversation returns the current snapshot.
func (s *Session) Conversation() conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Messages returns a copy of the ordered list, oldest first.
func (s *Session) Messages() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// CanAct exposes the state-machine guard for the local user, so the UI
// renders exactly the affordances the current status and role permit.
func (s *Session) CanAct(action conversation.Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conversation.CanAct(s.conv.Status, s.role, action)
}

// Send performs an optimistic send: uploads images first (aborting the whole
// send on upload failure), inserts a local placeholder immediately, persists
// over REST, reconciles the placeholder in place, then announces the
// confirmed message for live fan-out. On REST failure the placeholder is
// rolled back and the draft is returned inside the error.
func (s *Session) Send(ctx context.Context, content string, imagePaths []string) (conversation.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return conversation.Message{}, ErrClosed
	}
	conv := s.conv
	s.mu.Unlock()

	if !conversation.CanAct(conv.Status, s.role, conversation.ActionSend) {
		return conversation.Message{}, ErrActionNotAllowed
	}

	var imageURLs []string
	if len(imagePaths) > 0 {
		urls, err := s.uploader.UploadImages(ctx, imagePaths)
		if err != nil {
			// No text-only fallback: the user attached those images on
			// purpose.
			return conversation.Message{}, &SendFailedError{
				Draft: Draft{Content: content},
				Err:   fmt.Errorf("upload images: %w", err),
			}
		}
		imageURLs = urls
	}

	optimistic := conversation.NewOptimistic(conv.ID, s.me, content, imageURLs, time.Now())
	if !s.insertOptimistic(optimistic) {
		return conversation.Message{}, ErrClosed
	}

	confirmed, err := s.store.SendMessage(ctx, conv.ID, content, imageURLs)
	if err != nil {
		s.removeOptimistic(optimistic.LocalID)
		return conversation.Message{}, &SendFailedError{
			Draft: Draft{Content: content, Images: imageURLs},
			Err:   err,
		}
	}

	s.confirmOptimistic(optimistic.LocalID, confirmed)
	s.announce(conv, confirmed)
	return confirmed, nil
}

func (s *Session) insertOptimistic(m conversation.Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.notify(Event{Kind: EventMessageReceived, ConversationID: m.ConversationID})
	return true
}

func (s *Session) removeOptimistic(localID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].LocalID == localID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	convID := s.conv.ID
	s.mu.Unlock()
	s.notify(Event{Kind: EventMessageFailed, ConversationID: convID})
}

// confirmOptimistic swaps the placeholder for the server copy in the same
// slot. If the socket echo beat the REST confirmation, the server id is
// already present: the placeholder is dropped instead, so exactly one entry
// remains either way.
func (s *Session) confirmOptimistic(localID string, confirmed conversation.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, echoed := s.seen[confirmed.ID]
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].LocalID != localID {
			continue
		}
		if echoed {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		} else {
			s.messages[i] = confirmed
			s.seen[confirmed.ID] = struct{}{}
		}
		break
	}
	s.conv.ApplyIncoming(confirmed)
	convID := s.conv.ID
	s.mu.Unlock()
	s.notify(Event{Kind: EventMessageConfirmed, ConversationID: convID})
}

// announce emits the fan-out event for a freshly persisted message. Skipped
// silently when no socket is live: the counterpart catches up on next fetch.
func (s *Session) announce(conv conversation.Conversation, m conversation.Message) {
	if s.sock == nil {
		return
	}
	receiverID := conv.CounterpartID(s.role)
	if receiverID == "" {
		s.logger.Warn("no receiver for announce", "conversation_id", conv.ID)
		return
	}
	payload := socket.MessageSendPayload{
		ConversationID: conv.ID,
		MessageID:      m.ID,
		ReceiverID:     receiverID,
	}
	if err := s.sock.Emit(socket.EventMessageSend, payload); err != nil {
		if errors.Is(err, socket.ErrNotConnected) {
			s.logger.Debug("socket down, skipping announce", "conversation_id", conv.ID)
			return
		}
		s.logger.Warn("message announce failed", "conversation_id", conv.ID, "error", err)
	}
}

func (s *Session) handleReceive(data json.RawMessage) {
	var payload socket.MessageReceivePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("bad message:receive payload", "error", err)
		return
	}

	s.mu.Lock()
	if s.closed || payload.ConversationID != s.conv.ID {
		s.mu.Unlock()
		return
	}
	msg := payload.Message
	if msg.ID == "" {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[msg.ID]; dup {
		// Duplicate delivery or our own echo; applying twice must be a no-op.
		s.mu.Unlock()
		return
	}
	msg.ConversationID = s.conv.ID
	msg.DeliveryState = conversation.DeliveryConfirmed
	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	s.conv.ApplyIncoming(msg)
	convID := s.conv.ID
	fromCounterpart := msg.Sender.ID != s.me.ID
	s.mu.Unlock()

	s.notify(Event{Kind: EventMessageReceived, ConversationID: convID})

	if fromCounterpart {
		// The conversation is actively open, so consume the unread state
		// right away.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.MarkRead(ctx); err != nil {
				s.logger.Warn("mark read after receive failed", "conversation_id", convID, "error", err)
			}
		}()
	}
}

func (s *Session) handleReadReceipt(data json.RawMessage) {
	var payload socket.MessageReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed || payload.ConversationID != s.conv.ID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].Sender.ID == s.me.ID {
			s.messages[i].IsRead = true
		}
	}
	convID := s.conv.ID
	s.mu.Unlock()
	s.notify(Event{Kind: EventMessagesRead, ConversationID: convID})
}

// MarkRead flips all unread messages in the conversation to read server-side
// and mirrors the reset locally.
func (s *Session) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	convID := s.conv.ID
	s.mu.Unlock()

	if err := s.store.MarkRead(ctx, convID); err != nil {
		return fmt.Errorf("chat: mark read: %w", err)
	}

	s.mu.Lock()
	s.conv.UnreadCount = 0
	s.mu.Unlock()

	if s.sock != nil {
		payload := socket.MessageReadPayload{ConversationID: convID, ReadBy: s.me.ID}
		if err := s.sock.Emit(socket.EventMessageRead, payload); err != nil && !errors.Is(err, socket.ErrNotConnected) {
			s.logger.Warn("read receipt emit failed", "conversation_id", convID, "error", err)
		}
	}
	return nil
}

// Complete closes the conversation with the farmer's rating and announces it.
func (s *Session) Complete(ctx context.Context, rating int, comment string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conv := s.conv
	s.mu.Unlock()

	if !conversation.CanAct(conv.Status, s.role, conversation.ActionComplete) {
		return ErrActionNotAllowed
	}
	if err := s.store.CompleteConversation(ctx, conv.ID, rating, comment); err != nil {
		return fmt.Errorf("chat: complete conversation: %w", err)
	}

	s.mu.Lock()
	if err := s.conv.Complete(s.role, rating, comment, time.Now()); err != nil {
		// Server accepted; local snapshot was stale. Trust the server.
		s.conv.Status = conversation.StatusCompleted
		s.conv.Rating = rating
		s.conv.RatingComment = comment
	}
	s.mu.Unlock()
	s.notify(Event{Kind: EventStatusChanged, ConversationID: conv.ID})

	if s.sock != nil {
		payload := socket.ConversationCompletedPayload{ConversationID: conv.ID, ExpertID: conv.ExpertID, Rating: rating}
		if err := s.sock.Emit(socket.EventConversationCompleted, payload); err != nil && !errors.Is(err, socket.ErrNotConnected) {
			s.logger.Warn("completed announce failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

// RequestReopen asks to resume a completed conversation.
func (s *Session) RequestReopen(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conv := s.conv
	s.mu.Unlock()

	if !conversation.CanAct(conv.Status, s.role, conversation.ActionRequestReopen) {
		return ErrActionNotAllowed
	}
	if err := s.store.RequestReopen(ctx, conv.ID, reason); err != nil {
		return fmt.Errorf("chat: request reopen: %w", err)
	}

	s.mu.Lock()
	_ = s.conv.RequestReopen(s.role, reason, time.Now())
	s.mu.Unlock()
	s.notify(Event{Kind: EventStatusChanged, ConversationID: conv.ID})

	if s.sock != nil {
		payload := socket.ReopenPayload{ConversationID: conv.ID, ExpertID: conv.ExpertID}
		if err := s.sock.Emit(socket.EventReopenRequested, payload); err != nil && !errors.Is(err, socket.ErrNotConnected) {
			s.logger.Warn("reopen request announce failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

// ResolveReopen settles a reopen request as the expert.
func (s *Session) ResolveReopen(ctx context.Context, approved bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conv := s.conv
	s.mu.Unlock()

	action := conversation.ActionRejectReopen
	if approved {
		action = conversation.ActionApproveReopen
	}
	if !conversation.CanAct(conv.Status, s.role, action) {
		return ErrActionNotAllowed
	}
	if err := s.store.ResolveReopen(ctx, conv.ID, approved); err != nil {
		return fmt.Errorf("chat: resolve reopen: %w", err)
	}

	s.mu.Lock()
	_ = s.conv.ResolveReopen(s.role, approved, time.Now())
	s.mu.Unlock()
	s.notify(Event{Kind: EventStatusChanged, ConversationID: conv.ID})

	if approved && s.sock != nil {
		payload := socket.ReopenPayload{ConversationID: conv.ID, FarmerID: conv.FarmerID}
		if err := s.sock.Emit(socket.EventReopenApproved, payload); err != nil && !errors.Is(err, socket.ErrNotConnected) {
			s.logger.Warn("reopen approval announce failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

func (s *Session) notify(ev Event) {
	s.subMu.Lock()
	observers := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		if fn != nil {
			observers = append(observers, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
